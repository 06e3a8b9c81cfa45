// Package session mirrors per-connection presence into Redis so operators
// and other processes can see who is connected, searching, paired or in a
// room. The in-memory registries stay authoritative; the mirror is written
// asynchronously and a Redis outage only leaves it stale.
package session
