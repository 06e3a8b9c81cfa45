package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestProvider_TURNCredentials(t *testing.T) {
	p, err := NewProvider(Config{
		STUNURLs: []string{" stun:stun.example.com:3478 "},
		TURNURLs: []string{"turn:turn.example.com:3478?transport=udp"},
		Secret:   "shared-secret",
		TTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	servers := p.ForClient("abc")
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" || servers[0].Username != "" {
		t.Fatalf("unexpected stun entry: %+v", servers[0])
	}

	turn := servers[1]
	wantUser := "1700003600:abc"
	if turn.Username != wantUser {
		t.Fatalf("Username: got %q, want %q", turn.Username, wantUser)
	}
	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUser))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); turn.Credential != want {
		t.Fatalf("Credential: got %q, want %q", turn.Credential, want)
	}
}

func TestProvider_StunOnly(t *testing.T) {
	p, err := NewProvider(Config{STUNURLs: []string{"stun:stun.l.google.com:19302", ""}})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	servers := p.Servers("abc")
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}

func TestNewProvider_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad stun scheme", Config{STUNURLs: []string{"http://x"}}},
		{"bad turn scheme", Config{TURNURLs: []string{"stun:x"}, Secret: "s", TTL: time.Minute}},
		{"turn without secret", Config{TURNURLs: []string{"turn:x"}, TTL: time.Minute}},
		{"turn without ttl", Config{TURNURLs: []string{"turns:x"}, Secret: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
