// Package ice builds the ICE server list handed to clients in
// session-created and on /ice-servers.
//
// TURN entries carry coturn-compatible REST credentials:
//
//	username   = <unix_expiry>:<session_id>
//	credential = base64(hmac_sha1(secret, username))
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Config lists the STUN and TURN urls. TURN urls are only handed out when
// Secret is set.
type Config struct {
	STUNURLs []string
	TURNURLs []string
	Secret   string
	TTL      time.Duration
}

// Provider produces per-session ICE server lists.
type Provider struct {
	stun   webrtc.ICEServer
	turn   webrtc.ICEServer
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{
		stun:   webrtc.ICEServer{URLs: trimURLs(cfg.STUNURLs)},
		turn:   webrtc.ICEServer{URLs: trimURLs(cfg.TURNURLs)},
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		now:    time.Now,
	}
	for _, u := range p.stun.URLs {
		if !hasScheme(u, "stun:", "stuns:") {
			return nil, fmt.Errorf("ice: unsupported stun url %q", u)
		}
	}
	for _, u := range p.turn.URLs {
		if !hasScheme(u, "turn:", "turns:") {
			return nil, fmt.Errorf("ice: unsupported turn url %q", u)
		}
	}
	if len(p.turn.URLs) > 0 {
		if len(p.secret) == 0 {
			return nil, errors.New("ice: turn urls require a shared secret")
		}
		if p.ttl <= 0 {
			return nil, errors.New("ice: turn ttl must be positive")
		}
	}
	return p, nil
}

// Servers returns the ICE servers for a session as pion types.
func (p *Provider) Servers(sessionID string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, 2)
	if len(p.stun.URLs) > 0 {
		out = append(out, p.stun)
	}
	if len(p.turn.URLs) > 0 {
		username, credential := p.credentials(sessionID)
		out = append(out, webrtc.ICEServer{
			URLs:       p.turn.URLs,
			Username:   username,
			Credential: credential,
		})
	}
	return out
}

// ForClient returns Servers converted to the wire representation.
func (p *Provider) ForClient(sessionID string) []protocol.ICEServer {
	servers := p.Servers(sessionID)
	out := make([]protocol.ICEServer, 0, len(servers))
	for _, s := range servers {
		cred, _ := s.Credential.(string)
		out = append(out, protocol.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: cred,
		})
	}
	return out
}

func (p *Provider) credentials(sessionID string) (string, string) {
	expiry := p.now().UTC().Add(p.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, strings.ReplaceAll(sessionID, ":", ""))
	return username, Sign(p.secret, username)
}

// Sign returns the TURN REST credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func trimURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func hasScheme(url string, schemes ...string) bool {
	lower := strings.ToLower(url)
	for _, s := range schemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}
