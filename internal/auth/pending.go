package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultPendingLoginTTL bounds how long a user may take at the provider's
// login page.
const DefaultPendingLoginTTL = 10 * time.Minute

// PendingLogin is the server-side half of an authorization request.
type PendingLogin struct {
	Verifier  string
	ReturnTo  string
	CreatedAt time.Time
}

// PendingLogins holds in-flight PKCE logins keyed by state. One instance is
// created at startup and injected into the login handler; Stop ends its
// cleanup goroutine.
type PendingLogins struct {
	mu      sync.Mutex
	entries map[string]PendingLogin
	ttl     time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPendingLogins creates a store whose entries expire after ttl.
func NewPendingLogins(ttl time.Duration) *PendingLogins {
	if ttl <= 0 {
		ttl = DefaultPendingLoginTTL
	}
	p := &PendingLogins{
		entries: make(map[string]PendingLogin),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Put records a pending login under state.
func (p *PendingLogins) Put(state string, login PendingLogin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if login.CreatedAt.IsZero() {
		login.CreatedAt = p.now()
	}
	p.entries[state] = login
}

// Take removes and returns the login for state. A state can be taken once;
// expired entries are reported as missing.
func (p *PendingLogins) Take(state string) (PendingLogin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	login, ok := p.entries[state]
	if !ok {
		return PendingLogin{}, false
	}
	delete(p.entries, state)
	if p.now().Sub(login.CreatedAt) > p.ttl {
		return PendingLogin{}, false
	}
	return login, true
}

// Len returns the number of stored logins, expired ones included.
func (p *PendingLogins) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (p *PendingLogins) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *PendingLogins) cleanupLoop() {
	ticker := time.NewTicker(p.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *PendingLogins) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for state, login := range p.entries {
		if now.Sub(login.CreatedAt) > p.ttl {
			delete(p.entries, state)
		}
	}
}

// generateState returns 32 random bytes, base64url-encoded.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
