package navigator

import (
	"sync"

	"github.com/spigell/job-autopilot/internal/browser"
)

// Registry keeps paused sessions open so a human can continue them. It only
// lives as long as the process; after a restart a paused posting resumes by
// reopening its preserved page.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]browser.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]browser.Session)}
}

func (r *Registry) Put(token string, s browser.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[token]; ok && old != s {
		_ = old.Close()
	}
	r.sessions[token] = s
}

// Take removes and returns the session held for token.
func (r *Registry) Take(token string) (browser.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	delete(r.sessions, token)
	return s, ok
}

// Has reports whether a session is held for token.
func (r *Registry) Has(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[token]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every held session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, s := range r.sessions {
		_ = s.Close()
		delete(r.sessions, token)
	}
}
