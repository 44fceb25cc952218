package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/lmsync/internal/config"
	"github.com/roach88/lmsync/internal/remote"
)

// Sessions tracks the engines of the active accounts: one Engine per
// account, opened at login and closed at logout.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Sessions struct {
	cfg  config.Config
	opts []Option

	mu     sync.Mutex
	active map[string]*Engine
}

// NewSessions returns an empty session table. Every engine is opened with
// cfg and opts.
func NewSessions(cfg config.Config, opts ...Option) *Sessions {
	return &Sessions{cfg: cfg, opts: opts, active: make(map[string]*Engine)}
}

// Login returns the engine of account, opening it if the account has no
// active session.
func (s *Sessions) Login(account string, transport remote.Transport, creds remote.CredentialSource) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[account]; ok {
		return e, nil
	}
	e, err := Open(s.cfg, account, transport, creds, s.opts...)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", account, err)
	}
	s.active[account] = e
	return e, nil
}

// Get returns the engine of an active account.
func (s *Sessions) Get(account string) (*Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[account]
	return e, ok
}

// Logout closes the engine of account. Logging out an inactive account is
// not an error.
func (s *Sessions) Logout(account string) error {
	s.mu.Lock()
	e, ok := s.active[account]
	delete(s.active, account)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return e.Close()
}

// Accounts returns the active accounts in sorted order.
func (s *Sessions) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for a := range s.active {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Close logs out every account.
func (s *Sessions) Close() error {
	var errs []error
	for _, a := range s.Accounts() {
		if err := s.Logout(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
