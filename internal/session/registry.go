// Package session owns the lifecycle of per-account protocol connections:
// the process-wide registry of live handles, the supervised start/stop/
// restart operations, and catch-up synchronization of missed history.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/gramcrm/server/internal/protocol"
)

// ErrNotRunning is returned when an operation needs a live connection and
// the account has none. Callers decide whether to start the account.
var ErrNotRunning = errors.New("account session is not running")

// ErrAuthInProgress is returned when start is requested while a login flow
// still owns the account.
var ErrAuthInProgress = errors.New("authentication in progress; finish login before starting")

// ErrNoCredential is returned when an account has no stored session
// credential and therefore cannot be started.
var ErrNoCredential = errors.New("no session credential stored; authentication required")

// catchupRun tracks one in-flight catch-up task so that concurrent triggers
// await it instead of duplicating work.
type catchupRun struct {
	done chan struct{}
	err  error
}

// entry is the registry record for one running account: the live client,
// the supervising task's lifetime, and the optional in-flight catch-up.
type entry struct {
	client protocol.Client
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	catchup *catchupRun
}

// Registry is the single authority for "is this account currently running".
// Connection handles are exclusively owned by their entry; other components
// look them up by account id on every use, since reconnects replace them.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*entry)}
}

// Client returns the live connection handle for the account, if any.
func (r *Registry) Client(accountID int64) (protocol.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[accountID]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Running reports whether the account has a registry entry.
func (r *Registry) Running(accountID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[accountID]
	return ok
}

// IDs returns the account ids of all registered entries.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Len returns the number of running accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// register stores the entry unless the account already has one.
func (r *Registry) register(accountID int64, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[accountID]; exists {
		return false
	}
	r.entries[accountID] = e
	return true
}

// remove deletes and returns the entry, or nil when absent.
func (r *Registry) remove(accountID int64) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[accountID]
	delete(r.entries, accountID)
	return e
}

func (r *Registry) get(accountID int64) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[accountID]
	return e, ok
}
