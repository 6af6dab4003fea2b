// Package session guards the tuning lifecycle of a process: at most one
// round loop may be active at a time. It replaces a process-wide "already
// tuning" flag with an explicit lease that must be released on stop.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
)

// ErrRoundActive is returned when a lease is requested while another one is
// still held.
var ErrRoundActive = errors.New("session: a tuning round is already active")

// Manager hands out leases.
type Manager struct {
	mu     sync.Mutex
	active *Lease
}

// NewManager creates a manager with no active lease.
func NewManager() *Manager {
	return &Manager{}
}

// Lease is held for the duration of a round loop.
type Lease struct {
	m       *Manager
	started time.Time
	once    sync.Once
}

// Acquire returns a lease, or ErrRoundActive if one is already held.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		ctxlog.FromContext(ctx).Warn("Tuning already in progress.", "since", m.active.started)
		return nil, ErrRoundActive
	}
	l := &Lease{m: m, started: time.Now()}
	m.active = l
	ctxlog.FromContext(ctx).Debug("Session lease acquired.")
	return l, nil
}

// Active reports whether a lease is currently held.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Started returns the time the lease was acquired.
func (l *Lease) Started() time.Time {
	return l.started
}

// Release frees the lease. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		l.m.mu.Lock()
		if l.m.active == l {
			l.m.active = nil
		}
		l.m.mu.Unlock()
		ctxlog.FromContext(ctx).Debug("Session lease released.", "held_for", time.Since(l.started))
	})
}
