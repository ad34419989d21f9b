// Package timeutil abstracts the clock so time-dependent components can be
// driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

// Default returns a Provider backed by the system clock, in UTC.
func Default() Provider { return realProvider{} }

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now().UTC() }

// Manual is a Provider whose time only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at t.
func NewManual(t time.Time) *Manual { return &Manual{now: t} }

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
