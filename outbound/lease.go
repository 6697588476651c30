package outbound

import (
	"sync/atomic"
	"time"
)

// Delivery timing defaults. Each is configurable through Config, but the
// defaults are part of the runtime's operational contract.
const (
	DefaultLeaseTTL          = 120 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	MinHeartbeatInterval     = 5 * time.Second
	DefaultLeaseRetry        = 3 * time.Second
	DefaultPollInterval      = 1 * time.Second
	DefaultErrorBackoff      = 2 * time.Second
	DefaultClaimLock         = 120 * time.Second
)

// Config carries the lease timing and identity parameters for one
// (channel, account) runtime.
type Config struct {
	AccountID         string
	OwnerID           string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	LeaseRetry        time.Duration
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	ClaimLock         time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval < MinHeartbeatInterval {
		c.HeartbeatInterval = MinHeartbeatInterval
	}
	if c.LeaseRetry <= 0 {
		c.LeaseRetry = DefaultLeaseRetry
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.ClaimLock <= 0 {
		c.ClaimLock = DefaultClaimLock
	}
	return c
}

// Session is the process-local state shared between the liveness monitor
// (which marks the lease lost) and the delivery loop (which gates work on
// it and clears it after re-acquisition). It is created at bootstrap and
// passed by reference into both; there is no package-level state.
type Session struct {
	AccountID string
	OwnerID   string

	leaseLost atomic.Bool
	expiresAt atomic.Int64 // unix nanos of the last known lease expiry
}

// NewSession creates session state for one account runtime.
func NewSession(accountID, ownerID string) *Session {
	return &Session{AccountID: accountID, OwnerID: ownerID}
}

// MarkLeaseLost flips the shared lease-lost signal. Reports whether this
// call was the transition, so callers can log the edge once.
func (s *Session) MarkLeaseLost() bool {
	return s.leaseLost.CompareAndSwap(false, true)
}

// ClearLeaseLost resets the signal after a successful re-acquisition.
func (s *Session) ClearLeaseLost() {
	s.leaseLost.Store(false)
}

// LeaseLost reports whether the worker must not claim or send.
func (s *Session) LeaseLost() bool {
	return s.leaseLost.Load()
}

func (s *Session) recordExpiry(expiresAt time.Time) {
	s.expiresAt.Store(expiresAt.UnixNano())
}

// LeaseExpiresAt returns the last expiry reported by the store, for
// readiness reporting only. Zero when no lease was ever held.
func (s *Session) LeaseExpiresAt() time.Time {
	nanos := s.expiresAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
