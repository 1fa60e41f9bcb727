// Package credential owns the set of usable upstream identities and tracks
// which of them are currently bound to live sessions.
package credential

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Credential is one account-equivalent identity. The secret is immutable
// after construction; counters are safe for concurrent use.
type Credential struct {
	id        string
	secret    string
	firstSeen time.Time

	uses     atomic.Int64
	failures atomic.Int64
	lastUsed atomic.Int64 // unix nanos, zero until first use
}

// New creates a credential for the given secret with a fresh process-stable id.
func New(secret string) *Credential {
	return &Credential{
		id:        uuid.NewString(),
		secret:    secret,
		firstSeen: time.Now(),
	}
}

// newPlaceholder synthesizes the "no capacity" credential: fresh id, empty
// secret, zero counters. Placeholders are never added to a pool.
func newPlaceholder() *Credential {
	return &Credential{
		id:        uuid.NewString(),
		firstSeen: time.Now(),
	}
}

// ID returns the process-stable identifier.
func (c *Credential) ID() string { return c.id }

// Secret returns the authorization material.
func (c *Credential) Secret() string { return c.secret }

// FirstSeen returns when the credential was constructed.
func (c *Credential) FirstSeen() time.Time { return c.firstSeen }

// IsPlaceholder reports whether this credential signals pool exhaustion.
// Callers must never bind a session to a placeholder.
func (c *Credential) IsPlaceholder() bool { return c.secret == "" }

// Uses returns the successful-use count.
func (c *Credential) Uses() int64 { return c.uses.Load() }

// Failures returns the consecutive-failure count.
func (c *Credential) Failures() int64 { return c.failures.Load() }

// LastUsed returns the time of the last recorded success, zero if never used.
func (c *Credential) LastUsed() time.Time {
	ns := c.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordSuccess increments the use counter, resets consecutive failures, and
// stamps last-used.
func (c *Credential) RecordSuccess() {
	c.uses.Add(1)
	c.failures.Store(0)
	c.lastUsed.Store(time.Now().UnixNano())
}

// RecordFailure increments the consecutive-failure counter and returns the
// new count.
func (c *Credential) RecordFailure() int64 {
	return c.failures.Add(1)
}

// Snapshot is a redacted point-in-time view of a credential for reporting.
type Snapshot struct {
	ID        string    `json:"id"`
	Leased    bool      `json:"leased"`
	Uses      int64     `json:"uses"`
	Failures  int64     `json:"failures"`
	FirstSeen time.Time `json:"first_seen"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}
