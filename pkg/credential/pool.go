package credential

import "sync"

// Pool is an ordered collection of credentials plus the set of secrets
// currently bound to live sessions. Exclusivity is keyed by secret, not id,
// so duplicate secrets in configuration cannot be leased twice.
type Pool struct {
	mu          sync.Mutex
	credentials []*Credential
	leased      map[string]bool // secret -> leased
}

// NewPool builds a pool from the configured secrets, preserving order.
func NewPool(secrets []string) *Pool {
	p := &Pool{
		leased: make(map[string]bool),
	}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		p.credentials = append(p.credentials, New(s))
	}
	return p
}

// Get returns the first credential whose secret is not currently leased and
// marks it leased, atomically with respect to other Get calls. When every
// distinct secret is in use (or the pool is empty) it returns a placeholder
// that is neither tracked nor leased. Get never blocks.
func (p *Pool) Get() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.credentials {
		if !p.leased[c.secret] {
			p.leased[c.secret] = true
			return c
		}
	}
	return newPlaceholder()
}

// GetByID returns the credential with the given id, or nil.
func (p *Pool) GetByID(id string) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.credentials {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Unlease clears the leased marker for the credential with the given id,
// keeping the credential in the pool. Used when a session is destroyed
// without evicting its identity.
func (p *Pool) Unlease(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.credentials {
		if c.id == id {
			delete(p.leased, c.secret)
			return
		}
	}
}

// Delete permanently removes the credential with the given id and clears its
// leased marker. Subsequent Get calls never return it.
func (p *Pool) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, c := range p.credentials {
		if c.id == id {
			p.credentials = append(p.credentials[:i], p.credentials[i+1:]...)
			delete(p.leased, c.secret)
			return
		}
	}
}

// Len returns the number of credentials remaining in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.credentials)
}

// Snapshots returns a redacted view of every pooled credential.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.credentials))
	for _, c := range p.credentials {
		out = append(out, Snapshot{
			ID:        c.id,
			Leased:    p.leased[c.secret],
			Uses:      c.Uses(),
			Failures:  c.Failures(),
			FirstSeen: c.firstSeen,
			LastUsed:  c.LastUsed(),
		})
	}
	return out
}
