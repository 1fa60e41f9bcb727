package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/odvcencio/chatbridge/pkg/credential"
	"github.com/odvcencio/chatbridge/pkg/errors"
	"github.com/odvcencio/chatbridge/pkg/logging"
	"github.com/odvcencio/chatbridge/pkg/model"
)

// Leaser hands out exclusive (session, credential) leases. Capacity is
// bounded by the credential pool: one live session per distinct secret.
type Leaser struct {
	runtime Runtime
	pool    *credential.Pool
	logger  *logging.Logger
	metrics *Metrics

	mu     sync.Mutex
	idle   []*binding
	parked map[string]*binding // credential id -> permanently unusable
	closed bool
}

// binding ties an initialized session to the credential it was bound with.
type binding struct {
	sess InteractiveSession
	cred *credential.Credential
}

// NewLeaser creates a leaser over the given runtime and credential pool.
func NewLeaser(runtime Runtime, pool *credential.Pool, logger *logging.Logger) *Leaser {
	return &Leaser{
		runtime: runtime,
		pool:    pool,
		logger:  logger,
		metrics: NewMetrics(),
		parked:  make(map[string]*binding),
	}
}

// Metrics returns the leaser's counters.
func (l *Leaser) Metrics() *Metrics { return l.metrics }

// Acquire yields an initialized session bound to an unused credential, or an
// error when no capacity is available or initialization failed. It never
// blocks waiting for capacity.
func (l *Leaser) Acquire(ctx context.Context, tier model.Tier) (*Lease, error) {
	target, ok := model.NavigationTarget(tier)
	if !ok {
		return nil, errors.New(errors.ErrCodeTierUnsupported, "unsupported capability tier").
			WithContext("tier", string(tier)).
			WithUserMessage("model not supported")
	}

	// Reuse a released session before building a new one. Navigation to the
	// requested tier is corrected by the caller before use.
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New(errors.ErrCodeSessionClosed, "leaser closed")
	}
	if n := len(l.idle); n > 0 {
		b := l.idle[n-1]
		l.idle = l.idle[:n-1]
		l.mu.Unlock()
		l.metrics.LeasesAcquired.Add(1)
		l.metrics.ActiveLeases.Add(1)
		return l.newLease(b), nil
	}
	l.mu.Unlock()

	cred := l.pool.Get()
	if cred.IsPlaceholder() {
		return nil, errors.New(errors.ErrCodeCapacityExhausted, "all credentials in use").
			WithUserMessage("no capacity available, retry later")
	}

	sess, err := l.runtime.NewSession(ctx)
	if err != nil {
		l.pool.Unlease(cred.ID())
		return nil, errors.Wrap(err, errors.ErrCodeCapacityExhausted, "session creation failed").
			WithUserMessage("no capacity available, retry later")
	}
	l.metrics.SessionsCreated.Add(1)

	if err := l.initialize(ctx, sess, cred, tier, target); err != nil {
		// Any initialization failure means the session must never serve:
		// park it indefinitely with its credential still held, so an
		// unauthorized session cannot be recycled into rotation.
		l.park(&binding{sess: sess, cred: cred})
		return nil, err
	}

	l.metrics.LeasesAcquired.Add(1)
	l.metrics.ActiveLeases.Add(1)
	return l.newLease(&binding{sess: sess, cred: cred}), nil
}

// initialize binds the credential, navigates to the tier's entry point, and
// verifies the identity has the required access.
func (l *Leaser) initialize(ctx context.Context, sess InteractiveSession, cred *credential.Credential, tier model.Tier, target string) error {
	if err := sess.Bind(ctx, cred.Secret()); err != nil {
		return errors.Wrap(err, errors.ErrCodeVerificationFailed, "credential bind failed").
			WithContext("credential_id", cred.ID())
	}
	if err := sess.Navigate(ctx, target); err != nil {
		return errors.Wrap(err, errors.ErrCodeVerificationFailed, "entry point navigation failed").
			WithContext("target", target)
	}
	if err := sess.VerifyAccess(ctx, tier); err != nil {
		return errors.Wrap(err, errors.ErrCodeVerificationFailed, "access tier verification failed").
			WithContext("credential_id", cred.ID()).
			WithContext("tier", string(tier))
	}
	return nil
}

func (l *Leaser) park(b *binding) {
	l.mu.Lock()
	l.parked[b.cred.ID()] = b
	l.mu.Unlock()
	l.metrics.SessionsParked.Add(1)

	if l.logger != nil {
		l.logger.Error(logging.CategorySession, "session_parked",
			"session permanently parked after failed initialization",
			map[string]any{"credential_id": b.cred.ID()})
	}
}

// Parked returns the number of permanently parked sessions.
func (l *Leaser) Parked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.parked)
}

// Close tears down idle and parked sessions and the runtime.
func (l *Leaser) Close() error {
	l.mu.Lock()
	idle := l.idle
	parked := l.parked
	l.idle = nil
	l.parked = make(map[string]*binding)
	l.closed = true
	l.mu.Unlock()

	var lastErr error
	for _, b := range idle {
		if err := b.sess.Close(); err != nil {
			lastErr = err
		}
	}
	for _, b := range parked {
		if err := b.sess.Close(); err != nil {
			lastErr = err
		}
	}
	if l.runtime != nil {
		if err := l.runtime.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (l *Leaser) newLease(b *binding) *Lease {
	return &Lease{
		Session:    b.sess,
		Credential: b.cred,
		leaser:     l,
		binding:    b,
	}
}

// Lease is one borrowed (session, credential) pair. Exactly one of Release
// or Destroy must be called when the borrower is finished.
type Lease struct {
	Session    InteractiveSession
	Credential *credential.Credential

	leaser   *Leaser
	binding  *binding
	returned atomic.Bool
}

// Release returns the session for reuse, keeping the credential leased to it.
func (le *Lease) Release() {
	if le.returned.Swap(true) {
		return
	}
	le.leaser.mu.Lock()
	if !le.leaser.closed {
		le.leaser.idle = append(le.leaser.idle, le.binding)
	}
	closed := le.leaser.closed
	le.leaser.mu.Unlock()
	if closed {
		le.Session.Close()
	}

	le.leaser.metrics.LeasesReleased.Add(1)
	le.leaser.metrics.ActiveLeases.Add(-1)
}

// Destroy tears down the session. With removeCredential the bound identity is
// evicted from the pool permanently. Without it, a non-permanent destroy
// returns the credential to circulation so a fresh session can be built on
// it; a permanent destroy keeps the credential held, silently removing its
// capacity.
func (le *Lease) Destroy(permanent, removeCredential bool) {
	if le.returned.Swap(true) {
		return
	}
	le.Session.Close()
	le.leaser.metrics.SessionsDestroyed.Add(1)
	le.leaser.metrics.ActiveLeases.Add(-1)

	switch {
	case removeCredential:
		le.leaser.pool.Delete(le.Credential.ID())
		le.leaser.metrics.CredentialsEvicted.Add(1)
	case !permanent:
		le.leaser.pool.Unlease(le.Credential.ID())
	}

	if le.leaser.logger != nil {
		le.leaser.logger.Warn(logging.CategorySession, "session_destroyed", "",
			map[string]any{
				"credential_id":     le.Credential.ID(),
				"permanent":         permanent,
				"remove_credential": removeCredential,
			})
	}
}
