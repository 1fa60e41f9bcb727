package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/chatbridge/pkg/credential"
	"github.com/odvcencio/chatbridge/pkg/errors"
	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/transport"
)

type fakeSession struct {
	feed     *transport.ChannelFeed
	location string
	secret   string

	bindErr   error
	navErr    error
	verifyErr error

	closed atomic.Bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{feed: transport.NewChannelFeed()}
}

func (s *fakeSession) Bind(_ context.Context, secret string) error {
	s.secret = secret
	return s.bindErr
}

func (s *fakeSession) Navigate(_ context.Context, target string) error {
	if s.navErr != nil {
		return s.navErr
	}
	s.location = target
	return nil
}

func (s *fakeSession) Location() string { return s.location }

func (s *fakeSession) VerifyAccess(context.Context, model.Tier) error { return s.verifyErr }

func (s *fakeSession) Send(context.Context, string) error { return nil }

func (s *fakeSession) ClearConversation(context.Context) error { return nil }

func (s *fakeSession) Reload(context.Context) error { return nil }

func (s *fakeSession) Events() transport.Feed { return s.feed }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeRuntime struct {
	created atomic.Int64
	next    func() *fakeSession
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{next: newFakeSession}
}

func (r *fakeRuntime) NewSession(context.Context) (InteractiveSession, error) {
	r.created.Add(1)
	return r.next(), nil
}

func (r *fakeRuntime) Close() error { return nil }

func TestAcquireBoundedByCredentials(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a", "tok-b"})
	leaser := NewLeaser(newFakeRuntime(), pool, nil)
	defer leaser.Close()

	ctx := context.Background()

	a, err := leaser.Acquire(ctx, model.TierGPT4)
	require.NoError(t, err)
	b, err := leaser.Acquire(ctx, model.TierGPT4)
	require.NoError(t, err)
	assert.NotEqual(t, a.Credential.ID(), b.Credential.ID())

	_, err = leaser.Acquire(ctx, model.TierGPT4)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapacityExhausted))
}

func TestAcquireUnsupportedTier(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	leaser := NewLeaser(newFakeRuntime(), pool, nil)
	defer leaser.Close()

	_, err := leaser.Acquire(context.Background(), model.Tier("gpt-9"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTierUnsupported))
}

func TestAcquireNavigatesAndBinds(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	rt := newFakeRuntime()
	var sess *fakeSession
	rt.next = func() *fakeSession {
		sess = newFakeSession()
		return sess
	}
	leaser := NewLeaser(rt, pool, nil)
	defer leaser.Close()

	lease, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)

	assert.Equal(t, "tok-a", sess.secret)
	assert.Equal(t, "/?model=gpt-4", sess.location)
	assert.Equal(t, lease.Session.Location(), sess.location)
}

func TestVerificationFailureParksSession(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	rt := newFakeRuntime()
	rt.next = func() *fakeSession {
		s := newFakeSession()
		s.verifyErr = fmt.Errorf("free tier only")
		return s
	}
	leaser := NewLeaser(rt, pool, nil)
	defer leaser.Close()

	_, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeVerificationFailed))
	assert.Equal(t, 1, leaser.Parked())

	// The credential stays held by the parked session: capacity is removed,
	// not recycled.
	_, err = leaser.Acquire(context.Background(), model.TierGPT4)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapacityExhausted))
}

func TestReleaseReusesSession(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	rt := newFakeRuntime()
	leaser := NewLeaser(rt, pool, nil)
	defer leaser.Close()

	lease, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)
	first := lease.Session
	lease.Release()

	again, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)
	assert.Same(t, first, again.Session)
	assert.EqualValues(t, 1, rt.created.Load())
}

func TestDestroyEvictsCredential(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	leaser := NewLeaser(newFakeRuntime(), pool, nil)
	defer leaser.Close()

	lease, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)
	id := lease.Credential.ID()

	lease.Destroy(true, true)

	assert.Nil(t, pool.GetByID(id))
	assert.Equal(t, 0, pool.Len())
	assert.EqualValues(t, 1, leaser.Metrics().Snapshot().CredentialsEvicted)
}

func TestDestroyNonPermanentReturnsCapacity(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	rt := newFakeRuntime()
	leaser := NewLeaser(rt, pool, nil)
	defer leaser.Close()

	lease, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)
	id := lease.Credential.ID()

	lease.Destroy(false, false)

	again, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)
	assert.Equal(t, id, again.Credential.ID())
	assert.EqualValues(t, 2, rt.created.Load(), "non-permanent destroy builds a fresh session")
}

func TestReleaseAndDestroyAreIdempotent(t *testing.T) {
	pool := credential.NewPool([]string{"tok-a"})
	leaser := NewLeaser(newFakeRuntime(), pool, nil)
	defer leaser.Close()

	lease, err := leaser.Acquire(context.Background(), model.TierGPT4)
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Destroy(true, true)

	snap := leaser.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.LeasesReleased)
	assert.EqualValues(t, 0, snap.SessionsDestroyed)
	assert.EqualValues(t, 0, snap.ActiveLeases)
}
