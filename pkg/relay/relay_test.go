package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/chatbridge/pkg/credential"
	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/session"
	"github.com/odvcencio/chatbridge/pkg/stream"
	"github.com/odvcencio/chatbridge/pkg/transport"
)

type fakeSession struct {
	feed     *transport.ChannelFeed
	sent     chan string
	sendErr  error
	clearErr error

	mu       sync.Mutex
	location string
	reloads  int
	clears   int
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		feed: transport.NewChannelFeed(),
		sent: make(chan string, 8),
	}
}

func (s *fakeSession) Bind(ctx context.Context, secret string) error { return nil }

func (s *fakeSession) Navigate(ctx context.Context, target string) error {
	s.mu.Lock()
	s.location = target
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *fakeSession) VerifyAccess(ctx context.Context, tier model.Tier) error { return nil }

func (s *fakeSession) Send(ctx context.Context, text string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent <- text
	return nil
}

func (s *fakeSession) ClearConversation(ctx context.Context) error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	return s.clearErr
}

func (s *fakeSession) Reload(ctx context.Context) error {
	s.mu.Lock()
	s.reloads++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Events() transport.Feed { return s.feed }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.feed.Close()
	return nil
}

func (s *fakeSession) reloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

type fakeRuntime struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (r *fakeRuntime) NewSession(ctx context.Context) (session.InteractiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newFakeSession()
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRuntime) Close() error { return nil }

func (r *fakeRuntime) created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *fakeRuntime) session(i int) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[i]
}

type fakeRecorder struct {
	mu        sync.Mutex
	outcomes  []string
	evictions []string
}

func (r *fakeRecorder) RecordOutcome(ctx context.Context, credentialID, outcome string) error {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) RecordEviction(ctx context.Context, credentialID string, failures int64) error {
	r.mu.Lock()
	r.evictions = append(r.evictions, credentialID)
	r.mu.Unlock()
	return nil
}

func wireFrame(id, role, status, text string) transport.Frame {
	payload := fmt.Sprintf(
		`{"message":{"id":%q,"author":{"role":%q},"status":%q,"content":%q}}`,
		id, role, status, text)
	return transport.Frame{Data: json.RawMessage(payload), ReceivedAt: time.Now()}
}

func waitSend(t *testing.T, s *fakeSession) string {
	t.Helper()
	select {
	case text := <-s.sent:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for prompt send")
		return ""
	}
}

func newTestRelay(t *testing.T, secrets []string, cfg Config) (*Relay, *fakeRuntime, *credential.Pool) {
	t.Helper()
	rt := &fakeRuntime{}
	pool := credential.NewPool(secrets)
	leaser := session.NewLeaser(rt, pool, nil)
	t.Cleanup(func() { leaser.Close() })
	return New(leaser, nil, nil, nil, cfg), rt, pool
}

func TestAskStreamsReply(t *testing.T) {
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, Config{WatchdogTimeout: 2 * time.Second})

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "what is 2+2?"}, out)

	sess := rt.session(0)
	require.Equal(t, "what is 2+2?", waitSend(t, sess))

	// Pre-echo noise, then the echo resolves correlation to id "x".
	sess.feed.Publish(wireFrame("n1", "system", "complete", "connected"))
	sess.feed.Publish(wireFrame("x", "user", "complete", "what is 2+2?"))
	sess.feed.Publish(wireFrame("x", "assistant", "incomplete", "4"))
	sess.feed.Publish(wireFrame("x", "assistant", "finished_successfully", "4"))

	res, err := stream.Collect(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "4", res.Content)
	assert.Empty(t, res.Err)
	assert.Equal(t, 1, rt.created())
}

func TestAskIgnoresCrossTalk(t *testing.T) {
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, Config{WatchdogTimeout: 2 * time.Second})

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "what is 2+2?"}, out)

	sess := rt.session(0)
	waitSend(t, sess)

	sess.feed.Publish(wireFrame("x", "user", "complete", "what is 2+2?"))
	// Another conversation on the shared feed must never leak through.
	sess.feed.Publish(wireFrame("y", "assistant", "incomplete", "999"))
	sess.feed.Publish(wireFrame("y", "assistant", "complete", "999"))
	sess.feed.Publish(wireFrame("x", "assistant", "complete", "4"))

	res, err := stream.Collect(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "4", res.Content)
}

func TestAskNoCapacity(t *testing.T) {
	r, _, _ := newTestRelay(t, nil, Config{})

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "hello"}, out)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := stream.Collect(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, "no capacity available, retry later", res.Err)
	assert.Empty(t, res.Content)
}

func TestAskUnsupportedModel(t *testing.T) {
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, Config{})

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: "gpt-99", Prompt: "hello"}, out)

	res, err := stream.Collect(context.Background(), out)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Err)
	assert.Zero(t, rt.created())
}

func TestWatchdogReloadsAndRetries(t *testing.T) {
	cfg := Config{WatchdogTimeout: 100 * time.Millisecond, FailureThreshold: 3, RetryBudget: 3}
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, cfg)

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "slow question"}, out)

	sess := rt.session(0)
	waitSend(t, sess)

	// Stay silent: the watchdog fires, the session reloads, and the retry
	// re-sends the prompt on the same (now reused) session.
	require.Equal(t, "slow question", waitSend(t, sess))
	assert.Equal(t, 1, sess.reloadCount())

	sess.feed.Publish(wireFrame("x", "user", "complete", "slow question"))
	sess.feed.Publish(wireFrame("x", "assistant", "complete", "eventually"))

	res, err := stream.Collect(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "eventually", res.Content)
	assert.Empty(t, res.Err)
	assert.Equal(t, 1, rt.created())
}

func TestWatchdogEvictsCredentialAtThreshold(t *testing.T) {
	rt := &fakeRuntime{}
	pool := credential.NewPool([]string{"tok-bad"})
	leaser := session.NewLeaser(rt, pool, nil)
	defer leaser.Close()

	rec := &fakeRecorder{}
	cfg := Config{WatchdogTimeout: 50 * time.Millisecond, FailureThreshold: 1, RetryBudget: 1}
	r := New(leaser, nil, rec, nil, cfg)

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "hello"}, out)
	waitSend(t, rt.session(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := stream.Collect(ctx, out)
	require.NoError(t, err)
	assert.Contains(t, res.Err, "retry budget exhausted")

	// The credential is gone for good and its session is torn down.
	assert.Zero(t, pool.Len())
	rec.mu.Lock()
	evictions := len(rec.evictions)
	rec.mu.Unlock()
	assert.Equal(t, 1, evictions)
}

func TestRetryBudgetExhausted(t *testing.T) {
	cfg := Config{WatchdogTimeout: 50 * time.Millisecond, FailureThreshold: 10, RetryBudget: 2}
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, cfg)

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "hello"}, out)

	sess := rt.session(0)
	waitSend(t, sess)
	waitSend(t, sess) // retry after the first stall

	res, err := stream.Collect(context.Background(), out)
	require.NoError(t, err)
	assert.Contains(t, res.Err, "retry budget exhausted")
	assert.Equal(t, 2, sess.reloadCount())
}

func TestSendFailureAborts(t *testing.T) {
	cfg := Config{WatchdogTimeout: 2 * time.Second}
	rt := &fakeRuntime{}
	pool := credential.NewPool([]string{"tok-1"})
	leaser := session.NewLeaser(rt, pool, nil)
	defer leaser.Close()
	r := New(leaser, nil, nil, nil, cfg)

	out := stream.New()
	// Pre-build the session via a throwaway lease, then poison its send path.
	lease, err := leaser.Acquire(context.Background(), model.TierGPT35)
	require.NoError(t, err)
	sess := rt.session(0)
	sess.sendErr = fmt.Errorf("socket closed")
	lease.Release()

	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "hello"}, out)

	res, err := stream.Collect(context.Background(), out)
	require.NoError(t, err)
	assert.Contains(t, res.Err, "failed to deliver prompt")
	// No transparent retry after a send failure: the prompt may have landed.
	assert.Equal(t, 1, rt.created())
	// Non-permanent destroy returns the credential to circulation.
	assert.Equal(t, 1, pool.Len())
}

func TestWatermarkNeverRegresses(t *testing.T) {
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, Config{WatchdogTimeout: 2 * time.Second})

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "tell me a story"}, out)

	sess := rt.session(0)
	waitSend(t, sess)

	sess.feed.Publish(wireFrame("x", "user", "complete", "tell me a story"))
	sess.feed.Publish(wireFrame("x", "assistant", "incomplete", "Once"))
	// A shorter snapshot must not re-emit or go negative.
	sess.feed.Publish(wireFrame("x", "assistant", "incomplete", "On"))
	sess.feed.Publish(wireFrame("x", "assistant", "incomplete", "Once upon"))
	sess.feed.Publish(wireFrame("x", "assistant", "finished_successfully", "Once upon a time"))

	var deltas []string
	var sawDone bool
	timeout := time.After(2 * time.Second)
	for !sawDone {
		select {
		case ev := <-out.Events():
			switch ev.Type {
			case stream.EventMessage:
				deltas = append(deltas, ev.Content)
			case stream.EventDone:
				sawDone = true
			case stream.EventError:
				t.Fatalf("unexpected error event: %s", ev.Err)
			}
		case <-timeout:
			t.Fatal("timeout waiting for done")
		}
	}
	assert.Equal(t, []string{"Once", " upon", " a time"}, deltas)
}

func TestClosedStreamSkipsRetry(t *testing.T) {
	cfg := Config{WatchdogTimeout: 50 * time.Millisecond, FailureThreshold: 10, RetryBudget: 3}
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, cfg)

	out := stream.New()
	r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: "hello"}, out)

	sess := rt.session(0)
	waitSend(t, sess)
	out.Close() // caller went away before the watchdog fires

	// Give the watchdog time to fire and decide against retrying.
	time.Sleep(200 * time.Millisecond)
	select {
	case text := <-sess.sent:
		t.Fatalf("unexpected retry send %q after stream close", text)
	default:
	}
	assert.Equal(t, 1, rt.created())
}

func TestCompletionClearsConversationAndReusesSession(t *testing.T) {
	r, rt, _ := newTestRelay(t, []string{"tok-1"}, Config{WatchdogTimeout: 2 * time.Second})

	run := func(prompt, replyID, reply string) string {
		out := stream.New()
		r.Ask(context.Background(), model.AskRequest{Model: model.TierGPT35, Prompt: prompt}, out)
		sess := rt.session(0)
		waitSend(t, sess)
		sess.feed.Publish(wireFrame(replyID, "user", "complete", prompt))
		sess.feed.Publish(wireFrame(replyID, "assistant", "complete", reply))
		res, err := stream.Collect(context.Background(), out)
		require.NoError(t, err)
		require.Empty(t, res.Err)
		return res.Content
	}

	assert.Equal(t, "4", run("what is 2+2?", "a1", "4"))
	assert.Equal(t, "6", run("what is 3+3?", "a2", "6"))

	sess := rt.session(0)
	sess.mu.Lock()
	clears := sess.clears
	sess.mu.Unlock()
	assert.Equal(t, 2, clears)
	assert.Equal(t, 1, rt.created(), "completed session should be reused, not rebuilt")
}
