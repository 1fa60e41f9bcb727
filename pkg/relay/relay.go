// Package relay multiplexes chat requests over leased sessions and
// reconstructs assistant replies from each session's raw event stream. It
// owns the correlation, delta-emission, watchdog, and escalation logic.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/chatbridge/pkg/bus"
	"github.com/odvcencio/chatbridge/pkg/errors"
	"github.com/odvcencio/chatbridge/pkg/logging"
	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/observability"
	"github.com/odvcencio/chatbridge/pkg/session"
	"github.com/odvcencio/chatbridge/pkg/stream"
)

// Acquirer hands out session leases. *session.Leaser satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, tier model.Tier) (*session.Lease, error)
}

// Recorder persists per-credential ask outcomes. Optional.
type Recorder interface {
	RecordOutcome(ctx context.Context, credentialID, outcome string) error
	RecordEviction(ctx context.Context, credentialID string, failures int64) error
}

// Config tunes the relay's watchdog and escalation policy.
type Config struct {
	// WatchdogTimeout is rearmed on request start and on every accepted
	// event; firing escalates to reload or eviction.
	WatchdogTimeout time.Duration

	// FailureThreshold is the consecutive-failure count at which a
	// credential is evicted and its session destroyed.
	FailureThreshold int64

	// RetryBudget is the total attempts allowed per logical request,
	// counted across credential swaps.
	RetryBudget int

	// SimilarityThreshold is the minimum echo-similarity score for a human
	// record to resolve the request's correlation id.
	SimilarityThreshold float64
}

// DefaultConfig returns the recommended relay defaults.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout:     60 * time.Second,
		FailureThreshold:    3,
		RetryBudget:         3,
		SimilarityThreshold: 0.8,
	}
}

// Relay drives asks end to end. Safe for concurrent use; each ask carries
// its own context struct.
type Relay struct {
	leaser     Acquirer
	eventBus   bus.MessageBus
	recorder   Recorder
	logger     *logging.Logger
	cfg        Config
	similarity Similarity
}

// New creates a relay. eventBus, recorder, and logger may be nil.
func New(leaser Acquirer, eventBus bus.MessageBus, recorder Recorder, logger *logging.Logger, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = def.WatchdogTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}

	return &Relay{
		leaser:     leaser,
		eventBus:   eventBus,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
		similarity: defaultSimilarity,
	}
}

// SetSimilarity replaces the echo-detection comparison function.
func (r *Relay) SetSimilarity(fn Similarity) {
	if fn != nil {
		r.similarity = fn
	}
}

// Support reports the advertised context capacity for a tier; zero means
// the tier cannot be served.
func (r *Relay) Support(tier model.Tier) int {
	return model.Support(tier)
}

// Ask starts one logical request against a leased session. Emissions arrive
// on out; exactly one done event terminates it. Ask returns once the first
// attempt is dispatched — callers consume out (or stream.Collect) to wait.
func (r *Relay) Ask(ctx context.Context, req model.AskRequest, out *stream.Stream) {
	askID := ulid.Make().String()

	ctx, span := observability.StartSpan(ctx, "relay.ask",
		trace.WithAttributes(
			observability.AttrAskID.String(askID),
			observability.AttrTier.String(string(req.Model)),
		))

	st := &askState{
		id:    askID,
		start: time.Now(),
		span:  span,
		relay: r,
	}
	activeAsks.Inc()

	if !req.Valid() {
		out.Error("unsupported model or empty prompt")
		out.Done()
		st.finalize(ctx, "invalid")
		return
	}

	r.publish(ctx, bus.SubjectAskPrefix+"started", map[string]any{
		"ask_id": askID,
		"tier":   string(req.Model),
	})

	r.attempt(ctx, st, req, out, r.cfg.RetryBudget)
}

// attempt runs one try of the ask, consuming one unit of the retry budget.
func (r *Relay) attempt(ctx context.Context, st *askState, req model.AskRequest, out *stream.Stream, budget int) {
	if budget <= 0 {
		out.Error("retry budget exhausted, try again later")
		out.Done()
		st.finalize(ctx, "retry_exhausted")
		return
	}

	lease, err := r.leaser.Acquire(ctx, req.Model)
	if err != nil {
		observability.RecordError(ctx, err)
		out.Error(errors.UserFacing(err))
		out.Done()
		st.finalize(ctx, string(errors.GetCode(err)))
		return
	}

	// A reused session may sit at another tier's entry point; correct it
	// before use. If correction is impossible the attempt fails fast.
	if target, _ := model.NavigationTarget(req.Model); lease.Session.Location() != target {
		if err := lease.Session.Navigate(ctx, target); err != nil {
			lease.Destroy(false, false)
			out.Error("no capacity available, retry later")
			out.Done()
			st.finalize(ctx, "navigation_failed")
			return
		}
	}

	a := &attempt{
		relay:  r,
		state:  st,
		req:    req,
		out:    out,
		lease:  lease,
		budget: budget,
	}
	a.start(ctx)
}

// askState is the per-logical-request bookkeeping shared across attempts.
type askState struct {
	id    string
	start time.Time
	span  trace.Span
	relay *Relay
	once  sync.Once
}

// finalize records terminal metrics exactly once per logical request.
func (st *askState) finalize(ctx context.Context, outcome string) {
	st.once.Do(func() {
		askDuration.Observe(time.Since(st.start).Seconds())
		activeAsks.Dec()
		asksTotal.WithLabelValues(outcome).Inc()

		st.relay.publish(ctx, bus.SubjectAskPrefix+"finished", map[string]any{
			"ask_id":  st.id,
			"outcome": outcome,
		})
		if st.relay.logger != nil {
			st.relay.logger.Log(logging.Event{
				Level:     logging.LevelInfo,
				Category:  logging.CategoryRelay,
				EventType: "ask_finished",
				AskID:     st.id,
				Details:   map[string]any{"outcome": outcome},
			})
		}
		if st.span != nil {
			st.span.End()
		}
	})
}

// publish sends a lifecycle event to the bus, if one is configured.
func (r *Relay) publish(ctx context.Context, subject string, data map[string]any) {
	if r.eventBus == nil {
		return
	}
	data["timestamp"] = time.Now()
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	_ = r.eventBus.Publish(ctx, subject, payload)
}

// recordOutcome writes to the ledger, if one is configured.
func (r *Relay) recordOutcome(ctx context.Context, credentialID, outcome string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordOutcome(ctx, credentialID, outcome); err != nil && r.logger != nil {
		r.logger.Warn(logging.CategoryStorage, "ledger_write_failed", err.Error(), nil)
	}
}
