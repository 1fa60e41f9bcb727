package relay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/chatbridge/pkg/bus"
	"github.com/odvcencio/chatbridge/pkg/logging"
	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/observability"
	"github.com/odvcencio/chatbridge/pkg/session"
	"github.com/odvcencio/chatbridge/pkg/stream"
	"github.com/odvcencio/chatbridge/pkg/transport"
)

// attempt is one try of an ask against one leased session. It subscribes to
// the session's event feed and reconstructs the reply in three phases:
// resolve the correlation id by echo similarity, then emit watermark deltas
// from matching assistant records until a complete record arrives. A
// watchdog guards every phase; firing ends the attempt and escalates.
type attempt struct {
	relay  *Relay
	state  *askState
	req    model.AskRequest
	out    *stream.Stream
	lease  *session.Lease
	budget int

	mu            sync.Mutex
	finished      bool
	correlationID string
	watermark     int
	sub           transport.Subscription
	watchdog      *time.Timer
}

// start subscribes to the session feed, arms the watchdog, and sends the
// prompt. A send failure is terminal for the whole ask, not just the
// attempt: the prompt may or may not have reached the conversation, so a
// transparent retry could answer twice.
func (a *attempt) start(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "relay.attempt",
		trace.WithAttributes(
			observability.AttrAskID.String(a.state.id),
			observability.AttrAttempt.Int(a.relay.cfg.RetryBudget-a.budget+1),
			observability.AttrCredentialID.String(a.lease.Credential.ID()),
		))
	defer span.End()

	sub, err := a.lease.Session.Events().Subscribe(func(frame transport.Frame) {
		a.onFrame(ctx, frame)
	})
	if err != nil {
		a.failSend(ctx, err)
		return
	}

	a.mu.Lock()
	a.sub = sub
	a.watchdog = time.AfterFunc(a.relay.cfg.WatchdogTimeout, func() {
		a.onWatchdog(ctx)
	})
	a.mu.Unlock()

	if err := a.lease.Session.Send(ctx, a.req.Prompt); err != nil {
		observability.RecordError(ctx, err)
		a.failSend(ctx, err)
	}
}

// failSend tears the attempt down after a send-path failure.
func (a *attempt) failSend(ctx context.Context, err error) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	a.teardownLocked()
	a.mu.Unlock()

	a.lease.Destroy(false, false)
	a.relay.recordOutcome(ctx, a.lease.Credential.ID(), "send_failure")
	if a.relay.logger != nil {
		a.relay.logger.Error(logging.CategoryRelay, "send_failed", err.Error(),
			map[string]any{"ask_id": a.state.id, "credential_id": a.lease.Credential.ID()})
	}

	a.out.Error("failed to deliver prompt, request aborted")
	a.out.Done()
	a.state.finalize(ctx, "send_failure")
}

// onFrame is invoked by the feed for every raw frame. Frames that do not
// decode, precede correlation, or carry a foreign conversation id are
// dropped without touching the watchdog.
func (a *attempt) onFrame(ctx context.Context, frame transport.Frame) {
	rec, ok := transport.DecodeRecord(frame)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}

	if a.correlationID == "" {
		// Still awaiting the echo. Only a sufficiently similar human
		// record resolves it; everything else is pre-echo noise.
		if rec.Role == transport.RoleHuman &&
			a.relay.similarity(rec.Text, a.req.Prompt) >= a.relay.cfg.SimilarityThreshold {
			a.correlationID = rec.ID
			a.rearmLocked()
		}
		a.mu.Unlock()
		return
	}

	if rec.ID != a.correlationID {
		a.mu.Unlock()
		return
	}

	// Accepted: the conversation is alive, even if this record carries no
	// emittable text.
	a.rearmLocked()

	if rec.Role != transport.RoleAssistant {
		a.mu.Unlock()
		return
	}

	switch rec.State {
	case transport.StateIncomplete:
		delta := a.deltaLocked(rec.Text)
		a.mu.Unlock()
		if delta != "" {
			a.out.Message(delta)
			deltaBytesTotal.Add(float64(len(delta)))
		}

	case transport.StateComplete:
		delta := a.deltaLocked(rec.Text)
		a.finished = true
		a.teardownLocked()
		a.mu.Unlock()

		if delta != "" {
			a.out.Message(delta)
			deltaBytesTotal.Add(float64(len(delta)))
		}
		a.out.Done()
		a.complete(ctx)

	default:
		a.mu.Unlock()
	}
}

// complete returns the session for reuse after a successful reply.
func (a *attempt) complete(ctx context.Context) {
	a.lease.Credential.RecordSuccess()
	if err := a.lease.Session.ClearConversation(ctx); err != nil {
		// A session with lingering conversation state would leak context
		// into the next ask; rebuild on this credential instead.
		a.lease.Destroy(false, false)
	} else {
		a.lease.Release()
	}

	a.relay.recordOutcome(ctx, a.lease.Credential.ID(), "completed")
	a.state.finalize(ctx, "completed")
}

// onWatchdog fires when no accepted event arrived within the timeout. The
// credential takes a strike; at the threshold it is evicted and the session
// destroyed, otherwise the session is reloaded and returned. The ask then
// retries transparently on remaining budget, unless the caller is gone.
func (a *attempt) onWatchdog(ctx context.Context) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	a.teardownLocked()
	a.mu.Unlock()

	watchdogFiredTotal.Inc()
	credID := a.lease.Credential.ID()
	failures := a.lease.Credential.RecordFailure()

	if a.relay.logger != nil {
		a.relay.logger.Warn(logging.CategoryWatchdog, "watchdog_fired", "",
			map[string]any{"ask_id": a.state.id, "credential_id": credID, "failures": failures})
	}
	observability.AddEvent(ctx, "watchdog_fired", observability.AttrCredentialID.String(credID))
	a.relay.publish(ctx, bus.SubjectSessionPrefix+"watchdog_fired", map[string]any{
		"ask_id":        a.state.id,
		"credential_id": credID,
		"failures":      failures,
	})

	if failures >= a.relay.cfg.FailureThreshold {
		a.lease.Destroy(true, true)
		evictionsTotal.Inc()
		if a.relay.recorder != nil {
			if err := a.relay.recorder.RecordEviction(ctx, credID, failures); err != nil && a.relay.logger != nil {
				a.relay.logger.Warn(logging.CategoryStorage, "ledger_write_failed", err.Error(), nil)
			}
		}
		a.relay.publish(ctx, bus.SubjectCredentialPrefix+"evicted", map[string]any{
			"credential_id": credID,
			"failures":      failures,
		})
	} else {
		// Below the threshold the session state is suspect but the
		// credential is not; reload in place and return it for reuse.
		if err := a.lease.Session.Reload(ctx); err != nil {
			a.lease.Destroy(false, false)
		} else {
			a.lease.Release()
		}
	}
	a.relay.recordOutcome(ctx, credID, "stall")

	if ctx.Err() != nil || !a.out.Alive() {
		a.state.finalize(ctx, "cancelled")
		return
	}

	retriesTotal.Inc()
	a.relay.publish(ctx, bus.SubjectAskPrefix+"retry", map[string]any{
		"ask_id":    a.state.id,
		"remaining": a.budget - 1,
	})
	a.relay.attempt(ctx, a.state, a.req, a.out, a.budget-1)
}

// deltaLocked advances the watermark and returns the newly revealed suffix.
// Cumulative text that shrank or stalled yields nothing; the watermark
// never moves backward, so text is never re-emitted.
func (a *attempt) deltaLocked(text string) string {
	if len(text) <= a.watermark {
		return ""
	}
	delta := text[a.watermark:]
	a.watermark = len(text)
	return delta
}

// rearmLocked pushes the watchdog deadline out after an accepted event.
func (a *attempt) rearmLocked() {
	if a.watchdog != nil {
		a.watchdog.Reset(a.relay.cfg.WatchdogTimeout)
	}
}

// teardownLocked stops the watchdog and detaches from the feed. Callers
// must hold a.mu and have set finished first.
func (a *attempt) teardownLocked() {
	if a.watchdog != nil {
		a.watchdog.Stop()
	}
	if a.sub != nil {
		a.sub.Detach()
	}
}
