// Package session borrows live interactive sessions from a runtime and leases
// them, one per credential, to request-handling flows. Sessions are costly,
// stateful, and can silently hang; the leaser owns their lifecycle, the relay
// only borrows them.
package session

import (
	"context"

	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/transport"
)

// InteractiveSession is the black-box stateful session the bridge drives.
// All methods are fallible and must be idempotent-safe to retry.
type InteractiveSession interface {
	// Bind configures the session's authorization with a credential secret.
	Bind(ctx context.Context, secret string) error

	// Navigate moves the session to a capability entry point.
	Navigate(ctx context.Context, target string) error

	// Location returns the entry point the session currently sits at.
	Location() string

	// VerifyAccess checks the bound identity actually has the tier's access.
	VerifyAccess(ctx context.Context, tier model.Tier) error

	// Send submits prompt text to the session's conversation.
	Send(ctx context.Context, text string) error

	// ClearConversation resets the conversation after a completed exchange.
	ClearConversation(ctx context.Context) error

	// Reload resets the session to a clean state after a stall.
	Reload(ctx context.Context) error

	// Events exposes the session's raw low-level frame feed.
	Events() transport.Feed

	// Close tears the session down.
	Close() error
}

// Runtime creates sessions. Implementations wrap whatever drives the actual
// surface; the leaser only needs this contract.
type Runtime interface {
	NewSession(ctx context.Context) (InteractiveSession, error)
	Close() error
}
