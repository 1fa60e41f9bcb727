package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/transport"
)

// RemoteConfig configures connections to a session daemon that drives the
// actual interactive surface.
type RemoteConfig struct {
	// CommandURL is the websocket endpoint accepting session commands.
	CommandURL string

	// EventsURL is the websocket endpoint streaming raw frames.
	EventsURL string

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// CommandTimeout bounds one command round trip.
	CommandTimeout time.Duration
}

// DefaultRemoteConfig returns the recommended daemon connection defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		DialTimeout:    10 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// RemoteRuntime builds sessions backed by a session daemon.
type RemoteRuntime struct {
	cfg RemoteConfig
}

// NewRemoteRuntime creates a runtime for the given daemon endpoints.
func NewRemoteRuntime(cfg RemoteConfig) (*RemoteRuntime, error) {
	if cfg.CommandURL == "" || cfg.EventsURL == "" {
		return nil, fmt.Errorf("command and events URLs are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &RemoteRuntime{cfg: cfg}, nil
}

// NewSession implements Runtime.
func (r *RemoteRuntime) NewSession(ctx context.Context) (InteractiveSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, r.cfg.CommandURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial session daemon: %w", err)
	}

	feed, err := transport.DialFeed(r.cfg.EventsURL, r.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial frame feed: %w", err)
	}

	return &remoteSession{
		conn:    conn,
		feed:    feed,
		timeout: r.cfg.CommandTimeout,
	}, nil
}

// Close implements Runtime.
func (r *RemoteRuntime) Close() error { return nil }

// remoteSession drives one daemon-hosted session over a command websocket.
type remoteSession struct {
	conn    *websocket.Conn
	feed    *transport.WebSocketFeed
	timeout time.Duration

	mu       sync.Mutex // serializes command round trips
	location string
}

type sessionCommand struct {
	Op     string `json:"op"`
	Secret string `json:"secret,omitempty"`
	Target string `json:"target,omitempty"`
	Tier   string `json:"tier,omitempty"`
	Text   string `json:"text,omitempty"`
}

type sessionReply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Location string `json:"location,omitempty"`
}

func (s *remoteSession) roundTrip(ctx context.Context, cmd sessionCommand) (sessionReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return sessionReply{}, err
	}
	if err := s.conn.WriteJSON(cmd); err != nil {
		return sessionReply{}, fmt.Errorf("%s: write: %w", cmd.Op, err)
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return sessionReply{}, err
	}
	var reply sessionReply
	if err := s.conn.ReadJSON(&reply); err != nil {
		return sessionReply{}, fmt.Errorf("%s: read: %w", cmd.Op, err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("%s: daemon: %s", cmd.Op, reply.Error)
	}
	if reply.Location != "" {
		s.location = reply.Location
	}
	return reply, nil
}

func (s *remoteSession) Bind(ctx context.Context, secret string) error {
	_, err := s.roundTrip(ctx, sessionCommand{Op: "bind", Secret: secret})
	return err
}

func (s *remoteSession) Navigate(ctx context.Context, target string) error {
	_, err := s.roundTrip(ctx, sessionCommand{Op: "navigate", Target: target})
	if err == nil {
		s.mu.Lock()
		s.location = target
		s.mu.Unlock()
	}
	return err
}

func (s *remoteSession) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *remoteSession) VerifyAccess(ctx context.Context, tier model.Tier) error {
	_, err := s.roundTrip(ctx, sessionCommand{Op: "verify", Tier: string(tier)})
	return err
}

func (s *remoteSession) Send(ctx context.Context, text string) error {
	_, err := s.roundTrip(ctx, sessionCommand{Op: "send", Text: text})
	return err
}

func (s *remoteSession) ClearConversation(ctx context.Context) error {
	_, err := s.roundTrip(ctx, sessionCommand{Op: "clear"})
	return err
}

func (s *remoteSession) Reload(ctx context.Context) error {
	_, err := s.roundTrip(ctx, sessionCommand{Op: "reload"})
	return err
}

func (s *remoteSession) Events() transport.Feed {
	return s.feed
}

func (s *remoteSession) Close() error {
	s.feed.Close()
	return s.conn.Close()
}
