package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Feed delivers a session's frames to subscribers in arrival order.
// Implementations must be safe for concurrent use.
type Feed interface {
	// Subscribe registers a handler called for every subsequent frame.
	// The returned subscription must be detached when the caller stops
	// listening; a detached subscription never invokes the handler again.
	Subscribe(handler FrameHandler) (Subscription, error)
}

// FrameHandler processes one frame.
type FrameHandler func(Frame)

// Subscription is a cancellable attachment to a feed.
type Subscription interface {
	// Detach stops frame delivery and releases resources.
	Detach() error
}

// ChannelFeed is an in-memory Feed. It backs tests and local session fakes,
// and the websocket feed fans frames out through it.
type ChannelFeed struct {
	mu         sync.RWMutex
	subs       map[string]*channelSub
	subCounter atomic.Uint64
	closed     atomic.Bool
}

// NewChannelFeed creates an empty in-memory feed.
func NewChannelFeed() *ChannelFeed {
	return &ChannelFeed{subs: make(map[string]*channelSub)}
}

// Publish delivers a frame to every attached subscriber. Subscribers with a
// full buffer drop the frame rather than block the feed.
func (f *ChannelFeed) Publish(frame Frame) {
	if f.closed.Load() {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		if sub.detached.Load() {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
		}
	}
}

// Subscribe implements Feed.
func (f *ChannelFeed) Subscribe(handler FrameHandler) (Subscription, error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("feed closed")
	}

	sub := &channelSub{
		id:     fmt.Sprintf("sub-%d", f.subCounter.Add(1)),
		frames: make(chan Frame, 256),
		stop:   make(chan struct{}),
		feed:   f,
	}

	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go sub.run(handler)
	return sub, nil
}

// Close detaches all subscribers and rejects further publishes.
func (f *ChannelFeed) Close() {
	if f.closed.Swap(true) {
		return
	}
	f.mu.Lock()
	subs := make([]*channelSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = make(map[string]*channelSub)
	f.mu.Unlock()

	for _, s := range subs {
		s.markDetached()
	}
}

type channelSub struct {
	id       string
	frames   chan Frame
	stop     chan struct{}
	feed     *ChannelFeed
	detached atomic.Bool
	stopOnce sync.Once
}

func (s *channelSub) run(handler FrameHandler) {
	for {
		select {
		case <-s.stop:
			return
		case frame := <-s.frames:
			if s.detached.Load() {
				return
			}
			handler(frame)
		}
	}
}

func (s *channelSub) markDetached() {
	s.detached.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
}

// Detach implements Subscription.
func (s *channelSub) Detach() error {
	s.markDetached()

	s.feed.mu.Lock()
	delete(s.feed.subs, s.id)
	s.feed.mu.Unlock()
	return nil
}
