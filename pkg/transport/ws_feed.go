package transport

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketFeed taps a session daemon's frame endpoint over a websocket and
// fans the raw frames out to subscribers.
type WebSocketFeed struct {
	conn   *websocket.Conn
	feed   *ChannelFeed
	closed atomic.Bool
}

// DialFeed connects to the given frame endpoint and starts the read pump.
func DialFeed(url string, timeout time.Duration) (*WebSocketFeed, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial frame feed: %w", err)
	}

	f := &WebSocketFeed{
		conn: conn,
		feed: NewChannelFeed(),
	}
	go f.readPump()
	return f, nil
}

// Subscribe implements Feed.
func (f *WebSocketFeed) Subscribe(handler FrameHandler) (Subscription, error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("feed closed")
	}
	return f.feed.Subscribe(handler)
}

// Close tears down the connection and detaches all subscribers.
func (f *WebSocketFeed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.feed.Close()
	return f.conn.Close()
}

func (f *WebSocketFeed) readPump() {
	defer f.Close()

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			return
		}
		// Non-JSON payloads are still frames; decoding happens downstream.
		f.feed.Publish(Frame{
			Data:       json.RawMessage(data),
			ReceivedAt: time.Now(),
		})
	}
}
