package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(t *testing.T, raw string) Frame {
	t.Helper()
	return Frame{Data: json.RawMessage(raw), ReceivedAt: time.Now()}
}

func TestDecodeRecordPartsContent(t *testing.T) {
	raw := `{"message":{"id":"msg-1","author":{"role":"assistant"},"status":"in_progress","content":{"parts":["Hello, ","world"]}}}`

	rec, ok := DecodeRecord(frameOf(t, raw))
	require.True(t, ok)
	assert.Equal(t, "msg-1", rec.ID)
	assert.Equal(t, RoleAssistant, rec.Role)
	assert.Equal(t, StateIncomplete, rec.State)
	assert.Equal(t, "Hello, world", rec.Text)
}

func TestDecodeRecordStringContent(t *testing.T) {
	raw := `{"message":{"id":"msg-2","author":{"role":"user"},"status":"finished_successfully","content":"2+2"}}`

	rec, ok := DecodeRecord(frameOf(t, raw))
	require.True(t, ok)
	assert.Equal(t, RoleHuman, rec.Role)
	assert.Equal(t, StateComplete, rec.State)
	assert.Equal(t, "2+2", rec.Text)
}

func TestDecodeRecordNoise(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"message":`},
		{"no message key", `{"type":"ping"}`},
		{"message without id", `{"message":{"author":{"role":"assistant"}}}`},
		{"empty payload", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := DecodeRecord(frameOf(t, tt.raw))
			assert.False(t, ok)
		})
	}
}

func TestDecodeRecordUnknownStatesAndRoles(t *testing.T) {
	raw := `{"message":{"id":"msg-3","author":{"role":"tool"},"status":"queued","content":"x"}}`

	rec, ok := DecodeRecord(frameOf(t, raw))
	require.True(t, ok)
	assert.Equal(t, RoleControl, rec.Role)
	assert.Equal(t, StateOther, rec.State)
}

func TestChannelFeedDeliveryWithFrameHelper(t *testing.T) {
	feed := NewChannelFeed()
	defer feed.Close()

	got := make(chan Frame, 4)
	sub, err := feed.Subscribe(func(f Frame) { got <- f })
	require.NoError(t, err)
	defer sub.Detach()

	feed.Publish(frameOf(t, `{"n":1}`))

	select {
	case f := <-got:
		assert.JSONEq(t, `{"n":1}`, string(f.Data))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestChannelFeedDetachStopsDeliveryWithFrameHelper(t *testing.T) {
	feed := NewChannelFeed()
	defer feed.Close()

	got := make(chan Frame, 4)
	sub, err := feed.Subscribe(func(f Frame) { got <- f })
	require.NoError(t, err)

	require.NoError(t, sub.Detach())
	feed.Publish(frameOf(t, `{"n":2}`))

	select {
	case <-got:
		t.Fatal("frame delivered after detach")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelFeedClosedRejectsSubscribe(t *testing.T) {
	feed := NewChannelFeed()
	feed.Close()

	_, err := feed.Subscribe(func(Frame) {})
	assert.Error(t, err)
}
