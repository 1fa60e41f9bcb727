// Package transport models the low-level event stream arriving from a live
// session: opaque frames that sometimes decode into message records.
package transport

import (
	"encoding/json"
	"strings"
	"time"
)

// Frame is one opaque frame from a session's transport. Frames are noisy:
// most carry no message record at all.
type Frame struct {
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Role is the author role of a message record.
type Role string

const (
	RoleHuman     Role = "user"
	RoleAssistant Role = "assistant"
	RoleControl   Role = "system"
)

// State is the lifecycle state of a message record.
type State string

const (
	StateIncomplete State = "incomplete"
	StateComplete   State = "complete"
	StateOther      State = "other"
)

// MessageRecord is a decoded frame payload. Text is the full cumulative
// text-so-far, not a delta.
type MessageRecord struct {
	ID    string
	Role  Role
	State State
	Text  string
}

// wireEnvelope matches the upstream frame shape. Content may arrive either
// as a bare string or as a parts array; both are observed on the wire.
type wireEnvelope struct {
	Message *struct {
		ID     string `json:"id"`
		Author struct {
			Role string `json:"role"`
		} `json:"author"`
		Status  string          `json:"status"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// DecodeRecord attempts to decode a frame into a message record. A false
// return means the frame carried no record and should be ignored; malformed
// frames are noise, not errors.
func DecodeRecord(frame Frame) (MessageRecord, bool) {
	var env wireEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return MessageRecord{}, false
	}
	if env.Message == nil || env.Message.ID == "" {
		return MessageRecord{}, false
	}

	rec := MessageRecord{
		ID:    env.Message.ID,
		Role:  decodeRole(env.Message.Author.Role),
		State: decodeState(env.Message.Status),
		Text:  decodeContent(env.Message.Content),
	}
	return rec, true
}

func decodeRole(raw string) Role {
	switch strings.ToLower(raw) {
	case "user", "human":
		return RoleHuman
	case "assistant":
		return RoleAssistant
	default:
		return RoleControl
	}
}

func decodeState(raw string) State {
	switch strings.ToLower(raw) {
	case "incomplete", "in_progress":
		return StateIncomplete
	case "complete", "finished_successfully":
		return StateComplete
	default:
		return StateOther
	}
}

func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var parts struct {
		Parts []string `json:"parts"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts.Parts, "")
	}
	return ""
}
