package api

import (
	"encoding/json"
	"time"
)

// ChannelKind identifies where a message arrived from.
type ChannelKind string

const (
	ChannelPrivate ChannelKind = "private"
	ChannelGroup   ChannelKind = "group"
)

// Segment is one element of a structured gateway message. Plain text
// messages are represented as a single "text" segment.
type Segment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Event represents a non-message gateway event fanned out to plugins.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SubType   string                 `json:"sub_type,omitempty"`
	SelfID    int64                  `json:"self_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// MessageContext is handed to plugin handlers for every inbound message.
// Command and Args are filled in once during parsing, before any plugin
// sees the context; everything else is immutable.
type MessageContext struct {
	MessageID int64
	UserID    int64
	GroupID   int64 // 0 for private messages
	Channel   ChannelKind
	Text      string
	Raw       map[string]interface{}
	Segments  []Segment
	Sender    map[string]interface{}
	Timestamp int64

	IsCommand bool
	Command   string
	Args      []string

	// Reply sends a message back through the channel the triggering
	// message arrived on.
	Reply func(message string) error
}

// PluginMeta contains metadata about a loaded plugin
type PluginMeta struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// RawResult is an opaque gateway response payload.
type RawResult = json.RawMessage
