package onebot

import (
	"encoding/json"
	"fmt"
)

// Request is an outbound action frame correlated by Echo.
type Request struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
	Echo   int64                  `json:"echo"`
}

// Response is an inbound frame resolving a pending call.
type Response struct {
	Echo   int64           `json:"echo"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Msg    string          `json:"msg"`
}

// OK reports whether the gateway accepted the action.
func (r *Response) OK() bool { return r.Status == "ok" }

// Sender describes the author of a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

// MessageEvent is an inbound message frame. Message is kept raw because
// the gateway sends either a plain string or a segment array.
type MessageEvent struct {
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   int64           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      Sender          `json:"sender"`

	// Payload is the undecoded frame, kept for plugins that want fields
	// this struct does not model.
	Payload map[string]interface{} `json:"-"`
}

// GenericEvent is any non-message frame without a correlation id.
type GenericEvent struct {
	Time          int64                  `json:"time"`
	SelfID        int64                  `json:"self_id"`
	PostType      string                 `json:"post_type"`
	MetaEventType string                 `json:"meta_event_type"`
	SubType       string                 `json:"sub_type"`
	NoticeType    string                 `json:"notice_type"`
	Payload       map[string]interface{} `json:"-"`
}

// Frame is the decoded form of one inbound gateway frame. Exactly one
// field is non-nil.
type Frame struct {
	Response *Response
	Message  *MessageEvent
	Event    *GenericEvent
}

// frameProbe sniffs the discriminating fields before a full decode.
type frameProbe struct {
	Echo     *int64 `json:"echo"`
	PostType string `json:"post_type"`
}

// DecodeFrame classifies one raw gateway frame. Frames carrying an echo
// field are responses; everything else is an event keyed by post_type.
func DecodeFrame(data []byte) (*Frame, error) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if probe.Echo != nil {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("malformed response frame: %w", err)
		}
		return &Frame{Response: &resp}, nil
	}

	if probe.PostType == "message" {
		var msg MessageEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("malformed message frame: %w", err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err == nil {
			msg.Payload = payload
		}
		return &Frame{Message: &msg}, nil
	}

	var ev GenericEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err == nil {
		ev.Payload = payload
	}
	return &Frame{Event: &ev}, nil
}

// IsLifecycleConnect reports whether the event announces the gateway's
// own identity on connect.
func (e *GenericEvent) IsLifecycleConnect() bool {
	return e.PostType == "meta_event" && e.MetaEventType == "lifecycle" &&
		(e.SubType == "connect" || e.SubType == "")
}
