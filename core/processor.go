package core

import (
	"encoding/json"
	"strings"

	"github.com/sorane/kobot/api"
	"github.com/sorane/kobot/core/onebot"
)

// Processor turns a raw inbound message event into a structured context:
// flattened text and segments, a reply affordance bound to the arrival
// channel, and the command classification.
type Processor struct {
	host     api.HostAPI
	prefixes []string
	logger   api.Logger
}

// NewProcessor creates a processor with the configured command prefixes.
func NewProcessor(host api.HostAPI, prefixes []string, logger api.Logger) *Processor {
	return &Processor{host: host, prefixes: prefixes, logger: logger}
}

// Build constructs the message context for one inbound message. Command
// and Args are filled here, before any plugin sees the context.
func (p *Processor) Build(ev *onebot.MessageEvent) *api.MessageContext {
	text, segments := flattenMessage(ev.Message, ev.RawMessage)

	channel := api.ChannelPrivate
	if ev.MessageType == "group" {
		channel = api.ChannelGroup
	}

	ctx := &api.MessageContext{
		MessageID: ev.MessageID,
		UserID:    ev.UserID,
		GroupID:   ev.GroupID,
		Channel:   channel,
		Text:      text,
		Raw:       ev.Payload,
		Segments:  segments,
		Sender:    senderMap(ev.Sender),
		Timestamp: ev.Time,
	}

	// A reply always routes through the channel the message arrived on.
	userID, groupID := ev.UserID, ev.GroupID
	if channel == api.ChannelGroup {
		ctx.Reply = func(message string) error {
			return p.host.SendGroup(groupID, message)
		}
	} else {
		ctx.Reply = func(message string) error {
			return p.host.SendPrivate(userID, message)
		}
	}

	if command, args, ok := ParseCommand(text, p.prefixes); ok {
		ctx.IsCommand = true
		ctx.Command = command
		ctx.Args = args
	}

	return ctx
}

// ParseCommand classifies text against the ordered prefix list. The
// first matching prefix wins; the empty prefix matches everything. A
// match that yields no tokens is not a command.
func ParseCommand(text string, prefixes []string) (string, []string, bool) {
	for _, prefix := range prefixes {
		if !strings.HasPrefix(text, prefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(text, prefix))
		if len(fields) == 0 {
			return "", nil, false
		}
		return fields[0], fields[1:], true
	}
	return "", nil, false
}

// flattenMessage handles both gateway message encodings: a plain string
// or a segment array. Text segments are concatenated into the context's
// text; everything is preserved as segments.
func flattenMessage(raw json.RawMessage, fallback string) (string, []api.Segment) {
	if len(raw) == 0 {
		return fallback, []api.Segment{textSegment(fallback)}
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, []api.Segment{textSegment(plain)}
	}

	var segments []api.Segment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return fallback, []api.Segment{textSegment(fallback)}
	}

	var sb strings.Builder
	for _, seg := range segments {
		if seg.Type != "text" {
			continue
		}
		if text, ok := seg.Data["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	text := sb.String()
	if text == "" {
		text = fallback
	}
	return text, segments
}

func textSegment(text string) api.Segment {
	return api.Segment{Type: "text", Data: map[string]interface{}{"text": text}}
}

func senderMap(s onebot.Sender) map[string]interface{} {
	return map[string]interface{}{
		"user_id":  s.UserID,
		"nickname": s.Nickname,
		"card":     s.Card,
		"role":     s.Role,
	}
}
