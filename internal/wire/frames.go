// Package wire defines the line-delimited JSON frames exchanged over a
// session host's Unix socket. One JSON value per newline-terminated
// line, in both directions.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ContentKind discriminates the typed content blocks a message body
// can carry, per spec.md's data model.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// ContentBlock is one element of a block-form MessageContent. A text
// block carries Text; an image block carries MediaType and Data
// (base64). Only ContentText blocks are eligible for coalescing.
type ContentBlock struct {
	Kind      ContentKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	MediaType string      `json:"media_type,omitempty"`
	Data      string      `json:"base64_data,omitempty"`
}

// MessageContent is either a plain text string or an ordered sequence
// of ContentBlocks — spec.md §3's "Message content" union. It
// marshals back to whichever shape it was built from, so a plain-text
// send round-trips as a bare JSON string rather than a one-element
// block array.
type MessageContent struct {
	plain  string
	blocks []ContentBlock
	isText bool
}

// PlainText builds a MessageContent from a bare string, the shape
// every in-scope adapter (HTTP, scheduled jobs) actually constructs.
func PlainText(s string) MessageContent {
	return MessageContent{plain: s, isText: true}
}

// BlockContent builds a MessageContent from typed content blocks, for
// callers that need to carry image data alongside text.
func BlockContent(blocks []ContentBlock) MessageContent {
	return MessageContent{blocks: blocks}
}

// IsTextOnly reports whether content is eligible for coalescing:
// plain-string content always is; block content is only when every
// block is a text block.
func (c MessageContent) IsTextOnly() bool {
	if c.isText {
		return true
	}
	for _, b := range c.blocks {
		if b.Kind != ContentText {
			return false
		}
	}
	return true
}

// Text flattens content to a plain string, joining text blocks with
// newlines and dropping non-text blocks. Used wherever content must
// be merged with other turns or forwarded as a header-prefixed line.
func (c MessageContent) Text() string {
	if c.isText {
		return c.plain
	}
	var sb strings.Builder
	first := true
	for _, b := range c.blocks {
		if b.Kind != ContentText {
			continue
		}
		if !first {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
		first = false
	}
	return sb.String()
}

// WithHeader prepends a rendered context-prefix header to content,
// preserving block structure: a plain-text message stays plain, a
// block message gains a leading text block.
func (c MessageContent) WithHeader(header string) MessageContent {
	if header == "" {
		return c
	}
	if c.isText {
		return PlainText(header + c.plain)
	}
	blocks := append([]ContentBlock{{Kind: ContentText, Text: header}}, c.blocks...)
	return BlockContent(blocks)
}

// MarshalJSON emits a bare string for plain-text content and a block
// array otherwise, matching spec.md's union shape on the wire.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.plain)
	}
	return json.Marshal(c.blocks)
}

// UnmarshalJSON accepts either shape, sniffing on the leading byte.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = PlainText(s)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = BlockContent(blocks)
	return nil
}

// FrameType discriminates the frames that flow over a session-host
// socket connection.
type FrameType string

const (
	// Inbound, Channel Manager -> Session Host.
	FrameUser      FrameType = "user"
	FrameInterrupt FrameType = "interrupt"

	// Outbound, Session Host -> Channel Manager.
	FrameEvent  FrameType = "event"
	FrameResult FrameType = "result"

	// Outbound, Session Host -> Channel Manager, internal only: a
	// mirrored agent-stderr line. The Channel Manager logs it and never
	// surfaces it to onEvent as a semantic event.
	FrameStderr FrameType = "_stderr"
)

// StderrFrame mirrors one noisy-pattern-filtered, truncated line of the
// agent subprocess's stderr to the socket client, per spec.md §4.2's
// forwarding rules.
type StderrFrame struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

// ChannelContext is the optional metadata spec.md's Channel Manager
// renders into a bracketed header before forwarding content to the
// agent. Fields left empty are omitted from the rendered header.
type ChannelContext struct {
	Adapter string `json:"adapter,omitempty"`
	User    string `json:"user,omitempty"`
	Chat    string `json:"chat,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// MessageRole discriminates who a Message is attributed to. The wire
// protocol only ever carries the user role from Channel Manager to
// Session Host, but the field is spelled out because the agent
// subprocess boundary uses the same envelope shape.
type MessageRole string

const RoleUser MessageRole = "user"

// Message pairs a role with content, the shape spec.md's wire protocol
// nests inside a UserFrame rather than flattening onto the frame.
type Message struct {
	Role    MessageRole    `json:"role"`
	Content MessageContent `json:"content"`
}

// UserFrame carries one already-prefixed message turn to the agent.
type UserFrame struct {
	Type    FrameType `json:"type"`
	Message Message   `json:"message"`
}

// NewUserFrame builds a UserFrame with Type populated.
func NewUserFrame(content MessageContent) UserFrame {
	return UserFrame{Type: FrameUser, Message: Message{Role: RoleUser, Content: content}}
}

// InterruptFrame asks the agent to abandon whatever turn is in flight.
type InterruptFrame struct {
	Type FrameType `json:"type"`
}

// EventFrame is a streamed intermediate event surfaced while the agent
// is producing a reply (tool calls, partial output, and the like).
// Payload is decoded into an untyped value (any) so the daemon can forward it to
// onEvent callbacks and the monitor feed without needing to understand
// the agent binary's event vocabulary.
type EventFrame struct {
	Type    FrameType `json:"type"`
	Payload any       `json:"payload"`
}

// ResultFrame is the terminal response to one dispatched turn.
type ResultFrame struct {
	Type           FrameType `json:"type"`
	Text           string    `json:"text"`
	SessionID      string    `json:"session_id,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	IsError        bool      `json:"is_error"`
	Coalesced      bool      `json:"coalesced,omitempty"`
	RequestsMerged int       `json:"requests_merged,omitempty"`
}

// Envelope is used only to sniff the "type" field of an inbound line
// before unmarshaling into the concrete frame type.
type Envelope struct {
	Type FrameType `json:"type"`
}
