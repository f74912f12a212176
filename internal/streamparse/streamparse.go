// Package streamparse extracts session id, error state, and tool-call
// counts from the line-delimited JSON event stream emitted by the agent
// subprocess invoked with --output-format stream-json --verbose.
package streamparse

import (
	"encoding/json"
	"strings"
)

// EventType is the "type" discriminator on a stream-json event.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
)

// ToolUse identifies a tool invocation surfaced on an assistant event.
type ToolUse struct {
	ID   string
	Name string
}

// ToolResult identifies a tool result surfaced on a user event.
type ToolResult struct {
	ToolUseID string
}

// Event is one recognized, successfully-decoded line from the stream.
type Event struct {
	Type         EventType
	Subtype      string
	SessionID    string
	IsError      bool
	ErrorMessage string
	ToolUses     []ToolUse
	ToolResults  []ToolResult
}

// Result summarizes an entire parsed stream.
type Result struct {
	SessionID     string
	IsError       bool
	ErrorMessage  string
	ToolCallCount int
	Events        []Event
}

// Parser accumulates state across ParseLine calls; use ParseAll for a
// one-shot full-stream parse, or ParseLine directly to process output as
// it arrives.
type Parser struct {
	sessionID     string
	isError       bool
	errorMessage  string
	toolCallCount int
	events        []Event
}

// New returns a Parser with empty state.
func New() *Parser {
	return &Parser{}
}

// Reset clears all accumulated state.
func (p *Parser) Reset() {
	*p = Parser{}
}

// Result snapshots the parser's current accumulated state.
func (p *Parser) Result() Result {
	return Result{
		SessionID:     p.sessionID,
		IsError:       p.isError,
		ErrorMessage:  p.errorMessage,
		ToolCallCount: p.toolCallCount,
		Events:        p.events,
	}
}

// ParseAll resets the parser and parses every newline-delimited line in
// stdout, returning the final accumulated Result.
func ParseAll(stdout string) Result {
	p := New()
	for _, line := range strings.Split(stdout, "\n") {
		p.ParseLine(line)
	}
	return p.Result()
}

// rawEvent mirrors only the fields the parser cares about in the
// stream-json schema; unrecognized fields are ignored by json.Unmarshal.
type rawEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Errors    []any  `json:"errors"`
	Message   struct {
		Content []rawContentBlock `json:"content"`
	} `json:"message"`
}

type rawContentBlock struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ToolUseID string `json:"tool_use_id"`
}

// ParseLine processes a single line of subprocess output, tolerating
// blank lines, non-JSON lines, and prefix noise before the first '{'.
// It updates the parser's accumulated state and returns whether the line
// was a recognized, decodable event.
func (p *Parser) ParseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}

	jsonStart := strings.Index(trimmed, "{")
	if jsonStart == -1 {
		return false
	}
	if jsonStart > 0 {
		trimmed = trimmed[jsonStart:]
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return false
	}

	switch EventType(raw.Type) {
	case EventSystem:
		if raw.Subtype == "init" && p.sessionID == "" && raw.SessionID != "" {
			p.sessionID = raw.SessionID
		}
		p.events = append(p.events, Event{Type: EventSystem, Subtype: raw.Subtype, SessionID: raw.SessionID})
		return true

	case EventResult:
		p.isError = raw.IsError
		errMsg := ""
		if len(raw.Errors) > 0 {
			if s, ok := raw.Errors[0].(string); ok {
				errMsg = s
				p.errorMessage = s
			}
		}
		if p.sessionID == "" && raw.SessionID != "" {
			p.sessionID = raw.SessionID
		}
		p.events = append(p.events, Event{Type: EventResult, IsError: raw.IsError, ErrorMessage: errMsg, SessionID: raw.SessionID})
		return true

	case EventAssistant:
		var uses []ToolUse
		for _, block := range raw.Message.Content {
			if block.Type == "tool_use" {
				p.toolCallCount++
				uses = append(uses, ToolUse{ID: block.ID, Name: block.Name})
			}
		}
		p.events = append(p.events, Event{Type: EventAssistant, ToolUses: uses})
		return true

	case EventUser:
		var results []ToolResult
		for _, block := range raw.Message.Content {
			if block.Type == "tool_result" {
				results = append(results, ToolResult{ToolUseID: block.ToolUseID})
			}
		}
		p.events = append(p.events, Event{Type: EventUser, ToolResults: results})
		return true

	default:
		return false
	}
}
