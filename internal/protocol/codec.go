// Package protocol implements the stream-json wire format the claude CLI
// speaks over stdin/stdout: one JSON object per line in both directions.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultContextWindow is the context window size assumed when a result
// does not report one.
const DefaultContextWindow = 200000

// Kind classifies a decoded inbound line.
type Kind int

const (
	KindOther Kind = iota
	KindAssistant
	KindSystem
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindAssistant:
		return "assistant"
	case KindSystem:
		return "system"
	case KindResult:
		return "result"
	default:
		return "other"
	}
}

// ErrEmptyLine is returned by DecodeLine for blank lines.
var ErrEmptyLine = errors.New("protocol: empty line")

// ProtocolError reports a line that is not valid JSON. Read loops log it and
// move on to the next line.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	return fmt.Sprintf("protocol: malformed line %q: %v", line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Request is the outbound envelope for one user turn.
type Request struct {
	Type    string      `json:"type"`
	Message UserMessage `json:"message"`
}

// UserMessage is the message body of a Request.
type UserMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeTurn renders text as a single newline-terminated request line.
func EncodeTurn(text string) ([]byte, error) {
	data, err := json.Marshal(Request{
		Type:    "user",
		Message: UserMessage{Role: "user", Content: text},
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode turn: %w", err)
	}
	return append(data, '\n'), nil
}

// Event is one decoded inbound line.
type Event struct {
	Kind      Kind
	Type      string // raw "type" discriminator
	Subtype   string
	SessionID string // empty when the line carries none

	// Text is the joined text blocks for assistant events and the raw line
	// for system events.
	Text string

	// Result is set for KindResult only.
	Result *Result
}

// Result is the terminal event of an exchange.
type Result struct {
	Text          string         `json:"result"`
	SessionID     string         `json:"session_id"`
	CostUSD       *float64       `json:"cost_usd"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	DurationMS    int64          `json:"duration_ms"`
	NumTurns      int            `json:"num_turns"`
	IsError       bool           `json:"is_error"`
	ContextWindow *ContextWindow `json:"context_window"`
}

// ContextWindow is the context accounting block nested in a result.
type ContextWindow struct {
	Size         int    `json:"context_window_size"`
	CurrentUsage *Usage `json:"current_usage"`
}

// Usage holds the input token counters of the current context.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Cost returns cost_usd, falling back to total_cost_usd for CLI versions
// that only report the latter.
func (r *Result) Cost() float64 {
	if r.CostUSD != nil {
		return *r.CostUSD
	}
	return r.TotalCostUSD
}

// TokensUsed is the number of tokens occupying the context window.
func (r *Result) TokensUsed() int {
	if r.ContextWindow == nil || r.ContextWindow.CurrentUsage == nil {
		return 0
	}
	u := r.ContextWindow.CurrentUsage
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// TokensMax is the size of the context window.
func (r *Result) TokensMax() int {
	if r.ContextWindow == nil || r.ContextWindow.Size <= 0 {
		return DefaultContextWindow
	}
	return r.ContextWindow.Size
}

// envelope is used for the initial type dispatch.
type envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

type assistantEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeLine decodes one inbound line. Blank lines yield ErrEmptyLine and
// invalid JSON yields a *ProtocolError; unknown types decode as KindOther.
func DecodeLine(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, ErrEmptyLine
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, &ProtocolError{Line: string(line), Err: err}
	}

	ev := Event{
		Type:      env.Type,
		Subtype:   env.Subtype,
		SessionID: env.SessionID,
	}

	switch env.Type {
	case "assistant":
		var a assistantEvent
		if err := json.Unmarshal(line, &a); err != nil {
			return Event{}, &ProtocolError{Line: string(line), Err: err}
		}
		ev.Kind = KindAssistant
		ev.Text = joinText(a.Message.Content)
	case "system":
		ev.Kind = KindSystem
		ev.Text = string(line)
	case "result":
		var r Result
		if err := json.Unmarshal(line, &r); err != nil {
			return Event{}, &ProtocolError{Line: string(line), Err: err}
		}
		ev.Kind = KindResult
		ev.Result = &r
	default:
		ev.Kind = KindOther
	}
	return ev, nil
}

// joinText concatenates the text blocks of an assistant message in order.
func joinText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
