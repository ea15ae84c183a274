package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/roundhouse/internal/protocol"
)

var (
	// ErrNoResult is returned when the stream ends before a result event.
	ErrNoResult = errors.New("session: stream ended without result")
	// ErrExchangeTimeout is returned when the process goes quiet for longer
	// than the read timeout, or the caller's context ends mid-exchange. The
	// session has been killed and evicted by the time it is returned.
	ErrExchangeTimeout = errors.New("session: exchange timed out")
)

// Update is an intermediate event forwarded to an EventSink.
type Update struct {
	Kind protocol.Kind // KindAssistant or KindSystem
	Text string
}

// EventSink receives intermediate events of an exchange in arrival order.
// It runs on the exchange goroutine and must not block for long.
type EventSink func(Update)

// Result is the outcome of one completed exchange.
type Result struct {
	Content    string  `json:"content"`
	SessionID  string  `json:"session_id"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	IsError    bool    `json:"is_error"`
}

// Status is a read-only snapshot of a live session.
type Status struct {
	UserID            int64     `json:"user_id"`
	ThreadID          *int64    `json:"thread_id"`
	SessionID         string    `json:"session_id,omitempty"`
	WorkingDirectory  string    `json:"working_directory"`
	ContextTokensUsed int       `json:"context_tokens_used"`
	ContextTokensMax  int       `json:"context_tokens_max"`
	ContextPercentage float64   `json:"context_percentage"`
	TotalCost         float64   `json:"total_cost"`
	TurnCount         int       `json:"turn_count"`
	MessageCount      int       `json:"message_count"`
	PID               int       `json:"pid"`
	CreatedAt         time.Time `json:"created_at"`
	LastUsed          time.Time `json:"last_used"`
}

// Session is one live subprocess bound to a key and a working directory.
// It is owned by the Multiplexer slot for its key.
type Session struct {
	key       Key
	workDir   string
	proc      Process
	createdAt time.Time

	// exchange is held for the duration of one request/response cycle.
	exchange sync.Mutex

	// drained is set once stdout has closed. The process may not be reaped
	// yet, but it will never produce another result.
	drained atomic.Bool

	// mu guards the fields below. Writers also hold exchange.
	mu           sync.RWMutex
	protocolID   string
	latestID     string // session id reported by the most recent result
	tokensUsed   int
	tokensMax    int
	totalCost    float64
	turnCount    int
	messageCount int
	lastUsed     time.Time
}

func newSession(key Key, workDir, resumeID string, proc Process) *Session {
	now := time.Now()
	return &Session{
		key:        key,
		workDir:    workDir,
		proc:       proc,
		createdAt:  now,
		protocolID: resumeID,
		tokensMax:  protocol.DefaultContextWindow,
		lastUsed:   now,
	}
}

// Key returns the key the session is registered under.
func (s *Session) Key() Key { return s.key }

// WorkDir returns the directory the process was launched in.
func (s *Session) WorkDir() string { return s.workDir }

// PID returns the subprocess id.
func (s *Session) PID() int { return s.proc.PID() }

// ProtocolID returns the protocol session id, empty until assigned.
func (s *Session) ProtocolID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolID
}

// answersTo reports whether id names this session's conversation, either
// the id it was launched with or the one its latest result reported.
func (s *Session) answersTo(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return id == s.protocolID || (s.latestID != "" && id == s.latestID)
}

// Alive reports whether the subprocess is still running and its stdout is
// still open.
func (s *Session) Alive() bool {
	if s.drained.Load() {
		return false
	}
	select {
	case <-s.proc.Done():
		return false
	default:
		return true
	}
}

// Status returns a snapshot of the session's counters.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pct := 0.0
	if s.tokensMax > 0 {
		pct = float64(s.tokensUsed) / float64(s.tokensMax) * 100
	}
	return Status{
		UserID:            s.key.UserID,
		ThreadID:          s.key.Thread(),
		SessionID:         s.protocolID,
		WorkingDirectory:  s.workDir,
		ContextTokensUsed: s.tokensUsed,
		ContextTokensMax:  s.tokensMax,
		ContextPercentage: pct,
		TotalCost:         s.totalCost,
		TurnCount:         s.turnCount,
		MessageCount:      s.messageCount,
		PID:               s.proc.PID(),
		CreatedAt:         s.createdAt,
		LastUsed:          s.lastUsed,
	}
}

// roundTrip writes one turn and reads until the result event. The caller
// must hold s.exchange.
func (s *Session) roundTrip(ctx context.Context, text string, readTimeout time.Duration, sink EventSink) (*Result, error) {
	line, err := protocol.EncodeTurn(text)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	// The write runs aside so a wedged stdin cannot outlive the deadline.
	written := make(chan error, 1)
	go func() { written <- s.proc.Write(line) }()
	select {
	case err := <-written:
		if err != nil {
			return nil, err
		}
	case <-timer.C:
		return nil, ErrExchangeTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrExchangeTimeout, ctx.Err())
	}
	timer.Reset(readTimeout)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrExchangeTimeout, ctx.Err())
		case <-timer.C:
			return nil, ErrExchangeTimeout
		case raw, ok := <-s.proc.Lines():
			if !ok {
				s.drained.Store(true)
				return nil, ErrNoResult
			}
			timer.Reset(readTimeout)

			ev, err := protocol.DecodeLine(raw)
			if errors.Is(err, protocol.ErrEmptyLine) {
				continue
			}
			if err != nil {
				log.Printf("session: %s: skipping line: %v", s.key, err)
				continue
			}
			if ev.SessionID != "" {
				s.assignProtocolID(ev.SessionID)
			}

			switch ev.Kind {
			case protocol.KindAssistant, protocol.KindSystem:
				if sink != nil {
					sink(Update{Kind: ev.Kind, Text: ev.Text})
				}
			case protocol.KindResult:
				return s.complete(ev.Result), nil
			}
		}
	}
}

// assignProtocolID records the first protocol session id seen.
func (s *Session) assignProtocolID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protocolID == "" {
		s.protocolID = id
	}
}

// complete folds a result event into the counters.
func (s *Session) complete(r *protocol.Result) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokensUsed = r.TokensUsed()
	s.tokensMax = r.TokensMax()
	s.totalCost += r.Cost()
	s.turnCount += r.NumTurns
	s.messageCount++
	s.lastUsed = time.Now()
	if s.protocolID == "" {
		s.protocolID = r.SessionID
	}

	id := r.SessionID
	if id == "" {
		id = s.protocolID
	}
	s.latestID = id
	return &Result{
		Content:    r.Text,
		SessionID:  id,
		CostUSD:    r.Cost(),
		DurationMS: r.DurationMS,
		NumTurns:   r.NumTurns,
		IsError:    r.IsError,
	}
}
