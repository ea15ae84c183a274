// Package session runs one long-lived claude subprocess per (user, thread)
// and multiplexes request/response exchanges onto it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultReadTimeout is the longest the multiplexer waits for the next
// stdout line of an exchange before killing the session.
const DefaultReadTimeout = 5 * time.Minute

// exitGrace is how long Send waits for a process whose stdout closed to be
// reaped before deciding it is still alive.
const exitGrace = 2 * time.Second

// Recorder is notified after every completed exchange with the session's
// post-exchange snapshot and the exchange's own result.
type Recorder interface {
	RecordExchange(ctx context.Context, key Key, st Status, res *Result) error
}

// Turn is one user turn for Send.
type Turn struct {
	WorkDir  string    // working directory the session must be bound to
	Text     string    // user turn text
	ResumeID string    // protocol session to resume; empty keeps the current one
	Sink     EventSink // optional receiver of intermediate events
}

// Opts holds parameters for creating a Multiplexer.
type Opts struct {
	Spawner     Spawner
	ReadTimeout time.Duration // defaults to DefaultReadTimeout
	Recorders   []Recorder
}

// slot is the directory entry for one key. Its lock serializes create,
// replace and kill for that key only.
type slot struct {
	mu   sync.Mutex
	sess *Session
}

// Multiplexer is the directory of live sessions keyed by (user, thread).
type Multiplexer struct {
	spawner     Spawner
	readTimeout time.Duration
	recorders   []Recorder

	mu    sync.RWMutex
	slots map[Key]*slot

	// cleanupMu serializes KillAll.
	cleanupMu sync.Mutex
}

// New creates a Multiplexer.
func New(opts Opts) (*Multiplexer, error) {
	if opts.Spawner == nil {
		return nil, fmt.Errorf("session: multiplexer: spawner is required")
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &Multiplexer{
		spawner:     opts.Spawner,
		readTimeout: timeout,
		recorders:   opts.Recorders,
		slots:       make(map[Key]*slot),
	}, nil
}

// slot returns the slot for key, creating it when create is set.
func (m *Multiplexer) slot(key Key, create bool) *slot {
	m.mu.RLock()
	sl := m.slots[key]
	m.mu.RUnlock()
	if sl != nil || !create {
		return sl
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sl = m.slots[key]; sl == nil {
		sl = &slot{}
		m.slots[key] = sl
	}
	return sl
}

// lockSlot returns key's slot with its lock held. A slot dropped from the
// directory while we waited for its lock is abandoned for the current one.
func (m *Multiplexer) lockSlot(key Key) *slot {
	for {
		sl := m.slot(key, true)
		sl.mu.Lock()
		m.mu.RLock()
		current := m.slots[key] == sl
		m.mu.RUnlock()
		if current {
			return sl
		}
		sl.mu.Unlock()
	}
}

// release drops key's slot from the directory once it holds no session.
// The caller holds sl.mu.
func (m *Multiplexer) release(key Key, sl *slot) {
	if sl.sess != nil {
		return
	}
	m.mu.Lock()
	if m.slots[key] == sl {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}

// GetOrCreate returns the live session for key bound to workDir, launching
// one when needed. A session in another directory, or one that should
// resume a different protocol session, is killed before its replacement is
// spawned, so a key never has two live processes.
func (m *Multiplexer) GetOrCreate(ctx context.Context, key Key, workDir, resumeID string) (*Session, error) {
	if workDir == "" {
		return nil, fmt.Errorf("session: %s: working directory is required", key)
	}
	dir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("session: %s: resolve %s: %w", key, workDir, err)
	}

	sl := m.lockSlot(key)
	defer sl.mu.Unlock()

	if s := sl.sess; s != nil {
		switch {
		case !s.Alive():
			log.Printf("session: %s: pid %d exited, replacing", key, s.PID())
		case s.workDir != dir:
			log.Printf("session: %s: directory %s -> %s, restarting", key, s.workDir, dir)
		case resumeID != "" && !s.answersTo(resumeID):
			log.Printf("session: %s: resume %s (was %q), restarting", key, resumeID, s.ProtocolID())
		default:
			return s, nil
		}
		if err := s.proc.Kill(); err != nil {
			log.Printf("session: %s: kill pid %d: %v", key, s.PID(), err)
		}
		sl.sess = nil
	}

	proc, err := m.spawner.Spawn(ctx, SpawnOpts{WorkDir: dir, ResumeID: resumeID})
	if err != nil {
		m.release(key, sl)
		return nil, fmt.Errorf("session: %s: spawn: %w", key, err)
	}
	s := newSession(key, dir, resumeID, proc)
	sl.sess = s

	log.Printf("session: %s: started pid %d [dir=%s resume=%q]", key, proc.PID(), dir, resumeID)
	return s, nil
}

// Send runs one exchange on the session for key. At most one exchange is in
// flight per session; concurrent callers for the same key queue on the
// session's exchange lock.
func (m *Multiplexer) Send(ctx context.Context, key Key, turn Turn) (*Result, error) {
	s, err := m.acquire(ctx, key, turn)
	if err != nil {
		return nil, err
	}

	res, err := s.roundTrip(ctx, turn.Text, m.readTimeout, turn.Sink)
	var st Status
	if err == nil {
		st = s.Status()
	}
	s.exchange.Unlock()

	if err != nil {
		m.fail(key, s, err)
		return nil, fmt.Errorf("session: %s: send: %w", key, err)
	}

	m.record(ctx, key, st, res)
	return res, nil
}

// acquire resolves the session for key and locks its exchange. A process
// found dead once the lock is held is evicted and replaced once.
func (m *Multiplexer) acquire(ctx context.Context, key Key, turn Turn) (*Session, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.GetOrCreate(ctx, key, turn.WorkDir, turn.ResumeID)
		if err != nil {
			return nil, err
		}
		s.exchange.Lock()
		if s.Alive() {
			return s, nil
		}
		s.exchange.Unlock()
		m.evict(key, s)
		if attempt > 0 {
			return nil, fmt.Errorf("session: %s: send: %w", key, ErrProcessExited)
		}
	}
}

// fail applies the eviction policy for a failed exchange.
func (m *Multiplexer) fail(key Key, s *Session, err error) {
	switch {
	case errors.Is(err, ErrExchangeTimeout):
		log.Printf("session: %s: %v, killing pid %d", key, err, s.PID())
		m.evict(key, s)
	default:
		select {
		case <-s.proc.Done():
		case <-time.After(exitGrace):
			log.Printf("session: %s: exchange failed, process still running: %v", key, err)
			return
		}
		log.Printf("session: %s: pid %d exited mid-exchange: %v", key, s.PID(), err)
		m.evict(key, s)
	}
}

// record notifies every recorder. Recorder failures are logged only.
func (m *Multiplexer) record(ctx context.Context, key Key, st Status, res *Result) {
	for _, r := range m.recorders {
		if err := r.RecordExchange(ctx, key, st, res); err != nil {
			log.Printf("session: %s: record exchange: %v", key, err)
		}
	}
}

// evict kills s and removes it from key's slot if it is still registered.
// The kill happens under the slot lock so no replacement can start first.
func (m *Multiplexer) evict(key Key, s *Session) {
	sl := m.slot(key, false)
	if sl == nil {
		if err := s.proc.Kill(); err != nil {
			log.Printf("session: %s: kill pid %d: %v", key, s.PID(), err)
		}
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := s.proc.Kill(); err != nil {
		log.Printf("session: %s: kill pid %d: %v", key, s.PID(), err)
	}
	if sl.sess == s {
		sl.sess = nil
	}
	m.release(key, sl)
}

// Interrupt sends an interrupt to the live process for key. It reports
// whether a signal was delivered; the session stays registered.
func (m *Multiplexer) Interrupt(key Key) bool {
	s := m.lookup(key)
	if s == nil || !s.Alive() {
		return false
	}
	if err := s.proc.Interrupt(); err != nil {
		log.Printf("session: %s: interrupt: %v", key, err)
		return false
	}
	log.Printf("session: %s: interrupt sent to pid %d", key, s.PID())
	return true
}

// Kill terminates the process for key, waits for it to exit and removes the
// entry. No-op when key has no session.
func (m *Multiplexer) Kill(key Key) error {
	sl := m.slot(key, false)
	if sl == nil {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	s := sl.sess
	if s == nil {
		m.release(key, sl)
		return nil
	}
	sl.sess = nil
	m.release(key, sl)
	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("session: %s: kill: %w", key, err)
	}
	log.Printf("session: %s: killed pid %d", key, s.PID())
	return nil
}

// KillAll kills every session in parallel. It stops waiting when ctx ends;
// kills already started keep running in the background.
func (m *Multiplexer) KillAll(ctx context.Context) error {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	m.mu.RLock()
	keys := make([]Key, 0, len(m.slots))
	for k := range m.slots {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, k := range keys {
		k := k
		g.Go(func() error { return m.Kill(k) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("session: kill all: %w", ctx.Err())
	}
	log.Printf("session: killed all sessions (%d keys)", len(keys))
	return nil
}

// lookup returns the registered session for key, if any.
func (m *Multiplexer) lookup(key Key) *Session {
	sl := m.slot(key, false)
	if sl == nil {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.sess
}

// Status returns a snapshot for key. Sessions whose process has died are
// reported absent.
func (m *Multiplexer) Status(key Key) (Status, bool) {
	s := m.lookup(key)
	if s == nil || !s.Alive() {
		return Status{}, false
	}
	return s.Status(), true
}

// Enumerate returns snapshots of every live session ordered by key.
func (m *Multiplexer) Enumerate() []Status {
	m.mu.RLock()
	keys := make([]Key, 0, len(m.slots))
	for k := range m.slots {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		if st, ok := m.Status(k); ok {
			out = append(out, st)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (m *Multiplexer) Count() int {
	return len(m.Enumerate())
}
