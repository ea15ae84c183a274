package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/ledger"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/protocol"
	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/sandbox"
	"github.com/zulandar/roundhouse/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ---------------------------------------------------------------------------
// Fake multiplexer for tests
// ---------------------------------------------------------------------------

type fakeSessions struct {
	mu       sync.Mutex
	live     map[session.Key]session.Status
	turns    []session.Turn
	keys     []session.Key
	killed   []session.Key
	killAll  int
	sendErr  error
	updates  []session.Update
	result   *session.Result
	interOK  bool
	interKey session.Key
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		live:   make(map[session.Key]session.Status),
		result: &session.Result{Content: "Hello", SessionID: "sid1", CostUSD: 0.01, NumTurns: 1},
	}
}

func (f *fakeSessions) Send(_ context.Context, key session.Key, turn session.Turn) (*session.Result, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.keys = append(f.keys, key)
	updates, err, res := f.updates, f.sendErr, f.result
	f.mu.Unlock()

	for _, u := range updates {
		if turn.Sink != nil {
			turn.Sink(u)
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.live[key] = session.Status{UserID: key.UserID, ThreadID: key.Thread(), SessionID: res.SessionID, WorkingDirectory: turn.WorkDir}
	f.mu.Unlock()
	return res, nil
}

func (f *fakeSessions) Interrupt(key session.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interKey = key
	_, ok := f.live[key]
	return ok && f.interOK
}

func (f *fakeSessions) Kill(key session.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, key)
	delete(f.live, key)
	return nil
}

func (f *fakeSessions) KillAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killAll++
	f.live = make(map[session.Key]session.Status)
	return nil
}

func (f *fakeSessions) Status(key session.Key) (session.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.live[key]
	return st, ok
}

func (f *fakeSessions) Enumerate() []session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Status, 0, len(f.live))
	for _, st := range f.live {
		out = append(out, st)
	}
	return out
}

func (f *fakeSessions) lastTurn(t *testing.T) session.Turn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turns) == 0 {
		t.Fatal("no turn sent")
	}
	return f.turns[len(f.turns)-1]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	router   *gin.Engine
	sessions *fakeSessions
	store    *recovery.Store
	ledger   *ledger.Ledger
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, _ := recovery.NewStore(gdb)
	led, _ := ledger.New(gdb)

	root := t.TempDir()
	v, err := sandbox.New(root)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}

	fs := newFakeSessions()
	router, err := NewRouter(Opts{
		Sessions:   fs,
		Store:      store,
		Ledger:     led,
		Validator:  v,
		DefaultDir: v.Root(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &testEnv{router: router, sessions: fs, store: store, ledger: led, root: v.Root()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func int64p(v int64) *int64 { return &v }

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRouter_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"no sessions", Opts{Store: env.store, DefaultDir: "/"}, "sessions is required"},
		{"no store", Opts{Sessions: env.sessions, DefaultDir: "/"}, "recovery store is required"},
		{"no default dir", Opts{Sessions: env.sessions, Store: env.store}, "default directory is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestStart_InvalidOpts(t *testing.T) {
	if err := Start(context.Background(), Opts{}); err == nil {
		t.Fatal("expected error for empty opts")
	}
}

// ---------------------------------------------------------------------------
// Session routes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSend_FreshConversation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Content          string  `json:"content"`
		SessionID        string  `json:"session_id"`
		CostUSD          float64 `json:"cost_usd"`
		WorkingDirectory string  `json:"working_directory"`
		Restored         bool    `json:"restored"`
	}
	decode(t, w, &resp)
	if resp.Content != "Hello" || resp.SessionID != "sid1" || resp.CostUSD != 0.01 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.WorkingDirectory != env.root || resp.Restored {
		t.Errorf("dir = %q restored = %v, want default root", resp.WorkingDirectory, resp.Restored)
	}

	turn := env.sessions.lastTurn(t)
	if turn.Text != "hi" || turn.ResumeID != "" || turn.WorkDir != env.root {
		t.Errorf("turn = %+v", turn)
	}
}

func TestSend_RecoversPointer(t *testing.T) {
	env := newTestEnv(t)
	proj := filepath.Join(env.root, "proj")
	os.Mkdir(proj, 0755)
	env.store.SetActive(context.Background(), 7, int64p(3), "abc", proj)

	w := env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "again", ThreadID: int64p(3)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	turn := env.sessions.lastTurn(t)
	if turn.ResumeID != "abc" || turn.WorkDir != proj {
		t.Errorf("turn = %+v, want resume abc in %s", turn, proj)
	}
	if k := env.sessions.keys[0]; k != session.NewKey(7, int64p(3)) {
		t.Errorf("key = %s", k)
	}
}

func TestSend_RejectedPointerFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetActive(context.Background(), 7, nil, "abc", filepath.Join(env.root, "deleted"))

	w := env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "x"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp sendResponse
	decode(t, w, &resp)
	if resp.RecoveryWarning == "" {
		t.Error("missing recovery warning")
	}
	turn := env.sessions.lastTurn(t)
	if turn.WorkDir != env.root || turn.ResumeID != "abc" {
		t.Errorf("turn = %+v, want resume abc in default root", turn)
	}
}

func TestSend_LiveSessionKeepsBinding(t *testing.T) {
	env := newTestEnv(t)
	proj := filepath.Join(env.root, "live")
	os.Mkdir(proj, 0755)
	key := session.NewKey(7, nil)
	env.sessions.live[key] = session.Status{UserID: 7, SessionID: "sid1", WorkingDirectory: proj}

	env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "x"})
	turn := env.sessions.lastTurn(t)
	if turn.WorkDir != proj || turn.ResumeID != "" {
		t.Errorf("turn = %+v, want reuse of live binding", turn)
	}
}

func TestSend_ExplicitFields(t *testing.T) {
	env := newTestEnv(t)
	proj := filepath.Join(env.root, "explicit")
	os.Mkdir(proj, 0755)

	env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "x", WorkingDirectory: proj, SessionID: "want"})
	turn := env.sessions.lastTurn(t)
	if turn.WorkDir != proj || turn.ResumeID != "want" {
		t.Errorf("turn = %+v", turn)
	}
}

func TestSend_FreshEndsPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := session.NewKey(7, nil)
	env.sessions.live[key] = session.Status{UserID: 7, SessionID: "old", WorkingDirectory: env.root}
	env.store.SetActive(ctx, 7, nil, "old", env.root)

	w := env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "start over", Fresh: true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.sessions.killed) != 1 {
		t.Errorf("killed %d sessions, want 1", len(env.sessions.killed))
	}
	if turn := env.sessions.lastTurn(t); turn.ResumeID != "" {
		t.Errorf("fresh turn resumes %q", turn.ResumeID)
	}
	if _, ok, _ := env.store.GetActive(ctx, 7, nil); ok {
		t.Error("pointer survived a fresh start")
	}
}

func TestSend_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		path string
		body any
	}{
		{"bad user", "/api/sessions/abc/send", sendRequest{Text: "x"}},
		{"empty text", "/api/sessions/7/send", sendRequest{}},
		{"outside sandbox", "/api/sessions/7/send", sendRequest{Text: "x", WorkingDirectory: "/"}},
		{"malformed body", "/api/sessions/7/send", "not an object"},
		{"reserved thread", "/api/sessions/7/send", sendRequest{Text: "x", ThreadID: int64p(models.NoThread)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestSend_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", session.ErrExchangeTimeout, http.StatusGatewayTimeout},
		{"no result", session.ErrNoResult, http.StatusBadGateway},
		{"exited", session.ErrProcessExited, http.StatusBadGateway},
		{"other", errors.New("spawn failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.sessions.sendErr = tt.err
			w := env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "x"})
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var resp errorResponse
			decode(t, w, &resp)
			if resp.Error == "" {
				t.Error("missing error message")
			}
			if strings.Contains(w.Body.String(), "content") {
				t.Error("partial output returned with error")
			}
		})
	}
}

func TestSend_Stream(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.updates = []session.Update{
		{Kind: protocol.KindSystem, Text: `{"type":"system"}`},
		{Kind: protocol.KindAssistant, Text: "Hello"},
	}

	w := env.do(t, http.MethodPost, "/api/sessions/7/send?stream=1", sendRequest{Text: "hi"})
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	sys := strings.Index(body, "event: system\n")
	asst := strings.Index(body, "event: assistant\n")
	res := strings.Index(body, "event: result\n")
	if sys < 0 || asst < 0 || res < 0 {
		t.Fatalf("missing events in %q", body)
	}
	if !(sys < asst && asst < res) {
		t.Errorf("events out of order: %q", body)
	}
	if !strings.Contains(body, `"text":"Hello"`) {
		t.Errorf("assistant text missing: %q", body)
	}
}

func TestSend_StreamError(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.sendErr = session.ErrExchangeTimeout

	w := env.do(t, http.MethodPost, "/api/sessions/7/send?stream=1", sendRequest{Text: "hi"})
	body := w.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, `"status":504`) {
		t.Errorf("body = %q", body)
	}
	if strings.Contains(body, "event: result") {
		t.Error("result event after error")
	}
}

func TestListAndGetSession(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "x", ThreadID: int64p(0)})

	w := env.do(t, http.MethodGet, "/api/sessions", nil)
	var list struct {
		Sessions []session.Status `json:"sessions"`
		Count    int              `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 1 || len(list.Sessions) != 1 {
		t.Fatalf("list = %+v", list)
	}

	if w := env.do(t, http.MethodGet, "/api/sessions/7?thread=0", nil); w.Code != http.StatusOK {
		t.Errorf("GET thread 0 status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/sessions/7", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET main status = %d, want 404 (only thread 0 is live)", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/sessions/7?thread=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad thread status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/sessions/7?thread=-9223372036854775808", nil); w.Code != http.StatusBadRequest {
		t.Errorf("reserved thread status = %d, want 400", w.Code)
	}
}

func TestInterrupt(t *testing.T) {
	env := newTestEnv(t)
	var resp struct {
		Interrupted bool `json:"interrupted"`
	}

	w := env.do(t, http.MethodPost, "/api/sessions/7/interrupt", nil)
	decode(t, w, &resp)
	if w.Code != http.StatusOK || resp.Interrupted {
		t.Errorf("absent: status %d interrupted %v", w.Code, resp.Interrupted)
	}

	env.sessions.interOK = true
	env.sessions.live[session.NewKey(7, int64p(2))] = session.Status{UserID: 7}
	w = env.do(t, http.MethodPost, "/api/sessions/7/interrupt?thread=2", nil)
	decode(t, w, &resp)
	if !resp.Interrupted {
		t.Error("live: interrupted = false")
	}
	if env.sessions.interKey != session.NewKey(7, int64p(2)) {
		t.Errorf("interrupted key = %s", env.sessions.interKey)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.do(t, http.MethodPost, "/api/sessions/7/send", sendRequest{Text: "x"})
	key := session.NewKey(7, nil)
	st, _ := env.sessions.Status(key)
	env.store.RecordExchange(ctx, key, st, env.sessions.result)
	env.ledger.RecordExchange(ctx, key, st, env.sessions.result)

	w := env.do(t, http.MethodDelete, "/api/sessions/7", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := env.sessions.Status(key); ok {
		t.Error("session still live")
	}
	if _, ok, _ := env.store.GetActive(ctx, 7, nil); ok {
		t.Error("pointer not cleared")
	}
	rec, _, _ := env.ledger.Get(ctx, "sid1")
	if rec.IsActive {
		t.Error("ledger record still active")
	}

	// Ending again is harmless.
	if w := env.do(t, http.MethodDelete, "/api/sessions/7", nil); w.Code != http.StatusNoContent {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestKillAll(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/sessions/1/send", sendRequest{Text: "x"})
	env.do(t, http.MethodPost, "/api/sessions/2/send", sendRequest{Text: "x"})

	w := env.do(t, http.MethodDelete, "/api/sessions", nil)
	var resp struct {
		Killed int `json:"killed"`
	}
	decode(t, w, &resp)
	if resp.Killed != 2 || env.sessions.killAll != 1 {
		t.Errorf("killed = %d, KillAll calls = %d", resp.Killed, env.sessions.killAll)
	}
}

// ---------------------------------------------------------------------------
// Pointer and ledger routes
// ---------------------------------------------------------------------------

func TestPointerRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if w := env.do(t, http.MethodGet, "/api/pointers/7", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing pointer status = %d, want 404", w.Code)
	}

	env.store.SetActive(ctx, 7, nil, "main-sid", "/m")
	env.store.SetActive(ctx, 7, int64p(4), "thread-sid", "/t")

	w := env.do(t, http.MethodGet, "/api/pointers/7?thread=4", nil)
	var p recovery.Pointer
	decode(t, w, &p)
	if p.SessionID != "thread-sid" || p.WorkDir != "/t" {
		t.Errorf("pointer = %+v", p)
	}

	w = env.do(t, http.MethodGet, "/api/pointers/7/all", nil)
	var list struct {
		Pointers []recovery.Pointer `json:"pointers"`
	}
	decode(t, w, &list)
	if len(list.Pointers) != 2 {
		t.Errorf("got %d pointers, want 2", len(list.Pointers))
	}

	if w := env.do(t, http.MethodDelete, "/api/pointers/7", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if _, ok, _ := env.store.GetActive(ctx, 7, nil); ok {
		t.Error("main pointer not cleared")
	}
	if _, ok, _ := env.store.GetActive(ctx, 7, int64p(4)); !ok {
		t.Error("thread pointer cleared with main")
	}
}

func TestLedgerRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.RecordExchange(ctx, session.NewKey(7, nil), session.Status{SessionID: "a"}, &session.Result{CostUSD: 0.5})
	env.ledger.RecordExchange(ctx, session.NewKey(8, nil), session.Status{SessionID: "b"}, &session.Result{CostUSD: 0.1})

	var resp struct {
		Records []struct {
			ProtocolSessionID string
			TotalCost         float64
		} `json:"records"`
	}
	w := env.do(t, http.MethodGet, "/api/ledger/7", nil)
	decode(t, w, &resp)
	if len(resp.Records) != 1 || resp.Records[0].ProtocolSessionID != "a" || resp.Records[0].TotalCost != 0.5 {
		t.Errorf("user records = %+v", resp.Records)
	}

	w = env.do(t, http.MethodGet, "/api/ledger", nil)
	decode(t, w, &resp)
	if len(resp.Records) != 2 {
		t.Errorf("all records = %d, want 2", len(resp.Records))
	}
}
