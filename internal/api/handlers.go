package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/session"
)

type handlers struct {
	opts Opts
}

// sendRequest is the body of POST /api/sessions/:user/send.
type sendRequest struct {
	ThreadID         *int64 `json:"thread_id"`
	Text             string `json:"text"`
	WorkingDirectory string `json:"working_directory"`
	SessionID        string `json:"session_id"`
	Fresh            bool   `json:"fresh"`
}

// sendResponse is the reply to a non-streaming send.
type sendResponse struct {
	*session.Result
	WorkingDirectory string `json:"working_directory"`
	Restored         bool   `json:"restored"`
	RecoveryWarning  string `json:"recovery_warning,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}

// errStatus maps an exchange error onto an HTTP status.
func errStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrExchangeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrNoResult), errors.Is(err, session.ErrProcessExited):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// userParam parses the :user path segment.
func userParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", c.Param("user"))
	}
	return id, nil
}

// threadQuery parses the optional ?thread= query parameter.
func threadQuery(c *gin.Context) (*int64, error) {
	raw, ok := c.GetQuery("thread")
	if !ok || raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid thread id %q", raw)
	}
	if err := models.CheckThread(&id); err != nil {
		return nil, fmt.Errorf("invalid thread id %q: %w", raw, err)
	}
	return &id, nil
}

// keyParams resolves the session key addressed by a request.
func keyParams(c *gin.Context) (session.Key, bool) {
	user, err := userParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return session.Key{}, false
	}
	thread, err := threadQuery(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return session.Key{}, false
	}
	return session.NewKey(user, thread), true
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.opts.Sessions.Enumerate())})
}

func (h *handlers) listSessions(c *gin.Context) {
	sessions := h.opts.Sessions.Enumerate()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h *handlers) getSession(c *gin.Context) {
	key, ok := keyParams(c)
	if !ok {
		return
	}
	st, ok := h.opts.Sessions.Status(key)
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("no live session for %s", key))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) send(c *gin.Context) {
	user, err := userParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Text == "" {
		abort(c, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if err := models.CheckThread(req.ThreadID); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid thread_id: %w", err))
		return
	}
	if req.WorkingDirectory != "" && h.opts.Validator != nil && !h.opts.Validator.IsWithinSandbox(req.WorkingDirectory) {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: %q", recovery.ErrOutsideSandbox, req.WorkingDirectory))
		return
	}

	key := session.NewKey(user, req.ThreadID)
	ctx := c.Request.Context()

	if req.Fresh {
		if err := h.end(c, key); err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
	}

	res, err := h.resolve(c, key, req)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}

	turn := session.Turn{WorkDir: res.WorkDir, Text: req.Text, ResumeID: res.SessionID}

	if c.Query("stream") == "1" {
		h.streamSend(c, key, turn, res)
		return
	}

	result, err := h.opts.Sessions.Send(ctx, key, turn)
	if err != nil {
		abort(c, errStatus(err), err)
		return
	}
	resp := sendResponse{Result: result, WorkingDirectory: res.WorkDir, Restored: res.Restored}
	if res.Rejected != nil {
		resp.RecoveryWarning = res.Rejected.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// resolve decides where a turn runs and which protocol session it resumes.
// Explicit request fields win; a live session keeps its binding; otherwise
// the stored pointer is recovered.
func (h *handlers) resolve(c *gin.Context, key session.Key, req sendRequest) (recovery.Resolution, error) {
	if st, ok := h.opts.Sessions.Status(key); ok && !req.Fresh && req.WorkingDirectory == "" && req.SessionID == "" {
		return recovery.Resolution{WorkDir: st.WorkingDirectory}, nil
	}

	res := recovery.Resolution{WorkDir: h.opts.DefaultDir}
	if !req.Fresh {
		var err error
		res, err = h.opts.Store.Recover(c.Request.Context(), key.UserID, key.Thread(), h.opts.DefaultDir, h.opts.Validator)
		if err != nil {
			return res, err
		}
	}
	if req.WorkingDirectory != "" {
		res.WorkDir = req.WorkingDirectory
		res.Rejected = nil
	}
	if req.SessionID != "" {
		res.SessionID = req.SessionID
	}
	return res, nil
}

func (h *handlers) interrupt(c *gin.Context) {
	key, ok := keyParams(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": h.opts.Sessions.Interrupt(key)})
}

func (h *handlers) endSession(c *gin.Context) {
	key, ok := keyParams(c)
	if !ok {
		return
	}
	if err := h.end(c, key); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// end kills the live session for key, drops its pointer and closes its
// ledger record.
func (h *handlers) end(c *gin.Context, key session.Key) error {
	ctx := c.Request.Context()

	var ids []string
	if st, ok := h.opts.Sessions.Status(key); ok && st.SessionID != "" {
		ids = append(ids, st.SessionID)
	}
	if p, ok, err := h.opts.Store.GetActive(ctx, key.UserID, key.Thread()); err != nil {
		return err
	} else if ok {
		ids = append(ids, p.SessionID)
	}

	if err := h.opts.Sessions.Kill(key); err != nil {
		return err
	}
	if err := h.opts.Store.ClearActive(ctx, key.UserID, key.Thread()); err != nil {
		return err
	}
	if h.opts.Ledger != nil {
		for _, id := range ids {
			if err := h.opts.Ledger.Deactivate(ctx, id); err != nil {
				log.Printf("api: %s: %v", key, err)
			}
		}
	}
	log.Printf("api: %s: session ended", key)
	return nil
}

func (h *handlers) killAll(c *gin.Context) {
	n := len(h.opts.Sessions.Enumerate())
	if err := h.opts.Sessions.KillAll(c.Request.Context()); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": n})
}

func (h *handlers) getPointer(c *gin.Context) {
	key, ok := keyParams(c)
	if !ok {
		return
	}
	p, found, err := h.opts.Store.GetActive(c.Request.Context(), key.UserID, key.Thread())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		abort(c, http.StatusNotFound, fmt.Errorf("no active session pointer for %s", key))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) clearPointer(c *gin.Context) {
	key, ok := keyParams(c)
	if !ok {
		return
	}
	if err := h.opts.Store.ClearActive(c.Request.Context(), key.UserID, key.Thread()); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listPointers(c *gin.Context) {
	user, err := userParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	pointers, err := h.opts.Store.ListActive(c.Request.Context(), user)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pointers": pointers})
}

func (h *handlers) allRecords(c *gin.Context) {
	if h.opts.Ledger == nil {
		abort(c, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	recs, err := h.opts.Ledger.AllSessions(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *handlers) userRecords(c *gin.Context) {
	if h.opts.Ledger == nil {
		abort(c, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	user, err := userParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	recs, err := h.opts.Ledger.UserSessions(c.Request.Context(), user)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
