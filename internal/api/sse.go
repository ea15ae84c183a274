package api

import (
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/session"
)

// updateEvent carries one intermediate assistant or system event.
type updateEvent struct {
	Text string `json:"text"`
}

// streamSend runs one exchange and streams its intermediate events as SSE,
// ending with a single result or error event.
func (h *handlers) streamSend(c *gin.Context, key session.Key, turn session.Turn, res recovery.Resolution) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	if res.Rejected != nil {
		writeSSE(c.Writer, "warning", errorResponse{Error: res.Rejected.Error()})
		c.Writer.Flush()
	}

	turn.Sink = func(u session.Update) {
		writeSSE(c.Writer, u.Kind.String(), updateEvent{Text: u.Text})
		c.Writer.Flush()
	}

	result, err := h.opts.Sessions.Send(c.Request.Context(), key, turn)
	if err != nil {
		writeSSE(c.Writer, "error", gin.H{"error": err.Error(), "status": errStatus(err)})
		c.Writer.Flush()
		return
	}
	writeSSE(c.Writer, "result", sendResponse{Result: result, WorkingDirectory: turn.WorkDir, Restored: res.Restored})
	c.Writer.Flush()
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
