package telegraph

import (
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/session"
)

// DefaultChunkSize is the Discord message length limit.
const DefaultChunkSize = 2000

// chunkMessage splits text into chunks of at most maxLen bytes.
// It prefers breaking at newlines when possible.
func chunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultChunkSize
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Look for a newline in the second half of the chunk to break at.
		chunk := text[:maxLen]
		breakAt := -1
		half := maxLen / 2
		for i := maxLen - 1; i >= half; i-- {
			if chunk[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:] // skip the newline
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}

// formatError renders an exchange failure as a short chat reply.
func formatError(err error) string {
	switch {
	case errors.Is(err, session.ErrExchangeTimeout):
		return "Claude did not answer in time. The session was reset; send your message again."
	case errors.Is(err, session.ErrNoResult), errors.Is(err, session.ErrProcessExited):
		return "The Claude process ended before answering. Send your message again to start a new process."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// truncate shortens s to at most n bytes for log lines.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
