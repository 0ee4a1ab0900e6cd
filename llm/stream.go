package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// streamPayload writes a single Server-Sent Event data line.
func streamPayload(w gin.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// safeSSEWriter serializes event writes; chunk emission and error
// reporting can race otherwise.
type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) send(payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamPayload(w.writer, w.flusher, payload)
}

// SendChunk relays one output fragment.
func (w *safeSSEWriter) SendChunk(fragment string) error {
	return w.send(gin.H{"chunk": fragment})
}

// SendDone terminates the stream, carrying the conversation the
// exchange was recorded under so first-turn callers can follow up.
func (w *safeSSEWriter) SendDone(conversationID uint64) error {
	payload := gin.H{"done": true}
	if conversationID > 0 {
		payload["conversation_id"] = conversationID
	}
	return w.send(payload)
}

// SendError reports a failure that prevented streaming.
func (w *safeSSEWriter) SendError(message string) error {
	return w.send(gin.H{"error": message})
}
