// Package sse writes server-sent events for streamed replies
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// Event names on the wire
const (
	EventMessage = "message"
	EventDone    = "done"
	EventError   = "error_event"
)

// ErrClosed is returned by emits after a terminal event
var ErrClosed = errors.New("event stream closed")

// MessagePayload carries one reply fragment
type MessagePayload struct {
	Content string `json:"content"`
}

// DonePayload carries the conversation after the final persist
type DonePayload struct {
	Conversation *domain.Conversation `json:"conversation"`
}

// Relay writes events to one response. Headers are committed by the first event,
// so an error raised before any fragment still goes out with its own status.
type Relay struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	committed bool
	closed    bool
}

// NewRelay wraps w and lifts the server write deadline for the lifetime of the stream
func NewRelay(w http.ResponseWriter) *Relay {
	rc := http.NewResponseController(w)
	// not every writer supports deadlines; httptest.ResponseRecorder does not
	_ = rc.SetWriteDeadline(time.Time{})
	return &Relay{w: w, rc: rc}
}

// Committed reports whether headers have been sent
func (r *Relay) Committed() bool {
	return r.committed
}

// Message emits one fragment
func (r *Relay) Message(content string) error {
	return r.Emit(EventMessage, MessagePayload{Content: content})
}

// Done emits the terminal success event
func (r *Relay) Done(conv *domain.Conversation) error {
	if err := r.Emit(EventDone, DonePayload{Conversation: conv}); err != nil {
		return err
	}
	r.closed = true
	return nil
}

// Error emits the terminal error event. Before commit the HTTP status and
// Retry-After header follow the error; afterwards only the payload carries them.
func (r *Relay) Error(err error) error {
	if r.closed {
		return ErrClosed
	}
	derr := domain.ToError(err)
	if !r.committed {
		if derr.Code == domain.CodeRateLimited {
			r.w.Header().Set("Retry-After", strconv.Itoa(derr.RetryAfter))
		}
		r.commit(derr.Status)
	}
	if err := r.Emit(EventError, derr.Payload()); err != nil {
		return err
	}
	r.closed = true
	return nil
}

// Emit serialises payload as one event and flushes it
func (r *Relay) Emit(event string, payload any) error {
	if r.closed {
		return ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	if !r.committed {
		r.commit(http.StatusOK)
	}

	if _, err := fmt.Fprintf(r.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", event, err)
	}
	if err := r.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s event: %w", event, err)
	}
	return nil
}

func (r *Relay) commit(status int) {
	h := r.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	r.w.WriteHeader(status)
	r.committed = true
}
