package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is the journal entry written for every replayed operation.
type Event struct {
	ID        string            `json:"id"`
	Line      uint64            `json:"line"`
	Op        string            `json:"op"`
	Timestamp uint64            `json:"timestamp"`
	Owner     string            `json:"owner,omitempty"`
	Tick      int32             `json:"tick,omitempty"`
	TickBor   int32             `json:"tick_bor,omitempty"`
	TickCol   int32             `json:"tick_col,omitempty"`
	Result    map[string]string `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Recorded  string            `json:"recorded_at"`
}

// NewEvent starts an event for op with a fresh random id.
func NewEvent(op string, line, timestamp uint64) Event {
	return Event{
		ID:        uuid.NewString(),
		Line:      line,
		Op:        op,
		Timestamp: timestamp,
		Recorded:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Failed reports whether the operation was rejected.
func (e Event) Failed() bool {
	return e.Error != ""
}
