// Package model holds the records persisted by the call journal.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Call status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is final.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Call is the journal record of one call handed to the engine.
type Call struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	ArgsHash   string          `json:"args_hash"`
	Status     string          `json:"status"`
	WorkerID   *int            `json:"worker_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Message is a custom message a call emitted before completing.
type Message struct {
	ID        int64           `json:"id"`
	CallID    string          `json:"call_id"`
	Seq       int             `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewID generates a new ULID string for use as a call identifier.
func NewID() string {
	return ulid.Make().String()
}

// HashArgs returns the hex sha256 of the serialized argument list.
func HashArgs(args []json.RawMessage) string {
	h := sha256.New()
	for _, a := range args {
		h.Write(a)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
