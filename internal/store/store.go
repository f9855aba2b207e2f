// Package store persists the call journal: one record per call handed to
// the engine plus the custom messages it emitted.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/workerfarm/internal/model"
)

// ErrInvalidTransition is returned when a call status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// CallStats holds aggregate call statistics.
type CallStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByMethod    map[string]int `json:"count_by_method"`
	CountByErrorKind map[string]int `json:"count_by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the call journal.
type Store interface {
	CreateCall(ctx context.Context, c *model.Call) error
	GetCall(ctx context.Context, id string) (*model.Call, error)
	ListCalls(ctx context.Context, limit, offset int) ([]*model.Call, int, error)
	UpdateCallStatus(ctx context.Context, id, status string) error
	UpdateCall(ctx context.Context, c *model.Call) error
	GetCallStats(ctx context.Context) (*CallStats, error)
	InsertMessage(ctx context.Context, callID string, seq int, payload []byte) error
	GetMessages(ctx context.Context, callID string) ([]model.Message, error)
	Close() error
}
