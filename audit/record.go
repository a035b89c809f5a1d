// Package audit delivers audit records for module invocations to one or more
// sinks. Delivery is best effort and never fails the originating request.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is one audit entry for a module invocation
type Record struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	TraceID     string    `json:"trace_id,omitempty"`
	ModuleID    string    `json:"module"`
	Action      string    `json:"action"`
	Caller      string    `json:"caller"`
	ClientIP    string    `json:"ip"`
	RequestHash string    `json:"request_hash"`
	Success     bool      `json:"success"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

// NewRecord returns a record stamped with a fresh id and the current time
func NewRecord() Record {
	return Record{ID: uuid.NewString(), Time: time.Now().UTC()}
}

// Fields flattens the record for structured logging
func (r Record) Fields() map[string]any {
	f := map[string]any{
		"audit_id":     r.ID,
		"module":       r.ModuleID,
		"action":       r.Action,
		"caller":       r.Caller,
		"ip":           r.ClientIP,
		"request_hash": r.RequestHash,
		"success":      r.Success,
		"duration_ms":  r.DurationMS,
	}
	if r.Error != "" {
		f["error"] = r.Error
	}
	return f
}

func (r Record) marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Sink persists audit records
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Close() error
}
