// Package audit records domain mutations on a best-effort basis. A
// failed audit write is logged and swallowed; it never blocks or rolls
// back the transition it describes.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"gorm.io/gorm"

	"github.com/clanforge/timekeep/internal/models"
)

// Action kinds recorded by the engine.
const (
	ActionRequestCreated     = "time_request_created"
	ActionRequestResponded   = "time_request_responded"
	ActionSessionTransferred = "time_session_transferred"
	ActionSessionClosed      = "time_session_closed"
)

// Entity types recorded by the engine.
const (
	EntityTimeRequest = "time_request"
	EntityTimeSession = "time_session"
)

// Entry is one audit record before persistence.
type Entry struct {
	ActorID       uint
	ActionKind    string
	EntityType    string
	EntityID      uint
	Details       any // marshalled to JSON; nil for none
	SourceAddress string
}

// Sink accepts audit entries. Implementations must be safe for
// concurrent use and must not block the caller on failure.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Store persists entries to the engine's database.
type Store struct {
	handle *gorm.DB
	logger *slog.Logger
}

// NewStore returns a database-backed sink.
func NewStore(handle *gorm.DB, logger *slog.Logger) *Store {
	return &Store{handle: handle, logger: logger}
}

// Record writes one entry, logging and dropping it on any failure.
func (s *Store) Record(ctx context.Context, entry Entry) {
	details := ""
	if entry.Details != nil {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			s.logger.Warn("audit: details marshal failed", "action", entry.ActionKind, "error", err)
		} else {
			details = string(raw)
		}
	}

	row := models.AuditEntry{
		ActorID:       entry.ActorID,
		ActionKind:    entry.ActionKind,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		Details:       details,
		SourceAddress: entry.SourceAddress,
	}
	if err := s.handle.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Warn("audit: write failed", "action", entry.ActionKind, "error", err)
	}
}

// Nop is a sink that discards everything. Useful in tests.
type Nop struct{}

// Record discards the entry.
func (Nop) Record(context.Context, Entry) {}
