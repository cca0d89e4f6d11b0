package models

import (
	"time"
)

// AuditEntry is a best-effort record of a domain mutation. Writing one
// must never block or fail the mutation it describes.
type AuditEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ActorID       uint   `gorm:"not null;index" json:"actor_id"`
	ActionKind    string `gorm:"not null" json:"action_kind"`
	EntityType    string `gorm:"not null" json:"entity_type"`
	EntityID      uint   `gorm:"not null" json:"entity_id"`
	Details       string `json:"details"` // JSON blob, shape varies per action
	SourceAddress string `json:"source_address"`
}
