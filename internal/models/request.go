package models

import (
	"time"
)

// TimeRequest status values. A request is terminal once it leaves
// pending; terminal rows are never mutated again.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestExpired  = "expired"
)

// RequestTTL is how long a pending request stays answerable.
const RequestTTL = 5 * time.Minute

// TimeRequest is a supervisor's ask for a subject to begin a
// supervised time session.
type TimeRequest struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubjectUserID uint   `gorm:"not null;index" json:"subject_user_id"`
	CreatedByID   uint   `gorm:"not null" json:"created_by_id"`
	Notes         string `json:"notes"`

	Status    string    `gorm:"not null;default:pending;index" json:"status"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`

	RespondedByID *uint      `json:"responded_by_id"`
	ResponseNotes string     `json:"response_notes"`
	RespondedAt   *time.Time `json:"responded_at"`
}

// Expired reports whether the request's TTL has elapsed at t,
// regardless of whether the stored status has caught up yet.
func (r *TimeRequest) Expired(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}
