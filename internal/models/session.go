package models

import (
	"time"
)

// TimeSession status values. Closed is terminal; the row persists for
// history.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// TimeSession is one supervised time-tracking run for a subject. It is
// created together with its first segment the moment a TimeRequest is
// approved.
type TimeSession struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubjectUserID uint       `gorm:"not null;index" json:"subject_user_id"`
	Status        string     `gorm:"not null;default:active;index" json:"status"`
	StartedAt     time.Time  `gorm:"not null" json:"started_at"`
	ClosedAt      *time.Time `json:"closed_at"`
	TotalMinutes  int        `json:"total_minutes"` // sum of segment minutes, set on close

	// Relationships
	Segments []TimeSegment `gorm:"foreignKey:SessionID" json:"segments"`
}

// IsActive reports whether the session is still running.
func (s *TimeSession) IsActive() bool {
	return s.Status == SessionActive
}

// TimeSegment is one contiguous span of a session attributable to
// exactly one supervisor. Within an active session exactly one segment
// has EndedAt == nil.
type TimeSegment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SessionID           uint       `gorm:"not null;index" json:"session_id"`
	CurrentSupervisorID uint       `gorm:"not null" json:"current_supervisor_id"`
	StartedAt           time.Time  `gorm:"not null" json:"started_at"`
	EndedAt             *time.Time `json:"ended_at"`
	Minutes             int        `json:"minutes"` // floor((EndedAt-StartedAt)/1m), set when the segment ends
}

// IsActive reports whether the segment is the session's open span.
func (s *TimeSegment) IsActive() bool {
	return s.EndedAt == nil
}

// ElapsedMinutes returns the segment's whole elapsed minutes at t for
// an open segment, or the stored minutes for a closed one.
func (s *TimeSegment) ElapsedMinutes(t time.Time) int {
	if s.EndedAt != nil {
		return s.Minutes
	}
	return int(t.Sub(s.StartedAt) / time.Minute)
}
