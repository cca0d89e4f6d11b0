// Package events names the domain events of the engine and composes
// their payloads. Every payload is built from post-transition entities
// and handed to the broadcaster after the mutation has committed, so a
// client that receives an event can trust that a fresh query returns
// state at least as new as the event.
package events

import (
	"strconv"
	"time"
)

// Domain event names, part of the client contract.
const (
	TimeRequest       = "time_request"
	TimeRequestResult = "time_request_result"
	SessionCreated    = "session_created"
	SessionUpdated    = "session_updated"
	SessionClosed     = "session_closed"
	Invalidate        = "invalidate"
)

// Actions carried by session_updated payloads.
const (
	ActionSupervisorTransferred = "supervisor_transferred"
)

// UserTopic is the topic addressing one member's live connections.
func UserTopic(userID uint) string {
	return "user:" + strconv.FormatUint(uint64(userID), 10)
}

// Stamp formats an event timestamp.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// TimeRequestPayload announces a new pending request to its subject.
type TimeRequestPayload struct {
	RequestID     uint   `json:"requestId"`
	SubjectUserID uint   `json:"subjectUserId"`
	CreatedByID   uint   `json:"createdById"`
	CreatedByName string `json:"createdByName"`
	Notes         string `json:"notes,omitempty"`
	ExpiresAt     string `json:"expiresAt"`
	Timestamp     string `json:"timestamp"`
}

// TimeRequestResultPayload tells the requesting supervisor how their
// request ended (approved, rejected, or expired).
type TimeRequestResultPayload struct {
	RequestID     uint   `json:"requestId"`
	SubjectUserID uint   `json:"subjectUserId"`
	SubjectName   string `json:"subjectName"`
	Status        string `json:"status"`
	ResponseNotes string `json:"responseNotes,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// SessionCreatedPayload announces the session opened by an approval.
type SessionCreatedPayload struct {
	SessionID      uint   `json:"sessionId"`
	SubjectUserID  uint   `json:"subjectUserId"`
	SubjectName    string `json:"subjectName"`
	SupervisorID   uint   `json:"supervisorId"`
	SupervisorName string `json:"supervisorName"`
	StartedAt      string `json:"startedAt"`
	Timestamp      string `json:"timestamp"`
}

// SessionUpdatedPayload announces an in-flight change to an active
// session; Action discriminates what changed.
type SessionUpdatedPayload struct {
	SessionID        uint   `json:"sessionId"`
	SubjectUserID    uint   `json:"subjectUserId"`
	Action           string `json:"action"`
	FromSupervisorID uint   `json:"fromSupervisorId,omitempty"`
	ToSupervisorID   uint   `json:"toSupervisorId,omitempty"`
	ToSupervisorName string `json:"toSupervisorName,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// SessionClosedPayload announces the final accounting of a session.
type SessionClosedPayload struct {
	SessionID     uint   `json:"sessionId"`
	SubjectUserID uint   `json:"subjectUserId"`
	SubjectName   string `json:"subjectName"`
	TotalMinutes  int    `json:"totalMinutes"`
	Timestamp     string `json:"timestamp"`
}

// InvalidatePayload asks clients to re-fetch authoritative state for
// a scope (for example after a member-cache refresh).
type InvalidatePayload struct {
	Scope     string `json:"scope"`
	Timestamp string `json:"timestamp"`
}
