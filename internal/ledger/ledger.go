// Package ledger owns TimeSession and TimeSegment: session creation on
// approval, segment handoff on transfer, and duration accounting on
// close. Every transition runs inside a transaction with a guarded
// conditional update on the row being retired, so two operations
// racing for the same active segment resolve to exactly one winner;
// the loser observes a Conflict.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/clanforge/timekeep/internal/audit"
	"github.com/clanforge/timekeep/internal/authority"
	"github.com/clanforge/timekeep/internal/broadcast"
	"github.com/clanforge/timekeep/internal/clock"
	"github.com/clanforge/timekeep/internal/events"
	"github.com/clanforge/timekeep/internal/models"
	"github.com/clanforge/timekeep/internal/timefault"
)

// Ledger mutates sessions and segments. Construct with New; all
// collaborators are injected.
type Ledger struct {
	handle *gorm.DB
	clock  clock.Clock
	logger *slog.Logger
	bus    *broadcast.Broadcaster
	sink   audit.Sink
}

// New returns a Ledger over the given store.
func New(handle *gorm.DB, clk clock.Clock, logger *slog.Logger, bus *broadcast.Broadcaster, sink audit.Sink) *Ledger {
	return &Ledger{handle: handle, clock: clk, logger: logger, bus: bus, sink: sink}
}

// StartSession creates a session and its first segment inside tx as
// one atomic unit. It is called from request approval, inside the
// approval's own transaction. Fails if the subject already has an
// active session — unreachable when the request manager's precondition
// held, but guarded anyway.
func (l *Ledger) StartSession(tx *gorm.DB, subjectID, supervisorID uint) (*models.TimeSession, *models.TimeSegment, error) {
	var existing models.TimeSession
	err := tx.Where("subject_user_id = ? AND status = ?", subjectID, models.SessionActive).
		First(&existing).Error
	if err == nil {
		return nil, nil, timefault.InvalidStatef("subject %d already has an active session", subjectID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	now := l.clock.Now()
	session := models.TimeSession{
		SubjectUserID: subjectID,
		Status:        models.SessionActive,
		StartedAt:     now,
	}
	if err := tx.Create(&session).Error; err != nil {
		return nil, nil, err
	}

	segment := models.TimeSegment{
		SessionID:           session.ID,
		CurrentSupervisorID: supervisorID,
		StartedAt:           now,
	}
	if err := tx.Create(&segment).Error; err != nil {
		return nil, nil, err
	}
	return &session, &segment, nil
}

// TransferSupervisor closes the active segment and opens a new one for
// the incoming supervisor. Whichever of two racing transfers (or a
// transfer racing a close) commits its guarded segment update first
// wins; the other returns Conflict.
func (l *Ledger) TransferSupervisor(ctx context.Context, actor *models.Member, sessionID, newSupervisorID uint, notes, source string) (*models.TimeSegment, error) {
	var (
		session    models.TimeSession
		closedSeg  models.TimeSegment
		newSegment models.TimeSegment
		newSup     models.Member
	)

	err := l.handle.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return timefault.NotFoundf("session %d not found", sessionID)
			}
			return err
		}
		if session.Status != models.SessionActive {
			return timefault.InvalidStatef("session %d is already closed", sessionID)
		}

		segment, err := activeSegment(tx, sessionID)
		if err != nil {
			return err
		}
		if !authority.CanCloseOrTransfer(actor, segment) {
			return timefault.Forbiddenf("member %d may not transfer session %d", actor.ID, sessionID)
		}
		if newSupervisorID == segment.CurrentSupervisorID {
			return timefault.InvalidStatef("member %d already supervises session %d", newSupervisorID, sessionID)
		}
		if err := tx.First(&newSup, newSupervisorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return timefault.NotFoundf("member %d not found", newSupervisorID)
			}
			return err
		}
		if !authority.IsEligibleSupervisor(&newSup) {
			return timefault.InvalidStatef("member %d is not an eligible supervisor", newSupervisorID)
		}

		now := l.clock.Now()
		if err := endSegment(tx, segment, now); err != nil {
			return err
		}
		closedSeg = *segment

		newSegment = models.TimeSegment{
			SessionID:           sessionID,
			CurrentSupervisorID: newSupervisorID,
			StartedAt:           now,
		}
		return tx.Create(&newSegment).Error
	})
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	l.bus.PublishToMany(
		[]string{
			events.UserTopic(session.SubjectUserID),
			events.UserTopic(closedSeg.CurrentSupervisorID),
			events.UserTopic(newSupervisorID),
		},
		events.SessionUpdated,
		events.SessionUpdatedPayload{
			SessionID:        session.ID,
			SubjectUserID:    session.SubjectUserID,
			Action:           events.ActionSupervisorTransferred,
			FromSupervisorID: closedSeg.CurrentSupervisorID,
			ToSupervisorID:   newSupervisorID,
			ToSupervisorName: newSup.Name,
			Timestamp:        events.Stamp(now),
		},
	)
	l.sink.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		ActionKind: audit.ActionSessionTransferred,
		EntityType: audit.EntityTimeSession,
		EntityID:   session.ID,
		Details: map[string]any{
			"fromSupervisorId": closedSeg.CurrentSupervisorID,
			"toSupervisorId":   newSupervisorID,
			"notes":            notes,
		},
		SourceAddress: source,
	})
	return &newSegment, nil
}

// CloseSession ends the active segment, flips the session to closed,
// and stores the summed minutes. The session-row update is guarded on
// status so a racing close observes Conflict instead of overwriting.
func (l *Ledger) CloseSession(ctx context.Context, actor *models.Member, sessionID uint, source string) (*models.TimeSession, error) {
	var (
		session       models.TimeSession
		supervisorIDs []uint
	)

	err := l.handle.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return timefault.NotFoundf("session %d not found", sessionID)
			}
			return err
		}
		if session.Status != models.SessionActive {
			return timefault.InvalidStatef("session %d is already closed", sessionID)
		}

		segment, err := activeSegment(tx, sessionID)
		if err != nil {
			return err
		}
		if !authority.CanCloseOrTransfer(actor, segment) {
			return timefault.Forbiddenf("member %d may not close session %d", actor.ID, sessionID)
		}

		now := l.clock.Now()
		if err := endSegment(tx, segment, now); err != nil {
			return err
		}

		var total int64
		if err := tx.Model(&models.TimeSegment{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(SUM(minutes), 0)").
			Scan(&total).Error; err != nil {
			return err
		}

		result := tx.Model(&models.TimeSession{}).
			Where("id = ? AND status = ?", sessionID, models.SessionActive).
			Updates(map[string]any{
				"status":        models.SessionClosed,
				"closed_at":     now,
				"total_minutes": total,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return timefault.Conflictf("session %d was closed by a concurrent operation", sessionID)
		}
		session.Status = models.SessionClosed
		session.ClosedAt = &now
		session.TotalMinutes = int(total)

		return tx.Model(&models.TimeSegment{}).
			Distinct("current_supervisor_id").
			Where("session_id = ?", sessionID).
			Pluck("current_supervisor_id", &supervisorIDs).Error
	})
	if err != nil {
		return nil, err
	}

	topics := []string{events.UserTopic(session.SubjectUserID)}
	for _, id := range supervisorIDs {
		if id != session.SubjectUserID {
			topics = append(topics, events.UserTopic(id))
		}
	}
	l.bus.PublishToMany(topics, events.SessionClosed, events.SessionClosedPayload{
		SessionID:     session.ID,
		SubjectUserID: session.SubjectUserID,
		SubjectName:   l.memberName(ctx, session.SubjectUserID),
		TotalMinutes:  session.TotalMinutes,
		Timestamp:     events.Stamp(l.clock.Now()),
	})
	l.sink.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		ActionKind: audit.ActionSessionClosed,
		EntityType: audit.EntityTimeSession,
		EntityID:   session.ID,
		Details: map[string]any{
			"totalMinutes": session.TotalMinutes,
		},
		SourceAddress: source,
	})
	return &session, nil
}

// ActiveSession returns the subject's active session with its segments
// preloaded, or nil when there is none.
func (l *Ledger) ActiveSession(ctx context.Context, subjectID uint) (*models.TimeSession, error) {
	var session models.TimeSession
	err := l.handle.WithContext(ctx).
		Preload("Segments").
		Where("subject_user_id = ? AND status = ?", subjectID, models.SessionActive).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ActiveElapsedMinutes sums closed-segment minutes plus the running
// span of the active segment, for display. Read-only.
func (l *Ledger) ActiveElapsedMinutes(ctx context.Context, sessionID uint) (int, error) {
	var segments []models.TimeSegment
	err := l.handle.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Find(&segments).Error
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, timefault.NotFoundf("session %d not found", sessionID)
	}
	now := l.clock.Now()
	total := 0
	for i := range segments {
		total += segments[i].ElapsedMinutes(now)
	}
	return total, nil
}

// TotalAccumulated sums TotalMinutes over all of a subject's closed
// sessions. Read-only.
func (l *Ledger) TotalAccumulated(ctx context.Context, subjectID uint) (int, error) {
	var total int64
	err := l.handle.WithContext(ctx).
		Model(&models.TimeSession{}).
		Where("subject_user_id = ? AND status = ?", subjectID, models.SessionClosed).
		Select("COALESCE(SUM(total_minutes), 0)").
		Scan(&total).Error
	return int(total), err
}

// activeSegment loads the session's single open segment.
func activeSegment(tx *gorm.DB, sessionID uint) (*models.TimeSegment, error) {
	var segment models.TimeSegment
	err := tx.Where("session_id = ? AND ended_at IS NULL", sessionID).First(&segment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, timefault.Conflictf("session %d has no active segment", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &segment, nil
}

// endSegment closes segment at now with a guarded update. A zero row
// count means another operation already retired the segment.
func endSegment(tx *gorm.DB, segment *models.TimeSegment, now time.Time) error {
	minutes := int(now.Sub(segment.StartedAt) / time.Minute)
	result := tx.Model(&models.TimeSegment{}).
		Where("id = ? AND ended_at IS NULL", segment.ID).
		Updates(map[string]any{"ended_at": now, "minutes": minutes})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return timefault.Conflictf("segment %d was already ended by a concurrent operation", segment.ID)
	}
	segment.EndedAt = &now
	segment.Minutes = minutes
	return nil
}

// memberName resolves a cached member name for event payloads; an
// unknown member yields an empty name rather than an error.
func (l *Ledger) memberName(ctx context.Context, id uint) string {
	var member models.Member
	if err := l.handle.WithContext(ctx).First(&member, id).Error; err != nil {
		return ""
	}
	return member.Name
}
