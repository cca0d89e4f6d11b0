// Package request owns the TimeRequest lifecycle: creation under a
// five-minute TTL, the subject's approve/reject response, and lazy
// expiry. Expiry is enforced on the read path — a request past its TTL
// is dead the moment anything observes it, whether or not the
// background sweep has run.
package request

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
	"github.com/clanforge/timekeep/internal/ledger"
	"github.com/clanforge/timekeep/internal/models"
	"github.com/clanforge/timekeep/internal/timefault"
)

// Decision is the subject's answer to a pending request.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Manager drives TimeRequest transitions. Construct with New.
type Manager struct {
	handle *gorm.DB
	clock  clock.Clock
	logger *slog.Logger
	bus    *broadcast.Broadcaster
	sink   audit.Sink
	ledger *ledger.Ledger
}

// New returns a Manager over the given store.
func New(handle *gorm.DB, clk clock.Clock, logger *slog.Logger, bus *broadcast.Broadcaster, sink audit.Sink, led *ledger.Ledger) *Manager {
	return &Manager{handle: handle, clock: clk, logger: logger, bus: bus, sink: sink, ledger: led}
}

// Create opens a pending request from actor (the supervisor) for
// subjectID. Hard preconditions: the actor may create requests for the
// subject, the subject has no other pending unexpired request, and the
// subject has no active session. Emits a time_request event to the
// subject's topic.
func (m *Manager) Create(ctx context.Context, actor *models.Member, subjectID uint, notes, source string) (*models.TimeRequest, error) {
	var (
		subject models.Member
		created models.TimeRequest
	)

	err := m.handle.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&subject, subjectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return timefault.NotFoundf("member %d not found", subjectID)
			}
			return err
		}
		if !authority.CanCreateRequest(actor, &subject) {
			return timefault.Forbiddenf("member %d may not request time tracking for member %d", actor.ID, subjectID)
		}

		now := m.clock.Now()
		if err := expireDue(tx, now); err != nil {
			return err
		}

		var pending int64
		if err := tx.Model(&models.TimeRequest{}).
			Where("subject_user_id = ? AND status = ?", subjectID, models.RequestPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return timefault.InvalidStatef("member %d already has a pending time request", subjectID)
		}

		var active int64
		if err := tx.Model(&models.TimeSession{}).
			Where("subject_user_id = ? AND status = ?", subjectID, models.SessionActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return timefault.InvalidStatef("member %d already has an active session", subjectID)
		}

		created = models.TimeRequest{
			SubjectUserID: subjectID,
			CreatedByID:   actor.ID,
			Notes:         notes,
			Status:        models.RequestPending,
			ExpiresAt:     now.Add(models.RequestTTL),
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}

	m.bus.Publish(events.UserTopic(subjectID), events.TimeRequest, events.TimeRequestPayload{
		RequestID:     created.ID,
		SubjectUserID: subjectID,
		CreatedByID:   actor.ID,
		CreatedByName: actor.Name,
		Notes:         notes,
		ExpiresAt:     events.Stamp(created.ExpiresAt),
		Timestamp:     events.Stamp(m.clock.Now()),
	})
	m.sink.Record(ctx, audit.Entry{
		ActorID:       actor.ID,
		ActionKind:    audit.ActionRequestCreated,
		EntityType:    audit.EntityTimeRequest,
		EntityID:      created.ID,
		Details:       map[string]any{"subjectUserId": subjectID, "notes": notes},
		SourceAddress: source,
	})
	return &created, nil
}

// Respond records the subject's decision. Approval atomically flips
// the request and starts the session with the requesting supervisor's
// first segment; the session_created and time_request_result events go
// out only after the transaction commits. A request past its TTL is
// flipped to expired and the response fails — never silently honored.
func (m *Manager) Respond(ctx context.Context, actor *models.Member, requestID uint, decision Decision, notes, source string) (*models.TimeRequest, *models.TimeSession, error) {
	var (
		req        models.TimeRequest
		session    *models.TimeSession
		segment    *models.TimeSegment
		expiredErr error
	)

	err := m.handle.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return timefault.NotFoundf("time request %d not found", requestID)
			}
			return err
		}
		if !authority.CanRespondToRequest(actor, &req) {
			return timefault.Forbiddenf("member %d may not respond to time request %d", actor.ID, requestID)
		}
		if req.Status != models.RequestPending {
			return timefault.InvalidStatef("time request %d is already %s", requestID, req.Status)
		}

		now := m.clock.Now()
		if req.Expired(now) {
			// Observe-and-transition: flip to expired, commit the
			// flip, and fail the response. Returning nil keeps the
			// transition from being rolled back with the failure; the
			// guard tolerates a concurrent sweep having already
			// flipped the row.
			if err := tx.Model(&models.TimeRequest{}).
				Where("id = ? AND status = ?", requestID, models.RequestPending).
				Update("status", models.RequestExpired).Error; err != nil {
				return err
			}
			req.Status = models.RequestExpired
			expiredErr = timefault.InvalidStatef("time request %d has expired", requestID)
			return nil
		}

		next := models.RequestRejected
		if decision == Approve {
			next = models.RequestApproved
		}
		result := tx.Model(&models.TimeRequest{}).
			Where("id = ? AND status = ?", requestID, models.RequestPending).
			Updates(map[string]any{
				"status":          next,
				"responded_by_id": actor.ID,
				"response_notes":  notes,
				"responded_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return timefault.Conflictf("time request %d was answered by a concurrent operation", requestID)
		}
		req.Status = next
		req.RespondedByID = &actor.ID
		req.ResponseNotes = notes
		req.RespondedAt = &now

		if decision == Approve {
			var err error
			session, segment, err = m.ledger.StartSession(tx, req.SubjectUserID, req.CreatedByID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if expiredErr != nil {
		return nil, nil, expiredErr
	}

	now := m.clock.Now()
	if session != nil {
		m.bus.PublishToMany(
			[]string{events.UserTopic(req.SubjectUserID), events.UserTopic(req.CreatedByID)},
			events.SessionCreated,
			events.SessionCreatedPayload{
				SessionID:      session.ID,
				SubjectUserID:  req.SubjectUserID,
				SubjectName:    actor.Name,
				SupervisorID:   segment.CurrentSupervisorID,
				SupervisorName: m.memberName(ctx, segment.CurrentSupervisorID),
				StartedAt:      events.Stamp(session.StartedAt),
				Timestamp:      events.Stamp(now),
			},
		)
	}
	m.bus.Publish(events.UserTopic(req.CreatedByID), events.TimeRequestResult, events.TimeRequestResultPayload{
		RequestID:     req.ID,
		SubjectUserID: req.SubjectUserID,
		SubjectName:   actor.Name,
		Status:        req.Status,
		ResponseNotes: notes,
		Timestamp:     events.Stamp(now),
	})
	m.sink.Record(ctx, audit.Entry{
		ActorID:       actor.ID,
		ActionKind:    audit.ActionRequestResponded,
		EntityType:    audit.EntityTimeRequest,
		EntityID:      req.ID,
		Details:       map[string]any{"decision": string(decision), "notes": notes},
		SourceAddress: source,
	})
	return &req, session, nil
}

// SweepExpired flips every pending request past its TTL to expired and
// returns how many it flipped. No notification goes out: nobody's UI
// waits on this transition beyond the countdown it already shows.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	var flipped int64
	err := m.handle.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.TimeRequest{}).
			Where("status = ? AND expires_at <= ?", models.RequestPending, m.clock.Now()).
			Update("status", models.RequestExpired)
		flipped = result.RowsAffected
		return result.Error
	})
	return int(flipped), err
}

// listLimit caps how many requests List returns in one call.
const listLimit = 100

// List returns requests visible to actor: everything for top-tier
// members, otherwise the requests the actor is subject of or created.
// Expiry is applied before reading so no stale pending rows leak out.
// Results are newest-first and truncated at listLimit rows.
func (m *Manager) List(ctx context.Context, actor *models.Member) ([]models.TimeRequest, error) {
	if _, err := m.SweepExpired(ctx); err != nil {
		return nil, err
	}

	query := m.handle.WithContext(ctx).Model(&models.TimeRequest{}).Order("created_at DESC").Limit(listLimit)
	if !authority.IsTopTier(actor) {
		query = query.Where("subject_user_id = ? OR created_by_id = ?", actor.ID, actor.ID)
	}
	var requests []models.TimeRequest
	err := query.Find(&requests).Error
	return requests, err
}

// Get returns one request, applying lazy expiry first. Visible to the
// subject, the creator, and top-tier members.
func (m *Manager) Get(ctx context.Context, actor *models.Member, requestID uint) (*models.TimeRequest, error) {
	var req models.TimeRequest
	err := m.handle.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return timefault.NotFoundf("time request %d not found", requestID)
			}
			return err
		}
		if req.Status == models.RequestPending && req.Expired(m.clock.Now()) {
			if err := tx.Model(&models.TimeRequest{}).
				Where("id = ? AND status = ?", requestID, models.RequestPending).
				Update("status", models.RequestExpired).Error; err != nil {
				return err
			}
			req.Status = models.RequestExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if actor.ID != req.SubjectUserID && actor.ID != req.CreatedByID && !authority.IsTopTier(actor) {
		return nil, timefault.Forbiddenf("member %d may not view time request %d", actor.ID, requestID)
	}
	return &req, nil
}

// expireDue flips due pending rows inside an open transaction, so the
// pending-uniqueness check that follows never counts a dead request.
func expireDue(tx *gorm.DB, now time.Time) error {
	return tx.Model(&models.TimeRequest{}).
		Where("status = ? AND expires_at <= ?", models.RequestPending, now).
		Update("status", models.RequestExpired).Error
}

// memberName resolves a cached member name for event payloads.
func (m *Manager) memberName(ctx context.Context, id uint) string {
	var member models.Member
	if err := m.handle.WithContext(ctx).First(&member, id).Error; err != nil {
		return ""
	}
	return member.Name
}
