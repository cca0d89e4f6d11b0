package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/clanforge/timekeep/internal/audit"
	"github.com/clanforge/timekeep/internal/broadcast"
	"github.com/clanforge/timekeep/internal/clock"
	"github.com/clanforge/timekeep/internal/db"
	"github.com/clanforge/timekeep/internal/events"
	"github.com/clanforge/timekeep/internal/models"
	"github.com/clanforge/timekeep/internal/timefault"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handle *gorm.DB
	clock  *clock.FakeClock
	bus    *broadcast.Broadcaster
	ledger *Ledger

	topTier   *models.Member // rank 2
	supOne    *models.Member // sovereign, rank 6
	supTwo    *models.Member // sovereign, rank 5
	subject   *models.Member // rank 9
	bystander *models.Member // rank 8, no authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	handle, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close(handle) })

	clk := clock.Fake(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broadcast.New(logger, clk)

	f := &fixture{
		handle:    handle,
		clock:     clk,
		bus:       bus,
		ledger:    New(handle, clk, logger, bus, audit.Nop{}),
		topTier:   &models.Member{ID: 1, Name: "Commander", RankOrder: 2},
		supOne:    &models.Member{ID: 2, Name: "Warden One", RankOrder: 6, Sovereign: true},
		supTwo:    &models.Member{ID: 3, Name: "Warden Two", RankOrder: 5, Sovereign: true},
		subject:   &models.Member{ID: 4, Name: "Recruit", RankOrder: 9},
		bystander: &models.Member{ID: 5, Name: "Bystander", RankOrder: 8},
	}
	for _, m := range []*models.Member{f.topTier, f.supOne, f.supTwo, f.subject, f.bystander} {
		if err := handle.Create(m).Error; err != nil {
			t.Fatalf("seed member %d: %v", m.ID, err)
		}
	}
	return f
}

// startSession opens a session for the fixture subject under supOne.
func (f *fixture) startSession(t *testing.T) *models.TimeSession {
	t.Helper()
	session, segment, err := f.ledger.StartSession(f.handle, f.subject.ID, f.supOne.ID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if segment.CurrentSupervisorID != f.supOne.ID {
		t.Fatalf("first segment supervisor = %d, want %d", segment.CurrentSupervisorID, f.supOne.ID)
	}
	return session
}

func TestStartSessionCreatesSessionAndFirstSegment(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)

	if session.Status != models.SessionActive {
		t.Errorf("session status = %q, want active", session.Status)
	}
	if !session.StartedAt.Equal(t0) {
		t.Errorf("session StartedAt = %v, want %v", session.StartedAt, t0)
	}

	var segments []models.TimeSegment
	if err := f.handle.Where("session_id = ?", session.ID).Find(&segments).Error; err != nil {
		t.Fatalf("load segments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segment count = %d, want 1", len(segments))
	}
	if segments[0].EndedAt != nil {
		t.Errorf("first segment should be open")
	}
}

func TestStartSessionRejectsSecondActive(t *testing.T) {
	f := newFixture(t)
	f.startSession(t)

	_, _, err := f.ledger.StartSession(f.handle, f.subject.ID, f.supTwo.ID)
	if !errors.Is(err, timefault.ErrInvalidState) {
		t.Fatalf("second StartSession error = %v, want InvalidState", err)
	}
}

func TestTransferSupervisor(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)

	f.clock.Advance(600 * time.Second)
	segment, err := f.ledger.TransferSupervisor(context.Background(), f.supOne, session.ID, f.supTwo.ID, "handoff", "test")
	if err != nil {
		t.Fatalf("TransferSupervisor: %v", err)
	}
	if segment.CurrentSupervisorID != f.supTwo.ID {
		t.Errorf("new segment supervisor = %d, want %d", segment.CurrentSupervisorID, f.supTwo.ID)
	}
	if !segment.StartedAt.Equal(t0.Add(600 * time.Second)) {
		t.Errorf("new segment StartedAt = %v, want t0+600s", segment.StartedAt)
	}

	var old models.TimeSegment
	if err := f.handle.Where("session_id = ? AND current_supervisor_id = ?", session.ID, f.supOne.ID).First(&old).Error; err != nil {
		t.Fatalf("load old segment: %v", err)
	}
	if old.EndedAt == nil || !old.EndedAt.Equal(t0.Add(600*time.Second)) {
		t.Errorf("old segment EndedAt = %v, want t0+600s", old.EndedAt)
	}
	if old.Minutes != 10 {
		t.Errorf("old segment minutes = %d, want 10", old.Minutes)
	}

	var open int64
	f.handle.Model(&models.TimeSegment{}).Where("session_id = ? AND ended_at IS NULL", session.ID).Count(&open)
	if open != 1 {
		t.Errorf("open segment count = %d, want exactly 1", open)
	}
}

func TestTransferAuthorityAndPreconditions(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)
	ctx := context.Background()

	if _, err := f.ledger.TransferSupervisor(ctx, f.bystander, session.ID, f.supTwo.ID, "", "test"); !errors.Is(err, timefault.ErrForbidden) {
		t.Errorf("bystander transfer error = %v, want Forbidden", err)
	}
	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, session.ID, f.supOne.ID, "", "test"); !errors.Is(err, timefault.ErrInvalidState) {
		t.Errorf("self transfer error = %v, want InvalidState", err)
	}
	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, session.ID, f.bystander.ID, "", "test"); !errors.Is(err, timefault.ErrInvalidState) {
		t.Errorf("ineligible supervisor error = %v, want InvalidState", err)
	}
	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, session.ID, 999, "", "test"); !errors.Is(err, timefault.ErrNotFound) {
		t.Errorf("unknown supervisor error = %v, want NotFound", err)
	}
	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, 999, f.supTwo.ID, "", "test"); !errors.Is(err, timefault.ErrNotFound) {
		t.Errorf("unknown session error = %v, want NotFound", err)
	}

	// Top-tier may transfer without holding the segment.
	if _, err := f.ledger.TransferSupervisor(ctx, f.topTier, session.ID, f.supTwo.ID, "", "test"); err != nil {
		t.Errorf("top-tier transfer: %v", err)
	}
}

func TestCloseSessionAccounting(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)
	ctx := context.Background()

	f.clock.Advance(600 * time.Second)
	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, session.ID, f.supTwo.ID, "", "test"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	f.clock.Advance(300 * time.Second)
	closed, err := f.ledger.CloseSession(ctx, f.supTwo, session.ID, "test")
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.Status != models.SessionClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}
	if closed.TotalMinutes != 15 {
		t.Errorf("TotalMinutes = %d, want 15 (10 + 5)", closed.TotalMinutes)
	}
	if closed.ClosedAt == nil || !closed.ClosedAt.Equal(t0.Add(900*time.Second)) {
		t.Errorf("ClosedAt = %v, want t0+900s", closed.ClosedAt)
	}

	var open int64
	f.handle.Model(&models.TimeSegment{}).Where("session_id = ? AND ended_at IS NULL", session.ID).Count(&open)
	if open != 0 {
		t.Errorf("closed session has %d open segments, want 0", open)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)
	ctx := context.Background()

	if _, err := f.ledger.CloseSession(ctx, f.supOne, session.ID, "test"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.ledger.CloseSession(ctx, f.supOne, session.ID, "test"); !errors.Is(err, timefault.ErrInvalidState) {
		t.Errorf("second close error = %v, want InvalidState", err)
	}
	if _, err := f.ledger.TransferSupervisor(ctx, f.topTier, session.ID, f.supTwo.ID, "", "test"); !errors.Is(err, timefault.ErrInvalidState) {
		t.Errorf("transfer after close error = %v, want InvalidState", err)
	}
}

func TestEndSegmentGuardDetectsStaleSegment(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)

	var segment models.TimeSegment
	if err := f.handle.Where("session_id = ?", session.ID).First(&segment).Error; err != nil {
		t.Fatalf("load segment: %v", err)
	}
	if err := endSegment(f.handle, &segment, t0.Add(time.Minute)); err != nil {
		t.Fatalf("first end: %v", err)
	}

	// A second closer holding the same pre-transition read loses on
	// the guarded update, not by overwriting.
	stale := segment
	stale.EndedAt = nil
	if err := endSegment(f.handle, &stale, t0.Add(2*time.Minute)); !errors.Is(err, timefault.ErrConflict) {
		t.Fatalf("stale end error = %v, want Conflict", err)
	}
}

func TestConcurrentCloseExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.ledger.CloseSession(context.Background(), f.topTier, session.ID, "race")
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, timefault.ErrInvalidState):
			// Conflict matches too; both are acceptable loser outcomes.
			losses++
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d losses = %d, want exactly one of each", wins, losses)
	}
}

func TestConcurrentTransferExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.ledger.TransferSupervisor(context.Background(), f.topTier, session.ID, f.supTwo.ID, "", "race")
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, timefault.ErrInvalidState):
			// The loser sees the target already holding the segment, or
			// loses the guarded segment close; Conflict matches too.
			losses++
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d losses = %d, want exactly one of each", wins, losses)
	}

	var open []models.TimeSegment
	if err := f.handle.Where("session_id = ? AND ended_at IS NULL", session.ID).Find(&open).Error; err != nil {
		t.Fatalf("load open segments: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open segment count = %d, want exactly 1", len(open))
	}
	if open[0].CurrentSupervisorID != f.supTwo.ID {
		t.Errorf("open segment supervisor = %d, want %d", open[0].CurrentSupervisorID, f.supTwo.ID)
	}
}

func TestCloseNotifiesEverySupervisorOnce(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)
	ctx := context.Background()

	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, session.ID, f.supTwo.ID, "", "test"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	received := make(map[uint][]string)
	var mu sync.Mutex
	for _, id := range []uint{f.subject.ID, f.supOne.ID, f.supTwo.ID, f.bystander.ID} {
		memberID := id
		sub := f.bus.Subscribe(events.UserTopic(memberID), func(envelope broadcast.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			received[memberID] = append(received[memberID], envelope.Event)
			return nil
		})
		defer sub.Unsubscribe()
	}

	if _, err := f.ledger.CloseSession(ctx, f.supTwo, session.ID, "test"); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []uint{f.subject.ID, f.supOne.ID, f.supTwo.ID} {
		if got := countOf(received[id], events.SessionClosed); got != 1 {
			t.Errorf("member %d received %d session_closed events, want 1", id, got)
		}
	}
	if got := countOf(received[f.bystander.ID], events.SessionClosed); got != 0 {
		t.Errorf("bystander received %d session_closed events, want 0", got)
	}
}

func countOf(list []string, name string) int {
	n := 0
	for _, item := range list {
		if item == name {
			n++
		}
	}
	return n
}

func TestReadProjections(t *testing.T) {
	f := newFixture(t)
	session := f.startSession(t)
	ctx := context.Background()

	f.clock.Advance(600 * time.Second)
	if _, err := f.ledger.TransferSupervisor(ctx, f.supOne, session.ID, f.supTwo.ID, "", "test"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	f.clock.Advance(240 * time.Second)

	elapsed, err := f.ledger.ActiveElapsedMinutes(ctx, session.ID)
	if err != nil {
		t.Fatalf("ActiveElapsedMinutes: %v", err)
	}
	if elapsed != 14 {
		t.Errorf("elapsed = %d, want 14 (10 closed + 4 running)", elapsed)
	}

	active, err := f.ledger.ActiveSession(ctx, f.subject.ID)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active == nil || active.ID != session.ID {
		t.Fatalf("ActiveSession = %v, want session %d", active, session.ID)
	}
	if len(active.Segments) != 2 {
		t.Errorf("preloaded segments = %d, want 2", len(active.Segments))
	}

	if _, err := f.ledger.CloseSession(ctx, f.supTwo, session.ID, "test"); err != nil {
		t.Fatalf("close: %v", err)
	}
	total, err := f.ledger.TotalAccumulated(ctx, f.subject.ID)
	if err != nil {
		t.Fatalf("TotalAccumulated: %v", err)
	}
	if total != 14 {
		t.Errorf("TotalAccumulated = %d, want 14", total)
	}

	none, err := f.ledger.ActiveSession(ctx, f.subject.ID)
	if err != nil {
		t.Fatalf("ActiveSession after close: %v", err)
	}
	if none != nil {
		t.Errorf("ActiveSession after close = %v, want nil", none)
	}
}
