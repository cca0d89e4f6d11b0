// Package authority holds the pure permission predicates for the time
// tracking engine. Nothing here touches storage; every mutating
// operation calls in before changing state and rejects with a
// Forbidden outcome when a predicate says no.
package authority

import (
	"github.com/clanforge/timekeep/internal/models"
)

// Rank bands. Lower rank order means higher authority. The trackable
// band is 4-13: the band used by time-request validation. A related
// promotion feature uses 5-10, but that feature does not live in this
// engine and its band is not authoritative here.
const (
	TopTierMaxRank   = 3
	MinTrackableRank = 4
	MaxTrackableRank = 13
)

// IsTopTier reports whether the member sits in the highest authority
// band. Top-tier members have unrestricted authority over every
// operation in the engine.
func IsTopTier(m *models.Member) bool {
	return m.RankOrder >= 1 && m.RankOrder <= TopTierMaxRank
}

// IsTrackable reports whether the member's rank falls in the band
// whose time may be tracked.
func IsTrackable(m *models.Member) bool {
	return m.RankOrder >= MinTrackableRank && m.RankOrder <= MaxTrackableRank
}

// IsEligibleSupervisor reports whether the member may hold a session
// segment: top-tier, or flagged sovereign.
func IsEligibleSupervisor(m *models.Member) bool {
	return IsTopTier(m) || m.Sovereign
}

// CanCreateRequest reports whether actor may open a time request for
// subject. The actor must be an eligible supervisor and the subject
// must sit in the trackable band.
func CanCreateRequest(actor, subject *models.Member) bool {
	return IsEligibleSupervisor(actor) && IsTrackable(subject)
}

// CanRespondToRequest reports whether actor may approve or reject the
// request. Only the subject themselves may answer.
func CanRespondToRequest(actor *models.Member, request *models.TimeRequest) bool {
	return actor.ID == request.SubjectUserID
}

// CanCloseOrTransfer reports whether actor may close the session or
// hand its active segment to another supervisor: top-tier, or the
// supervisor currently holding the segment.
func CanCloseOrTransfer(actor *models.Member, activeSegment *models.TimeSegment) bool {
	return IsTopTier(actor) || actor.ID == activeSegment.CurrentSupervisorID
}
