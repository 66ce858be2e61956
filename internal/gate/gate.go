// Package gate implements the server-side access gate.
//
// Access is derived from the room's participants and, for job rooms,
// the current job status. Decisions are computed on every call and
// never cached on the room: a job confirmation changes the answer for
// every excluded bidder immediately.
package gate

import (
	"github.com/taskbid/chatsync/internal/model"
)

// Reason explains a denial.
type Reason string

const (
	ReasonAllowed        Reason = ""
	ReasonNotParticipant Reason = "not a participant"
	ReasonNotSelected    Reason = "job confirmed with another bidder"
	ReasonJobClosed      Reason = "job is no longer active"
)

// Decision is the outcome of one access check.
type Decision struct {
	Read   bool
	Write  bool
	Reason Reason
}

// Allowed reports whether userID may read the room right now.
func Allowed(room model.Room, userID string) bool {
	return Check(room, userID).Read
}

// CanWrite reports whether userID may send into the room right now.
func CanWrite(room model.Room, userID string) bool {
	return Check(room, userID).Write
}

// Check evaluates the full access decision for userID against the
// room's current state.
func Check(room model.Room, userID string) Decision {
	if !room.HasParticipant(userID) {
		return Decision{Reason: ReasonNotParticipant}
	}

	if room.Kind != model.RoomKindJob || room.Job == nil {
		// Direct rooms: both participants, always.
		return Decision{Read: true, Write: true}
	}

	job := room.Job
	switch job.Status {
	case model.JobStatusConfirmed, model.JobStatusCompleted:
		// The allowed set collapses to exactly the client and the
		// accepted bidder, regardless of prior bidding activity.
		if userID == job.ClientID || userID == job.AcceptedBidderID {
			return Decision{Read: true, Write: true}
		}
		return Decision{Reason: ReasonNotSelected}

	case model.JobStatusCancelled:
		// Participants keep their history but the conversation is over.
		return Decision{Read: true, Write: false, Reason: ReasonJobClosed}

	default:
		// Open or bidding: the client and any active bidder participant.
		return Decision{Read: true, Write: true}
	}
}

// AllowedSet returns the participants who currently pass the read gate.
func AllowedSet(room model.Room) []string {
	out := make([]string, 0, len(room.Participants))
	for _, p := range room.Participants {
		if Allowed(room, p) {
			out = append(out, p)
		}
	}
	return out
}
