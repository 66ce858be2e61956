package model

// RoomKind distinguishes job conversations from direct conversations.
type RoomKind string

const (
	RoomKindJob    RoomKind = "job"
	RoomKindDirect RoomKind = "direct"
)

// JobStatus is the lifecycle state of the job a room is attached to.
type JobStatus string

const (
	JobStatusOpen      JobStatus = "open"      // posted, accepting bids
	JobStatusBidding   JobStatus = "bidding"   // has at least one active bid
	JobStatusConfirmed JobStatus = "confirmed" // one bid accepted and paid
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobRef ties a room to the job whose lifecycle gates access to it.
type JobRef struct {
	JobID            string    `json:"job_id"`
	Status           JobStatus `json:"status"`
	ClientID         string    `json:"client_id"`
	AcceptedBidderID string    `json:"accepted_bidder_id,omitempty"`
}

// Room is a single conversation scope: a job+bidder pair, or a direct
// pair between two users. Rooms are never deleted; access denial makes
// them invisible instead.
type Room struct {
	ID           string   `json:"id"`
	Kind         RoomKind `json:"kind"`
	Participants []string `json:"participants"`
	Job          *JobRef  `json:"job,omitempty"` // nil for direct rooms

	// Room-list preview fields.
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count,omitempty"`
}

// HasParticipant reports whether userID is a member of the room.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// MessageStatus is the optimistic-send state of a locally created message.
// Server-confirmed messages are always StatusSent.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is a chat message. ID is server-assigned and monotonic per
// room; ClientTempID correlates an optimistic local entry with its
// server confirmation and is meaningless once the message is sent.
type Message struct {
	ID           int64         `json:"id,omitempty"`
	ClientTempID string        `json:"client_temp_id,omitempty"`
	RoomID       string        `json:"room_id"`
	SenderID     string        `json:"sender"`
	Content      string        `json:"content"`
	CreatedAt    int64         `json:"created_at"` // ms since epoch
	Status       MessageStatus `json:"status,omitempty"`
}
