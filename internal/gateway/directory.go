package gateway

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/taskbid/chatsync/internal/gate"
	"github.com/taskbid/chatsync/internal/model"
)

// Directory is the room registry. Rooms are created on first resolve
// and never deleted; access denial makes them invisible instead.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]model.Room
	// byJob indexes job rooms by job id + bidder id; byPair indexes
	// direct rooms by the sorted user pair.
	byJob  map[string]string
	byPair map[string]string
}

// NewDirectory creates an empty registry.
func NewDirectory() *Directory {
	return &Directory{
		rooms:  make(map[string]model.Room),
		byJob:  make(map[string]string),
		byPair: make(map[string]string),
	}
}

// Get returns a room by id.
func (d *Directory) Get(roomID string) (model.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	return r, ok
}

// Upsert installs authoritative room state.
func (d *Directory) Upsert(room model.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room.ID] = room
}

// VisibleTo returns the rooms userID currently passes the read gate
// for, sorted by id for stable output.
func (d *Directory) VisibleTo(userID string) []model.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []model.Room
	for _, r := range d.rooms {
		if gate.Allowed(r, userID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveJobRoom returns the room for a job+bidder pair, creating it if
// absent.
func (d *Directory) ResolveJobRoom(job model.JobRef, bidderID string) model.Room {
	key := job.JobID + "|" + bidderID

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byJob[key]; ok {
		return d.rooms[id]
	}

	j := job
	room := model.Room{
		ID:           uuid.NewString(),
		Kind:         model.RoomKindJob,
		Participants: []string{job.ClientID, bidderID},
		Job:          &j,
	}
	d.rooms[room.ID] = room
	d.byJob[key] = room.ID
	return room
}

// ResolveDirect returns the room for a direct pair, creating it if
// absent. Argument order does not matter.
func (d *Directory) ResolveDirect(a, b string) model.Room {
	if a > b {
		a, b = b, a
	}
	key := a + "|" + b

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byPair[key]; ok {
		return d.rooms[id]
	}

	room := model.Room{
		ID:           uuid.NewString(),
		Kind:         model.RoomKindDirect,
		Participants: []string{a, b},
	}
	d.rooms[room.ID] = room
	d.byPair[key] = room.ID
	return room
}

// UpdateJobStatus applies a job lifecycle transition to every room
// attached to jobID and returns the changed rooms.
func (d *Directory) UpdateJobStatus(jobID string, status model.JobStatus, acceptedBidderID string) []model.Room {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changed []model.Room
	for id, r := range d.rooms {
		if r.Job == nil || r.Job.JobID != jobID {
			continue
		}
		job := *r.Job
		job.Status = status
		if acceptedBidderID != "" {
			job.AcceptedBidderID = acceptedBidderID
		}
		r.Job = &job
		d.rooms[id] = r
		changed = append(changed, r)
	}
	return changed
}
