package gateway

import (
	"testing"

	"github.com/taskbid/chatsync/internal/model"
)

func biddingJob(jobID, clientID string) model.JobRef {
	return model.JobRef{JobID: jobID, Status: model.JobStatusBidding, ClientID: clientID}
}

func TestResolveJobRoomIsIdempotent(t *testing.T) {
	d := NewDirectory()

	r1 := d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-a")
	r2 := d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-a")
	if r1.ID != r2.ID {
		t.Errorf("same pair resolved to %q and %q", r1.ID, r2.ID)
	}

	other := d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-b")
	if other.ID == r1.ID {
		t.Error("distinct bidders share a room")
	}

	if len(r1.Participants) != 2 || r1.Participants[0] != "client" || r1.Participants[1] != "bidder-a" {
		t.Errorf("participants = %v", r1.Participants)
	}
	if r1.Job == nil || r1.Job.JobID != "job-1" {
		t.Errorf("job ref = %+v", r1.Job)
	}
}

func TestResolveDirectIgnoresArgumentOrder(t *testing.T) {
	d := NewDirectory()

	r1 := d.ResolveDirect("alice", "bob")
	r2 := d.ResolveDirect("bob", "alice")
	if r1.ID != r2.ID {
		t.Errorf("pair resolved to %q and %q", r1.ID, r2.ID)
	}
	if r1.Kind != model.RoomKindDirect {
		t.Errorf("kind = %q, want direct", r1.Kind)
	}
}

func TestUpdateJobStatusTouchesEveryRoomOfTheJob(t *testing.T) {
	d := NewDirectory()
	roomA := d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-a")
	roomB := d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-b")
	unrelated := d.ResolveJobRoom(biddingJob("job-2", "client"), "bidder-a")

	changed := d.UpdateJobStatus("job-1", model.JobStatusConfirmed, "bidder-a")
	if len(changed) != 2 {
		t.Fatalf("changed %d rooms, want 2", len(changed))
	}
	for _, id := range []string{roomA.ID, roomB.ID} {
		r, _ := d.Get(id)
		if r.Job.Status != model.JobStatusConfirmed || r.Job.AcceptedBidderID != "bidder-a" {
			t.Errorf("room %s job = %+v", id, r.Job)
		}
	}

	r, _ := d.Get(unrelated.ID)
	if r.Job.Status != model.JobStatusBidding {
		t.Errorf("unrelated job mutated: %+v", r.Job)
	}
}

func TestVisibleToAppliesTheGate(t *testing.T) {
	d := NewDirectory()
	roomB := d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-b")
	d.ResolveJobRoom(biddingJob("job-1", "client"), "bidder-a")

	if got := d.VisibleTo("bidder-b"); len(got) != 1 || got[0].ID != roomB.ID {
		t.Fatalf("VisibleTo(bidder-b) = %v while bidding", got)
	}
	if got := d.VisibleTo("client"); len(got) != 2 {
		t.Fatalf("VisibleTo(client) = %d rooms, want 2", len(got))
	}

	d.UpdateJobStatus("job-1", model.JobStatusConfirmed, "bidder-a")

	if got := d.VisibleTo("bidder-b"); len(got) != 0 {
		t.Errorf("excluded bidder still sees %v", got)
	}
	// The client keeps both rooms, including the excluded bidder's.
	if got := d.VisibleTo("client"); len(got) != 2 {
		t.Errorf("VisibleTo(client) = %d rooms after confirmation, want 2", len(got))
	}
}
