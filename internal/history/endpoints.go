package history

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/taskbid/chatsync/internal/model"
)

// Page is one page of older messages, ascending by id.
type Page struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// RoomList is the initial room snapshot.
type RoomList struct {
	Rooms        []model.Room   `json:"rooms"`
	UnreadCounts map[string]int `json:"unread_counts"`
}

// ResolveRequest identifies the conversation a room should exist for:
// either a job+bidder pair or a direct user pair.
type ResolveRequest struct {
	JobID    string `json:"job_id,omitempty"`
	BidderID string `json:"bidder_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// FetchHistory returns up to limit messages with id strictly below
// beforeID. A beforeID of 0 fetches the newest page.
func (c *Client) FetchHistory(ctx context.Context, roomID string, beforeID int64, limit int) (Page, error) {
	query := url.Values{}
	if beforeID > 0 {
		query.Set("before", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var page Page
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(roomID))
	if err := c.get(ctx, path, query, &page); err != nil {
		return Page{}, fmt.Errorf("fetch history for room %s: %w", roomID, err)
	}
	return page, nil
}

// FetchRoomList returns the caller's visible rooms and unread counts.
func (c *Client) FetchRoomList(ctx context.Context) (RoomList, error) {
	var list RoomList
	if err := c.get(ctx, "/api/rooms", nil, &list); err != nil {
		return RoomList{}, fmt.Errorf("fetch room list: %w", err)
	}
	return list, nil
}

// ResolveRoom fetches or creates the room for the given pair.
func (c *Client) ResolveRoom(ctx context.Context, req ResolveRequest) (model.Room, error) {
	var room model.Room
	if err := c.post(ctx, "/api/rooms/resolve", req, &room); err != nil {
		return model.Room{}, fmt.Errorf("resolve room: %w", err)
	}
	return room, nil
}
