package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskbid/chatsync/internal/model"
)

// Type tags a frame on the wire.
type Type string

const (
	// Client → server.
	TypeAuth            Type = "auth"
	TypeSubscribeRoom   Type = "subscribe_room"
	TypeUnsubscribeRoom Type = "unsubscribe_room"
	TypeSendMessage     Type = "send_message"
	TypeTyping          Type = "typing"
	TypeStopTyping      Type = "stop_typing"
	TypeMarkRead        Type = "mark_read"
	TypeRoomList        Type = "room_list"

	// Server → client.
	TypeSubscribed   Type = "subscribed"
	TypeMessage      Type = "message"
	TypeUnreadUpdate Type = "unread_update"
	TypeInitialState Type = "initial_state"
	TypeRoomUpdate   Type = "room_update"
	TypeError        Type = "error"

	// Typing/stop_typing are also broadcast server → client with the
	// sender's user id filled in.
)

// ErrorCode classifies an error frame.
type ErrorCode string

const (
	CodeAccessDenied ErrorCode = "access_denied"
	CodeAuthFailed   ErrorCode = "auth_failed"
	CodeInvalidFrame ErrorCode = "invalid_frame"
	CodeRateLimited  ErrorCode = "rate_limited"
	CodeInternal     ErrorCode = "internal"
)

// Codec errors.
var (
	ErrMissingType  = errors.New("frame missing type")
	ErrUnknownType  = errors.New("unknown frame type")
	ErrMissingRoom  = errors.New("frame missing room_id")
	ErrMissingField = errors.New("frame missing required field")
)

// Frame is the single wire shape for every frame type. Fields not used
// by a given type are omitted from the encoding.
type Frame struct {
	Type   Type   `json:"type"`
	RoomID string `json:"room_id,omitempty"`

	// send_message / message correlation.
	ClientTempID string `json:"client_temp_id,omitempty"`
	Content      string `json:"content,omitempty"`

	// message: the server-confirmed message body.
	Message *model.Message `json:"message,omitempty"`

	// typing / stop_typing broadcasts: who is typing.
	UserID string `json:"user,omitempty"`

	// unread_update.
	Count      int   `json:"count,omitempty"`
	LastReadID int64 `json:"last_read_id,omitempty"`

	// initial_state.
	Rooms        []model.Room   `json:"rooms,omitempty"`
	UnreadCounts map[string]int `json:"unread_counts,omitempty"`

	// room_update: new authoritative room state (job status changes).
	Room *model.Room `json:"room,omitempty"`

	// auth.
	Token string `json:"token,omitempty"`

	// error.
	Code   ErrorCode `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// roomScoped lists the types that must carry a room id.
var roomScoped = map[Type]bool{
	TypeSubscribeRoom:   true,
	TypeUnsubscribeRoom: true,
	TypeSendMessage:     true,
	TypeTyping:          true,
	TypeStopTyping:      true,
	TypeMarkRead:        true,
	TypeSubscribed:      true,
	TypeMessage:         true,
	TypeUnreadUpdate:    true,
	TypeRoomUpdate:      true,
}

var knownTypes = map[Type]bool{
	TypeAuth: true, TypeSubscribeRoom: true, TypeUnsubscribeRoom: true,
	TypeSendMessage: true, TypeTyping: true, TypeStopTyping: true,
	TypeMarkRead: true, TypeRoomList: true, TypeSubscribed: true,
	TypeMessage: true, TypeUnreadUpdate: true, TypeInitialState: true,
	TypeRoomUpdate: true, TypeError: true,
}

// Encode serializes a frame to JSON.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses and validates a single frame. The connection stays open
// on a decode error; callers log and drop the payload.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the per-type required fields.
func (f Frame) Validate() error {
	if f.Type == "" {
		return ErrMissingType
	}
	if !knownTypes[f.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if roomScoped[f.Type] && f.RoomID == "" {
		return fmt.Errorf("%w: %s", ErrMissingRoom, f.Type)
	}

	switch f.Type {
	case TypeSendMessage:
		if f.Content == "" {
			return fmt.Errorf("%w: send_message.content", ErrMissingField)
		}
		if f.ClientTempID == "" {
			return fmt.Errorf("%w: send_message.client_temp_id", ErrMissingField)
		}
	case TypeMessage:
		if f.Message == nil {
			return fmt.Errorf("%w: message.message", ErrMissingField)
		}
	case TypeAuth:
		if f.Token == "" {
			return fmt.Errorf("%w: auth.token", ErrMissingField)
		}
	case TypeError:
		if f.Code == "" {
			return fmt.Errorf("%w: error.code", ErrMissingField)
		}
	}
	return nil
}

// ExtractType reads just the type tag without validating the rest.
// Used on hot demux paths before a full decode is needed.
func ExtractType(data []byte) (Type, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", err
	}
	return envelope.Type, nil
}
