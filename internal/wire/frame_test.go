package wire

import (
	"errors"
	"testing"

	"github.com/taskbid/chatsync/internal/model"
)

func TestDecodeValidFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Type
	}{
		{"subscribe", `{"type":"subscribe_room","room_id":"r1"}`, TypeSubscribeRoom},
		{"subscribed ack", `{"type":"subscribed","room_id":"r1"}`, TypeSubscribed},
		{"send", `{"type":"send_message","room_id":"r1","content":"hi","client_temp_id":"tmp-1"}`, TypeSendMessage},
		{"message", `{"type":"message","room_id":"r1","message":{"id":5,"room_id":"r1","sender":"u1","content":"hi","created_at":1}}`, TypeMessage},
		{"typing", `{"type":"typing","room_id":"r1","user":"u2"}`, TypeTyping},
		{"mark read", `{"type":"mark_read","room_id":"r1","last_read_id":9}`, TypeMarkRead},
		{"room list", `{"type":"room_list"}`, TypeRoomList},
		{"error", `{"type":"error","code":"access_denied","room_id":"r1"}`, TypeError},
		{"initial state", `{"type":"initial_state","rooms":[],"unread_counts":{}}`, TypeInitialState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if f.Type != tt.want {
				t.Errorf("Type = %q, want %q", f.Type, tt.want)
			}
		})
	}
}

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"missing type", `{"room_id":"r1"}`, ErrMissingType},
		{"unknown type", `{"type":"bogus"}`, ErrUnknownType},
		{"subscribe without room", `{"type":"subscribe_room"}`, ErrMissingRoom},
		{"send without content", `{"type":"send_message","room_id":"r1","client_temp_id":"t"}`, ErrMissingField},
		{"send without temp id", `{"type":"send_message","room_id":"r1","content":"hi"}`, ErrMissingField},
		{"message without body", `{"type":"message","room_id":"r1"}`, ErrMissingField},
		{"error without code", `{"type":"error"}`, ErrMissingField},
		{"auth without token", `{"type":"auth"}`, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("Decode() succeeded, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("Decode() succeeded on malformed payload")
	}
}

func TestEncodeDecodeMessageFrame(t *testing.T) {
	in := Frame{
		Type:         TypeMessage,
		RoomID:       "r42",
		ClientTempID: "tmp-1",
		Message: &model.Message{
			ID:        501,
			RoomID:    "r42",
			SenderID:  "u1",
			Content:   "hello",
			CreatedAt: 1700000000000,
		},
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if out.ClientTempID != "tmp-1" {
		t.Errorf("ClientTempID = %q, want tmp-1", out.ClientTempID)
	}
	if out.Message == nil || out.Message.ID != 501 {
		t.Errorf("Message = %+v, want id 501", out.Message)
	}
}

func TestExtractType(t *testing.T) {
	typ, err := ExtractType([]byte(`{"type":"typing","room_id":"r1"}`))
	if err != nil {
		t.Fatalf("ExtractType() error = %v", err)
	}
	if typ != TypeTyping {
		t.Errorf("type = %q, want typing", typ)
	}
}
