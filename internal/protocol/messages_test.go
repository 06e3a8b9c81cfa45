package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid start-looking event
// ---------------------------------------------------------------------------

func TestParseClientMessage_StartLooking(t *testing.T) {
	input := []byte(`{"type":"start-looking","name":"Ana","age":24,"gender":"female","country":"FR","filterCountry":"DE"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeStartLooking {
		t.Fatalf("expected type %q, got %q", TypeStartLooking, msgType)
	}

	sl, ok := msg.(StartLookingMsg)
	if !ok {
		t.Fatalf("expected StartLookingMsg, got %T", msg)
	}
	if sl.Name != "Ana" || sl.Age != 24 || sl.Gender != "female" || sl.Country != "FR" {
		t.Errorf("unexpected profile fields: %+v", sl)
	}
	if sl.FilterGender != "" {
		t.Errorf("expected empty filterGender, got %q", sl.FilterGender)
	}
	if sl.FilterCountry != "DE" {
		t.Errorf("expected filterCountry %q, got %q", "DE", sl.FilterCountry)
	}
}

// ---------------------------------------------------------------------------
// Test: Signaling payloads are kept as raw bytes
// ---------------------------------------------------------------------------

func TestParseClientMessage_SignalKeepsPayload(t *testing.T) {
	payload := `{"type":"offer","sdp":"v=0\r\n"}`
	input := []byte(`{"type":"offer","roomId":"r1","to":"peer-2","payload":` + payload + `}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeOffer {
		t.Fatalf("expected type %q, got %q", TypeOffer, msgType)
	}
	sm, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}
	if sm.RoomID != "r1" || sm.To != "peer-2" {
		t.Errorf("unexpected addressing: roomId=%q to=%q", sm.RoomID, sm.To)
	}
	if string(sm.Payload) != payload {
		t.Errorf("payload changed: got %s", sm.Payload)
	}
}

// ---------------------------------------------------------------------------
// Test: Required fields are enforced per event kind
// ---------------------------------------------------------------------------

func TestParseClientMessage_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"start-looking without name", `{"type":"start-looking","age":20}`},
		{"start-looking negative age", `{"type":"start-looking","name":"x","age":-1}`},
		{"join-room without roomId", `{"type":"join-room","password":"x"}`},
		{"leave-room without roomId", `{"type":"leave-room"}`},
		{"create-room without topic", `{"type":"create-room","name":"Trivia"}`},
		{"create-room without name", `{"type":"create-room","topic":"Games"}`},
		{"offer without payload", `{"type":"offer","roomId":"r"}`},
		{"answer with null payload", `{"type":"answer","roomId":"r","payload":null}`},
		{"ice-candidate without roomId", `{"type":"ice-candidate","payload":{"candidate":"x"}}`},
		{"send-message without content", `{"type":"send-message","roomId":"r"}`},
		{"typing without roomId", `{"type":"typing"}`},
		{"message-status bad status", `{"type":"message-status","roomId":"r","messageId":"m","status":"read"}`},
		{"edit-message without messageId", `{"type":"edit-message","roomId":"r","content":"x"}`},
		{"delete-message without messageId", `{"type":"delete-message","roomId":"r"}`},
		{"react-message without emoji", `{"type":"react-message","roomId":"r","messageId":"m"}`},
		{"delete-room without roomId", `{"type":"delete-room"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			if err == nil {
				t.Fatalf("expected validation error, got message %+v", msg)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
			if code := ErrorCode(err); code != CodeInvalidPayload {
				t.Errorf("expected code %q, got %q", CodeInvalidPayload, code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown event type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
	if code := ErrorCode(err); code != CodeUnsupportedType {
		t.Errorf("expected code %q, got %q", CodeUnsupportedType, code)
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	for _, input := range []string{`not json`, `{"roomId":"r"}`, `{"type":""}`, `{"type":"join-room","roomId":5}`} {
		_, _, err := ParseClientMessage([]byte(input))
		if err == nil {
			t.Fatalf("expected error for %s", input)
		}
		if code := ErrorCode(err); code != CodeParseError {
			t.Errorf("%s: expected code %q, got %q", input, CodeParseError, code)
		}
	}
}

func TestTypingMsg_Active(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"typing","roomId":"r"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.(TypingMsg).Active() {
		t.Error("typing without isTyping should be active")
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"typing","roomId":"r","isTyping":false}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.(TypingMsg).Active() {
		t.Error("typing with isTyping=false should be inactive")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a matched server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Matched(t *testing.T) {
	payload := MatchedMsg{
		RoomID:    "room-456",
		IsOfferer: true,
		Partner:   PartnerProfile{ID: "p1", Name: "Bo", Country: "DE"},
	}

	data, err := NewServerMessage(TypeMatched, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, result["type"])
	}
	if result["roomId"] != "room-456" {
		t.Errorf("expected roomId %q, got %v", "room-456", result["roomId"])
	}
	if result["isOfferer"] != true {
		t.Errorf("expected isOfferer true, got %v", result["isOfferer"])
	}
	partner, ok := result["partner"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected partner object, got %T", result["partner"])
	}
	if partner["name"] != "Bo" || partner["country"] != "DE" {
		t.Errorf("unexpected partner: %v", partner)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	for _, payload := range []interface{}{nil, PongMsg{}} {
		data, err := NewServerMessage(TypePong, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"type":"pong"}` {
			t.Errorf("expected bare pong, got %s", data)
		}
	}
}

func TestNewServerMessage_RawPayloadVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"sdp":"v=0","type":"answer"}`)
	data, err := NewServerMessage(TypeAnswer, RelayedSignalMsg{RoomID: "r", Sender: "a", Payload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"type":"answer","roomId":"r","sender":"a","payload":{"sdp":"v=0","type":"answer"}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeError, []string{"x"}); err == nil {
		t.Fatal("expected error for array payload")
	}
}
