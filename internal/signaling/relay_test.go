package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/whisper/rendezvous/internal/archive"
	"github.com/whisper/rendezvous/internal/gateway/gatewaytest"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/room"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func description(t *testing.T, kind string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"type": kind, "sdp": testSDP})
	require.NoError(t, err)
	return b
}

func newTestRelay() (*Relay, *room.Registry, *gatewaytest.Recorder) {
	rec := gatewaytest.NewRecorder()
	reg := room.NewRegistry(room.Config{BcryptCost: bcrypt.MinCost}, rec, profile.NewStore(), archive.Discard{})
	return NewRelay(reg, rec), reg, rec
}

func TestForward_PairwiseGoesToPartner(t *testing.T) {
	relay, reg, rec := newTestRelay()
	roomID := reg.CreatePairwise("a", "b")

	offer := description(t, "offer")
	require.NoError(t, relay.Forward("a", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: roomID, Payload: offer}))

	ev, ok := rec.Last("b", protocol.TypeOffer)
	require.True(t, ok)
	got := ev.Payload.(protocol.RelayedSignalMsg)
	assert.Equal(t, "a", got.Sender)
	assert.Empty(t, got.From)
	assert.Equal(t, string(offer), string(got.Payload))
	assert.Zero(t, rec.Count("a", protocol.TypeOffer))

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	require.NoError(t, relay.Forward("b", protocol.SignalMsg{Type: protocol.TypeICECandidate, RoomID: roomID, Payload: cand}))
	assert.Equal(t, 1, rec.Count("a", protocol.TypeICECandidate))
}

func TestForward_ThirdJoinerOffersToEachExistingMember(t *testing.T) {
	relay, reg, rec := newTestRelay()
	r, _, err := reg.CreateRoom("a", "A", room.Metadata{Name: "Mesh", Topic: "Test"})
	require.NoError(t, err)
	_, err = reg.Join("b", r.ID, "", "B")
	require.NoError(t, err)
	res, err := reg.Join("c", r.ID, "", "C")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, res.OfferTo)

	for _, to := range res.OfferTo {
		require.NoError(t, relay.Forward("c", protocol.SignalMsg{
			Type: protocol.TypeOffer, RoomID: r.ID, To: to, Payload: description(t, "offer"),
		}))
	}

	assert.Equal(t, 1, rec.Count("a", protocol.TypeOffer))
	assert.Equal(t, 1, rec.Count("b", protocol.TypeOffer))
	assert.Zero(t, rec.Count("c", protocol.TypeOffer))
	ev, _ := rec.Last("a", protocol.TypeOffer)
	assert.Equal(t, "c", ev.Payload.(protocol.RelayedSignalMsg).From)

	// Targeted answers reach only the addressee.
	require.NoError(t, relay.Forward("a", protocol.SignalMsg{
		Type: protocol.TypeAnswer, RoomID: r.ID, To: "c", Payload: description(t, "answer"),
	}))
	assert.Equal(t, 1, rec.Count("c", protocol.TypeAnswer))
	assert.Zero(t, rec.Count("b", protocol.TypeAnswer))
}

func TestForward_MultiPartyErrors(t *testing.T) {
	relay, reg, rec := newTestRelay()
	r, _, err := reg.CreateRoom("a", "A", room.Metadata{Name: "Mesh", Topic: "Test"})
	require.NoError(t, err)
	_, err = reg.Join("b", r.ID, "", "B")
	require.NoError(t, err)

	offer := description(t, "offer")
	tests := []struct {
		name string
		from string
		msg  protocol.SignalMsg
		want error
	}{
		{"missing target", "b", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: r.ID, Payload: offer}, ErrTargetRequired},
		{"self target", "b", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: r.ID, To: "b", Payload: offer}, ErrTargetRequired},
		{"unknown target", "b", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: r.ID, To: "z", Payload: offer}, ErrTargetNotInRoom},
		{"older member offers", "a", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: r.ID, To: "b", Payload: offer}, ErrGlare},
		{"sender not member", "x", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: r.ID, To: "a", Payload: offer}, ErrNotInRoom},
		{"room missing", "a", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: "nope", To: "b", Payload: offer}, room.ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, relay.Forward(tt.from, tt.msg), tt.want)
		})
	}
	assert.Zero(t, rec.Count("", protocol.TypeOffer))
}

func TestForward_AfterLeaveIsDropped(t *testing.T) {
	relay, reg, rec := newTestRelay()
	roomID := reg.CreatePairwise("a", "b")
	_, err := reg.Leave("b", roomID)
	require.NoError(t, err)

	err = relay.Forward("a", protocol.SignalMsg{Type: protocol.TypeOffer, RoomID: roomID, Payload: description(t, "offer")})
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
	assert.Zero(t, rec.Count("b", protocol.TypeOffer))
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
		ok      bool
	}{
		{"offer", protocol.TypeOffer, string(description(t, "offer")), true},
		{"answer", protocol.TypeAnswer, string(description(t, "answer")), true},
		{"pranswer", protocol.TypeAnswer, string(description(t, "pranswer")), true},
		{"answer as offer", protocol.TypeOffer, string(description(t, "answer")), false},
		{"bad sdp", protocol.TypeOffer, `{"type":"offer","sdp":"garbage"}`, false},
		{"not an object", protocol.TypeAnswer, `"sdp"`, false},
		{"candidate", protocol.TypeICECandidate, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host"}`, true},
		{"end of candidates", protocol.TypeICECandidate, `{"candidate":""}`, true},
		{"candidate not object", protocol.TypeICECandidate, `[1]`, false},
		{"unknown kind", "bye", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.kind, json.RawMessage(tt.payload))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPayload)
			}
		})
	}
}
