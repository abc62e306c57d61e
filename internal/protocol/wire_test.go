package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllVariants(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	frames := []Frame{
		&NewMessage{
			MessageID:   101,
			SenderID:    2,
			RecipientID: 1,
			BookingID:   77,
			Message:     "hi there",
			CreatedAt:   created,
			IsRead:      false,
			PacketID:    "pkt-1",
		},
		&MessageSent{MessageID: 101, PacketID: "pkt-1"},
		&Typing{UserID: 2, IsTyping: true},
		&DeliveryReceipt{MessageID: 101, RecipientID: 1, State: "delivered"},
		&MessageDelivered{MessageID: 101, SenderID: 2},
		&MessageRead{MessageID: 101, ReaderID: 1, State: "read"},
		&MessageEdited{MessageID: 101, NewContent: "hello", EditedBy: 2},
		&MessageDeleted{MessageID: 101, DeletedBy: 2},
		&PresenceCheck{UserIDs: []int64{1, 2, 3}},
		&PresenceResponse{Users: []PresenceStatus{{UserID: 2, Online: true}}},
		&Notification{Kind: "payout", Data: json.RawMessage(`{"amount":25}`)},
		&BookingUpdated{BookingID: 77, Status: "confirmed"},
	}

	for _, frame := range frames {
		raw, err := Encode(frame)
		require.NoError(t, err, "encode %s", frame.FrameType())

		decoded, err := Decode(raw)
		require.NoError(t, err, "decode %s", frame.FrameType())
		assert.Equal(t, frame, decoded)
	}
}

func TestEncodeIncludesDiscriminator(t *testing.T) {
	raw, err := Encode(&Typing{RecipientID: 2, IsTyping: true})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "typing", fields["type"])
	assert.Equal(t, float64(2), fields["recipient_id"])
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"empty object", "{}"},
		{"missing type", `{"message_id": 1}`},
		{"type wrong kind", `{"type": 42}`},
		{"fields wrong kind", `{"type":"new_message","message_id":"NaN"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Decode([]byte(tc.raw))
			assert.Error(t, err)
			assert.Nil(t, frame)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"server_gossip","payload":1}`))
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Nil(t, frame)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"typing","user_id":2,"is_typing":true,"trace_id":"abc"}`))
	require.NoError(t, err)

	typing, ok := frame.(*Typing)
	require.True(t, ok)
	assert.Equal(t, int64(2), typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestCorrelationID(t *testing.T) {
	msg := &NewMessage{}
	assert.Empty(t, msg.CorrelationID())

	msg.SetCorrelationID("pkt-9")
	assert.Equal(t, "pkt-9", msg.CorrelationID())

	raw, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	corr, ok := decoded.(Correlated)
	require.True(t, ok)
	assert.Equal(t, "pkt-9", corr.CorrelationID())
}
