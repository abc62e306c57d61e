// Package protocol converts raw websocket text frames to and from a closed
// set of typed frames. Decode never panics on hostile input; malformed or
// unknown frames come back as errors for the caller to log and drop.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FrameType discriminates the wire union.
type FrameType string

const (
	TypeNewMessage       FrameType = "new_message"
	TypeMessageSent      FrameType = "message_sent"
	TypeTyping           FrameType = "typing"
	TypeDeliveryReceipt  FrameType = "delivery_receipt"
	TypeMessageDelivered FrameType = "message_delivered"
	TypeMessageRead      FrameType = "message_read"
	TypeMessageEdited    FrameType = "message_edited"
	TypeMessageDeleted   FrameType = "message_deleted"
	TypePresenceCheck    FrameType = "presence_check"
	TypePresenceResponse FrameType = "presence_response"
	TypeNotification     FrameType = "notification"
	TypeBookingUpdated   FrameType = "booking_updated"
)

var (
	ErrMalformedFrame = errors.New("internal/protocol: malformed frame")
	ErrUnknownType    = errors.New("internal/protocol: unknown frame type")
)

// Frame is implemented by every wire variant.
type Frame interface {
	FrameType() FrameType
}

// Correlated is implemented by frames that can carry a client-generated
// packet id used to match acknowledgments to pending sends.
type Correlated interface {
	Frame
	CorrelationID() string
	SetCorrelationID(id string)
}

// NewMessage is a chat message, inbound from a peer or outbound to one.
type NewMessage struct {
	MessageID   int64     `json:"message_id"`
	SenderID    int64     `json:"sender_id"`
	RecipientID int64     `json:"recipient_id"`
	BookingID   int64     `json:"booking_id,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	IsRead      bool      `json:"is_read,omitempty"`
	PacketID    string    `json:"packet_id,omitempty"`
}

func (f *NewMessage) FrameType() FrameType       { return TypeNewMessage }
func (f *NewMessage) CorrelationID() string      { return f.PacketID }
func (f *NewMessage) SetCorrelationID(id string) { f.PacketID = id }

// MessageSent is the server ack for a message this client sent. PacketID
// echoes the client's correlation id so an optimistic local message can be
// matched before it knows its server id.
type MessageSent struct {
	MessageID int64  `json:"message_id"`
	PacketID  string `json:"packet_id,omitempty"`
}

func (f *MessageSent) FrameType() FrameType       { return TypeMessageSent }
func (f *MessageSent) CorrelationID() string      { return f.PacketID }
func (f *MessageSent) SetCorrelationID(id string) { f.PacketID = id }

// Typing signals that a user is composing. Outbound frames set RecipientID,
// inbound frames set UserID.
type Typing struct {
	UserID      int64 `json:"user_id,omitempty"`
	RecipientID int64 `json:"recipient_id,omitempty"`
	IsTyping    bool  `json:"is_typing"`
}

func (f *Typing) FrameType() FrameType { return TypeTyping }

// DeliveryReceipt is the server telling the sender their message reached
// the recipient's device.
type DeliveryReceipt struct {
	MessageID   int64  `json:"message_id"`
	RecipientID int64  `json:"recipient_id"`
	State       string `json:"state"`
}

func (f *DeliveryReceipt) FrameType() FrameType { return TypeDeliveryReceipt }

// MessageDelivered is the outbound ack a recipient emits on receiving a
// new_message for the active conversation.
type MessageDelivered struct {
	MessageID int64 `json:"message_id"`
	SenderID  int64 `json:"sender_id"`
}

func (f *MessageDelivered) FrameType() FrameType { return TypeMessageDelivered }

// MessageRead doubles as the outbound read receipt (MessageID+SenderID) and
// the inbound notification that a peer read our message (ReaderID+State).
type MessageRead struct {
	MessageID int64  `json:"message_id"`
	SenderID  int64  `json:"sender_id,omitempty"`
	ReaderID  int64  `json:"reader_id,omitempty"`
	State     string `json:"state,omitempty"`
}

func (f *MessageRead) FrameType() FrameType { return TypeMessageRead }

// MessageEdited carries replacement content for an existing message.
type MessageEdited struct {
	MessageID  int64  `json:"message_id"`
	NewContent string `json:"new_content"`
	EditedBy   int64  `json:"edited_by"`
}

func (f *MessageEdited) FrameType() FrameType { return TypeMessageEdited }

// MessageDeleted removes a message from every participant's view.
type MessageDeleted struct {
	MessageID int64 `json:"message_id"`
	DeletedBy int64 `json:"deleted_by"`
}

func (f *MessageDeleted) FrameType() FrameType { return TypeMessageDeleted }

// PresenceCheck asks the server which of the listed users are online.
type PresenceCheck struct {
	UserIDs []int64 `json:"user_ids"`
}

func (f *PresenceCheck) FrameType() FrameType { return TypePresenceCheck }

// PresenceStatus is one entry of a PresenceResponse.
type PresenceStatus struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}

// PresenceResponse answers a PresenceCheck.
type PresenceResponse struct {
	Users []PresenceStatus `json:"users"`
}

func (f *PresenceResponse) FrameType() FrameType { return TypePresenceResponse }

// Notification is a server push unrelated to the active conversation. The
// payload is passed through opaquely to whatever surface displays it.
type Notification struct {
	Kind string          `json:"kind,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (f *Notification) FrameType() FrameType { return TypeNotification }

// BookingUpdated mirrors a booking state change so an open conversation can
// refresh its booking banner without a REST poll.
type BookingUpdated struct {
	BookingID int64  `json:"booking_id"`
	Status    string `json:"status"`
}

func (f *BookingUpdated) FrameType() FrameType { return TypeBookingUpdated }

// decoders maps the type discriminator to a fresh variant to unmarshal
// into. Register every variant here or Decode will drop it as unknown.
var decoders = map[FrameType]func() Frame{
	TypeNewMessage:       func() Frame { return &NewMessage{} },
	TypeMessageSent:      func() Frame { return &MessageSent{} },
	TypeTyping:           func() Frame { return &Typing{} },
	TypeDeliveryReceipt:  func() Frame { return &DeliveryReceipt{} },
	TypeMessageDelivered: func() Frame { return &MessageDelivered{} },
	TypeMessageRead:      func() Frame { return &MessageRead{} },
	TypeMessageEdited:    func() Frame { return &MessageEdited{} },
	TypeMessageDeleted:   func() Frame { return &MessageDeleted{} },
	TypePresenceCheck:    func() Frame { return &PresenceCheck{} },
	TypePresenceResponse: func() Frame { return &PresenceResponse{} },
	TypeNotification:     func() Frame { return &Notification{} },
	TypeBookingUpdated:   func() Frame { return &BookingUpdated{} },
}

// Decode parses a raw text frame into its typed variant.
func Decode(raw []byte) (Frame, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrMalformedFrame)
	}

	ctor, ok := decoders[probe.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}

	frame := ctor()
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

// Encode serializes a frame with its type discriminator spliced in. It only
// fails for a variant missing from the registry, which is a programmer
// error, not a runtime condition.
func Encode(frame Frame) ([]byte, error) {
	t := frame.FrameType()
	if _, ok := decoders[t]; !ok {
		return nil, fmt.Errorf("%w: cannot encode %q", ErrUnknownType, t)
	}

	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("internal/protocol: encode %q: %w", t, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("internal/protocol: encode %q: %w", t, err)
	}
	fields["type"], _ = json.Marshal(t)

	return json.Marshal(fields)
}
