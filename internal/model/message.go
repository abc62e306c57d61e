// Package model defines data structures shared by the realtime client.
package model

import "time"

// DeliveryState tracks how far a sent message has progressed on the
// recipient's side. It only ever moves forward.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// rank orders delivery states so transitions can be compared.
func (s DeliveryState) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	default:
		return 0
	}
}

// Advance returns the later of the two states. A receipt arriving out of
// order must never regress a message that is already read.
func (s DeliveryState) Advance(next DeliveryState) DeliveryState {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Message holds a single message in the active conversation.
//
// ID is the server-assigned id; it is zero for an optimistic local send
// until the server acks with a message_sent frame. LocalID is the
// client-generated correlation id that bridges that gap.
type Message struct {
	ID          int64         `json:"id"`
	LocalID     string        `json:"-"`
	SenderID    int64         `json:"sender_id"`
	RecipientID int64         `json:"recipient_id"`
	BookingID   int64         `json:"booking_id,omitempty"`
	Content     string        `json:"content"`
	CreatedAt   time.Time     `json:"created_at"`
	IsRead      bool          `json:"is_read"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	IsEdited    bool          `json:"is_edited,omitempty"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	Delivery    DeliveryState `json:"delivery_state"`
}
