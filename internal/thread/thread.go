// Package thread owns the in-memory message list for the one active
// conversation and translates inbound protocol frames into list mutations
// plus derived typing state. Switching conversations discards everything;
// server truth is refetched by the surrounding UI.
package thread

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/valsssa/TutorHub-sub007/internal/model"
	"github.com/valsssa/TutorHub-sub007/internal/protocol"
	"github.com/valsssa/TutorHub-sub007/internal/transport"
)

// DefaultTypingTTL is how long a peer stays in the typing set without a
// renewed typing frame.
const DefaultTypingTTL = 3 * time.Second

// Sender is the outbound half the reducer needs: receipts and correlated
// sends. *session.Session satisfies it.
type Sender interface {
	SendMessageDelivered(messageID, senderID int64) bool
	SendMessageRead(messageID, senderID int64) bool
	SendWithAck(frame protocol.Correlated, cb func(transport.AckResult)) (string, bool)
}

// Options configures a Thread.
type Options struct {
	UserID    int64
	PeerID    int64
	Sender    Sender
	TypingTTL time.Duration
	// OnChange, when set, is called after every visible mutation so the
	// consumer can re-render.
	OnChange func()
	Logger   *slog.Logger
}

// Thread is the reducer for the active conversation.
type Thread struct {
	sender    Sender
	policy    *bluemonday.Policy
	typingTTL time.Duration
	onChange  func()
	log       *slog.Logger

	mu       sync.Mutex
	userID   int64
	peerID   int64
	messages []*model.Message
	byID     map[int64]*model.Message
	byLocal  map[string]*model.Message
	typing   map[int64]*time.Timer
	closed   bool
}

// New builds a Thread for the conversation between UserID and PeerID.
func New(opts Options) *Thread {
	if opts.TypingTTL == 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Thread{
		sender:    opts.Sender,
		policy:    bluemonday.StrictPolicy(),
		typingTTL: opts.TypingTTL,
		onChange:  opts.OnChange,
		log:       opts.Logger,
		userID:    opts.UserID,
		peerID:    opts.PeerID,
		byID:      make(map[int64]*model.Message),
		byLocal:   make(map[string]*model.Message),
		typing:    make(map[int64]*time.Timer),
	}
}

// receipt is a deferred outbound send, emitted after the reducer lock is
// released so a slow socket never blocks state mutation.
type receipt struct {
	delivered bool
	messageID int64
	senderID  int64
}

// SetPeer switches the active conversation. The previous message list and
// typing state are discarded wholesale.
func (t *Thread) SetPeer(peerID int64) {
	t.mu.Lock()
	if t.closed || peerID == t.peerID {
		t.mu.Unlock()
		return
	}
	t.peerID = peerID
	t.messages = nil
	t.byID = make(map[int64]*model.Message)
	t.byLocal = make(map[string]*model.Message)
	t.stopTypingLocked()
	t.mu.Unlock()
	t.notify()
}

// Load replaces local state with server truth (the REST refetch after a
// thread switch or reload) and emits read receipts for anything unread
// addressed to the current user.
func (t *Thread) Load(messages []model.Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.messages = make([]*model.Message, 0, len(messages))
	t.byID = make(map[int64]*model.Message)
	t.byLocal = make(map[string]*model.Message)
	for i := range messages {
		msg := messages[i]
		msg.Content = t.policy.Sanitize(msg.Content)
		if _, dup := t.byID[msg.ID]; msg.ID != 0 && dup {
			continue
		}
		t.appendLocked(&msg)
	}
	receipts := t.scanUnreadLocked()
	t.mu.Unlock()

	t.emit(receipts)
	t.notify()
}

// SendText creates an optimistic local message and sends it with ack
// correlation. The returned copy carries the LocalID; the server id is
// reconciled when the message_sent ack arrives.
func (t *Thread) SendText(content string, bookingID int64) (model.Message, bool) {
	t.mu.Lock()
	if t.closed || t.sender == nil {
		t.mu.Unlock()
		return model.Message{}, false
	}

	local := &model.Message{
		LocalID:     uuid.NewString(),
		SenderID:    t.userID,
		RecipientID: t.peerID,
		BookingID:   bookingID,
		Content:     t.policy.Sanitize(content),
		CreatedAt:   time.Now().UTC(),
		Delivery:    model.DeliverySent,
	}
	t.appendLocked(local)
	frame := &protocol.NewMessage{
		SenderID:    local.SenderID,
		RecipientID: local.RecipientID,
		BookingID:   local.BookingID,
		Message:     local.Content,
		CreatedAt:   local.CreatedAt,
		PacketID:    local.LocalID,
	}
	t.mu.Unlock()
	t.notify()

	_, ok := t.sender.SendWithAck(frame, func(res transport.AckResult) {
		if res.Err != nil {
			t.log.Warn("message send unacknowledged", "packet_id", res.PacketID, "error", res.Err)
			return
		}
		if sent, isSent := res.Reply.(*protocol.MessageSent); isSent {
			t.Apply(sent)
		}
	})
	return *local, ok
}

// Apply feeds one inbound frame through the reducer. Frames for other
// conversations and frame types the reducer doesn't own are ignored.
func (t *Thread) Apply(frame protocol.Frame) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var receipts []receipt
	changed := false

	switch f := frame.(type) {
	case *protocol.NewMessage:
		receipts, changed = t.applyNewMessageLocked(f)
	case *protocol.MessageSent:
		changed = t.applyMessageSentLocked(f)
	case *protocol.DeliveryReceipt:
		if msg := t.byID[f.MessageID]; msg != nil {
			msg.Delivery = msg.Delivery.Advance(model.DeliveryDelivered)
			changed = true
		}
	case *protocol.MessageRead:
		if msg := t.byID[f.MessageID]; msg != nil && !msg.IsRead {
			now := time.Now().UTC()
			msg.IsRead = true
			msg.ReadAt = &now
			msg.Delivery = msg.Delivery.Advance(model.DeliveryRead)
			changed = true
		}
	case *protocol.MessageEdited:
		if msg := t.byID[f.MessageID]; msg != nil {
			now := time.Now().UTC()
			msg.Content = t.policy.Sanitize(f.NewContent)
			msg.IsEdited = true
			msg.EditedAt = &now
			changed = true
		}
	case *protocol.MessageDeleted:
		changed = t.removeLocked(f.MessageID)
	case *protocol.Typing:
		changed = t.applyTypingLocked(f)
	}
	t.mu.Unlock()

	t.emit(receipts)
	if changed {
		t.notify()
	}
}

func (t *Thread) applyNewMessageLocked(f *protocol.NewMessage) ([]receipt, bool) {
	inbound := f.SenderID == t.peerID && f.RecipientID == t.userID
	echo := f.SenderID == t.userID && f.RecipientID == t.peerID
	if !inbound && !echo {
		return nil, false
	}

	// Server echo of our own optimistic send: reconcile ids in place
	// instead of double-counting.
	if f.PacketID != "" {
		if msg := t.byLocal[f.PacketID]; msg != nil {
			delete(t.byLocal, f.PacketID)
			msg.ID = f.MessageID
			t.byID[msg.ID] = msg
			return nil, true
		}
	}
	if _, dup := t.byID[f.MessageID]; dup {
		return nil, false
	}

	msg := &model.Message{
		ID:          f.MessageID,
		SenderID:    f.SenderID,
		RecipientID: f.RecipientID,
		BookingID:   f.BookingID,
		Content:     t.policy.Sanitize(f.Message),
		CreatedAt:   f.CreatedAt,
		IsRead:      f.IsRead,
		Delivery:    model.DeliverySent,
	}
	t.appendLocked(msg)

	var receipts []receipt
	if inbound {
		receipts = append(receipts, receipt{delivered: true, messageID: msg.ID, senderID: msg.SenderID})
		receipts = append(receipts, t.scanUnreadLocked()...)
	}
	return receipts, true
}

func (t *Thread) applyMessageSentLocked(f *protocol.MessageSent) bool {
	if f.PacketID != "" {
		if msg := t.byLocal[f.PacketID]; msg != nil {
			delete(t.byLocal, f.PacketID)
			msg.ID = f.MessageID
			t.byID[msg.ID] = msg
			msg.Delivery = msg.Delivery.Advance(model.DeliverySent)
			return true
		}
	}
	if msg := t.byID[f.MessageID]; msg != nil {
		msg.Delivery = msg.Delivery.Advance(model.DeliverySent)
		return true
	}
	return false
}

func (t *Thread) applyTypingLocked(f *protocol.Typing) bool {
	if f.UserID != t.peerID {
		return false
	}
	if !f.IsTyping {
		if timer, ok := t.typing[f.UserID]; ok {
			timer.Stop()
			delete(t.typing, f.UserID)
			return true
		}
		return false
	}

	// Renewed signal resets the quiet-period timer rather than stacking
	// a second one.
	userID := f.UserID
	if timer, ok := t.typing[userID]; ok {
		timer.Stop()
	}
	t.typing[userID] = time.AfterFunc(t.typingTTL, func() {
		t.expireTyping(userID)
	})
	return true
}

func (t *Thread) expireTyping(userID int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	_, ok := t.typing[userID]
	if ok {
		delete(t.typing, userID)
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// scanUnreadLocked marks every unread message addressed to the current
// user as read and returns the receipts to emit. Idempotent: already-read
// messages and messages the user authored are skipped, so re-applying the
// same list never re-sends.
func (t *Thread) scanUnreadLocked() []receipt {
	var receipts []receipt
	now := time.Now().UTC()
	for _, msg := range t.messages {
		if msg.RecipientID != t.userID || msg.IsRead || msg.ID == 0 {
			continue
		}
		msg.IsRead = true
		msg.ReadAt = &now
		msg.Delivery = msg.Delivery.Advance(model.DeliveryRead)
		receipts = append(receipts, receipt{messageID: msg.ID, senderID: msg.SenderID})
	}
	return receipts
}

func (t *Thread) appendLocked(msg *model.Message) {
	t.messages = append(t.messages, msg)
	if msg.ID != 0 {
		t.byID[msg.ID] = msg
	}
	if msg.LocalID != "" {
		t.byLocal[msg.LocalID] = msg
	}
}

func (t *Thread) removeLocked(messageID int64) bool {
	msg, ok := t.byID[messageID]
	if !ok {
		return false
	}
	delete(t.byID, messageID)
	if msg.LocalID != "" {
		delete(t.byLocal, msg.LocalID)
	}
	for i, m := range t.messages {
		if m == msg {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			break
		}
	}
	return true
}

func (t *Thread) stopTypingLocked() {
	for userID, timer := range t.typing {
		timer.Stop()
		delete(t.typing, userID)
	}
}

func (t *Thread) emit(receipts []receipt) {
	if t.sender == nil {
		return
	}
	for _, r := range receipts {
		if r.delivered {
			t.sender.SendMessageDelivered(r.messageID, r.senderID)
		} else {
			t.sender.SendMessageRead(r.messageID, r.senderID)
		}
	}
}

func (t *Thread) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// Messages returns a copy of the current ordered message list.
func (t *Thread) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.messages))
	for i, msg := range t.messages {
		out[i] = *msg
	}
	return out
}

// TypingUsers returns the ids currently marked as typing, sorted.
func (t *Thread) TypingUsers() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.typing))
	for userID := range t.typing {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops all typing timers; the thread accepts no further frames.
func (t *Thread) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.stopTypingLocked()
}
