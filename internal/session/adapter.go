// Package session bridges the transport's callback world into a shape the
// UI layer can consume: one constructed object per signed-in session that
// owns the credential source, keeps the latest ConnectionDetails snapshot,
// and exposes degrade-to-noop action wrappers that are safe to call before
// a transport exists.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/valsssa/TutorHub-sub007/internal/model"
	"github.com/valsssa/TutorHub-sub007/internal/protocol"
	"github.com/valsssa/TutorHub-sub007/internal/transport"
)

const (
	defaultTokenPollInterval = 30 * time.Second

	// Typing signals are throttled client-side so key-repeat doesn't
	// flood the socket. Matches the per-client typing limiter on the
	// server side.
	typingBurst  = 3
	typingWindow = 3 * time.Second
)

// Options configures a Session.
type Options struct {
	URL               string
	Store             TokenStore
	AutoConnect       bool
	TokenPollInterval time.Duration
	Transport         transport.Options
	Logger            *slog.Logger
}

// Session adapts one transport client for UI consumption. All externally
// observable state is re-derived from the transport's emitted
// ConnectionDetails; the session holds no independent truth beyond the last
// error, which the transport emits rather than stores.
type Session struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	client    *transport.Client
	details   model.ConnectionDetails
	lastErr   error
	lastToken string
	unsubs    []func()
	closed    bool

	typingLim *rate.Limiter

	pollCancel context.CancelFunc

	nextSubID int
	connSubs  map[int]func(model.ConnectionDetails)
	msgSubs   map[int]func(protocol.Frame)
	errSubs   map[int]func(error)
}

// New reads the current credential and, if one is present, constructs the
// transport (connecting when AutoConnect is set). No credential is a valid
// non-error steady state: no transport is built and the session reports
// disconnected until the rotation poll or SetToken sees a token.
func New(opts Options) *Session {
	if opts.TokenPollInterval == 0 {
		opts.TokenPollInterval = defaultTokenPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		opts:      opts,
		log:       opts.Logger,
		details:   model.ConnectionDetails{State: model.StateDisconnected, Online: true},
		typingLim: rate.NewLimiter(rate.Every(typingWindow/typingBurst), typingBurst),
		connSubs:  make(map[int]func(model.ConnectionDetails)),
		msgSubs:   make(map[int]func(protocol.Frame)),
		errSubs:   make(map[int]func(error)),
	}

	token, err := opts.Store.Token()
	if err != nil {
		s.log.Warn("credential read failed", "error", wrapTokenErr(err))
	}
	if token != "" {
		s.mu.Lock()
		s.buildClientLocked(token)
		client := s.client
		s.mu.Unlock()
		if opts.AutoConnect {
			_ = client.Connect()
		}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	go s.pollToken(pollCtx)

	return s
}

// buildClientLocked constructs the transport and wires the session's
// handlers. Caller holds s.mu.
func (s *Session) buildClientLocked(token string) {
	topts := s.opts.Transport
	topts.URL = s.opts.URL
	topts.Token = token
	if topts.Logger == nil {
		topts.Logger = s.log
	}

	client := transport.New(topts)
	s.client = client
	s.lastToken = token
	s.details = client.Details()
	s.unsubs = append(s.unsubs,
		client.OnConnectionChange(s.handleConnChange),
		client.OnMessage(s.handleFrame),
		client.OnError(s.handleError),
	)
}

// pollToken watches the credential source for rotation. Rotation swaps the
// token used on the next dial without interrupting an open connection; a
// token appearing where there was none builds the transport late.
func (s *Session) pollToken(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TokenPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token, err := s.opts.Store.Token()
			if err != nil {
				s.log.Warn("credential poll failed", "error", wrapTokenErr(err))
				continue
			}
			if token == "" {
				continue
			}
			s.applyToken(token)
		}
	}
}

func (s *Session) applyToken(token string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.client == nil {
		s.buildClientLocked(token)
		client := s.client
		autoConnect := s.opts.AutoConnect
		s.mu.Unlock()
		if autoConnect {
			_ = client.Connect()
		}
		return
	}
	if token != s.lastToken {
		s.lastToken = token
		client := s.client
		s.mu.Unlock()
		if TokenExpired(token) {
			s.log.Warn("rotated credential is already expired")
		}
		client.UpdateToken(token)
		return
	}
	s.mu.Unlock()
}

// SetToken is the push-path alternative to the rotation poll, for auth
// layers that can notify on credential change.
func (s *Session) SetToken(token string) {
	if token == "" {
		return
	}
	s.applyToken(token)
}

func (s *Session) handleConnChange(details model.ConnectionDetails) {
	s.mu.Lock()
	s.details = details
	subs := make([]func(model.ConnectionDetails), 0, len(s.connSubs))
	for _, cb := range s.connSubs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()
	for _, cb := range subs {
		cb(details)
	}
}

func (s *Session) handleFrame(frame protocol.Frame) {
	s.mu.Lock()
	subs := make([]func(protocol.Frame), 0, len(s.msgSubs))
	for _, cb := range s.msgSubs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()
	for _, cb := range subs {
		cb(frame)
	}
}

func (s *Session) handleError(err error) {
	s.mu.Lock()
	s.lastErr = err
	subs := make([]func(error), 0, len(s.errSubs))
	for _, cb := range s.errSubs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	if errors.Is(err, transport.ErrAuthExpired) {
		s.log.Warn("auth token rejected by realtime endpoint, refresh credentials and Reconnect")
	}
	for _, cb := range subs {
		cb(err)
	}
}

// Connect builds the transport from the current credential if needed and
// starts it. Absence of a credential is reported, not retried.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrDestroyed
	}
	if s.client != nil {
		client := s.client
		s.mu.Unlock()
		return client.Connect()
	}
	s.mu.Unlock()

	token, err := s.opts.Store.Token()
	if err != nil {
		return wrapTokenErr(err)
	}
	if token == "" {
		return transport.ErrNoToken
	}

	s.mu.Lock()
	if s.client == nil {
		s.buildClientLocked(token)
	}
	client := s.client
	s.mu.Unlock()
	return client.Connect()
}

// SendMessage forwards an arbitrary outbound frame. False when no transport
// has ever been constructed.
func (s *Session) SendMessage(frame protocol.Frame) bool {
	if client := s.transport(); client != nil {
		return client.Send(frame)
	}
	return false
}

// SendWithAck forwards a correlated frame and reports its correlation id.
func (s *Session) SendWithAck(frame protocol.Correlated, cb func(transport.AckResult)) (string, bool) {
	if client := s.transport(); client != nil {
		return client.SendWithAck(frame, cb)
	}
	return "", false
}

// SendTyping signals composition to recipientID, throttled client-side.
func (s *Session) SendTyping(recipientID int64) bool {
	client := s.transport()
	if client == nil {
		return false
	}
	if !s.typingLim.Allow() {
		return true
	}
	return client.Send(&protocol.Typing{RecipientID: recipientID, IsTyping: true})
}

// SendMessageDelivered acks receipt of messageID back to its sender.
func (s *Session) SendMessageDelivered(messageID, senderID int64) bool {
	if client := s.transport(); client != nil {
		return client.Send(&protocol.MessageDelivered{MessageID: messageID, SenderID: senderID})
	}
	return false
}

// SendMessageRead emits a read receipt for messageID to its sender.
func (s *Session) SendMessageRead(messageID, senderID int64) bool {
	if client := s.transport(); client != nil {
		return client.Send(&protocol.MessageRead{MessageID: messageID, SenderID: senderID})
	}
	return false
}

// CheckPresence asks which of userIDs are online; the answer arrives as a
// presence_response frame.
func (s *Session) CheckPresence(userIDs []int64) bool {
	if client := s.transport(); client != nil {
		return client.Send(&protocol.PresenceCheck{UserIDs: userIDs})
	}
	return false
}

// Reconnect forces a fresh connection cycle.
func (s *Session) Reconnect() error {
	if client := s.transport(); client != nil {
		return client.Reconnect()
	}
	return s.Connect()
}

// Disconnect deliberately closes the connection; no auto-retry follows.
func (s *Session) Disconnect() {
	if client := s.transport(); client != nil {
		client.Disconnect()
	}
}

// OnMessage subscribes to decoded inbound frames. Subscriptions registered
// before the transport exists start firing once it is built.
func (s *Session) OnMessage(cb func(protocol.Frame)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.msgSubs[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.msgSubs, id)
	}
}

// OnConnectionChange subscribes to ConnectionDetails snapshots.
func (s *Session) OnConnectionChange(cb func(model.ConnectionDetails)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.connSubs[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.connSubs, id)
	}
}

// OnError subscribes to transport errors.
func (s *Session) OnError(cb func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.errSubs[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.errSubs, id)
	}
}

// IsConnected reports whether the transport is in the connected state.
func (s *Session) IsConnected() bool {
	return s.Details().State == model.StateConnected
}

// State returns the current connection state.
func (s *Session) State() model.ConnectionState {
	return s.Details().State
}

// Details returns the latest ConnectionDetails snapshot.
func (s *Session) Details() model.ConnectionDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details
}

// LastError returns the most recent transport error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ClearError discards the stored last error.
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

// Stats returns the transport's diagnostic snapshot, nil before the first
// connect attempt or before a transport exists.
func (s *Session) Stats() *model.Stats {
	if client := s.transport(); client != nil {
		return client.GetStats()
	}
	return nil
}

// Close stops the rotation poll, unsubscribes everything, and destroys the
// transport exactly once. Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.pollCancel != nil {
		s.pollCancel()
	}
	unsubs := s.unsubs
	s.unsubs = nil
	client := s.client
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if client != nil {
		client.Destroy()
	}
}

func (s *Session) transport() *transport.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.client
}
