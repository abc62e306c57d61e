// Package transport owns the physical websocket connection to the realtime
// endpoint: the connection state machine, exponential-backoff reconnection,
// heartbeat, the bounded outbound queue, and ack correlation. Consumers
// observe it only through the subscription callbacks; nothing else mutates
// the socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/valsssa/TutorHub-sub007/internal/model"
	"github.com/valsssa/TutorHub-sub007/internal/protocol"
)

var (
	ErrNoToken          = errors.New("internal/transport: no auth token available")
	ErrDestroyed        = errors.New("internal/transport: client destroyed")
	ErrAuthExpired      = errors.New("internal/transport: server rejected auth token")
	ErrAckTimeout       = errors.New("internal/transport: ack timed out")
	ErrRetriesExhausted = errors.New("internal/transport: reconnect attempts exhausted")
)

// StatusAuthExpired is the application close code the realtime endpoint
// uses to signal an expired bearer token.
const StatusAuthExpired websocket.StatusCode = 4401

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	URL                  string
	Token                string
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	AckTimeout           time.Duration
	QueueLimit           int
	Logger               *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 8
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 128
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// backoff returns the delay before reconnect attempt n, growing as
// base<<n up to the cap.
func (o Options) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return o.BackoffBase
	}
	d := o.BackoffBase << attempt
	if d <= 0 || d > o.BackoffCap {
		d = o.BackoffCap
	}
	return d
}

// Client is the realtime transport. Construct one per session with New and
// release it with Destroy; it is never a process-wide singleton.
type Client struct {
	opts Options
	log  *slog.Logger

	mu             sync.Mutex
	state          model.ConnectionState
	attempts       int
	token          string
	initialized    bool
	started        bool
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	gen            int
	reconnectTimer *time.Timer
	connectedAt    time.Time
	online         bool
	destroyed      bool

	queue *frameQueue
	acks  *ackRegistry

	nextSubID int
	connSubs  map[int]func(model.ConnectionDetails)
	msgSubs   map[int]func(protocol.Frame)
	errSubs   map[int]func(error)
}

// New builds a Client. It does not touch the network until Connect.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:        opts,
		log:         opts.Logger,
		state:       model.StateDisconnected,
		token:       opts.Token,
		initialized: opts.Token != "",
		online:      true,
		queue:       newFrameQueue(opts.QueueLimit),
		acks:        newAckRegistry(),
		connSubs:    make(map[int]func(model.ConnectionDetails)),
		msgSubs:     make(map[int]func(protocol.Frame)),
		errSubs:     make(map[int]func(error)),
	}
}

// Connect starts the state machine. It is idempotent: a client already
// connecting or connected is left alone. Without a token it parks in
// disconnected and reports ErrNoToken instead of dialing.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state == model.StateConnecting || c.state == model.StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.token == "" {
		details, subs := c.setStateLocked(model.StateDisconnected)
		c.mu.Unlock()
		c.notifyConn(details, subs)
		c.emitError(ErrNoToken)
		return ErrNoToken
	}

	c.started = true
	c.stopReconnectTimerLocked()
	gen := c.bumpGenLocked()
	token := c.token
	details, subs := c.setStateLocked(model.StateConnecting)
	c.mu.Unlock()

	c.notifyConn(details, subs)
	go c.dial(gen, token)
	return nil
}

// Reconnect forces a fresh attempt regardless of current state and resets
// the backoff cycle to its first step.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.token == "" {
		details, subs := c.setStateLocked(model.StateDisconnected)
		c.mu.Unlock()
		c.notifyConn(details, subs)
		c.emitError(ErrNoToken)
		return ErrNoToken
	}

	c.started = true
	c.stopReconnectTimerLocked()
	c.attempts = 0
	conn := c.teardownConnLocked()
	gen := c.bumpGenLocked()
	token := c.token
	details, subs := c.setStateLocked(model.StateConnecting)
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnect requested")
	}
	c.notifyConn(details, subs)
	go c.dial(gen, token)
	return nil
}

// Disconnect closes the socket deliberately. The state machine parks in
// disconnected and will not retry until Connect or Reconnect is called.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.stopReconnectTimerLocked()
	c.bumpGenLocked()
	c.attempts = 0
	conn := c.teardownConnLocked()
	details, subs := c.setStateLocked(model.StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.notifyConn(details, subs)
}

// UpdateToken swaps the credential used on the next dial. An open
// connection keeps running on the credential it connected with.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if token != "" {
		c.initialized = true
	}
}

// Send enqueues frame for delivery. It reports false only when the client
// was never given a token; while disconnected the frame is buffered and
// flushed in order on reconnect.
func (c *Client) Send(frame protocol.Frame) bool {
	raw, err := protocol.Encode(frame)
	if err != nil {
		c.emitError(err)
		return false
	}
	return c.sendRaw(raw)
}

// SendWithAck sends frame tagged with a correlation id and invokes cb once
// with the matching reply, a timeout, or a teardown error. The returned id
// is empty when the client was never initialized.
func (c *Client) SendWithAck(frame protocol.Correlated, cb func(AckResult)) (string, bool) {
	c.mu.Lock()
	if c.destroyed || !c.initialized {
		c.mu.Unlock()
		return "", false
	}
	c.mu.Unlock()

	id := frame.CorrelationID()
	if id == "" {
		id = uuid.NewString()
		frame.SetCorrelationID(id)
	}

	raw, err := protocol.Encode(frame)
	if err != nil {
		c.emitError(err)
		return "", false
	}

	c.acks.add(id, c.opts.AckTimeout, cb)
	if !c.sendRaw(raw) {
		c.acks.fail(id, ErrDestroyed)
		return "", false
	}
	return id, true
}

func (c *Client) sendRaw(raw []byte) bool {
	c.mu.Lock()
	if c.destroyed || !c.initialized {
		c.mu.Unlock()
		return false
	}

	if c.state == model.StateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if err := c.writeFrame(conn, raw); err != nil {
			// The read loop will notice the dead socket; keep the frame
			// for the next connection, ahead of anything queued since.
			c.requeueFailed(raw)
		}
		return true
	}

	if c.queue.push(raw) {
		c.log.Warn("outbound queue full, dropped oldest frame", "limit", c.opts.QueueLimit)
	}
	c.mu.Unlock()
	return true
}

func (c *Client) requeueFailed(raw []byte) {
	c.mu.Lock()
	c.queue.requeueFront([][]byte{raw})
	c.mu.Unlock()
}

func (c *Client) writeFrame(conn *websocket.Conn, raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}

// OnConnectionChange registers cb for ConnectionDetails snapshots. The
// returned function unsubscribes.
func (c *Client) OnConnectionChange(cb func(model.ConnectionDetails)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.connSubs[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connSubs, id)
	}
}

// OnMessage registers cb for decoded inbound frames, invoked in receipt
// order. The returned function unsubscribes.
func (c *Client) OnMessage(cb func(protocol.Frame)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.msgSubs[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgSubs, id)
	}
}

// OnError registers cb for transport errors. Auth failures arrive wrapped
// around ErrAuthExpired so callers can refresh credentials instead of
// retrying blindly.
func (c *Client) OnError(cb func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.errSubs[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.errSubs, id)
	}
}

// Details returns the current ConnectionDetails snapshot.
func (c *Client) Details() model.ConnectionDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detailsLocked()
}

// GetStats returns a diagnostic snapshot, or nil before the first connect
// attempt.
func (c *Client) GetStats() *model.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	stats := &model.Stats{
		State:       c.state,
		Attempts:    c.attempts,
		Queued:      c.queue.len(),
		ConnectedAt: c.connectedAt,
	}
	if c.state == model.StateConnected && !c.connectedAt.IsZero() {
		stats.Uptime = time.Since(c.connectedAt)
	}
	return stats
}

// Destroy releases the socket, timers, pending acks, and subscriptions.
// Safe to call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.stopReconnectTimerLocked()
	c.bumpGenLocked()
	conn := c.teardownConnLocked()
	c.connSubs = make(map[int]func(model.ConnectionDetails))
	c.msgSubs = make(map[int]func(protocol.Frame))
	c.errSubs = make(map[int]func(error))
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client destroyed")
	}
	c.acks.failAll(ErrDestroyed)
}

func (c *Client) dial(gen int, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})

	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}

	if err != nil {
		c.online = false
		c.mu.Unlock()
		c.emitError(fmt.Errorf("internal/transport: dial %s: %w", c.opts.URL, err))
		c.scheduleReconnect(gen)
		return
	}

	c.conn = conn
	c.online = true
	c.attempts = 0
	c.connectedAt = time.Now()
	connCtx, connCancel := context.WithCancel(context.Background())
	c.connCancel = connCancel
	pending := c.queue.drain()
	details, subs := c.setStateLocked(model.StateConnected)
	c.mu.Unlock()

	// The backlog must reach the wire before subscribers learn we are
	// connected: a send issued from the connection-change callback would
	// otherwise overtake frames queued while disconnected.
	c.flush(conn, pending)
	c.notifyConn(details, subs)

	go c.readLoop(connCtx, conn, gen)
	go c.heartbeat(connCtx, conn, gen)
}

// flush replays frames queued while disconnected, preserving their original
// order. On a write failure the unsent tail is requeued ahead of anything
// newer.
func (c *Client) flush(conn *websocket.Conn, pending [][]byte) {
	for i, raw := range pending {
		if err := c.writeFrame(conn, raw); err != nil {
			c.log.Warn("flush interrupted, requeueing", "remaining", len(pending)-i, "error", err)
			c.mu.Lock()
			c.queue.requeueFront(pending[i:])
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			c.handleConnLoss(gen, err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping inbound frame", "error", err)
			continue
		}

		if corr, ok := frame.(protocol.Correlated); ok && corr.CorrelationID() != "" {
			c.acks.resolve(corr.CorrelationID(), frame)
		}

		for _, cb := range c.msgSubsSnapshot() {
			cb(frame)
		}
	}
}

// heartbeat detects silent connection failures: if a ping gets no pong
// within the write timeout, the connection is recycled through the
// reconnect path instead of waiting on the transport's own close signal.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("heartbeat failed, recycling connection", "error", err)
				// No close handshake: the peer already failed to answer a
				// ping, so waiting on its close frame only delays recovery.
				conn.CloseNow()
				c.handleConnLoss(gen, fmt.Errorf("internal/transport: heartbeat: %w", err))
				return
			}
		}
	}
}

// handleConnLoss routes a non-deliberate connection failure into the
// reconnect state machine. Stale generations (a Disconnect or Reconnect
// already superseded this connection) are ignored.
func (c *Client) handleConnLoss(gen int, err error) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	// The heartbeat and the read loop can both observe the same loss;
	// whichever gets here first claims it by bumping the generation so the
	// other is rejected as stale.
	gen = c.bumpGenLocked()
	c.teardownConnLocked()
	c.online = false

	if isAuthClose(err) {
		// Retrying with a stale token would burn the whole budget.
		// Surface a recognizable error and park until the caller
		// refreshes credentials.
		details, subs := c.setStateLocked(model.StateDisconnected)
		c.mu.Unlock()
		c.emitError(fmt.Errorf("%w: %v", ErrAuthExpired, err))
		c.notifyConn(details, subs)
		return
	}
	c.mu.Unlock()

	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		c.emitError(fmt.Errorf("internal/transport: connection lost: %w", err))
	}
	c.scheduleReconnect(gen)
}

func (c *Client) scheduleReconnect(gen int) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.opts.MaxReconnectAttempts {
		details, subs := c.setStateLocked(model.StateFailed)
		c.mu.Unlock()
		c.emitError(ErrRetriesExhausted)
		c.notifyConn(details, subs)
		return
	}

	delay := c.opts.backoff(c.attempts)
	c.attempts++
	c.stopReconnectTimerLocked()
	details, subs := c.setStateLocked(model.StateReconnecting)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.attemptReconnect(gen)
	})
	c.mu.Unlock()

	c.log.Info("reconnect scheduled",
		"attempt", details.ReconnectAttempts,
		"max_attempts", details.MaxReconnectAttempts,
		"backoff", delay)
	c.notifyConn(details, subs)
}

func (c *Client) attemptReconnect(gen int) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	newGen := c.bumpGenLocked()
	token := c.token
	details, subs := c.setStateLocked(model.StateConnecting)
	c.mu.Unlock()

	c.notifyConn(details, subs)
	go c.dial(newGen, token)
}

// --- helpers; all *Locked methods require c.mu to be held ---

func (c *Client) bumpGenLocked() int {
	c.gen++
	return c.gen
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) teardownConnLocked() *websocket.Conn {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.connectedAt = time.Time{}
	return conn
}

func (c *Client) detailsLocked() model.ConnectionDetails {
	return model.ConnectionDetails{
		State:                c.state,
		ReconnectAttempts:    c.attempts,
		MaxReconnectAttempts: c.opts.MaxReconnectAttempts,
		NextBackoff:          c.opts.backoff(c.attempts),
		QueuedMessages:       c.queue.len(),
		Online:               c.online,
	}
}

func (c *Client) setStateLocked(s model.ConnectionState) (model.ConnectionDetails, []func(model.ConnectionDetails)) {
	c.state = s
	subs := make([]func(model.ConnectionDetails), 0, len(c.connSubs))
	for _, id := range sortedKeys(c.connSubs) {
		subs = append(subs, c.connSubs[id])
	}
	return c.detailsLocked(), subs
}

func (c *Client) notifyConn(details model.ConnectionDetails, subs []func(model.ConnectionDetails)) {
	for _, cb := range subs {
		cb(details)
	}
}

func (c *Client) msgSubsSnapshot() []func(protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]func(protocol.Frame), 0, len(c.msgSubs))
	for _, id := range sortedKeys(c.msgSubs) {
		subs = append(subs, c.msgSubs[id])
	}
	return subs
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	subs := make([]func(error), 0, len(c.errSubs))
	for _, id := range sortedKeys(c.errSubs) {
		subs = append(subs, c.errSubs[id])
	}
	c.mu.Unlock()
	for _, cb := range subs {
		cb(err)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// isAuthClose reports whether err is the server signaling an expired or
// invalid token rather than a transient network failure.
func isAuthClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case StatusAuthExpired:
		return true
	case websocket.StatusPolicyViolation:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			reason := strings.ToLower(ce.Reason)
			return strings.Contains(reason, "token") || strings.Contains(reason, "auth")
		}
	}
	return false
}
