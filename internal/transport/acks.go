package transport

import (
	"sync"
	"time"

	"github.com/valsssa/TutorHub-sub007/internal/protocol"
)

// AckResult reports how a pending sendWithAck ended: Reply holds the
// matching inbound frame on success, Err is set on timeout or teardown.
type AckResult struct {
	PacketID string
	Reply    protocol.Frame
	Err      error
}

type pendingAck struct {
	cb    func(AckResult)
	timer *time.Timer
}

// ackRegistry correlates locally generated packet ids with their pending
// sends. Entries are ephemeral: resolved on a matching inbound frame,
// failed on timeout, never persisted.
type ackRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{pending: make(map[string]*pendingAck)}
}

func (r *ackRegistry) add(id string, timeout time.Duration, cb func(AckResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &pendingAck{cb: cb}
	entry.timer = time.AfterFunc(timeout, func() {
		r.fail(id, ErrAckTimeout)
	})
	r.pending[id] = entry
}

// resolve completes the pending send matching id, if any. Returns true when
// a pending entry was found.
func (r *ackRegistry) resolve(id string, reply protocol.Frame) bool {
	entry := r.take(id)
	if entry == nil {
		return false
	}
	if entry.cb != nil {
		entry.cb(AckResult{PacketID: id, Reply: reply})
	}
	return true
}

func (r *ackRegistry) fail(id string, err error) {
	entry := r.take(id)
	if entry == nil {
		return
	}
	if entry.cb != nil {
		entry.cb(AckResult{PacketID: id, Err: err})
	}
}

func (r *ackRegistry) failAll(err error) {
	r.mu.Lock()
	entries := r.pending
	r.pending = make(map[string]*pendingAck)
	r.mu.Unlock()

	for id, entry := range entries {
		entry.timer.Stop()
		if entry.cb != nil {
			entry.cb(AckResult{PacketID: id, Err: err})
		}
	}
}

func (r *ackRegistry) take(id string) *pendingAck {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[id]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(r.pending, id)
	return entry
}
