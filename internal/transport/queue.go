package transport

// frameQueue buffers encoded frames while the socket is down so they can be
// flushed in their original order on reconnect. It is bounded; pushing past
// the limit drops the oldest frame. Not safe for concurrent use — the
// Client guards it with its own mutex.
type frameQueue struct {
	limit  int
	frames [][]byte
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{limit: limit}
}

// push appends raw and reports whether an older frame was evicted.
func (q *frameQueue) push(raw []byte) bool {
	dropped := false
	if len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		dropped = true
	}
	q.frames = append(q.frames, raw)
	return dropped
}

// drain empties the queue and returns its contents in FIFO order.
func (q *frameQueue) drain() [][]byte {
	out := q.frames
	q.frames = nil
	return out
}

// requeueFront puts frames back at the head, ahead of anything queued while
// a flush was in flight.
func (q *frameQueue) requeueFront(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.frames = append(frames, q.frames...)
	if over := len(q.frames) - q.limit; over > 0 {
		q.frames = q.frames[over:]
	}
}

func (q *frameQueue) len() int {
	return len(q.frames)
}
