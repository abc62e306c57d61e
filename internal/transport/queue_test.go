package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valsssa/TutorHub-sub007/internal/protocol"
)

func TestFrameQueueFIFO(t *testing.T) {
	q := newFrameQueue(10)
	assert.False(t, q.push([]byte("a")))
	assert.False(t, q.push([]byte("b")))
	assert.False(t, q.push([]byte("c")))

	drained := q.drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "a", string(drained[0]))
	assert.Equal(t, "b", string(drained[1]))
	assert.Equal(t, "c", string(drained[2]))
	assert.Zero(t, q.len())
}

func TestFrameQueueEvictsOldest(t *testing.T) {
	q := newFrameQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))
	assert.True(t, q.push([]byte("c")))

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", string(drained[0]))
	assert.Equal(t, "c", string(drained[1]))
}

func TestFrameQueueRequeueFront(t *testing.T) {
	q := newFrameQueue(10)
	q.push([]byte("new"))
	q.requeueFront([][]byte{[]byte("old1"), []byte("old2")})

	drained := q.drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "old1", string(drained[0]))
	assert.Equal(t, "old2", string(drained[1]))
	assert.Equal(t, "new", string(drained[2]))
}

func TestAckRegistryResolve(t *testing.T) {
	r := newAckRegistry()
	results := make(chan AckResult, 1)
	r.add("pkt-1", time.Minute, func(res AckResult) { results <- res })

	reply := &protocol.MessageSent{MessageID: 7, PacketID: "pkt-1"}
	assert.True(t, r.resolve("pkt-1", reply))

	res := <-results
	require.NoError(t, res.Err)
	assert.Equal(t, reply, res.Reply)

	// Second resolve finds nothing.
	assert.False(t, r.resolve("pkt-1", reply))
}

func TestAckRegistryTimeout(t *testing.T) {
	r := newAckRegistry()
	results := make(chan AckResult, 1)
	r.add("pkt-2", 10*time.Millisecond, func(res AckResult) { results <- res })

	select {
	case res := <-results:
		assert.ErrorIs(t, res.Err, ErrAckTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestAckRegistryFailAll(t *testing.T) {
	r := newAckRegistry()
	results := make(chan AckResult, 2)
	r.add("pkt-3", time.Minute, func(res AckResult) { results <- res })
	r.add("pkt-4", time.Minute, func(res AckResult) { results <- res })

	r.failAll(ErrDestroyed)

	for i := 0; i < 2; i++ {
		res := <-results
		assert.ErrorIs(t, res.Err, ErrDestroyed)
	}
}
