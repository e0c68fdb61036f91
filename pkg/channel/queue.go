package channel

// pendingQueue is a bounded FIFO of control/text frames accumulated while
// the channel is disconnected. When full, the oldest entry is evicted so the
// most recent intent survives. Media frames never enter this queue.
type pendingQueue struct {
	entries []pendingFrame
	max     int
	dropped int64
}

// pendingFrame is an unstamped outbound frame. Sequence numbers are assigned
// when the frame is actually written to a socket, not when it is queued.
type pendingFrame struct {
	kind  string
	build func(seq int64) any
}

func newPendingQueue(max int) *pendingQueue {
	if max <= 0 {
		max = 50
	}
	return &pendingQueue{max: max}
}

// push appends a frame, evicting the oldest entry when the queue is full.
// It reports whether an eviction happened.
func (q *pendingQueue) push(frame pendingFrame) bool {
	evicted := false
	if len(q.entries) >= q.max {
		copy(q.entries, q.entries[1:])
		q.entries = q.entries[:len(q.entries)-1]
		q.dropped++
		evicted = true
	}
	q.entries = append(q.entries, frame)
	return evicted
}

// drain removes and returns all queued frames in insertion order.
func (q *pendingQueue) drain() []pendingFrame {
	out := q.entries
	q.entries = nil
	return out
}

func (q *pendingQueue) len() int {
	return len(q.entries)
}
