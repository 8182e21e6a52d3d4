// Package engine houses the per-direction machinery of a connection: the
// reliable ordered receiver, the host and remote channel collections, and
// the sent-command record used for retransmission and migration rewrites.
package engine

import (
	"errors"

	"farlands/replication/internal/action"
	"farlands/replication/internal/seq"
)

// ErrReceiverOverflow means the reorder buffer exceeded the in-flight
// window. Fatal: the peer ignored backpressure.
var ErrReceiverOverflow = errors.New("engine: receiver buffer exceeds in-flight window")

// Received is one delivered message with its index.
type Received struct {
	Index  seq.Index
	Action action.Action
}

// ReliableReceiver de-duplicates and orders the inbound action stream.
// Messages are held until the expected next index arrives, then the
// contiguous prefix drains in strictly increasing half-range order.
type ReliableReceiver struct {
	expected seq.Index
	buffer   *seq.Buffer[action.Action]
	ready    []Received
}

// NewReliableReceiver returns a receiver expecting start as the first
// index. Streams begin at zero unless the handshake says otherwise.
func NewReliableReceiver(start seq.Index) *ReliableReceiver {
	return &ReliableReceiver{
		expected: start,
		buffer:   seq.NewBuffer[action.Action](),
	}
}

// Buffer accepts one message from transport. Indexes before the expected
// next are duplicates and drop silently, as do repeats of a buffered index.
func (r *ReliableReceiver) Buffer(idx seq.Index, a action.Action) error {
	if seq.LessThan(idx, r.expected) {
		return nil
	}
	if !r.buffer.Push(idx, a) {
		return nil
	}
	if r.buffer.Len() > seq.MaxInFlight {
		return ErrReceiverOverflow
	}
	r.drain()
	return nil
}

func (r *ReliableReceiver) drain() {
	for {
		head, ok := r.buffer.PeekFront()
		if !ok || head.Index != r.expected {
			return
		}
		r.buffer.PopFront()
		r.ready = append(r.ready, Received{Index: head.Index, Action: head.Item})
		r.expected++
	}
}

// Receive returns the delivered messages accumulated since the last call,
// in index order.
func (r *ReliableReceiver) Receive() []Received {
	out := r.ready
	r.ready = nil
	return out
}

// Expected reports the next awaited index.
func (r *ReliableReceiver) Expected() seq.Index {
	return r.expected
}

// Pending reports how many messages wait on earlier indexes.
func (r *ReliableReceiver) Pending() int {
	return r.buffer.Len()
}
