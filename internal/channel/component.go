package channel

import (
	"farlands/replication/internal/seq"
)

// EntityState is the lifecycle state of an entity stream on the receiving
// side.
type EntityState uint8

const (
	// DespawnedState is the initial and terminal state.
	DespawnedState EntityState = iota
	// SpawnedState means the entity is live and component operations apply.
	SpawnedState
)

func (s EntityState) String() string {
	if s == SpawnedState {
		return "Spawned"
	}
	return "Despawned"
}

// ComponentOp is one buffered insert/remove toggle.
type ComponentOp struct {
	Insert bool
}

// RemoteComponentChannel tracks logical presence of one component kind on
// one remote entity. Operations arriving out of order buffer until the
// toggle they depend on has applied; the last index gate drops replays.
type RemoteComponentChannel struct {
	inserted bool
	last     seq.Index
	hasLast  bool

	buffered *seq.Buffer[ComponentOp]
	outgoing []bool
}

// NewRemoteComponentChannel returns a channel with the component absent.
func NewRemoteComponentChannel() *RemoteComponentChannel {
	return &RemoteComponentChannel{buffered: seq.NewBuffer[ComponentOp]()}
}

// Inserted reports the current presence after applying all delivered
// operations in index order.
func (c *RemoteComponentChannel) Inserted() bool {
	return c.inserted
}

// SetInserted seeds presence directly, used when a migrated channel is
// reconstructed with known state.
func (c *RemoteComponentChannel) SetInserted(v bool, idx seq.Index) {
	c.inserted = v
	c.last = idx
	c.hasLast = true
}

// Receive buffers one toggle and processes whatever the entity state
// admits. Operations at or before the last applied index are replays and
// are dropped.
func (c *RemoteComponentChannel) Receive(state EntityState, idx seq.Index, insert bool) {
	if c.hasLast && (idx == c.last || seq.LessThan(idx, c.last)) {
		return
	}
	c.buffered.Push(idx, ComponentOp{Insert: insert})
	c.Process(state)
}

// Process applies buffered toggles from the front while they alternate with
// the current presence. A toggle matching the current presence waits for
// the intervening inverse to arrive.
func (c *RemoteComponentChannel) Process(state EntityState) {
	if state != SpawnedState {
		return
	}
	for {
		head, ok := c.buffered.PeekFront()
		if !ok {
			return
		}
		if head.Item.Insert == c.inserted {
			return
		}
		c.buffered.PopFront()
		c.inserted = head.Item.Insert
		c.last = head.Index
		c.hasLast = true
		c.outgoing = append(c.outgoing, head.Item.Insert)
	}
}

// ForceDrain applies every buffered toggle in index order regardless of the
// alternation rule, leaving presence at the newest toggle's value. Used at
// migration boundaries where zero loss beats transient consistency.
func (c *RemoteComponentChannel) ForceDrain() {
	for {
		head, ok := c.buffered.PopFront()
		if !ok {
			return
		}
		c.outgoing = append(c.outgoing, head.Item.Insert)
		c.inserted = head.Item.Insert
		c.last = head.Index
		c.hasLast = true
	}
}

// DiscardBufferedBefore drops buffered toggles older than idx, used when a
// spawn resets the stream's epoch or the guard band purges pre-wrap
// entries.
func (c *RemoteComponentChannel) DiscardBufferedBefore(idx seq.Index) {
	c.buffered.DiscardBefore(idx)
}

// PurgeGuardBand drops buffered toggles below the flush threshold while the
// stream is near the wrap point.
func (c *RemoteComponentChannel) PurgeGuardBand() {
	c.buffered.Retain(func(idx seq.Index, _ ComponentOp) bool {
		return idx >= seq.FlushThreshold
	})
}

// BufferedLen reports buffered toggles, for backlog accounting.
func (c *RemoteComponentChannel) BufferedLen() int {
	return c.buffered.Len()
}

// Drain appends the applied toggles (insert flags in application order) to
// out and clears them.
func (c *RemoteComponentChannel) Drain(out *[]bool) {
	*out = append(*out, c.outgoing...)
	c.outgoing = nil
}
