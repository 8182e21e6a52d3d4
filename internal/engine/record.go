package engine

import (
	"time"

	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// CommandRecordTTL is how long an unacked packet's commands are retained.
// Entries older than this are dropped together with expired redirects.
const CommandRecordTTL = 60 * time.Second

// SentCommand is one command as written into a packet.
type SentCommand struct {
	ID     seq.Index
	Action action.Action
}

// packetRecord is the per-packet entry: when it went out and what it
// carried.
type packetRecord struct {
	sentAt   time.Time
	commands []SentCommand
}

// Record tracks the commands written into each outbound packet until the
// packet is acked. The record drives retransmission after drops and is
// rewritten when a migration renames an entity mid-flight.
type Record struct {
	packets *seq.List[packetRecord]
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{packets: seq.NewList[packetRecord]()}
}

// Len reports the number of outstanding unacked packets.
func (r *Record) Len() int {
	return r.packets.Len()
}

// InsertPacket opens an entry for packetIndex if one is not already
// present.
func (r *Record) InsertPacket(packetIndex seq.Index, now time.Time) {
	if r.packets.Contains(packetIndex) {
		return
	}
	r.packets.Insert(packetIndex, packetRecord{sentAt: now})
}

// RecordCommand appends one written command to the packet's entry.
func (r *Record) RecordCommand(packetIndex seq.Index, id seq.Index, a action.Action) {
	entry, ok := r.packets.Get(packetIndex)
	if !ok {
		return
	}
	entry.commands = append(entry.commands, SentCommand{ID: id, Action: a})
}

// Ack removes the packet's entry and returns its commands for delivery
// notification.
func (r *Record) Ack(packetIndex seq.Index) ([]SentCommand, bool) {
	entry, ok := r.packets.Remove(packetIndex)
	if !ok {
		return nil, false
	}
	return entry.commands, true
}

// Drop removes the packet's entry and returns its commands for
// retransmission.
func (r *Record) Drop(packetIndex seq.Index) ([]SentCommand, bool) {
	return r.Ack(packetIndex)
}

// DropStale removes every packet older than age and returns its commands,
// oldest first, for retransmission staging.
func (r *Record) DropStale(now time.Time, age time.Duration) []SentCommand {
	var stale []SentCommand
	for {
		front, ok := r.packets.Front()
		if !ok || now.Sub(front.Item.sentAt) < age {
			return stale
		}
		r.packets.PopFront()
		stale = append(stale, front.Item.commands...)
	}
}

// ExpireBefore drops entries older than CommandRecordTTL and returns how
// many were removed.
func (r *Record) ExpireBefore(now time.Time) int {
	removed := 0
	for {
		front, ok := r.packets.Front()
		if !ok || now.Sub(front.Item.sentAt) < CommandRecordTTL {
			return removed
		}
		r.packets.PopFront()
		removed++
	}
}

// RewriteEntityRefs rewrites every stored command addressed to old so
// future retransmissions carry the post-migration identifier.
func (r *Record) RewriteEntityRefs(old, new entity.OwnedLocalID) int {
	rewritten := 0
	r.packets.Each(func(_ seq.Index, entry *packetRecord) {
		for i := range entry.commands {
			a := &entry.commands[i].Action
			if a.Entity == old {
				a.Entity = new
				rewritten++
			}
			if a.Type == action.MigrateResponse {
				if a.OldEntity == old {
					a.OldEntity = new
					rewritten++
				}
				if a.NewEntity == old {
					a.NewEntity = new
					rewritten++
				}
			}
		}
	})
	return rewritten
}
