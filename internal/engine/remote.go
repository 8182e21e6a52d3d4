package engine

import (
	"fmt"

	"farlands/replication/internal/action"
	"farlands/replication/internal/channel"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// Remote is the receiving-side engine: one RemoteEntityChannel per entity
// the peer replicates to this side. Channels are created lazily on first
// sight of an identifier so messages reordered ahead of their spawn still
// find a backlog to wait in.
type Remote struct {
	channels map[entity.RemoteID]*channel.RemoteEntityChannel

	incoming []action.Action
	outgoing []action.Action
}

// NewRemote returns an empty remote engine.
func NewRemote() *Remote {
	return &Remote{channels: make(map[entity.RemoteID]*channel.RemoteEntityChannel)}
}

// Has reports whether remote is tracked.
func (r *Remote) Has(remote entity.RemoteID) bool {
	_, ok := r.channels[remote]
	return ok
}

// Channel returns the channel for remote.
func (r *Remote) Channel(remote entity.RemoteID) (*channel.RemoteEntityChannel, bool) {
	ch, ok := r.channels[remote]
	return ch, ok
}

// Len reports the number of tracked entities.
func (r *Remote) Len() int {
	return len(r.channels)
}

// Receive accepts one delivered message addressed to a remote identifier.
func (r *Remote) Receive(idx seq.Index, remote entity.RemoteID, a action.Action) error {
	if a.Type == action.Noop {
		return nil
	}
	ch, ok := r.channels[remote]
	if !ok {
		ch = channel.NewRemoteEntityChannel()
		r.channels[remote] = ch
	}
	if err := ch.Receive(idx, a); err != nil {
		return err
	}
	var delivered []action.Action
	ch.DrainIncoming(&delivered)
	for _, d := range delivered {
		r.incoming = append(r.incoming, d.WithEntity(entity.RemoteLocalID(remote)))
	}
	if ch.Terminal() {
		// Tombstone GC: despawn applied, backlog empty, guard band clear.
		delete(r.channels, remote)
	}
	return nil
}

// SendCommand validates and enqueues one outbound command for remote,
// typically an authority request or release.
func (r *Remote) SendCommand(remote entity.RemoteID, a action.Action) error {
	ch, ok := r.channels[remote]
	if !ok {
		return fmt.Errorf("%w: remote id %d", ErrUnknownEntity, remote)
	}
	if err := ch.SendCommand(a); err != nil {
		return err
	}
	var queued []action.Action
	ch.DrainOutgoing(&queued)
	for _, q := range queued {
		r.outgoing = append(r.outgoing, q.WithEntity(entity.RemoteLocalID(remote)))
	}
	return nil
}

// DrainIncoming returns delivered messages with remote identifiers
// stamped.
func (r *Remote) DrainIncoming() []action.Action {
	out := r.incoming
	r.incoming = nil
	return out
}

// DrainOutgoing returns queued commands with remote identifiers stamped.
func (r *Remote) DrainOutgoing() []action.Action {
	out := r.outgoing
	r.outgoing = nil
	return out
}

// InsertChannel installs a channel under remote, used by migration.
func (r *Remote) InsertChannel(remote entity.RemoteID, ch *channel.RemoteEntityChannel) error {
	if _, ok := r.channels[remote]; ok {
		return fmt.Errorf("engine: channel already present for remote id %d", remote)
	}
	r.channels[remote] = ch
	return nil
}

// RemoveChannel uninstalls and returns the channel under remote, used by
// migration.
func (r *Remote) RemoveChannel(remote entity.RemoteID) (*channel.RemoteEntityChannel, bool) {
	ch, ok := r.channels[remote]
	if ok {
		delete(r.channels, remote)
	}
	return ch, ok
}

