package engine

import (
	"errors"
	"fmt"

	"farlands/replication/internal/action"
	"farlands/replication/internal/channel"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// ErrUnknownEntity is returned for commands addressed to an entity the
// engine does not track.
var ErrUnknownEntity = errors.New("engine: entity not tracked by this engine")

// Host is the sending-side engine: one HostEntityChannel per entity this
// side authoritatively replicates to the peer.
type Host struct {
	channels map[entity.HostID]*channel.HostEntityChannel

	incoming []action.Action
	outgoing []action.Action
}

// NewHost returns an empty host engine.
func NewHost() *Host {
	return &Host{channels: make(map[entity.HostID]*channel.HostEntityChannel)}
}

// Has reports whether host is tracked.
func (h *Host) Has(host entity.HostID) bool {
	_, ok := h.channels[host]
	return ok
}

// Channel returns the channel for host.
func (h *Host) Channel(host entity.HostID) (*channel.HostEntityChannel, bool) {
	ch, ok := h.channels[host]
	return ch, ok
}

// Len reports the number of tracked entities.
func (h *Host) Len() int {
	return len(h.channels)
}

// SendCommand validates and enqueues one outbound command for host. Spawn
// creates the channel, Despawn removes it; everything else routes through
// the channel's own validation.
func (h *Host) SendCommand(host entity.HostID, a action.Action) error {
	stamped := a.WithEntity(entity.HostLocalID(host))
	switch a.Type {
	case action.Spawn:
		if _, ok := h.channels[host]; ok {
			return fmt.Errorf("engine: spawn for already tracked host id %d", host)
		}
		h.channels[host] = channel.NewHostEntityChannel()
		h.outgoing = append(h.outgoing, stamped)
		return nil
	case action.Despawn:
		if _, ok := h.channels[host]; !ok {
			return fmt.Errorf("%w: despawn for host id %d", ErrUnknownEntity, host)
		}
		delete(h.channels, host)
		h.outgoing = append(h.outgoing, stamped)
		return nil
	case action.Noop:
		return nil
	}

	ch, ok := h.channels[host]
	if !ok {
		return fmt.Errorf("%w: host id %d", ErrUnknownEntity, host)
	}
	if err := ch.SendCommand(a); err != nil {
		return err
	}
	var queued []action.Action
	ch.DrainOutgoing(&queued)
	for _, q := range queued {
		h.outgoing = append(h.outgoing, q.WithEntity(entity.HostLocalID(host)))
	}
	return nil
}

// Receive accepts one delivered message addressed to a host identifier.
// The channel accepts authority responses and the component and despawn
// traffic that trails a migration; messages for untracked entities are
// late arrivals for a despawned channel and drop silently.
func (h *Host) Receive(idx seq.Index, host entity.HostID, a action.Action) error {
	if a.Type == action.Noop {
		return nil
	}
	ch, ok := h.channels[host]
	if !ok {
		return nil
	}
	if err := ch.Receive(idx, a); err != nil {
		return err
	}
	var delivered []action.Action
	ch.DrainIncoming(&delivered)
	for _, d := range delivered {
		h.incoming = append(h.incoming, d.WithEntity(entity.HostLocalID(host)))
	}
	return nil
}

// DrainIncoming returns delivered messages with host identifiers stamped.
func (h *Host) DrainIncoming() []action.Action {
	out := h.incoming
	h.incoming = nil
	return out
}

// DrainOutgoing returns queued commands with host identifiers stamped.
func (h *Host) DrainOutgoing() []action.Action {
	out := h.outgoing
	h.outgoing = nil
	return out
}

// InsertChannel installs a channel under host, used by migration.
func (h *Host) InsertChannel(host entity.HostID, ch *channel.HostEntityChannel) error {
	if _, ok := h.channels[host]; ok {
		return fmt.Errorf("engine: channel already present for host id %d", host)
	}
	h.channels[host] = ch
	return nil
}

// RemoveChannel uninstalls and returns the channel under host, used by
// migration.
func (h *Host) RemoveChannel(host entity.HostID) (*channel.HostEntityChannel, bool) {
	ch, ok := h.channels[host]
	if ok {
		delete(h.channels, host)
	}
	return ch, ok
}

