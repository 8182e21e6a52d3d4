package channel

import (
	"errors"

	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// ErrDuplicateIndex means a delivery reused the index of an applied
// lifecycle transition. The receiver dedupes upstream, so this indicates
// state corruption and is fatal.
var ErrDuplicateIndex = errors.New("channel: delivery reuses an applied message index")

// ErrBacklogOverflow means a stream hit MaxInFlight buffered messages and
// received another. Fatal: the peer violated the in-flight window.
var ErrBacklogOverflow = errors.New("channel: stream backlog full")

// ErrUnexpectedAction means an action variant reached a channel that can
// never legally receive it. Fatal.
var ErrUnexpectedAction = errors.New("channel: unexpected action for this channel")

// RemoteEntityChannel is the receiving-side state machine for one entity:
// a Despawned/Spawned lifecycle, a component channel per kind, an authority
// channel, and a backlog of messages blocked on ordering or state.
type RemoteEntityChannel struct {
	state    EntityState
	epoch    seq.Index // index of the last applied Spawn or Despawn
	hasEpoch bool
	lastSeq  seq.Index // newest accepted delivery, drives the guard band
	hasLast  bool
	nearWrap bool

	components map[entity.ComponentKind]*RemoteComponentChannel
	auth       *AuthChannel

	buffered *seq.Buffer[action.Action]
	incoming []action.Action
	outgoing []action.Action
}

// NewRemoteEntityChannel returns a fresh channel for a newly discovered
// entity.
func NewRemoteEntityChannel() *RemoteEntityChannel {
	return &RemoteEntityChannel{
		components: make(map[entity.ComponentKind]*RemoteComponentChannel),
		auth:       NewAuthChannel(),
		buffered:   seq.NewBuffer[action.Action](),
	}
}

// NewDelegatedRemoteEntityChannel returns a channel for an entity obtained
// via migration: already spawned, components present, authority delegated
// and available. No generation gate is armed: the peer's message indexes
// live in their own space and in-flight pre-migration traffic must still
// apply here after redirect resolution.
func NewDelegatedRemoteEntityChannel(kinds []entity.ComponentKind) *RemoteEntityChannel {
	ch := NewRemoteEntityChannel()
	ch.state = SpawnedState
	ch.auth = NewDelegatedAuthChannel()
	for _, kind := range kinds {
		comp := NewRemoteComponentChannel()
		comp.inserted = true
		ch.components[kind] = comp
	}
	return ch
}

// State returns the lifecycle state.
func (c *RemoteEntityChannel) State() EntityState { return c.state }

// AuthState returns the authority channel's publication state.
func (c *RemoteEntityChannel) AuthState() AuthState { return c.auth.State() }

// AuthStatus returns the authority channel's status.
func (c *RemoteEntityChannel) AuthStatus() action.AuthStatus { return c.auth.Status() }

// NearWrap reports whether the stream sits in the guard band.
func (c *RemoteEntityChannel) NearWrap() bool { return c.nearWrap }

// BacklogLen counts buffered messages across the entity backlog and all
// component channels.
func (c *RemoteEntityChannel) BacklogLen() int {
	n := c.buffered.Len()
	for _, comp := range c.components {
		n += comp.BufferedLen()
	}
	return n
}

// Terminal reports whether the stream may be garbage collected: despawn
// applied, backlog empty, guard band cleared.
func (c *RemoteEntityChannel) Terminal() bool {
	return c.state == DespawnedState && c.hasEpoch && c.BacklogLen() == 0 && !c.nearWrap
}

// Receive accepts one delivered message for this entity. Deliveries older
// than the stream's epoch drop silently; a reused epoch index and a full
// backlog are fatal.
func (c *RemoteEntityChannel) Receive(idx seq.Index, a action.Action) error {
	if c.hasEpoch {
		if idx == c.epoch {
			return ErrDuplicateIndex
		}
		if seq.LessThan(idx, c.epoch) {
			return nil
		}
	}

	if !c.hasLast || seq.GreaterThan(idx, c.lastSeq) {
		c.lastSeq = idx
		c.hasLast = true
	}
	if seq.InGuardBand(c.lastSeq) {
		c.nearWrap = true
		c.purgeGuardBand()
	} else if c.nearWrap {
		// First post-wrap delivery: the old lap's guard is done.
		c.nearWrap = false
	}

	if c.BacklogLen() >= seq.MaxInFlight {
		return ErrBacklogOverflow
	}
	if !c.buffered.Push(idx, a) {
		// Duplicate already buffered.
		return nil
	}
	if a.Type == action.Spawn || a.Type == action.Despawn {
		c.collapseLifecycle()
	}
	return c.process()
}

// purgeGuardBand drops backlog entries from before the wrap while the
// stream sits in the guard band.
func (c *RemoteEntityChannel) purgeGuardBand() {
	c.buffered.Retain(func(idx seq.Index, _ action.Action) bool {
		return idx >= seq.FlushThreshold
	})
	for _, comp := range c.components {
		comp.PurgeGuardBand()
	}
}

// collapseLifecycle keeps only the newest buffered Spawn and the newest
// buffered Despawn, resolving spawn/despawn races in favor of the latest
// intent.
func (c *RemoteEntityChannel) collapseLifecycle() {
	var newestSpawn, newestDespawn seq.Index
	var haveSpawn, haveDespawn bool
	for _, e := range c.buffered.Entries() {
		switch e.Item.Type {
		case action.Spawn:
			if !haveSpawn || seq.GreaterThan(e.Index, newestSpawn) {
				newestSpawn = e.Index
				haveSpawn = true
			}
		case action.Despawn:
			if !haveDespawn || seq.GreaterThan(e.Index, newestDespawn) {
				newestDespawn = e.Index
				haveDespawn = true
			}
		}
	}
	c.buffered.Retain(func(idx seq.Index, a action.Action) bool {
		switch a.Type {
		case action.Spawn:
			return idx == newestSpawn
		case action.Despawn:
			return idx == newestDespawn
		default:
			return true
		}
	})
}

// process repeatedly applies the head of the backlog while the state
// machine admits it.
func (c *RemoteEntityChannel) process() error {
	for {
		head, ok := c.buffered.PeekFront()
		if !ok {
			return nil
		}
		idx, a := head.Index, head.Item

		switch a.Type {
		case action.Spawn:
			if c.state != DespawnedState {
				return nil
			}
			c.state = SpawnedState
			c.epoch = idx
			c.hasEpoch = true
			c.buffered.PopFront()
			c.buffered.DiscardBefore(idx)
			c.incoming = append(c.incoming, a)

			c.auth.DiscardBufferedThrough(idx)
			c.auth.Process(true)
			c.auth.Drain(&c.incoming)

			for kind, comp := range c.components {
				comp.DiscardBufferedBefore(idx)
				comp.Process(c.state)
				c.drainComponent(kind, comp)
			}

		case action.Despawn:
			if c.state != SpawnedState {
				return nil
			}
			c.state = DespawnedState
			c.epoch = idx
			c.auth.Reset()
			c.components = make(map[entity.ComponentKind]*RemoteComponentChannel)
			c.buffered.PopFront()
			c.incoming = append(c.incoming, a)
			c.buffered.Clear()

		case action.InsertComponent, action.RemoveComponent:
			c.buffered.PopFront()
			comp := c.ensureComponent(a.Kind)
			comp.Receive(c.state, idx, a.Type == action.InsertComponent)
			c.drainComponent(a.Kind, comp)

		case action.Publish, action.Unpublish, action.EnableDelegation,
			action.DisableDelegation, action.ReleaseAuthority, action.UpdateAuthority:
			c.buffered.PopFront()
			c.auth.Receive(c.state == SpawnedState, idx, a)
			c.auth.Drain(&c.incoming)

		case action.Noop:
			c.buffered.PopFront()

		default:
			// RequestAuthority, MigrateResponse, and delegation responses
			// address the hosting side; landing here is corruption.
			return ErrUnexpectedAction
		}
	}
}

func (c *RemoteEntityChannel) ensureComponent(kind entity.ComponentKind) *RemoteComponentChannel {
	comp, ok := c.components[kind]
	if !ok {
		comp = NewRemoteComponentChannel()
		c.components[kind] = comp
	}
	return comp
}

func (c *RemoteEntityChannel) drainComponent(kind entity.ComponentKind, comp *RemoteComponentChannel) {
	var flags []bool
	comp.Drain(&flags)
	for _, insert := range flags {
		t := action.RemoveComponent
		if insert {
			t = action.InsertComponent
		}
		c.incoming = append(c.incoming, action.Action{Type: t, Kind: kind})
	}
}

// SendCommand enqueues a locally issued command, validating it against the
// authority channel first. Illegal commands are rejected here, not dropped
// later.
func (c *RemoteEntityChannel) SendCommand(a action.Action) error {
	if err := c.auth.ValidateCommand(a); err != nil {
		return err
	}
	c.auth.ApplyCommand(a)
	c.outgoing = append(c.outgoing, a)
	return nil
}

// DrainIncoming appends ready-to-apply messages to out. The entity field of
// each action is not relied on (synthesized component toggles carry none);
// the engine overwrites it while routing.
func (c *RemoteEntityChannel) DrainIncoming(out *[]action.Action) {
	*out = append(*out, c.incoming...)
	c.incoming = nil
}

// DrainOutgoing appends queued commands to out.
func (c *RemoteEntityChannel) DrainOutgoing(out *[]action.Action) {
	*out = append(*out, c.outgoing...)
	c.outgoing = nil
}

// InsertedComponentKinds returns the kinds whose channels report presence.
func (c *RemoteEntityChannel) InsertedComponentKinds() []entity.ComponentKind {
	var kinds []entity.ComponentKind
	for kind, comp := range c.components {
		if comp.Inserted() {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// ForceDrainAllBuffers flushes every buffered message ignoring FSM gating.
// Out-of-order operations resolve now; the temporary inconsistency is the
// price of zero loss at a migration boundary.
func (c *RemoteEntityChannel) ForceDrainAllBuffers() {
	for {
		head, ok := c.buffered.PopFront()
		if !ok {
			break
		}
		c.incoming = append(c.incoming, head.Item)
	}
	for kind, comp := range c.components {
		comp.ForceDrain()
		c.drainComponent(kind, comp)
	}
}

// UpdateAuthStatus overwrites the authority status to match the globally
// tracked value after a migration.
func (c *RemoteEntityChannel) UpdateAuthStatus(s action.AuthStatus) {
	c.auth.ForceSetStatus(s)
}
