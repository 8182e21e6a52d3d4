package channel

import (
	"fmt"

	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// HostEntityChannel is the sending-side state machine for one entity: the
// set of component kinds currently live, the authority channel, and a FIFO
// of outbound commands. Inbound traffic is authority responses from the
// peer plus the component toggles and despawns that trail a migration.
type HostEntityChannel struct {
	components map[entity.ComponentKind]struct{}
	auth       *AuthChannel

	buffered *seq.Buffer[action.Action]
	incoming []action.Action
	outgoing []action.Action
}

// NewHostEntityChannel returns a channel with no components and an
// unpublished authority state.
func NewHostEntityChannel() *HostEntityChannel {
	return &HostEntityChannel{
		components: make(map[entity.ComponentKind]struct{}),
		auth:       NewAuthChannel(),
		buffered:   seq.NewBuffer[action.Action](),
	}
}

// NewHostEntityChannelWithComponents returns a channel pre-populated with
// kinds, used when a migration lands an entity on the hosting side. The
// authority channel is bootstrapped as delegated.
func NewHostEntityChannelWithComponents(kinds []entity.ComponentKind) *HostEntityChannel {
	ch := NewHostEntityChannel()
	for _, kind := range kinds {
		ch.components[kind] = struct{}{}
	}
	ch.auth = NewDelegatedAuthChannel()
	return ch
}

// ComponentKinds returns the live component kinds.
func (c *HostEntityChannel) ComponentKinds() []entity.ComponentKind {
	kinds := make([]entity.ComponentKind, 0, len(c.components))
	for kind := range c.components {
		kinds = append(kinds, kind)
	}
	return kinds
}

// HasComponent reports whether kind is live.
func (c *HostEntityChannel) HasComponent(kind entity.ComponentKind) bool {
	_, ok := c.components[kind]
	return ok
}

// AuthState returns the authority channel's publication state.
func (c *HostEntityChannel) AuthState() AuthState { return c.auth.State() }

// AuthStatus returns the authority channel's status.
func (c *HostEntityChannel) AuthStatus() action.AuthStatus { return c.auth.Status() }

// SendCommand validates and enqueues one outbound command. Component
// toggles must alternate; authority commands must be legal in the current
// authority state. Spawn and Despawn are the engine's business.
func (c *HostEntityChannel) SendCommand(a action.Action) error {
	switch a.Type {
	case action.Spawn, action.Despawn, action.Noop:
		return fmt.Errorf("%w: %s is routed by the engine", ErrUnexpectedAction, a.Type)
	case action.InsertComponent:
		if _, ok := c.components[a.Kind]; ok {
			return fmt.Errorf("%w: component %d already inserted", ErrInvalidAuthCommand, a.Kind)
		}
		c.components[a.Kind] = struct{}{}
		c.outgoing = append(c.outgoing, a)
		return nil
	case action.RemoveComponent:
		if _, ok := c.components[a.Kind]; !ok {
			return fmt.Errorf("%w: component %d not inserted", ErrInvalidAuthCommand, a.Kind)
		}
		delete(c.components, a.Kind)
		c.outgoing = append(c.outgoing, a)
		return nil
	default:
		if err := c.auth.ValidateCommand(a); err != nil {
			return err
		}
		c.auth.ApplyCommand(a)
		c.outgoing = append(c.outgoing, a)
		return nil
	}
}

// Receive accepts one delivered message from the peer: authority
// responses, plus the replication tail that trails a migration — component
// toggles and despawns redirected here after this side took over hosting.
func (c *HostEntityChannel) Receive(idx seq.Index, a action.Action) error {
	switch a.Type {
	case action.RequestAuthority, action.ReleaseAuthority,
		action.EnableDelegationResponse, action.MigrateResponse:
		if !c.buffered.Push(idx, a) {
			return nil
		}
		c.processResponses()
		return nil
	case action.InsertComponent:
		if _, ok := c.components[a.Kind]; ok {
			return nil
		}
		c.components[a.Kind] = struct{}{}
		c.incoming = append(c.incoming, a)
		return nil
	case action.RemoveComponent:
		if _, ok := c.components[a.Kind]; !ok {
			return nil
		}
		delete(c.components, a.Kind)
		c.incoming = append(c.incoming, a)
		return nil
	case action.Spawn:
		// Duplicate of an entity this side already tracks.
		return nil
	case action.Despawn:
		c.incoming = append(c.incoming, a)
		return nil
	case action.Noop:
		return nil
	default:
		return fmt.Errorf("%w: host channel received %s", ErrUnexpectedAction, a.Type)
	}
}

// processResponses surfaces buffered responses in index order and keeps the
// authority status in step with the peer's requests.
func (c *HostEntityChannel) processResponses() {
	for {
		head, ok := c.buffered.PopFront()
		if !ok {
			return
		}
		a := head.Item
		switch a.Type {
		case action.RequestAuthority:
			if c.auth.State() == Delegated && c.auth.Status() == action.StatusAvailable {
				c.auth.ForceSetStatus(action.StatusRequested)
			}
		case action.ReleaseAuthority:
			if c.auth.State() == Delegated && c.auth.Status() == action.StatusGranted {
				c.auth.ForceSetStatus(action.StatusAvailable)
			}
		}
		c.incoming = append(c.incoming, a)
	}
}

// ExtractOutgoingCommands removes and returns every queued command, used by
// the migration coordinator to carry pending work across the boundary.
func (c *HostEntityChannel) ExtractOutgoingCommands() []action.Action {
	out := c.outgoing
	c.outgoing = nil
	return out
}

// DrainIncoming appends delivered responses to out.
func (c *HostEntityChannel) DrainIncoming(out *[]action.Action) {
	*out = append(*out, c.incoming...)
	c.incoming = nil
}

// DrainOutgoing appends queued commands to out.
func (c *HostEntityChannel) DrainOutgoing(out *[]action.Action) {
	*out = append(*out, c.outgoing...)
	c.outgoing = nil
}

// LocalEnableDelegation forces the channel into the delegated state. Used
// when this side originates EnableDelegation so the channel is ready for
// the peer's MigrateResponse before the round trip completes.
func (c *HostEntityChannel) LocalEnableDelegation() {
	c.auth.forcePublish()
	c.auth.forceEnableDelegation()
}

// UpdateAuthStatus overwrites the authority status to match the globally
// tracked value after a migration.
func (c *HostEntityChannel) UpdateAuthStatus(s action.AuthStatus) {
	c.auth.ForceSetStatus(s)
}
