// Package channel implements the per-entity, per-component, and authority
// state machines owned by the sync engines. Each channel tolerates arbitrary
// out-of-order and duplicated arrivals by buffering what it cannot apply yet
// and draining the buffer whenever its state advances.
package channel

import (
	"errors"
	"fmt"

	"farlands/replication/internal/action"
	"farlands/replication/internal/seq"
)

// AuthState is the publication state of an entity's authority channel.
type AuthState uint8

const (
	// Unpublished is the initial state: the entity is not visible for
	// delegation.
	Unpublished AuthState = iota
	// Published means the entity is visible but authority cannot move.
	Published
	// Delegated means authority may be requested, granted, and released.
	Delegated
)

var authStateNames = [...]string{"Unpublished", "Published", "Delegated"}

func (s AuthState) String() string {
	if int(s) < len(authStateNames) {
		return authStateNames[s]
	}
	return fmt.Sprintf("AuthState(%d)", uint8(s))
}

// ErrInvalidAuthCommand is returned when a command is illegal in the
// channel's current state. The caller surfaces it to the application; it
// never tears down the connection.
var ErrInvalidAuthCommand = errors.New("channel: command invalid for authority state")

// AuthChannel tracks publication and authority status for one entity. It is
// independent of engine direction: the host side advances it when commands
// are enqueued, the remote side when deliveries arrive. Inbound messages the
// state cannot accept yet are buffered and retried in index order.
type AuthChannel struct {
	state  AuthState
	status action.AuthStatus

	buffered *seq.Buffer[action.Action]
	outgoing []action.Action
}

// NewAuthChannel returns a channel in the initial Unpublished state.
func NewAuthChannel() *AuthChannel {
	return &AuthChannel{buffered: seq.NewBuffer[action.Action]()}
}

// NewDelegatedAuthChannel returns a channel bootstrapped for an entity
// obtained via migration, as if Publish and EnableDelegation had already
// been applied.
func NewDelegatedAuthChannel() *AuthChannel {
	ch := NewAuthChannel()
	ch.forcePublish()
	ch.forceEnableDelegation()
	return ch
}

// State returns the publication state.
func (c *AuthChannel) State() AuthState { return c.state }

// Status returns the authority status.
func (c *AuthChannel) Status() action.AuthStatus { return c.status }

// Reset wipes the channel so a respawned entity starts clean.
func (c *AuthChannel) Reset() {
	c.state = Unpublished
	c.status = action.StatusNone
	c.buffered.Clear()
	c.outgoing = nil
}

// ValidateCommand reports whether a locally issued command is legal in the
// current state. Illegal commands are rejected at enqueue time rather than
// dropped later.
func (c *AuthChannel) ValidateCommand(a action.Action) error {
	switch a.Type {
	case action.Publish:
		if c.state != Unpublished {
			return fmt.Errorf("%w: Publish in %s", ErrInvalidAuthCommand, c.state)
		}
	case action.Unpublish:
		if c.state != Published {
			return fmt.Errorf("%w: Unpublish in %s", ErrInvalidAuthCommand, c.state)
		}
	case action.EnableDelegation:
		if c.state != Published {
			return fmt.Errorf("%w: EnableDelegation in %s", ErrInvalidAuthCommand, c.state)
		}
	case action.DisableDelegation:
		if c.state != Delegated || c.status != action.StatusAvailable {
			return fmt.Errorf("%w: DisableDelegation in %s/%s", ErrInvalidAuthCommand, c.state, c.status)
		}
	case action.RequestAuthority:
		if c.state != Delegated {
			return fmt.Errorf("%w: RequestAuthority in %s", ErrInvalidAuthCommand, c.state)
		}
		if c.status != action.StatusAvailable && c.status != action.StatusDenied {
			return fmt.Errorf("%w: RequestAuthority with status %s", ErrInvalidAuthCommand, c.status)
		}
	case action.ReleaseAuthority:
		if c.state != Delegated || c.status != action.StatusGranted {
			return fmt.Errorf("%w: ReleaseAuthority in %s/%s", ErrInvalidAuthCommand, c.state, c.status)
		}
	case action.UpdateAuthority, action.MigrateResponse, action.EnableDelegationResponse:
		if c.state != Delegated {
			return fmt.Errorf("%w: %s in %s", ErrInvalidAuthCommand, a.Type, c.state)
		}
	case action.InsertComponent, action.RemoveComponent, action.Despawn:
		// Legal at the authority level in every state; gated elsewhere.
	default:
		return fmt.Errorf("%w: %s is not an authority command", ErrInvalidAuthCommand, a.Type)
	}
	return nil
}

// ApplyCommand advances the state machine for a locally issued command. The
// command must already have passed ValidateCommand.
func (c *AuthChannel) ApplyCommand(a action.Action) {
	switch a.Type {
	case action.Publish:
		c.state = Published
	case action.Unpublish:
		c.state = Unpublished
	case action.EnableDelegation:
		c.state = Delegated
		c.status = action.StatusAvailable
	case action.DisableDelegation:
		c.state = Unpublished
		c.status = action.StatusNone
	case action.RequestAuthority:
		c.status = action.StatusRequested
	case action.ReleaseAuthority:
		c.status = action.StatusReleasing
	case action.UpdateAuthority:
		c.status = a.Status
	}
}

// Receive buffers an inbound authority message and processes whatever the
// current state admits. spawned gates processing: nothing applies while the
// owning entity channel is despawned.
func (c *AuthChannel) Receive(spawned bool, idx seq.Index, a action.Action) {
	c.buffered.Push(idx, a)
	c.Process(spawned)
}

// Process drains the head of the buffer while the next message is legal.
// Messages that can never become legal from the current state are discarded;
// messages waiting on a predecessor stay put.
func (c *AuthChannel) Process(spawned bool) {
	if !spawned {
		return
	}
	for {
		head, ok := c.buffered.PeekFront()
		if !ok {
			return
		}
		applied, discard := c.receiveOne(head.Item)
		if !applied && !discard {
			return
		}
		c.buffered.PopFront()
		if applied {
			c.outgoing = append(c.outgoing, head.Item)
		}
	}
}

// receiveOne attempts one inbound message against the state machine.
// Returns applied when the message advanced the machine, discard when the
// message is a reorder artifact that should be dropped.
func (c *AuthChannel) receiveOne(a action.Action) (applied, discard bool) {
	switch a.Type {
	case action.Publish:
		if c.state != Unpublished {
			return false, false
		}
		c.state = Published
		return true, false
	case action.Unpublish:
		if c.state != Published {
			return false, false
		}
		c.state = Unpublished
		return true, false
	case action.EnableDelegation:
		if c.state != Published {
			return false, false
		}
		c.state = Delegated
		c.status = action.StatusAvailable
		return true, false
	case action.DisableDelegation:
		if c.state != Delegated {
			return false, false
		}
		if c.status != action.StatusAvailable {
			return false, false
		}
		c.state = Unpublished
		c.status = action.StatusNone
		return true, false
	case action.UpdateAuthority:
		if c.state != Delegated {
			return false, false
		}
		if !legalStatusUpdate(c.status, a.Status) {
			// Duplicate or stale status from a retransmission.
			return false, true
		}
		c.status = a.Status
		return true, false
	case action.ReleaseAuthority:
		// A peer may release right after delegation was enabled; legal
		// whenever the channel is delegated.
		if c.state != Delegated {
			return false, false
		}
		c.status = action.StatusAvailable
		return true, false
	default:
		// Not an inbound authority message; drop rather than wedge the
		// buffer head.
		return false, true
	}
}

func legalStatusUpdate(cur, next action.AuthStatus) bool {
	if cur == next {
		return false
	}
	switch cur {
	case action.StatusRequested:
		return next == action.StatusGranted || next == action.StatusDenied
	case action.StatusReleasing:
		return next == action.StatusAvailable
	case action.StatusDenied:
		return next == action.StatusAvailable
	case action.StatusGranted:
		return next == action.StatusAvailable
	case action.StatusAvailable:
		return next == action.StatusGranted
	}
	return false
}

// DiscardBufferedThrough drops buffered messages with index at or before
// idx, used when a spawn resets the stream's epoch.
func (c *AuthChannel) DiscardBufferedThrough(idx seq.Index) {
	c.buffered.DiscardThrough(idx)
}

// Drain appends the applied messages to out and clears the channel's
// outgoing list.
func (c *AuthChannel) Drain(out *[]action.Action) {
	*out = append(*out, c.outgoing...)
	c.outgoing = nil
}

// forcePublish jumps the machine to Published. Migration bootstrap only;
// unreachable through the connection API.
func (c *AuthChannel) forcePublish() {
	c.state = Published
}

// forceEnableDelegation jumps the machine to Delegated/Available.
func (c *AuthChannel) forceEnableDelegation() {
	c.state = Delegated
	c.status = action.StatusAvailable
}

// ForceSetStatus overwrites the authority status so a migrated channel
// matches the globally tracked status.
func (c *AuthChannel) ForceSetStatus(s action.AuthStatus) {
	c.status = s
}
