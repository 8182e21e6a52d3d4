// Package action defines the unified entity action stream: every
// entity-affecting operation in a connection travels as one of these variants
// on a single totally-ordered reliable stream per direction. Keeping spawns,
// component toggles, and authority negotiation on one stream removes
// cross-channel races between them.
package action

import (
	"fmt"

	"farlands/replication/internal/entity"
)

// Type discriminates the action variants. It is encoded as a fixed-width
// 4-bit tag on the wire.
type Type uint8

const (
	// Spawn introduces an entity on the receiving side.
	Spawn Type = iota
	// Despawn retires an entity on the receiving side.
	Despawn
	// InsertComponent adds a component kind to an entity.
	InsertComponent
	// RemoveComponent removes a component kind from an entity.
	RemoveComponent
	// Publish makes a host-owned entity visible for delegation.
	Publish
	// Unpublish retracts a publication.
	Unpublish
	// EnableDelegation opens a published entity to authority hand-offs.
	EnableDelegation
	// EnableDelegationResponse acknowledges delegation from the remote side.
	EnableDelegationResponse
	// DisableDelegation closes a delegated entity to hand-offs.
	DisableDelegation
	// RequestAuthority asks the owner for authority over a delegated entity.
	RequestAuthority
	// ReleaseAuthority gives authority back to the owner.
	ReleaseAuthority
	// UpdateAuthority informs the peer of the current authority status.
	UpdateAuthority
	// MigrateResponse carries the replacement identifier after a migration.
	MigrateResponse
	// Noop is padding; dropped on receipt.
	Noop

	// TypeCount is the number of wire variants; must fit the 4-bit tag.
	TypeCount = iota
)

var typeNames = [...]string{
	"Spawn", "Despawn", "InsertComponent", "RemoveComponent",
	"Publish", "Unpublish", "EnableDelegation", "EnableDelegationResponse",
	"DisableDelegation", "RequestAuthority", "ReleaseAuthority",
	"UpdateAuthority", "MigrateResponse", "Noop",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// AuthStatus is the orthogonal authority status tracked per entity alongside
// the publication state.
type AuthStatus uint8

const (
	// StatusNone means the entity is not delegated.
	StatusNone AuthStatus = iota
	// StatusAvailable means authority is free to be requested.
	StatusAvailable
	// StatusRequested means this side has asked and awaits the verdict.
	StatusRequested
	// StatusGranted means this side holds authority.
	StatusGranted
	// StatusDenied means the last request was rejected.
	StatusDenied
	// StatusReleasing means a release is in flight awaiting the owner's ack.
	StatusReleasing
)

var statusNames = [...]string{"None", "Available", "Requested", "Granted", "Denied", "Releasing"}

func (s AuthStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("AuthStatus(%d)", uint8(s))
}

// Action is one element of the stream. Entity is the addressed local
// identifier; the remaining fields are payload, meaningful per Type.
type Action struct {
	Type   Type
	Entity entity.OwnedLocalID

	// Kind is set for InsertComponent and RemoveComponent.
	Kind entity.ComponentKind
	// Status is set for UpdateAuthority.
	Status AuthStatus
	// Target is set for RequestAuthority: the requesting side's local id.
	Target uint16
	// OldEntity and NewEntity are set for MigrateResponse.
	OldEntity entity.OwnedLocalID
	NewEntity entity.OwnedLocalID
}

// HasEntity reports whether the variant addresses an entity. Only Noop
// does not.
func (a Action) HasEntity() bool {
	return a.Type != Noop
}

// WithEntity returns a copy addressed to id.
func (a Action) WithEntity(id entity.OwnedLocalID) Action {
	a.Entity = id
	return a
}

// IsComponentOp reports whether the action toggles a component.
func (a Action) IsComponentOp() bool {
	return a.Type == InsertComponent || a.Type == RemoveComponent
}

// IsAuthOp reports whether the action belongs to the authority protocol.
func (a Action) IsAuthOp() bool {
	switch a.Type {
	case Publish, Unpublish, EnableDelegation, EnableDelegationResponse,
		DisableDelegation, RequestAuthority, ReleaseAuthority, UpdateAuthority,
		MigrateResponse:
		return true
	}
	return false
}

func (a Action) String() string {
	switch a.Type {
	case InsertComponent, RemoveComponent:
		return fmt.Sprintf("%s(%s:%d, kind=%d)", a.Type, a.Entity.Side, a.Entity.Value, a.Kind)
	case UpdateAuthority:
		return fmt.Sprintf("%s(%s:%d, %s)", a.Type, a.Entity.Side, a.Entity.Value, a.Status)
	case MigrateResponse:
		return fmt.Sprintf("%s(%s:%d, %s:%d -> %s:%d)", a.Type, a.Entity.Side, a.Entity.Value,
			a.OldEntity.Side, a.OldEntity.Value, a.NewEntity.Side, a.NewEntity.Value)
	case Noop:
		return "Noop"
	default:
		return fmt.Sprintf("%s(%s:%d)", a.Type, a.Entity.Side, a.Entity.Value)
	}
}
