// Package replication implements the per-connection entity replication
// core: a deterministic, causally ordered view of a shared entity/component
// world delivered over an unreliable transport. Each connection owns two
// mirrored engines, one per direction of entity traffic, plus the entity
// map, redirect table, authority tracker, and sent-command record that tie
// them together.
package replication

import (
	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// Identifier aliases so embedders never import internal packages.
type (
	// GlobalEntity is an opaque connection-independent entity handle.
	GlobalEntity = entity.GlobalEntity
	// HostID is a per-connection handle for a host-owned entity.
	HostID = entity.HostID
	// RemoteID is a per-connection handle for a remote-owned entity.
	RemoteID = entity.RemoteID
	// ComponentKind discriminates a component type.
	ComponentKind = entity.ComponentKind
	// OwnedLocalID is the tagged local identifier used on the wire.
	OwnedLocalID = entity.OwnedLocalID
	// AuthStatus is the per-entity authority status.
	AuthStatus = action.AuthStatus
	// Seq is the 16-bit wrapping message index.
	Seq = seq.Index
)

// NewGlobalEntity returns a fresh random handle.
func NewGlobalEntity() GlobalEntity {
	return entity.NewGlobalEntity()
}

// Authority statuses.
const (
	StatusNone      = action.StatusNone
	StatusAvailable = action.StatusAvailable
	StatusRequested = action.StatusRequested
	StatusGranted   = action.StatusGranted
	StatusDenied    = action.StatusDenied
	StatusReleasing = action.StatusReleasing
)

// Window constants shared with the peer. Change them symmetrically on both
// ends or half-range comparisons become ambiguous.
const (
	MaxInFlight    = seq.MaxInFlight
	FlushThreshold = seq.FlushThreshold
)
