// Package entity defines the identifier types shared by both directions of a
// connection and the per-connection map translating between them. A
// GlobalEntity is connection-agnostic; HostID and RemoteID are 16-bit handles
// scoped to one connection, host on whichever side currently owns the entity
// and remote on the other.
package entity

import "github.com/google/uuid"

// GlobalEntity is an opaque connection-independent entity handle.
type GlobalEntity uuid.UUID

// NewGlobalEntity returns a fresh random handle.
func NewGlobalEntity() GlobalEntity {
	return GlobalEntity(uuid.New())
}

// String renders the handle for logs.
func (g GlobalEntity) String() string {
	return uuid.UUID(g).String()
}

// HostID is a per-connection handle for a host-owned entity.
type HostID uint16

// RemoteID is a per-connection handle for a remote-owned entity.
type RemoteID uint16

// ComponentKind discriminates a component type.
type ComponentKind uint16

// Side tags which direction owns a local identifier.
type Side uint8

const (
	// SideHost marks identifiers owned by the sending direction.
	SideHost Side = iota
	// SideRemote marks identifiers owned by the receiving direction.
	SideRemote
)

func (s Side) String() string {
	if s == SideHost {
		return "host"
	}
	return "remote"
}

// OwnedLocalID is the tagged local identifier used on the wire within a
// connection: a 16-bit value plus the side that owns it.
type OwnedLocalID struct {
	Side  Side
	Value uint16
}

// HostLocalID wraps a HostID for the wire.
func HostLocalID(id HostID) OwnedLocalID {
	return OwnedLocalID{Side: SideHost, Value: uint16(id)}
}

// RemoteLocalID wraps a RemoteID for the wire.
func RemoteLocalID(id RemoteID) OwnedLocalID {
	return OwnedLocalID{Side: SideRemote, Value: uint16(id)}
}

// IsHost reports whether the identifier is host-owned.
func (o OwnedLocalID) IsHost() bool {
	return o.Side == SideHost
}

// Host returns the identifier as a HostID. Only meaningful when IsHost.
func (o OwnedLocalID) Host() HostID {
	return HostID(o.Value)
}

// Remote returns the identifier as a RemoteID. Only meaningful when !IsHost.
func (o OwnedLocalID) Remote() RemoteID {
	return RemoteID(o.Value)
}

// Flip returns the identifier as seen from the peer's perspective: the peer's
// host is our remote and vice versa.
func (o OwnedLocalID) Flip() OwnedLocalID {
	if o.Side == SideHost {
		return OwnedLocalID{Side: SideRemote, Value: o.Value}
	}
	return OwnedLocalID{Side: SideHost, Value: o.Value}
}
