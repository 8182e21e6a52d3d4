package entity

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by map lookups for entities this connection does
// not track.
var ErrNotFound = errors.New("entity: not found in local entity map")

// RedirectTTL is how long a migration redirect stays effective. Lookups for
// the old identifier within this window resolve to the new one.
const RedirectTTL = 60 * time.Second

type redirect struct {
	to OwnedLocalID
	at time.Time
}

// Map is the bidirectional local-to-global entity mapping for one connection,
// plus the time-stamped redirect table installed by migrations. It is the
// single source of truth for identifier translation; channels reference
// entities only through the identifiers stored here.
type Map struct {
	globalToLocal  map[GlobalEntity]OwnedLocalID
	hostToGlobal   map[HostID]GlobalEntity
	remoteToGlobal map[RemoteID]GlobalEntity
	redirects      map[OwnedLocalID]redirect
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		globalToLocal:  make(map[GlobalEntity]OwnedLocalID),
		hostToGlobal:   make(map[HostID]GlobalEntity),
		remoteToGlobal: make(map[RemoteID]GlobalEntity),
		redirects:      make(map[OwnedLocalID]redirect),
	}
}

// InsertHost binds global to a host-owned identifier. Either handle already
// being bound is a caller bug.
func (m *Map) InsertHost(global GlobalEntity, host HostID) error {
	if _, ok := m.globalToLocal[global]; ok {
		return fmt.Errorf("entity: global %v already mapped", global)
	}
	if _, ok := m.hostToGlobal[host]; ok {
		return fmt.Errorf("entity: host id %d already mapped", host)
	}
	m.globalToLocal[global] = HostLocalID(host)
	m.hostToGlobal[host] = global
	return nil
}

// InsertRemote binds global to a remote-owned identifier.
func (m *Map) InsertRemote(global GlobalEntity, remote RemoteID) error {
	if _, ok := m.globalToLocal[global]; ok {
		return fmt.Errorf("entity: global %v already mapped", global)
	}
	if _, ok := m.remoteToGlobal[remote]; ok {
		return fmt.Errorf("entity: remote id %d already mapped", remote)
	}
	m.globalToLocal[global] = RemoteLocalID(remote)
	m.remoteToGlobal[remote] = global
	return nil
}

// Remove unbinds global and returns the local identifier it held.
func (m *Map) Remove(global GlobalEntity) (OwnedLocalID, bool) {
	local, ok := m.globalToLocal[global]
	if !ok {
		return OwnedLocalID{}, false
	}
	delete(m.globalToLocal, global)
	if local.IsHost() {
		delete(m.hostToGlobal, local.Host())
	} else {
		delete(m.remoteToGlobal, local.Remote())
	}
	return local, true
}

// Local returns the local identifier bound to global.
func (m *Map) Local(global GlobalEntity) (OwnedLocalID, error) {
	local, ok := m.globalToLocal[global]
	if !ok {
		return OwnedLocalID{}, ErrNotFound
	}
	return local, nil
}

// HostFor returns the host identifier bound to global, failing if the entity
// is absent or remote-owned.
func (m *Map) HostFor(global GlobalEntity) (HostID, error) {
	local, ok := m.globalToLocal[global]
	if !ok || !local.IsHost() {
		return 0, ErrNotFound
	}
	return local.Host(), nil
}

// RemoteFor returns the remote identifier bound to global, failing if the
// entity is absent or host-owned.
func (m *Map) RemoteFor(global GlobalEntity) (RemoteID, error) {
	local, ok := m.globalToLocal[global]
	if !ok || local.IsHost() {
		return 0, ErrNotFound
	}
	return local.Remote(), nil
}

// GlobalFromHost resolves a host identifier back to its global handle.
func (m *Map) GlobalFromHost(host HostID) (GlobalEntity, bool) {
	g, ok := m.hostToGlobal[host]
	return g, ok
}

// GlobalFromRemote resolves a remote identifier back to its global handle.
func (m *Map) GlobalFromRemote(remote RemoteID) (GlobalEntity, bool) {
	g, ok := m.remoteToGlobal[remote]
	return g, ok
}

// GlobalFromLocal resolves either flavor of local identifier.
func (m *Map) GlobalFromLocal(local OwnedLocalID) (GlobalEntity, bool) {
	if local.IsHost() {
		return m.GlobalFromHost(local.Host())
	}
	return m.GlobalFromRemote(local.Remote())
}

// ContainsGlobal reports whether global is tracked.
func (m *Map) ContainsGlobal(global GlobalEntity) bool {
	_, ok := m.globalToLocal[global]
	return ok
}

// ContainsHost reports whether a host identifier is bound.
func (m *Map) ContainsHost(host HostID) bool {
	_, ok := m.hostToGlobal[host]
	return ok
}

// ContainsRemote reports whether a remote identifier is bound.
func (m *Map) ContainsRemote(remote RemoteID) bool {
	_, ok := m.remoteToGlobal[remote]
	return ok
}

// RemoteEntities returns the globals currently remote-owned.
func (m *Map) RemoteEntities() []GlobalEntity {
	var out []GlobalEntity
	for g, local := range m.globalToLocal {
		if !local.IsHost() {
			out = append(out, g)
		}
	}
	return out
}

// InstallRedirect records that messages addressed to old now apply to new.
// The entry stays effective for RedirectTTL from now.
func (m *Map) InstallRedirect(old, new OwnedLocalID, now time.Time) {
	m.redirects[old] = redirect{to: new, at: now}
}

// ApplyRedirect resolves id through the redirect table. Identifiers without a
// live redirect pass through unchanged; redirects do not chain, so applying
// twice is a no-op.
func (m *Map) ApplyRedirect(id OwnedLocalID) OwnedLocalID {
	if r, ok := m.redirects[id]; ok {
		return r.to
	}
	return id
}

// CleanupRedirects drops entries older than RedirectTTL.
func (m *Map) CleanupRedirects(now time.Time) {
	for old, r := range m.redirects {
		if now.Sub(r.at) >= RedirectTTL {
			delete(m.redirects, old)
		}
	}
}

// RedirectCount reports the live redirect entries, for telemetry.
func (m *Map) RedirectCount() int {
	return len(m.redirects)
}
