package replication

import (
	"context"
	"fmt"
	"time"

	"farlands/replication/internal/action"
	"farlands/replication/internal/channel"
	"farlands/replication/internal/entity"
	"farlands/replication/logging"
)

// MigrateToRemote moves an entity this side hosts to the peer within a
// single tick: the host channel is dismantled, a delegated remote channel
// takes its place under a fresh remote identifier, a redirect covers
// in-flight references, and the peer learns the new identifier through a
// MigrateResponse. status is the post-migration authority status on this
// side, typically StatusAvailable when the peer takes authority or
// StatusGranted when this side keeps it.
func (c *Connection) MigrateToRemote(global GlobalEntity, status AuthStatus) (RemoteID, error) {
	if c.closed != nil {
		return 0, c.closed
	}
	hid, err := c.entities.HostFor(global)
	if err != nil {
		return 0, c.fatal(fmt.Errorf("%w: migrate-to-remote for %s", ErrWrongDirection, global))
	}
	hostCh, ok := c.host.RemoveChannel(hid)
	if !ok {
		return 0, c.fatal(fmt.Errorf("%w: no host channel for %s", ErrWrongDirection, global))
	}

	kinds := hostCh.ComponentKinds()
	pendingCmds := filterPostDelegationCommands(hostCh.ExtractOutgoingCommands())

	// Fresh remote identifier allocated locally; the peer adopts it from
	// the MigrateResponse.
	rid := c.allocRemoteID()
	remoteCh := channel.NewDelegatedRemoteEntityChannel(kinds)
	remoteCh.UpdateAuthStatus(action.AuthStatus(status))

	old := entity.HostLocalID(hid)
	new := entity.RemoteLocalID(rid)
	if err := c.swapMapping(global, new); err != nil {
		return 0, c.fatal(err)
	}
	c.installRedirect(old, new)

	if err := c.remote.InsertChannel(rid, remoteCh); err != nil {
		return 0, c.fatal(err)
	}
	c.tracker.SetStatus(global, action.AuthStatus(status))

	// The rename travels on the migrated channel, addressed to the new
	// identifier; the peer matches it by the old identifier in its payload.
	migrate := action.Action{
		Type:      action.MigrateResponse,
		OldEntity: old,
		NewEntity: new,
	}
	if err := c.remote.SendCommand(rid, migrate); err != nil {
		return 0, c.fatal(err)
	}
	for _, cmd := range pendingCmds {
		// Commands made stale by the new authority state are dropped, not
		// replayed.
		_ = c.remote.SendCommand(rid, cmd)
	}

	c.finishMigration(global, old, new, status)
	return rid, nil
}

// receiveMigrateResponse reacts to a delivered MigrateResponse: the peer
// renamed an entity this side observes remotely, and this side takes over
// hosting under the delivered identifier. Duplicates of an already applied
// rename drop silently.
func (c *Connection) receiveMigrateResponse(oldID, newID entity.OwnedLocalID) error {
	if !newID.IsHost() {
		return c.fatal(fmt.Errorf("%w: migrate response names %s:%d", ErrWrongDirection, newID.Side, newID.Value))
	}
	global, known := c.entities.GlobalFromLocal(oldID)
	if !known {
		c.counters.RecordStaleDropped()
		return nil
	}
	if oldID.IsHost() {
		// Redirect already resolved the rename: this is a replay.
		c.counters.RecordDuplicateDropped()
		return nil
	}
	hid := newID.Host()
	return c.migrateToHost(global, &hid)
}

// MigrateToHost moves a remote-owned entity onto this side's hosting
// direction with a locally allocated identifier. Exposed for runtimes that
// drive migration from an out-of-band signal rather than a MigrateResponse.
func (c *Connection) MigrateToHost(global GlobalEntity) (HostID, error) {
	if c.closed != nil {
		return 0, c.closed
	}
	if err := c.migrateToHost(global, nil); err != nil {
		return 0, err
	}
	hid, err := c.entities.HostFor(global)
	if err != nil {
		return 0, c.fatal(fmt.Errorf("%w: mapping lost mid-migration for %s", ErrWrongDirection, global))
	}
	return hid, nil
}

// migrateToHost is the remote-to-host direction of the coordinator.
// delivered carries the peer-chosen identifier, nil means allocate fresh.
func (c *Connection) migrateToHost(global GlobalEntity, delivered *entity.HostID) error {
	rid, err := c.entities.RemoteFor(global)
	if err != nil {
		return c.fatal(fmt.Errorf("%w: migrate-to-host for %s", ErrWrongDirection, global))
	}
	remoteCh, ok := c.remote.RemoveChannel(rid)
	if !ok {
		return c.fatal(fmt.Errorf("%w: no remote channel for %s", ErrWrongDirection, global))
	}

	// Zero loss: resolve every buffered operation before the channel dies,
	// then surface what it produced under the old identity.
	remoteCh.ForceDrainAllBuffers()
	var flushed []action.Action
	remoteCh.DrainIncoming(&flushed)
	for _, fa := range flushed {
		switch fa.Type {
		case action.InsertComponent:
			c.events = append(c.events, Event{Type: EventInsertComponent, Entity: global, Kind: fa.Kind})
		case action.RemoveComponent:
			c.events = append(c.events, Event{Type: EventRemoveComponent, Entity: global, Kind: fa.Kind})
		}
	}

	kinds := remoteCh.InsertedComponentKinds()
	var pendingCmds []action.Action
	remoteCh.DrainOutgoing(&pendingCmds)
	pendingCmds = filterPostDelegationCommands(pendingCmds)

	var hid entity.HostID
	if delivered != nil {
		hid = *delivered
	} else {
		hid = c.hostAlloc.Next(c.entities)
	}

	// Sync authority: the new channel adopts the globally tracked status.
	status, ok := c.tracker.Status(global)
	if !ok || status == action.StatusNone {
		status = action.StatusAvailable
	}

	hostCh := channel.NewHostEntityChannelWithComponents(kinds)
	hostCh.UpdateAuthStatus(status)

	old := entity.RemoteLocalID(rid)
	new := entity.HostLocalID(hid)
	if err := c.swapMapping(global, new); err != nil {
		return c.fatal(err)
	}
	c.installRedirect(old, new)

	if err := c.host.InsertChannel(hid, hostCh); err != nil {
		return c.fatal(err)
	}
	c.tracker.SetStatus(global, status)

	// Replay the retained commands into the new channel.
	for _, cmd := range pendingCmds {
		_ = c.host.SendCommand(hid, cmd)
	}

	c.events = append(c.events, Event{Type: EventMigrateResponse, Entity: global, NewLocal: new})
	if status == action.StatusGranted {
		c.events = append(c.events, Event{Type: EventAuthGrant, Entity: global, Status: StatusGranted})
	}
	c.finishMigration(global, old, new, status)
	return nil
}

// swapMapping atomically rebinds global to its post-migration identifier.
func (c *Connection) swapMapping(global GlobalEntity, new entity.OwnedLocalID) error {
	c.entities.Remove(global)
	if new.IsHost() {
		return c.entities.InsertHost(global, new.Host())
	}
	return c.entities.InsertRemote(global, new.Remote())
}

// installRedirect covers in-flight references to the old identifier and
// rewrites everything still waiting to go out.
func (c *Connection) installRedirect(old, new entity.OwnedLocalID) {
	c.entities.InstallRedirect(old, new, time.Now())
	rewritten := c.record.RewriteEntityRefs(old, new)
	c.rewritePending(old, new)
	c.counters.RecordRedirectRewrites(rewritten)
}

func (c *Connection) finishMigration(global GlobalEntity, old, new entity.OwnedLocalID, status AuthStatus) {
	c.counters.RecordMigration()
	c.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventMigrationCompleted,
		Severity: logging.SeverityInfo,
		Entity:   logging.EntityRef{Global: global.String()},
		Payload: map[string]any{
			"from":   fmt.Sprintf("%s:%d", old.Side, old.Value),
			"to":     fmt.Sprintf("%s:%d", new.Side, new.Value),
			"status": status.String(),
		},
	})
}

// allocRemoteID hands out a remote identifier not currently bound, used
// when this side originates a migration and must name the peer's new
// channel.
func (c *Connection) allocRemoteID() entity.RemoteID {
	rid := entity.RemoteID(1)
	for c.entities.ContainsRemote(rid) || c.remote.Has(rid) {
		rid++
	}
	return rid
}

// filterPostDelegationCommands drops commands made illegal by the
// post-migration authority state.
func filterPostDelegationCommands(cmds []action.Action) []action.Action {
	kept := cmds[:0]
	for _, cmd := range cmds {
		switch cmd.Type {
		case action.Publish, action.Unpublish, action.EnableDelegation, action.DisableDelegation:
			continue
		default:
			kept = append(kept, cmd)
		}
	}
	return kept
}
