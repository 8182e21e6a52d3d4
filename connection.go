package replication

import (
	"context"
	"fmt"
	"time"

	"farlands/replication/internal/action"
	"farlands/replication/internal/engine"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
	"farlands/replication/internal/telemetry"
	"farlands/replication/internal/wire"
	"farlands/replication/logging"
)

// Role identifies which end of the connection this side is. The replication
// subsystems are mirrored; the role is recorded and reported by Role() and
// does not change the core's behavior.
type Role uint8

const (
	// RoleServer is the authoritative end.
	RoleServer Role = iota
	// RoleClient is the consuming end.
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// outgoingCommand is one command staged for packetization. Commands keep
// their id across retransmissions so the receiver can dedupe.
type outgoingCommand struct {
	id    seq.Index
	hasID bool
	act   action.Action
}

// Connection is the per-connection replication core. All methods must be
// called from the connection's owning goroutine; the core is single-threaded
// cooperative per connection and holds no locks.
type Connection struct {
	role     Role
	cfg      Config
	pub      logging.Publisher
	counters telemetry.Counters

	entities  *entity.Map
	hostAlloc entity.HostIDAllocator
	host      *engine.Host
	remote    *engine.Remote
	receiver  *engine.ReliableReceiver
	record    *engine.Record
	tracker   *AuthorityTracker

	nextCommandID   seq.Index
	nextPacketIndex seq.Index
	pending         []outgoingCommand
	events          []Event
	rtt             time.Duration
	closed          error
}

// defaultRTT seeds the retransmission timeout until the transport reports a
// measurement.
const defaultRTT = 200 * time.Millisecond

// NewConnection returns a core for one transport connection. A nil
// publisher drops log events.
func NewConnection(role Role, cfg Config, pub logging.Publisher) *Connection {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Connection{
		role:     role,
		cfg:      cfg.normalize(),
		pub:      pub,
		entities: entity.NewMap(),
		host:     engine.NewHost(),
		remote:   engine.NewRemote(),
		receiver: engine.NewReliableReceiver(0),
		record:   engine.NewRecord(),
		tracker:  NewAuthorityTracker(),
		rtt:      defaultRTT,
	}
}

// SetRoundTripTime feeds the transport's RTT measurement into the
// retransmission timeout.
func (c *Connection) SetRoundTripTime(rtt time.Duration) {
	if rtt > 0 {
		c.rtt = rtt
	}
}

// Role returns which end this side is.
func (c *Connection) Role() Role { return c.role }

// Closed returns the terminal error, nil while the connection is live.
func (c *Connection) Closed() error { return c.closed }

// Telemetry returns a snapshot of the connection's counters.
func (c *Connection) Telemetry() telemetry.Snapshot { return c.counters.Snapshot() }

// AuthorityStatus returns the globally tracked authority status for global.
func (c *Connection) AuthorityStatus(global GlobalEntity) (AuthStatus, bool) {
	return c.tracker.Status(global)
}

// Events drains the application-facing observations accumulated since the
// last call.
func (c *Connection) Events() []Event {
	out := c.events
	c.events = nil
	return out
}

// readRedirect converts a raw wire identifier into this side's frame and
// resolves it through the redirect table, per the mandatory read hook.
func (c *Connection) readRedirect(raw entity.OwnedLocalID) entity.OwnedLocalID {
	return c.entities.ApplyRedirect(raw.Flip())
}

// writeRedirect resolves an identifier through the redirect table
// immediately before serialization, per the mandatory write hook.
func (c *Connection) writeRedirect(id entity.OwnedLocalID) entity.OwnedLocalID {
	return c.entities.ApplyRedirect(id)
}

// fatal transitions the connection to its terminal state. The application
// observes a single EventConnectionClosed; every later call fails with the
// wrapped cause.
func (c *Connection) fatal(cause error) error {
	if c.closed != nil {
		return c.closed
	}
	closed := &ClosedError{Cause: cause}
	c.closed = closed
	c.counters.RecordFatalError()
	c.events = append(c.events, Event{Type: EventConnectionClosed, Err: closed})
	c.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventConnectionFatal,
		Time:     time.Now(),
		Severity: logging.SeverityError,
		Payload:  cause.Error(),
	})
	return closed
}

// ReceivePacket ingests one transport frame. Codec failures and window
// violations are fatal; duplicates and stale indexes drop silently.
func (c *Connection) ReceivePacket(payload []byte) error {
	if c.closed != nil {
		return c.closed
	}
	pkt, err := wire.DecodePacket(payload, c.readRedirect)
	if err != nil {
		return c.fatal(fmt.Errorf("decode packet: %w", err))
	}
	c.counters.RecordPacketReceived()

	for _, ia := range pkt.Actions {
		if err := c.receiver.Buffer(ia.Index, ia.Action); err != nil {
			return c.fatal(err)
		}
	}
	return c.pumpDelivered()
}

// pumpDelivered routes everything the receiver has ordered into the
// per-direction engines and translates engine output into events.
func (c *Connection) pumpDelivered() error {
	delivered := c.receiver.Receive()
	c.counters.RecordActionsDelivered(len(delivered))

	for _, rec := range delivered {
		a := rec.Action
		if a.Type == action.Noop {
			continue
		}
		if a.Type == action.MigrateResponse {
			// The rename is keyed by its explicit old identifier so it
			// still lands after the addressed field has been redirected.
			oldID := c.entities.ApplyRedirect(a.OldEntity.Flip())
			newID := a.NewEntity.Flip()
			if err := c.receiveMigrateResponse(oldID, newID); err != nil {
				return err
			}
			continue
		}
		if a.Entity.IsHost() {
			if err := c.host.Receive(rec.Index, a.Entity.Host(), a); err != nil {
				return c.fatal(err)
			}
			if err := c.collectHostEvents(); err != nil {
				return err
			}
		} else {
			if err := c.remote.Receive(rec.Index, a.Entity.Remote(), a); err != nil {
				return c.fatal(err)
			}
			if err := c.collectRemoteEvents(); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectRemoteEvents translates remote-engine deliveries into events and
// keeps the authority tracker in step.
func (c *Connection) collectRemoteEvents() error {
	for _, a := range c.remote.DrainIncoming() {
		rid := a.Entity.Remote()

		global, known := c.entities.GlobalFromRemote(rid)
		if a.Type == action.Spawn && !known {
			global = entity.NewGlobalEntity()
			if err := c.entities.InsertRemote(global, rid); err != nil {
				return c.fatal(err)
			}
			c.tracker.Register(global)
			known = true
		}
		if !known {
			// Late traffic for an entity whose mapping is already gone.
			c.counters.RecordStaleDropped()
			continue
		}

		switch a.Type {
		case action.Spawn:
			c.events = append(c.events, Event{Type: EventSpawn, Entity: global})
		case action.Despawn:
			c.events = append(c.events, Event{Type: EventDespawn, Entity: global})
			c.entities.Remove(global)
			c.tracker.Deregister(global)
		case action.InsertComponent:
			c.events = append(c.events, Event{Type: EventInsertComponent, Entity: global, Kind: a.Kind})
		case action.RemoveComponent:
			c.events = append(c.events, Event{Type: EventRemoveComponent, Entity: global, Kind: a.Kind})
		case action.EnableDelegation:
			c.tracker.SetStatus(global, action.StatusAvailable)
			// The receiving side acknowledges delegation immediately.
			if err := c.remote.SendCommand(rid, action.Action{Type: action.EnableDelegationResponse}); err != nil {
				c.pub.Publish(context.Background(), logging.Event{
					Type:     logging.EventAuthorityRejected,
					Severity: logging.SeverityWarn,
					Payload:  err.Error(),
				})
			}
		case action.DisableDelegation:
			c.tracker.SetStatus(global, action.StatusNone)
		case action.ReleaseAuthority:
			c.tracker.SetStatus(global, action.StatusAvailable)
			c.events = append(c.events, Event{Type: EventAuthRelease, Entity: global, Status: StatusAvailable})
		case action.UpdateAuthority:
			c.tracker.SetStatus(global, a.Status)
			if err := c.checkRemoteAuthSync(global, rid); err != nil {
				return err
			}
			switch a.Status {
			case action.StatusGranted:
				c.events = append(c.events, Event{Type: EventAuthGrant, Entity: global, Status: a.Status})
			case action.StatusDenied:
				c.events = append(c.events, Event{Type: EventAuthDeny, Entity: global, Status: a.Status})
			case action.StatusAvailable:
				c.events = append(c.events, Event{Type: EventAuthRelease, Entity: global, Status: a.Status})
			}
		case action.Publish, action.Unpublish:
			// Visible only to the channel FSM; nothing to surface.
		}
	}
	return nil
}

// collectHostEvents translates host-engine deliveries (authority responses)
// into events.
func (c *Connection) collectHostEvents() error {
	for _, a := range c.host.DrainIncoming() {
		hid := a.Entity.Host()
		global, known := c.entities.GlobalFromHost(hid)
		if !known {
			c.counters.RecordStaleDropped()
			continue
		}

		switch a.Type {
		case action.InsertComponent:
			c.events = append(c.events, Event{Type: EventInsertComponent, Entity: global, Kind: a.Kind})
		case action.RemoveComponent:
			c.events = append(c.events, Event{Type: EventRemoveComponent, Entity: global, Kind: a.Kind})
		case action.Despawn:
			c.events = append(c.events, Event{Type: EventDespawn, Entity: global})
			c.host.RemoveChannel(hid)
			c.entities.Remove(global)
			c.tracker.Deregister(global)
		case action.RequestAuthority:
			c.tracker.SetStatus(global, action.StatusRequested)
			c.events = append(c.events, Event{Type: EventAuthRequest, Entity: global, Status: StatusRequested})
		case action.ReleaseAuthority:
			c.tracker.SetStatus(global, action.StatusAvailable)
			c.events = append(c.events, Event{Type: EventAuthRelease, Entity: global, Status: StatusAvailable})
			// Mechanical ack: the releasing side waits for Available.
			if err := c.SetAuthority(global, StatusAvailable); err != nil {
				c.pub.Publish(context.Background(), logging.Event{
					Type:     logging.EventAuthorityRejected,
					Severity: logging.SeverityWarn,
					Payload:  err.Error(),
				})
			}
		case action.EnableDelegationResponse:
			// Delegation handshake complete; tracker already Available.
		}
	}
	return nil
}

// checkRemoteAuthSync enforces the invariant that the channel's status and
// the tracker agree after a transition.
func (c *Connection) checkRemoteAuthSync(global GlobalEntity, rid entity.RemoteID) error {
	ch, ok := c.remote.Channel(rid)
	if !ok {
		return nil
	}
	tracked, _ := c.tracker.Status(global)
	if ch.AuthStatus() != tracked {
		return c.fatal(fmt.Errorf("%w: channel %s, tracker %s", ErrAuthorityDesync, ch.AuthStatus(), tracked))
	}
	return nil
}

// Reserve allocates a host identifier for a new entity without sending
// anything, so the entity can be referenced before it replicates.
func (c *Connection) Reserve() GlobalEntity {
	global := entity.NewGlobalEntity()
	hid := c.hostAlloc.Next(c.entities)
	c.entities.InsertHost(global, hid)
	c.tracker.Register(global)
	return global
}

// SpawnEntity starts replicating an entity owned by this side. Unmapped
// handles are bound to a fresh host identifier.
func (c *Connection) SpawnEntity(global GlobalEntity) error {
	if c.closed != nil {
		return c.closed
	}
	hid, err := c.entities.HostFor(global)
	if err != nil {
		if c.entities.ContainsGlobal(global) {
			return fmt.Errorf("%w: %s is remote-owned", ErrWrongDirection, global)
		}
		hid = c.hostAlloc.Next(c.entities)
		if err := c.entities.InsertHost(global, hid); err != nil {
			return err
		}
		c.tracker.Register(global)
	}
	return c.host.SendCommand(hid, action.Action{Type: action.Spawn})
}

// DespawnEntity stops replicating an entity, routed to whichever direction
// owns it.
func (c *Connection) DespawnEntity(global GlobalEntity) error {
	if c.closed != nil {
		return c.closed
	}
	local, err := c.entities.Local(global)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, global)
	}
	if local.IsHost() {
		if err := c.host.SendCommand(local.Host(), action.Action{Type: action.Despawn}); err != nil {
			return err
		}
		c.entities.Remove(global)
		c.tracker.Deregister(global)
		return nil
	}
	return c.remote.SendCommand(local.Remote(), action.Action{Type: action.Despawn})
}

// InsertComponent adds a component kind to an entity.
func (c *Connection) InsertComponent(global GlobalEntity, kind ComponentKind) error {
	return c.sendEntityCommand(global, action.Action{Type: action.InsertComponent, Kind: kind})
}

// RemoveComponent removes a component kind from an entity.
func (c *Connection) RemoveComponent(global GlobalEntity, kind ComponentKind) error {
	return c.sendEntityCommand(global, action.Action{Type: action.RemoveComponent, Kind: kind})
}

func (c *Connection) sendEntityCommand(global GlobalEntity, a action.Action) error {
	if c.closed != nil {
		return c.closed
	}
	local, err := c.entities.Local(global)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, global)
	}
	if local.IsHost() {
		return c.host.SendCommand(local.Host(), a)
	}
	return c.remote.SendCommand(local.Remote(), a)
}

// Publish makes a host-owned entity visible for delegation.
func (c *Connection) Publish(global GlobalEntity) error {
	return c.sendHostAuthCommand(global, action.Action{Type: action.Publish})
}

// Unpublish retracts a publication.
func (c *Connection) Unpublish(global GlobalEntity) error {
	return c.sendHostAuthCommand(global, action.Action{Type: action.Unpublish})
}

// EnableDelegation opens a published host-owned entity to authority
// hand-offs.
func (c *Connection) EnableDelegation(global GlobalEntity) error {
	if err := c.sendHostAuthCommand(global, action.Action{Type: action.EnableDelegation}); err != nil {
		return err
	}
	c.tracker.SetStatus(global, action.StatusAvailable)
	return nil
}

// DisableDelegation closes a delegated entity to hand-offs. Legal only
// while authority is available.
func (c *Connection) DisableDelegation(global GlobalEntity) error {
	if err := c.sendHostAuthCommand(global, action.Action{Type: action.DisableDelegation}); err != nil {
		return err
	}
	c.tracker.SetStatus(global, action.StatusNone)
	return nil
}

// SetAuthority records the server's authority verdict and informs the peer.
func (c *Connection) SetAuthority(global GlobalEntity, status AuthStatus) error {
	if err := c.sendHostAuthCommand(global, action.Action{Type: action.UpdateAuthority, Status: status}); err != nil {
		return err
	}
	c.tracker.SetStatus(global, status)
	return nil
}

func (c *Connection) sendHostAuthCommand(global GlobalEntity, a action.Action) error {
	if c.closed != nil {
		return c.closed
	}
	hid, err := c.entities.HostFor(global)
	if err != nil {
		return fmt.Errorf("%w: %s is not host-owned here", ErrWrongDirection, global)
	}
	return c.host.SendCommand(hid, a)
}

// RequestAuthority asks the owner for authority over a remote-owned entity.
func (c *Connection) RequestAuthority(global GlobalEntity) error {
	if c.closed != nil {
		return c.closed
	}
	rid, err := c.entities.RemoteFor(global)
	if err != nil {
		return fmt.Errorf("%w: %s is not remote-owned here", ErrWrongDirection, global)
	}
	if err := c.remote.SendCommand(rid, action.Action{Type: action.RequestAuthority, Target: uint16(rid)}); err != nil {
		return err
	}
	c.tracker.SetStatus(global, action.StatusRequested)
	return c.checkRemoteAuthSync(global, rid)
}

// ReleaseAuthority gives authority over a remote-owned entity back to the
// owner.
func (c *Connection) ReleaseAuthority(global GlobalEntity) error {
	if c.closed != nil {
		return c.closed
	}
	rid, err := c.entities.RemoteFor(global)
	if err != nil {
		return fmt.Errorf("%w: %s is not remote-owned here", ErrWrongDirection, global)
	}
	if err := c.remote.SendCommand(rid, action.Action{Type: action.ReleaseAuthority}); err != nil {
		return err
	}
	c.tracker.SetStatus(global, action.StatusReleasing)
	return c.checkRemoteAuthSync(global, rid)
}

// FlushOutgoing drains queued commands into one transport frame. Returns
// ok=false when nothing is pending. packetIndex correlates the frame with
// later ack and drop notifications. ErrBackpressure means the unacked
// window is full; retry after acks arrive.
func (c *Connection) FlushOutgoing(now time.Time) (payload []byte, packetIndex Seq, ok bool, err error) {
	if c.closed != nil {
		return nil, 0, false, c.closed
	}

	for _, a := range c.host.DrainOutgoing() {
		c.pending = append(c.pending, outgoingCommand{act: a})
	}
	for _, a := range c.remote.DrainOutgoing() {
		c.pending = append(c.pending, outgoingCommand{act: a})
	}
	if len(c.pending) == 0 {
		return nil, 0, false, nil
	}
	if c.record.Len() >= seq.MaxInFlight {
		return nil, 0, false, ErrBackpressure
	}

	batch := c.pending
	if len(batch) > c.cfg.MaxActionsPerPacket {
		batch = batch[:c.cfg.MaxActionsPerPacket]
	}

	packetIndex = c.nextPacketIndex
	c.nextPacketIndex++
	c.record.InsertPacket(packetIndex, now)

	pkt := wire.Packet{Index: packetIndex, Actions: make([]wire.Indexed, 0, len(batch))}
	for i := range batch {
		cmd := &batch[i]
		if !cmd.hasID {
			cmd.id = c.nextCommandID
			c.nextCommandID++
			cmd.hasID = true
		}
		c.record.RecordCommand(packetIndex, cmd.id, cmd.act)
		pkt.Actions = append(pkt.Actions, wire.Indexed{Index: cmd.id, Action: cmd.act})
	}

	payload, encErr := wire.EncodePacket(pkt, c.writeRedirect)
	if encErr != nil {
		return nil, 0, false, c.fatal(fmt.Errorf("encode packet: %w", encErr))
	}
	c.pending = c.pending[len(batch):]
	c.counters.RecordPacketSent()
	return payload, packetIndex, true, nil
}

// NotifyPacketDelivered processes a transport ack: the packet's commands
// leave the retransmission record.
func (c *Connection) NotifyPacketDelivered(packetIndex Seq) {
	c.record.Ack(packetIndex)
}

// NotifyPacketDropped re-stages a dropped packet's commands, keeping their
// original ids so the receiver dedupes replays.
func (c *Connection) NotifyPacketDropped(packetIndex Seq) {
	cmds, ok := c.record.Drop(packetIndex)
	if !ok {
		return
	}
	c.counters.RecordRetransmit(len(cmds))
	restaged := make([]outgoingCommand, 0, len(cmds)+len(c.pending))
	for _, sc := range cmds {
		restaged = append(restaged, outgoingCommand{id: sc.ID, hasID: true, act: sc.Action})
	}
	c.pending = append(restaged, c.pending...)
	c.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventPacketDropped,
		Severity: logging.SeverityDebug,
		Payload:  map[string]any{"packet": packetIndex, "commands": len(cmds)},
	})
}

// Tick runs the periodic housekeeping: retransmission of packets past the
// resend timeout, redirect GC, and sent-command record expiry.
func (c *Connection) Tick(now time.Time) {
	if c.closed != nil {
		return
	}

	timeout := time.Duration(float64(c.rtt) * c.cfg.ResendRTTFactor)
	if stale := c.record.DropStale(now, timeout); len(stale) > 0 {
		c.counters.RecordRetransmit(len(stale))
		restaged := make([]outgoingCommand, 0, len(stale)+len(c.pending))
		for _, sc := range stale {
			restaged = append(restaged, outgoingCommand{id: sc.ID, hasID: true, act: sc.Action})
		}
		c.pending = append(restaged, c.pending...)
	}

	c.entities.CleanupRedirects(now)
	if expired := c.record.ExpireBefore(now); expired > 0 {
		c.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventRecordExpired,
			Severity: logging.SeverityWarn,
			Payload:  map[string]any{"packets": expired},
		})
	}
}

// rewritePending repoints staged commands at the post-migration identifier.
func (c *Connection) rewritePending(old, new entity.OwnedLocalID) {
	for i := range c.pending {
		a := &c.pending[i].act
		if a.Entity == old {
			a.Entity = new
		}
		if a.Type == action.MigrateResponse {
			if a.OldEntity == old {
				a.OldEntity = new
			}
			if a.NewEntity == old {
				a.NewEntity = new
			}
		}
	}
}
