package replication

import (
	"errors"
	"testing"
	"time"

	"farlands/replication/internal/entity"
)

// flushTo moves every pending frame from one side to the other, acking each
// delivered packet, and returns how many frames moved.
func flushTo(t *testing.T, from, to *Connection) int {
	t.Helper()
	moved := 0
	now := time.Now()
	for {
		payload, idx, ok, err := from.FlushOutgoing(now)
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		if !ok {
			return moved
		}
		if err := to.ReceivePacket(payload); err != nil {
			t.Fatalf("receive: %v", err)
		}
		from.NotifyPacketDelivered(idx)
		moved++
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func findEvent(t *testing.T, events []Event, want EventType) Event {
	t.Helper()
	for _, e := range events {
		if e.Type == want {
			return e
		}
	}
	t.Fatalf("no %s event in %v", want, eventTypes(events))
	return Event{}
}

func newPair() (*Connection, *Connection) {
	server := NewConnection(RoleServer, DefaultConfig(), nil)
	client := NewConnection(RoleClient, DefaultConfig(), nil)
	return server, client
}

func TestSpawnThenInsertHappyPath(t *testing.T) {
	server, client := newPair()

	g := server.Reserve()
	if err := server.SpawnEntity(g); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := server.InsertComponent(g, 5); err != nil {
		t.Fatalf("insert: %v", err)
	}
	flushTo(t, server, client)

	events := client.Events()
	if len(events) != 2 {
		t.Fatalf("client events %v, want spawn+insert", eventTypes(events))
	}
	if events[0].Type != EventSpawn {
		t.Fatalf("first event %s, want Spawn", events[0].Type)
	}
	if events[1].Type != EventInsertComponent || events[1].Kind != 5 {
		t.Fatalf("second event %v, want InsertComponent kind 5", events[1])
	}
	if events[0].Entity != events[1].Entity {
		t.Fatalf("events name different entities")
	}
}

func TestReorderedInsertBeforeSpawn(t *testing.T) {
	server, client := newPair()
	now := time.Now()

	g := server.Reserve()
	server.SpawnEntity(g)
	spawnFrame, spawnIdx, ok, err := server.FlushOutgoing(now)
	if err != nil || !ok {
		t.Fatalf("flush spawn: ok=%v err=%v", ok, err)
	}
	server.InsertComponent(g, 5)
	insertFrame, insertIdx, ok, err := server.FlushOutgoing(now)
	if err != nil || !ok {
		t.Fatalf("flush insert: ok=%v err=%v", ok, err)
	}

	// Insert packet arrives first; nothing surfaces.
	if err := client.ReceivePacket(insertFrame); err != nil {
		t.Fatalf("receive insert: %v", err)
	}
	if got := client.Events(); len(got) != 0 {
		t.Fatalf("insert surfaced before spawn: %v", eventTypes(got))
	}

	// Spawn closes the gap and both apply in order.
	if err := client.ReceivePacket(spawnFrame); err != nil {
		t.Fatalf("receive spawn: %v", err)
	}
	events := client.Events()
	if len(events) != 2 || events[0].Type != EventSpawn || events[1].Type != EventInsertComponent {
		t.Fatalf("events %v, want Spawn then InsertComponent", eventTypes(events))
	}

	server.NotifyPacketDelivered(spawnIdx)
	server.NotifyPacketDelivered(insertIdx)
}

func TestDuplicatePacketIsIdempotent(t *testing.T) {
	server, client := newPair()
	now := time.Now()

	g := server.Reserve()
	server.SpawnEntity(g)
	frame, idx, _, err := server.FlushOutgoing(now)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.ReceivePacket(frame); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := client.ReceivePacket(frame); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	events := client.Events()
	if len(events) != 1 {
		t.Fatalf("duplicate applied: %v", eventTypes(events))
	}
	server.NotifyPacketDelivered(idx)
}

func TestDespawnRemovesEntity(t *testing.T) {
	server, client := newPair()

	g := server.Reserve()
	server.SpawnEntity(g)
	flushTo(t, server, client)
	clientG := findEvent(t, client.Events(), EventSpawn).Entity

	if err := server.DespawnEntity(g); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	flushTo(t, server, client)

	events := client.Events()
	if len(events) != 1 || events[0].Type != EventDespawn || events[0].Entity != clientG {
		t.Fatalf("events %v, want Despawn(%s)", events, clientG)
	}
}

func TestDelegationHandshake(t *testing.T) {
	server, client := newPair()

	g := server.Reserve()
	server.SpawnEntity(g)
	if err := server.Publish(g); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := server.EnableDelegation(g); err != nil {
		t.Fatalf("enable delegation: %v", err)
	}
	flushTo(t, server, client)
	clientG := findEvent(t, client.Events(), EventSpawn).Entity

	// The client acknowledged delegation automatically.
	if moved := flushTo(t, client, server); moved == 0 {
		t.Fatalf("client sent no delegation response")
	}
	server.Events()

	if status, _ := client.AuthorityStatus(clientG); status != StatusAvailable {
		t.Fatalf("client status %s, want Available", status)
	}
	if status, _ := server.AuthorityStatus(g); status != StatusAvailable {
		t.Fatalf("server status %s, want Available", status)
	}
}

func TestAuthorityRequestGrantCycle(t *testing.T) {
	server, client := newPair()

	g := server.Reserve()
	server.SpawnEntity(g)
	server.Publish(g)
	server.EnableDelegation(g)
	flushTo(t, server, client)
	clientG := findEvent(t, client.Events(), EventSpawn).Entity
	flushTo(t, client, server)
	server.Events()

	if err := client.RequestAuthority(clientG); err != nil {
		t.Fatalf("request authority: %v", err)
	}
	flushTo(t, client, server)
	findEvent(t, server.Events(), EventAuthRequest)

	if err := server.SetAuthority(g, StatusGranted); err != nil {
		t.Fatalf("grant: %v", err)
	}
	flushTo(t, server, client)
	findEvent(t, client.Events(), EventAuthGrant)

	if status, _ := client.AuthorityStatus(clientG); status != StatusGranted {
		t.Fatalf("client status %s, want Granted", status)
	}
}

func TestAuthorityDenial(t *testing.T) {
	server, client := newPair()

	g := server.Reserve()
	server.SpawnEntity(g)
	server.Publish(g)
	server.EnableDelegation(g)
	flushTo(t, server, client)
	clientG := findEvent(t, client.Events(), EventSpawn).Entity
	flushTo(t, client, server)
	server.Events()

	client.RequestAuthority(clientG)
	flushTo(t, client, server)
	server.Events()

	server.SetAuthority(g, StatusDenied)
	flushTo(t, server, client)
	findEvent(t, client.Events(), EventAuthDeny)

	// A denied side may re-request once the owner resets to available.
	server.SetAuthority(g, StatusAvailable)
	flushTo(t, server, client)
	client.Events()
	if err := client.RequestAuthority(clientG); err != nil {
		t.Fatalf("re-request after denial: %v", err)
	}
}

func TestMigrationMovesEntityAcrossDirections(t *testing.T) {
	server, client := newPair()

	g := server.Reserve()
	server.SpawnEntity(g)
	server.InsertComponent(g, 7)
	server.Publish(g)
	server.EnableDelegation(g)
	flushTo(t, server, client)
	clientG := findEvent(t, client.Events(), EventSpawn).Entity
	flushTo(t, client, server)
	server.Events()

	// Server hands the entity to the client.
	rid, err := server.MigrateToRemote(g, StatusAvailable)
	if err != nil {
		t.Fatalf("migrate to remote: %v", err)
	}
	if _, err := server.entities.RemoteFor(g); err != nil {
		t.Fatalf("server mapping not remote-owned after migration")
	}
	flushTo(t, server, client)

	events := client.Events()
	mig := findEvent(t, events, EventMigrateResponse)
	if mig.Entity != clientG {
		t.Fatalf("migration renamed wrong entity: %v", mig)
	}
	if !mig.NewLocal.IsHost() || mig.NewLocal.Host() != entity.HostID(rid) {
		t.Fatalf("client adopted %v, want host id %d", mig.NewLocal, rid)
	}

	// Atomicity: each side holds the entity in exactly one direction.
	if _, err := client.entities.HostFor(clientG); err != nil {
		t.Fatalf("client mapping not host-owned after migration")
	}
	hostCh, ok := client.host.Channel(entity.HostID(rid))
	if !ok {
		t.Fatalf("client host channel missing")
	}
	if !hostCh.HasComponent(7) {
		t.Fatalf("component state lost in migration")
	}
}

func TestInFlightReferenceSurvivesMigration(t *testing.T) {
	server, client := newPair()
	now := time.Now()

	g := server.Reserve()
	server.SpawnEntity(g)
	server.Publish(g)
	server.EnableDelegation(g)
	flushTo(t, server, client)
	clientG := findEvent(t, client.Events(), EventSpawn).Entity
	flushTo(t, client, server)
	server.Events()

	// t0: the insert goes on the wire but is not yet delivered.
	server.InsertComponent(g, 9)
	inFlight, idx, ok, err := server.FlushOutgoing(now)
	if err != nil || !ok {
		t.Fatalf("flush in-flight insert: ok=%v err=%v", ok, err)
	}

	// t1: the client takes the entity over; old remote id now redirects.
	newHost, err := client.MigrateToHost(clientG)
	if err != nil {
		t.Fatalf("migrate to host: %v", err)
	}

	// t2: the stale-addressed insert arrives and lands on the new channel.
	if err := client.ReceivePacket(inFlight); err != nil {
		t.Fatalf("deliver in-flight insert: %v", err)
	}
	server.NotifyPacketDelivered(idx)

	insert := findEvent(t, client.Events(), EventInsertComponent)
	if insert.Entity != clientG || insert.Kind != 9 {
		t.Fatalf("redirected insert wrong: %v", insert)
	}
	ch, ok := client.host.Channel(newHost)
	if !ok {
		t.Fatalf("post-migration channel missing")
	}
	if !ch.HasComponent(9) {
		t.Fatalf("redirected insert not applied to new channel")
	}
}

func TestAuthorityCycleSurvivesMigration(t *testing.T) {
	server, client := newPair()

	// The client hosts the entity and delegates it.
	g := client.Reserve()
	client.SpawnEntity(g)
	client.Publish(g)
	client.EnableDelegation(g)
	flushTo(t, client, server)
	serverG := findEvent(t, server.Events(), EventSpawn).Entity
	flushTo(t, server, client)
	client.Events()

	// The client moves hosting to the server but keeps authority.
	if _, err := client.MigrateToRemote(g, StatusGranted); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	flushTo(t, client, server)
	server.Events()

	if status, _ := client.AuthorityStatus(g); status != StatusGranted {
		t.Fatalf("client status %s after migration, want Granted", status)
	}

	// Release, get the ack, re-request, get granted again.
	if err := client.ReleaseAuthority(g); err != nil {
		t.Fatalf("release: %v", err)
	}
	flushTo(t, client, server)
	findEvent(t, server.Events(), EventAuthRelease)
	flushTo(t, server, client) // mechanical Available ack
	findEvent(t, client.Events(), EventAuthRelease)

	if err := client.RequestAuthority(g); err != nil {
		t.Fatalf("second request must be accepted: %v", err)
	}
	flushTo(t, client, server)
	findEvent(t, server.Events(), EventAuthRequest)

	if err := server.SetAuthority(serverG, StatusGranted); err != nil {
		t.Fatalf("grant: %v", err)
	}
	flushTo(t, server, client)
	findEvent(t, client.Events(), EventAuthGrant)

	// Channel and tracker agree on Granted at the end.
	if status, _ := client.AuthorityStatus(g); status != StatusGranted {
		t.Fatalf("tracker status %s, want Granted", status)
	}
	rid, err := client.entities.RemoteFor(g)
	if err != nil {
		t.Fatalf("entity not remote-owned at client: %v", err)
	}
	ch, ok := client.remote.Channel(rid)
	if !ok {
		t.Fatalf("remote channel missing")
	}
	if ch.AuthStatus() != StatusGranted {
		t.Fatalf("channel status %s, want Granted", ch.AuthStatus())
	}
}

func TestFatalDecodeClosesConnection(t *testing.T) {
	_, client := newPair()

	err := client.ReceivePacket([]byte{0x01})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed connection, got %v", err)
	}

	events := client.Events()
	if len(events) != 1 || events[0].Type != EventConnectionClosed {
		t.Fatalf("events %v, want single ConnectionClosed", eventTypes(events))
	}

	// Everything after the fatal keeps failing.
	if err := client.SpawnEntity(NewGlobalEntity()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("post-fatal spawn: %v", err)
	}
}

func TestDroppedPacketRetransmitsWithSameIDs(t *testing.T) {
	server, client := newPair()
	now := time.Now()

	g := server.Reserve()
	server.SpawnEntity(g)
	frame, idx, _, err := server.FlushOutgoing(now)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Transport reports the packet lost; the command re-stages.
	server.NotifyPacketDropped(idx)
	refrme, idx2, ok, err := server.FlushOutgoing(now)
	if err != nil || !ok {
		t.Fatalf("reflush: ok=%v err=%v", ok, err)
	}
	if idx2 == idx {
		t.Fatalf("retransmission reused the packet index")
	}

	// Deliver both the retransmission and the original: one spawn.
	if err := client.ReceivePacket(refrme); err != nil {
		t.Fatalf("receive retransmission: %v", err)
	}
	if err := client.ReceivePacket(frame); err != nil {
		t.Fatalf("receive original: %v", err)
	}
	events := client.Events()
	if len(events) != 1 || events[0].Type != EventSpawn {
		t.Fatalf("events %v, want one Spawn", eventTypes(events))
	}
	server.NotifyPacketDelivered(idx2)
}

func TestTickExpiresRecords(t *testing.T) {
	server, _ := newPair()
	now := time.Now()

	g := server.Reserve()
	server.SpawnEntity(g)
	if _, _, ok, err := server.FlushOutgoing(now); err != nil || !ok {
		t.Fatalf("flush: ok=%v err=%v", ok, err)
	}

	server.Tick(now.Add(61 * time.Second))
	if server.record.Len() != 0 {
		t.Fatalf("expired record retained")
	}

	// The unacked command was re-staged for retransmission.
	if _, _, ok, err := server.FlushOutgoing(now.Add(62 * time.Second)); err != nil || !ok {
		t.Fatalf("restaged command did not flush: ok=%v err=%v", ok, err)
	}
}

func TestTickRetransmitsPastResendTimeout(t *testing.T) {
	server, client := newPair()
	now := time.Now()

	g := server.Reserve()
	server.SpawnEntity(g)
	frame, _, _, err := server.FlushOutgoing(now)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	// No ack arrives inside the resend window.
	server.Tick(now.Add(2 * time.Second))
	refrme, idx2, ok, err := server.FlushOutgoing(now.Add(2 * time.Second))
	if err != nil || !ok {
		t.Fatalf("retransmission flush: ok=%v err=%v", ok, err)
	}

	// Both copies deliver exactly one spawn.
	if err := client.ReceivePacket(frame); err != nil {
		t.Fatalf("receive original: %v", err)
	}
	if err := client.ReceivePacket(refrme); err != nil {
		t.Fatalf("receive retransmission: %v", err)
	}
	events := client.Events()
	if len(events) != 1 || events[0].Type != EventSpawn {
		t.Fatalf("events %v, want one Spawn", eventTypes(events))
	}
	server.NotifyPacketDelivered(idx2)
}
