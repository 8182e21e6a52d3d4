package replication

import "fmt"

// EventType names an application-facing replication event.
type EventType uint8

const (
	// EventSpawn reports a newly replicated entity.
	EventSpawn EventType = iota
	// EventDespawn reports a replicated entity going away.
	EventDespawn
	// EventInsertComponent reports a component becoming present.
	EventInsertComponent
	// EventRemoveComponent reports a component being removed.
	EventRemoveComponent
	// EventAuthRequest reports the peer asking for authority; the
	// application answers with SetAuthority.
	EventAuthRequest
	// EventAuthGrant reports authority arriving on this side.
	EventAuthGrant
	// EventAuthDeny reports an authority request being rejected.
	EventAuthDeny
	// EventAuthRelease reports authority returning to the owner.
	EventAuthRelease
	// EventMigrateResponse reports an entity's identifier being rewritten
	// by a migration.
	EventMigrateResponse
	// EventConnectionClosed reports the single terminal event after a
	// fatal error.
	EventConnectionClosed
)

var eventNames = [...]string{
	"Spawn", "Despawn", "InsertComponent", "RemoveComponent",
	"AuthRequest", "AuthGrant", "AuthDeny", "AuthRelease",
	"MigrateResponse", "ConnectionClosed",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// Event is one observation handed to the application.
type Event struct {
	Type   EventType
	Entity GlobalEntity

	// Kind is set for component events.
	Kind ComponentKind
	// Status is set for authority events.
	Status AuthStatus
	// NewLocal is set for EventMigrateResponse: the post-migration local
	// identifier.
	NewLocal OwnedLocalID
	// Err is set for EventConnectionClosed.
	Err error
}

func (e Event) String() string {
	switch e.Type {
	case EventInsertComponent, EventRemoveComponent:
		return fmt.Sprintf("%s(%s, kind=%d)", e.Type, e.Entity, e.Kind)
	case EventConnectionClosed:
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	default:
		return fmt.Sprintf("%s(%s)", e.Type, e.Entity)
	}
}
