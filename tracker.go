package replication

import (
	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
)

// AuthorityTracker is the connection's global view of per-entity authority
// status. The per-channel status must match it at every observable point;
// both are owned by the connection and updated together.
type AuthorityTracker struct {
	statuses map[entity.GlobalEntity]action.AuthStatus
}

// NewAuthorityTracker returns an empty tracker.
func NewAuthorityTracker() *AuthorityTracker {
	return &AuthorityTracker{statuses: make(map[entity.GlobalEntity]action.AuthStatus)}
}

// Register starts tracking global with StatusNone. Re-registration keeps
// the existing status.
func (t *AuthorityTracker) Register(global entity.GlobalEntity) {
	if _, ok := t.statuses[global]; !ok {
		t.statuses[global] = action.StatusNone
	}
}

// SetStatus overwrites the tracked status.
func (t *AuthorityTracker) SetStatus(global entity.GlobalEntity, s action.AuthStatus) {
	t.statuses[global] = s
}

// Status returns the tracked status.
func (t *AuthorityTracker) Status(global entity.GlobalEntity) (action.AuthStatus, bool) {
	s, ok := t.statuses[global]
	return s, ok
}

// Deregister stops tracking global.
func (t *AuthorityTracker) Deregister(global entity.GlobalEntity) {
	delete(t.statuses, global)
}
