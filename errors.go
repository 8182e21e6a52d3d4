package replication

import (
	"errors"
	"fmt"

	"farlands/replication/internal/channel"
	"farlands/replication/internal/engine"
)

// Sentinel errors surfaced by the connection API.
var (
	// ErrConnectionClosed is reported once a fatal error has torn the
	// connection down; all further calls fail with it.
	ErrConnectionClosed = errors.New("replication: connection closed")

	// ErrBackpressure means the unacked window is full; retry after acks
	// arrive.
	ErrBackpressure = errors.New("replication: in-flight window full")

	// ErrWrongDirection means an operation targeted an entity owned by the
	// other direction. Fatal when a migration hits it: upstream state is
	// corrupt. Command entry points (SpawnEntity, the host authority
	// commands, RequestAuthority, ReleaseAuthority) return it without
	// closing the connection.
	ErrWrongDirection = errors.New("replication: entity owned by the other direction")

	// ErrAuthorityDesync means the authority channel and the global
	// tracker disagree after a transition. Fatal.
	ErrAuthorityDesync = errors.New("replication: authority channel disagrees with tracker")

	// ErrUnknownEntity is returned for commands addressed to an entity
	// this connection does not track.
	ErrUnknownEntity = engine.ErrUnknownEntity

	// ErrInvalidCommand is returned when a command is rejected by the
	// authority state machine. Recoverable; no connection impact.
	ErrInvalidCommand = channel.ErrInvalidAuthCommand
)

// ClosedError wraps the fatal cause once the connection is terminal.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("replication: connection closed: %v", e.Cause)
}

func (e *ClosedError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrConnectionClosed) hold for every ClosedError.
func (e *ClosedError) Is(target error) bool { return target == ErrConnectionClosed }
