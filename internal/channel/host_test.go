package channel

import (
	"errors"
	"testing"

	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
)

func TestHostComponentToggleValidation(t *testing.T) {
	c := NewHostEntityChannel()
	kind := entity.ComponentKind(4)

	if err := c.SendCommand(action.Action{Type: action.InsertComponent, Kind: kind}); err != nil {
		t.Fatalf("insert rejected: %v", err)
	}
	if err := c.SendCommand(action.Action{Type: action.InsertComponent, Kind: kind}); err == nil {
		t.Fatalf("duplicate insert accepted")
	}
	if err := c.SendCommand(action.Action{Type: action.RemoveComponent, Kind: kind}); err != nil {
		t.Fatalf("remove rejected: %v", err)
	}
	if err := c.SendCommand(action.Action{Type: action.RemoveComponent, Kind: kind}); err == nil {
		t.Fatalf("remove of absent component accepted")
	}

	var out []action.Action
	c.DrainOutgoing(&out)
	if len(out) != 2 {
		t.Fatalf("outgoing %d commands, want 2", len(out))
	}
}

func TestHostAuthCommandsAdvanceChannel(t *testing.T) {
	c := NewHostEntityChannel()

	if err := c.SendCommand(action.Action{Type: action.Publish}); err != nil {
		t.Fatalf("publish rejected: %v", err)
	}
	if err := c.SendCommand(action.Action{Type: action.EnableDelegation}); err != nil {
		t.Fatalf("enable delegation rejected: %v", err)
	}
	if c.AuthState() != Delegated || c.AuthStatus() != action.StatusAvailable {
		t.Fatalf("auth %s/%s after delegation", c.AuthState(), c.AuthStatus())
	}

	// Publish is invalid once delegated.
	if err := c.SendCommand(action.Action{Type: action.Publish}); !errors.Is(err, ErrInvalidAuthCommand) {
		t.Fatalf("expected ErrInvalidAuthCommand, got %v", err)
	}
}

func TestHostSpawnRoutedByEngine(t *testing.T) {
	c := NewHostEntityChannel()
	if err := c.SendCommand(action.Action{Type: action.Spawn}); !errors.Is(err, ErrUnexpectedAction) {
		t.Fatalf("expected ErrUnexpectedAction for Spawn, got %v", err)
	}
}

func TestHostReceivesAuthorityResponses(t *testing.T) {
	c := NewHostEntityChannel()
	c.SendCommand(action.Action{Type: action.Publish})
	c.SendCommand(action.Action{Type: action.EnableDelegation})
	c.DrainOutgoing(&[]action.Action{})

	if err := c.Receive(5, action.Action{Type: action.RequestAuthority, Target: 7}); err != nil {
		t.Fatalf("request authority delivery: %v", err)
	}
	if c.AuthStatus() != action.StatusRequested {
		t.Fatalf("status %s after request delivery", c.AuthStatus())
	}

	var in []action.Action
	c.DrainIncoming(&in)
	if len(in) != 1 || in[0].Type != action.RequestAuthority {
		t.Fatalf("incoming %v", in)
	}
}

func TestHostReleaseReturnsAuthority(t *testing.T) {
	c := NewHostEntityChannel()
	c.SendCommand(action.Action{Type: action.Publish})
	c.SendCommand(action.Action{Type: action.EnableDelegation})
	c.UpdateAuthStatus(action.StatusGranted)

	if err := c.Receive(9, action.Action{Type: action.ReleaseAuthority}); err != nil {
		t.Fatalf("release delivery: %v", err)
	}
	if c.AuthStatus() != action.StatusAvailable {
		t.Fatalf("status %s after release, want Available", c.AuthStatus())
	}
}

func TestHostRejectsAuthorityStateTraffic(t *testing.T) {
	c := NewHostEntityChannel()
	if err := c.Receive(3, action.Action{Type: action.Publish}); !errors.Is(err, ErrUnexpectedAction) {
		t.Fatalf("expected ErrUnexpectedAction, got %v", err)
	}
}

func TestHostAcceptsMigrationTailTraffic(t *testing.T) {
	c := NewHostEntityChannelWithComponents([]entity.ComponentKind{1})

	// A late insert redirected here after migration lands in the kind set.
	if err := c.Receive(5, action.Action{Type: action.InsertComponent, Kind: 9}); err != nil {
		t.Fatalf("late insert rejected: %v", err)
	}
	if !c.HasComponent(9) {
		t.Fatalf("late insert not applied")
	}
	// Replayed insert for a live kind is idempotent.
	if err := c.Receive(6, action.Action{Type: action.InsertComponent, Kind: 9}); err != nil {
		t.Fatalf("replayed insert errored: %v", err)
	}

	var in []action.Action
	c.DrainIncoming(&in)
	if len(in) != 1 {
		t.Fatalf("expected single surfaced insert, got %v", in)
	}
}

func TestHostChannelWithComponents(t *testing.T) {
	kinds := []entity.ComponentKind{2, 5}
	c := NewHostEntityChannelWithComponents(kinds)

	if !c.HasComponent(2) || !c.HasComponent(5) {
		t.Fatalf("pre-populated kinds missing")
	}
	if c.AuthState() != Delegated {
		t.Fatalf("migrated host channel not delegated: %s", c.AuthState())
	}
}

func TestHostExtractOutgoingCommands(t *testing.T) {
	c := NewHostEntityChannel()
	c.SendCommand(action.Action{Type: action.InsertComponent, Kind: 1})
	c.SendCommand(action.Action{Type: action.Publish})

	cmds := c.ExtractOutgoingCommands()
	if len(cmds) != 2 {
		t.Fatalf("extracted %d commands, want 2", len(cmds))
	}
	if again := c.ExtractOutgoingCommands(); len(again) != 0 {
		t.Fatalf("second extract returned %d commands", len(again))
	}
}

func TestHostLocalEnableDelegation(t *testing.T) {
	c := NewHostEntityChannel()
	c.LocalEnableDelegation()
	if c.AuthState() != Delegated || c.AuthStatus() != action.StatusAvailable {
		t.Fatalf("auth %s/%s after local enable", c.AuthState(), c.AuthStatus())
	}
	// The channel must now accept a MigrateResponse without a round trip.
	if err := c.Receive(4, action.Action{Type: action.MigrateResponse}); err != nil {
		t.Fatalf("migrate response rejected: %v", err)
	}
}
