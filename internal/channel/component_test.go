package channel

import "testing"

func TestComponentInsertRemoveInOrder(t *testing.T) {
	c := NewRemoteComponentChannel()

	c.Receive(SpawnedState, 1, true)
	if !c.Inserted() {
		t.Fatalf("insert did not apply")
	}
	c.Receive(SpawnedState, 2, false)
	if c.Inserted() {
		t.Fatalf("remove did not apply")
	}

	var flags []bool
	c.Drain(&flags)
	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Fatalf("drained %v, want [true false]", flags)
	}
}

func TestComponentBuffersMatchingToggle(t *testing.T) {
	c := NewRemoteComponentChannel()

	// Two inserts with a remove between them, remove delayed.
	c.Receive(SpawnedState, 1, true)
	c.Receive(SpawnedState, 3, true)
	if c.BufferedLen() != 1 {
		t.Fatalf("second insert should buffer, backlog %d", c.BufferedLen())
	}

	c.Receive(SpawnedState, 2, false)
	if !c.Inserted() {
		t.Fatalf("expected inserted after drain, got removed")
	}
	if c.BufferedLen() != 0 {
		t.Fatalf("backlog not drained: %d", c.BufferedLen())
	}
}

func TestComponentDropsReplays(t *testing.T) {
	c := NewRemoteComponentChannel()
	c.Receive(SpawnedState, 5, true)

	c.Receive(SpawnedState, 5, false)
	c.Receive(SpawnedState, 3, false)
	if !c.Inserted() {
		t.Fatalf("replayed toggle applied")
	}
}

func TestComponentGatedUntilSpawn(t *testing.T) {
	c := NewRemoteComponentChannel()
	c.Receive(DespawnedState, 2, true)
	if c.Inserted() {
		t.Fatalf("toggle applied while despawned")
	}

	c.Process(SpawnedState)
	if !c.Inserted() {
		t.Fatalf("toggle did not apply after spawn")
	}
}

func TestComponentForceDrainAppliesAllInOrder(t *testing.T) {
	c := NewRemoteComponentChannel()
	c.Receive(DespawnedState, 3, false)
	c.Receive(DespawnedState, 1, true)
	c.Receive(DespawnedState, 5, true)

	c.ForceDrain()
	if !c.Inserted() {
		t.Fatalf("force drain final state wrong: want inserted")
	}
	if c.BufferedLen() != 0 {
		t.Fatalf("force drain left backlog %d", c.BufferedLen())
	}
}

func TestComponentSetInserted(t *testing.T) {
	c := NewRemoteComponentChannel()
	c.SetInserted(true, 10)
	if !c.Inserted() {
		t.Fatalf("seeded state lost")
	}
	// Toggles at or before the seed index are replays.
	c.Receive(SpawnedState, 10, false)
	c.Receive(SpawnedState, 9, false)
	if !c.Inserted() {
		t.Fatalf("stale toggle crossed the seed gate")
	}
}
