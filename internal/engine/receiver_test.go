package engine

import (
	"errors"
	"testing"

	"farlands/replication/internal/action"
	"farlands/replication/internal/seq"
)

func spawn() action.Action {
	return action.Action{Type: action.Spawn}
}

func TestReceiverEmitsInOrder(t *testing.T) {
	r := NewReliableReceiver(1)

	if err := r.Buffer(1, spawn()); err != nil {
		t.Fatalf("buffer 1: %v", err)
	}
	if err := r.Buffer(2, spawn()); err != nil {
		t.Fatalf("buffer 2: %v", err)
	}

	got := r.Receive()
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("received %v, want indexes 1,2", got)
	}
}

func TestReceiverHoldsGap(t *testing.T) {
	r := NewReliableReceiver(1)

	r.Buffer(2, spawn())
	if got := r.Receive(); len(got) != 0 {
		t.Fatalf("emitted across gap: %v", got)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending %d, want 1", r.Pending())
	}

	r.Buffer(1, spawn())
	got := r.Receive()
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("drain after gap close: %v", got)
	}
}

func TestReceiverDropsDuplicates(t *testing.T) {
	r := NewReliableReceiver(1)
	r.Buffer(1, spawn())
	r.Receive()

	// Already delivered.
	r.Buffer(1, spawn())
	if got := r.Receive(); len(got) != 0 {
		t.Fatalf("duplicate re-delivered: %v", got)
	}

	// Duplicate of a buffered index.
	r.Buffer(3, spawn())
	r.Buffer(3, spawn())
	if r.Pending() != 1 {
		t.Fatalf("pending %d after duplicate buffer, want 1", r.Pending())
	}
}

func TestReceiverWrapTrace(t *testing.T) {
	r := NewReliableReceiver(65530)

	trace := []seq.Index{65530, 65531, 65532, 65533, 65534, 65535, 0, 1}
	for _, idx := range trace {
		if err := r.Buffer(idx, spawn()); err != nil {
			t.Fatalf("buffer %d: %v", idx, err)
		}
	}
	got := r.Receive()
	if len(got) != len(trace) {
		t.Fatalf("delivered %d, want %d", len(got), len(trace))
	}
	for i, idx := range trace {
		if got[i].Index != idx {
			t.Fatalf("position %d: index %d, want %d", i, got[i].Index, idx)
		}
	}
}

func TestReceiverWrapTraceShuffled(t *testing.T) {
	r := NewReliableReceiver(65530)

	for _, idx := range []seq.Index{0, 65533, 65530, 1, 65535, 65531, 65534, 65532} {
		if err := r.Buffer(idx, spawn()); err != nil {
			t.Fatalf("buffer %d: %v", idx, err)
		}
	}
	got := r.Receive()
	want := []seq.Index{65530, 65531, 65532, 65533, 65534, 65535, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("delivered %d, want %d", len(got), len(want))
	}
	for i, idx := range want {
		if got[i].Index != idx {
			t.Fatalf("position %d: index %d, want %d", i, got[i].Index, idx)
		}
	}
}

func TestReceiverOverflowFatal(t *testing.T) {
	r := NewReliableReceiver(0)

	// Never deliver index 0 so everything buffers.
	var err error
	for i := 1; err == nil && i <= seq.MaxInFlight+1; i++ {
		err = r.Buffer(seq.Index(i), spawn())
	}
	if !errors.Is(err, ErrReceiverOverflow) {
		t.Fatalf("expected ErrReceiverOverflow, got %v", err)
	}
}
