package blockwatch

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNotifier_NoReplayBeforeFirstBlock(t *testing.T) {
	n := NewNotifier(zerolog.Nop())

	called := false
	n.Subscribe(func(block uint64) {
		called = true
	})
	if called {
		t.Error("callback invoked before any block was observed")
	}
}

func TestNotifier_BroadcastAndLateReplay(t *testing.T) {
	n := NewNotifier(zerolog.Nop())

	var got []uint64
	n.Subscribe(func(block uint64) {
		got = append(got, block)
	})

	n.OnBlockUpdated(100)
	if len(got) != 1 || got[0] != 100 {
		t.Fatalf("got = %v, want [100]", got)
	}

	// Late subscriber sees the last block immediately, exactly once.
	var late []uint64
	n.Subscribe(func(block uint64) {
		late = append(late, block)
	})
	if len(late) != 1 || late[0] != 100 {
		t.Errorf("late = %v, want [100]", late)
	}
}

func TestNotifier_RegistrationOrder(t *testing.T) {
	n := NewNotifier(zerolog.Nop())

	var order []string
	n.Subscribe(func(uint64) { order = append(order, "first") })
	n.Subscribe(func(uint64) { order = append(order, "second") })
	n.Subscribe(func(uint64) { order = append(order, "third") })

	n.OnBlockUpdated(1)
	want := []string{"first", "second", "third"}
	if len(order) != 3 {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNotifier_UnsubscribeIdempotent(t *testing.T) {
	n := NewNotifier(zerolog.Nop())

	var first, second int
	unsub := n.Subscribe(func(uint64) { first++ })
	n.Subscribe(func(uint64) { second++ })

	unsub()
	unsub() // must not remove anyone else

	n.OnBlockUpdated(5)
	if first != 0 {
		t.Errorf("unsubscribed callback fired %d times", first)
	}
	if second != 1 {
		t.Errorf("unrelated subscriber fired %d times, want 1", second)
	}
}

func TestNotifier_BlockZeroIgnored(t *testing.T) {
	n := NewNotifier(zerolog.Nop())

	fired := false
	n.Subscribe(func(uint64) { fired = true })
	n.OnBlockUpdated(0)
	if fired {
		t.Error("block zero was broadcast")
	}
	if _, seen := n.Last(); seen {
		t.Error("block zero was stored as the last block")
	}

	// And it must never be replayed to late subscribers either.
	replayed := false
	n.Subscribe(func(uint64) { replayed = true })
	if replayed {
		t.Error("block zero replayed")
	}
}

func TestNotifier_DuplicateBlocksRedelivered(t *testing.T) {
	// The notifier itself does not deduplicate; that is the watcher's job.
	n := NewNotifier(zerolog.Nop())

	count := 0
	n.Subscribe(func(uint64) { count++ })
	n.OnBlockUpdated(7)
	n.OnBlockUpdated(7)
	if count != 2 {
		t.Errorf("delivered %d times, want 2", count)
	}
}

func TestDeduplicator(t *testing.T) {
	d, err := NewDeduplicator(16)
	if err != nil {
		t.Fatalf("NewDeduplicator: %v", err)
	}

	if d.IsDuplicate("0xabc") {
		t.Error("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("0xabc") {
		t.Error("second sighting not reported as duplicate")
	}
	if d.IsDuplicate("0xdef") {
		t.Error("unrelated hash reported as duplicate")
	}
	if d.IsDuplicate("") {
		t.Error("empty hash must be treated as new")
	}
}
