package fiber

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSwitchRoundTrip(t *testing.T) {
	main := ConvertCurrent()

	var steps []string
	var f *Fiber
	f = New(16*1024, func() {
		steps = append(steps, "fiber")
		Switch(f, main)
	})
	// The fiber parks until first switched to, so nothing has run yet.
	if len(steps) != 0 {
		t.Fatalf("fiber ran before being switched to: %v", steps)
	}

	steps = append(steps, "before")
	Switch(main, f)
	steps = append(steps, "after")

	want := []string{"before", "fiber", "after"}
	for i, step := range want {
		if steps[i] != step {
			t.Fatalf("steps = %v, want %v", steps, want)
		}
	}

	f.Close()
}

func TestSwitchPreservesStack(t *testing.T) {
	main := ConvertCurrent()

	var observed []int
	var f *Fiber
	f = New(16*1024, func() {
		local := 1
		observed = append(observed, local)
		Switch(f, main)
		// Resumed: the local survives the suspension.
		local++
		observed = append(observed, local)
		Switch(f, main)
	})

	Switch(main, f)
	Switch(main, f)

	if len(observed) != 2 || observed[0] != 1 || observed[1] != 2 {
		t.Fatalf("observed = %v, want [1 2]", observed)
	}

	f.Close()
}

func TestCloseUnwindsParkedFiber(t *testing.T) {
	main := ConvertCurrent()

	var resumedNormally atomic.Bool
	var f *Fiber
	f = New(16*1024, func() {
		Switch(f, main)
		// Only a real switch lands here; teardown unwinds instead.
		resumedNormally.Store(true)
		Switch(f, main)
	})

	Switch(main, f)
	f.Close()

	time.Sleep(50 * time.Millisecond)
	if resumedNormally.Load() {
		t.Fatal("Close resumed the fiber instead of unwinding it")
	}
}

func TestStackSize(t *testing.T) {
	f := New(64*1024, func() {})
	defer f.Close()
	if f.StackSize() != 64*1024 {
		t.Fatalf("StackSize() = %d, want %d", f.StackSize(), 64*1024)
	}
}
