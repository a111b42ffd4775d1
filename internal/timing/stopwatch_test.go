package timing

import (
	"testing"
	"time"
)

func TestElapsedGrowsWhileRunning(t *testing.T) {
	var sw Stopwatch
	sw.Start()
	time.Sleep(10 * time.Millisecond)

	first := sw.Elapsed()
	if first < 10*time.Millisecond {
		t.Fatalf("Elapsed() = %v, want >= 10ms", first)
	}

	time.Sleep(5 * time.Millisecond)
	if second := sw.Elapsed(); second <= first {
		t.Fatalf("Elapsed() did not grow: %v then %v", first, second)
	}
}

func TestStopFreezesElapsed(t *testing.T) {
	var sw Stopwatch
	sw.Start()
	time.Sleep(5 * time.Millisecond)
	sw.Stop()

	frozen := sw.Elapsed()
	time.Sleep(10 * time.Millisecond)
	if sw.Elapsed() != frozen {
		t.Fatalf("Elapsed() changed after Stop: %v then %v", frozen, sw.Elapsed())
	}
}

func TestElapsedMS(t *testing.T) {
	var sw Stopwatch
	sw.Start()
	time.Sleep(20 * time.Millisecond)
	if ms := sw.ElapsedMS(); ms < 20 {
		t.Fatalf("ElapsedMS() = %d, want >= 20", ms)
	}
}

func TestStartResets(t *testing.T) {
	var sw Stopwatch
	sw.Start()
	time.Sleep(5 * time.Millisecond)
	sw.Stop()
	sw.Start()
	if sw.Elapsed() > 5*time.Millisecond {
		t.Fatalf("Elapsed() = %v after restart, want near zero", sw.Elapsed())
	}
}
