package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var got []string
	f.AfterFunc(300*time.Millisecond, func() { got = append(got, "b") })
	f.AfterFunc(100*time.Millisecond, func() { got = append(got, "a") })
	f.AfterFunc(time.Second, func() { got = append(got, "c") })

	f.Advance(500 * time.Millisecond)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("fired: got %v, want [a b]", got)
	}
	if p := f.Pending(); len(p) != 1 || p[0] != time.Second {
		t.Fatalf("pending: got %v, want [1s]", p)
	}
}

func TestFake_StopPreventsCall(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop: want true on first call")
	}
	if tm.Stop() {
		t.Fatal("Stop: want false on second call")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFake_NestedTimerInsideWindow(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	f.AfterFunc(100*time.Millisecond, func() {
		count++
		f.AfterFunc(100*time.Millisecond, func() { count++ })
	})
	f.Advance(250 * time.Millisecond)
	if count != 2 {
		t.Fatalf("count: got %d, want 2", count)
	}
	if got := f.Now(); !got.Equal(time.Unix(0, 0).Add(250 * time.Millisecond)) {
		t.Fatalf("Now: got %v", got)
	}
}
