package timer

import (
	"testing"
	"time"
)

func TestOrderingAndDedup(t *testing.T) {
	h := New()
	var fired []int
	h.Add(1, 30, func() { fired = append(fired, 1) })
	h.Add(2, 10, func() { fired = append(fired, 2) })
	h.Add(3, 20, func() { fired = append(fired, 3) })
	// re-add id 1 with a shorter timeout: must update in place, not duplicate.
	h.Add(1, 5, func() { fired = append(fired, 1) })

	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3 (dedup failed)", h.Len())
	}

	// advance the fake clock far enough to expire everything, in order.
	base := time.Now()
	h.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	h.Tick()

	if h.Len() != 0 {
		t.Fatalf("len after tick = %d, want 0", h.Len())
	}
	want := []int{1, 2, 3}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestAdjustExtends(t *testing.T) {
	h := New()
	fired := false
	h.Add(7, 10, func() { fired = true })
	h.Adjust(7, 10000)

	base := time.Now()
	h.now = func() time.Time { return base.Add(50 * time.Millisecond) }
	h.Tick()
	if fired {
		t.Fatal("timer fired after being adjusted forward")
	}
}

func TestDoWorkRemovesNode(t *testing.T) {
	h := New()
	calls := 0
	h.Add(1, 1000, func() { calls++ })
	h.DoWork(1)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if h.Len() != 0 {
		t.Fatalf("len = %d, want 0", h.Len())
	}
	// a second DoWork on the same (now absent) id must be a no-op.
	h.DoWork(1)
	if calls != 1 {
		t.Fatalf("calls after second DoWork = %d, want 1", calls)
	}
}

func TestNextTickMSNoDeadline(t *testing.T) {
	h := New()
	if ms := h.NextTickMS(); ms != -1 {
		t.Fatalf("NextTickMS on empty heap = %d, want -1", ms)
	}
}

func TestRemoveWithoutFiring(t *testing.T) {
	h := New()
	fired := false
	h.Add(1, 1000, func() { fired = true })
	h.Remove(1)
	if h.Len() != 0 {
		t.Fatalf("len = %d, want 0", h.Len())
	}
	if fired {
		t.Fatal("callback fired on Remove")
	}
}
