package workerpool

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOOrderSingleWorker(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		if err := p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	for i := range order {
		if order[i] != i {
			t.Fatalf("order = %v, want submission order 0..4", order)
		}
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New(2, nil)
	p.Close()
	if err := p.Submit(func() {}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	done := make(chan struct{})
	if err := p.Submit(func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestCloseDrainsInFlight(t *testing.T) {
	p := New(4, nil)
	var n int32
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		_ = p.Submit(func() {
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	p.Close()
	mu.Lock()
	defer mu.Unlock()
	if n != 20 {
		t.Fatalf("n = %d, want 20", n)
	}
}
