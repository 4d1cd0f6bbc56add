package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAddWaitReportsReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Add(fds[0], uint32(Read|OneShot)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("ping")); err != nil {
		t.Fatal(err)
	}

	n, err := p.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if got := p.EventFD(0); got != fds[0] {
		t.Fatalf("EventFD = %d, want %d", got, fds[0])
	}
	if p.EventMask(0)&uint32(Read) == 0 {
		t.Fatalf("EventMask = %#x, missing Read", p.EventMask(0))
	}
}

func TestModRearmsOneShot(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Add(fds[0], uint32(Read|OneShot)); err != nil {
		t.Fatal(err)
	}
	unix.Write(fds[1], []byte("a"))
	if n, err := p.Wait(1000); err != nil || n != 1 {
		t.Fatalf("first Wait: n=%d err=%v", n, err)
	}

	// ONESHOT disarms the fd until explicitly rearmed; a second Wait
	// before Mod must see nothing, even though more data is pending.
	unix.Write(fds[1], []byte("b"))
	if n, err := p.Wait(50); err != nil || n != 0 {
		t.Fatalf("Wait after oneshot fire: n=%d err=%v", n, err)
	}

	if err := p.Mod(fds[0], uint32(Read|OneShot)); err != nil {
		t.Fatal(err)
	}
	if n, err := p.Wait(1000); err != nil || n != 1 {
		t.Fatalf("Wait after Mod rearm: n=%d err=%v", n, err)
	}
}

func TestWakeupUnblocksWait(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := p.Wait(-1)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		// the wakeup itself is filtered out, so no events are reported.
		if n != 0 {
			t.Errorf("n = %d, want 0", n)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Wakeup(); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wakeup did not unblock Wait")
	}
}

func TestDelStopsReporting(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Add(fds[0], uint32(Read)); err != nil {
		t.Fatal(err)
	}
	if err := p.Del(fds[0]); err != nil {
		t.Fatal(err)
	}
	unix.Write(fds[1], []byte("x"))
	n, err := p.Wait(50)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 after Del", n)
	}
}
