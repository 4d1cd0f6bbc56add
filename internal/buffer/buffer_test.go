package buffer

import (
	"bytes"
	"os"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	b := New()
	s := []byte("GET / HTTP/1.1\r\n")
	b.Append(s)
	if !bytes.Equal(b.Peek(), s) {
		t.Fatalf("peek mismatch: got %q want %q", b.Peek(), s)
	}
	b.Retrieve(len(s))
	if b.Readable() != 0 {
		t.Fatalf("readable = %d, want 0", b.Readable())
	}
}

func TestEnsureWritableShift(t *testing.T) {
	b := NewSize(8)
	b.Append([]byte("abcd"))
	b.Retrieve(4)
	// writable is now 4, prependable is 4: appending 6 bytes should shift,
	// not grow, since writable+prependable (8) >= 6.
	b.Append([]byte("123456"))
	if b.Readable() != 6 {
		t.Fatalf("readable = %d, want 6", b.Readable())
	}
	if !bytes.Equal(b.Peek(), []byte("123456")) {
		t.Fatalf("peek = %q", b.Peek())
	}
}

func TestEnsureWritableGrow(t *testing.T) {
	b := NewSize(4)
	b.Append([]byte("abcd"))
	b.Append([]byte("efgh"))
	if b.Readable() != 8 {
		t.Fatalf("readable = %d, want 8", b.Readable())
	}
	if !bytes.Equal(b.Peek(), []byte("abcdefgh")) {
		t.Fatalf("peek = %q", b.Peek())
	}
}

func TestReadFromFDScatter(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := bytes.Repeat([]byte("x"), 5000)
	go func() {
		w.Write(payload)
		w.Close()
	}()

	b := NewSize(1024)
	total := 0
	for total < len(payload) {
		n, err := b.ReadFromFD(int(r.Fd()))
		if n > 0 {
			total += n
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	if total != len(payload) {
		t.Fatalf("total read = %d, want %d", total, len(payload))
	}
	if b.Readable() != len(payload) {
		t.Fatalf("readable = %d, want %d", b.Readable(), len(payload))
	}
	if !bytes.Equal(b.Peek(), payload) {
		t.Fatalf("payload mismatch after scatter read")
	}
}

func TestRetrieveAll(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	b.RetrieveAll()
	if b.Readable() != 0 || b.Prependable() != 0 {
		t.Fatalf("buffer not reset: readable=%d prependable=%d", b.Readable(), b.Prependable())
	}
}
