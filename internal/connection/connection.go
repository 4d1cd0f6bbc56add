// Package connection holds the per-fd state of one client: a read
// buffer, the request parser, the staged response, and the gather-write
// vector those two wire together, plus a process-wide live connection
// counter.
package connection

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing/common/bufio"
	"golang.org/x/sys/unix"

	"github.com/Early-Vertigo/webserver/internal/buffer"
	"github.com/Early-Vertigo/webserver/internal/httpparser"
	"github.com/Early-Vertigo/webserver/internal/httpresponse"
)

var liveCount int64

// Count reports the number of currently open connections.
func Count() int64 { return atomic.LoadInt64(&liveCount) }

// Conn is the per-fd state owned by exactly one worker task at a time,
// enforced by the server's one-shot rearm discipline rather than by a
// lock on this struct.
type Conn struct {
	FD       int
	PeerAddr string

	ReadBuf  *buffer.Buffer
	Request  *httpparser.Request
	Response *httpresponse.Response

	// iov is the two-segment gather-write vector: [header bytes, body
	// bytes]. iovBase is the index of the first segment with bytes left
	// to write.
	iov     [2][]byte
	iovBase int

	// netConn is an optional dup'd copy of fd, opened once at accept time,
	// used only to ask sing/common/bufio for a vectorised writer in
	// WriteOnce; see openVectorisedWriter.
	netConn net.Conn

	closeOnce sync.Once
	closed    atomic.Bool
}

// New allocates a Conn for a freshly accepted, already-nonblocking fd.
func New(fd int, peerAddr string) *Conn {
	atomic.AddInt64(&liveCount, 1)
	c := &Conn{
		FD:       fd,
		PeerAddr: peerAddr,
		ReadBuf:  buffer.New(),
		Request:  httpparser.New(),
	}
	c.openVectorisedWriter()
	return c
}

// openVectorisedWriter dups fd into a net.Conn purely so WriteOnce can ask
// sing/common/bufio for a vectorised writer over it; the dup is
// independent of the epoll-registered fd, so closing it on Conn.Close
// doesn't affect fd itself. Best-effort: if the dup or FileConn wrap
// fails, WriteOnce falls back to unix.Writev on the raw fd directly.
func (c *Conn) openVectorisedWriter() {
	dup, err := unix.Dup(c.FD)
	if err != nil {
		return
	}
	f := os.NewFile(uintptr(dup), "conn")
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return
	}
	c.netConn = nc
}

// Reset clears parser/response state for the next request on a
// keep-alive connection, reusing the read buffer and Conn rather than
// reallocating.
func (c *Conn) Reset() {
	c.ReadBuf.RetrieveAll()
	c.Request.Reset()
	if c.Response != nil {
		c.Response.Unmap()
		c.Response = nil
	}
	c.iov = [2][]byte{}
	c.iovBase = 0
}

// ArmWrite stages resp's header and body as the two-segment gather-write
// vector.
func (c *Conn) ArmWrite(resp *httpresponse.Response) {
	c.Response = resp
	vecs := resp.Vectors()
	c.iov[0], c.iov[1] = vecs[0], vecs[1]
	c.iovBase = 0
}

// Pending reports whether any bytes remain in the gather-write vector.
func (c *Conn) Pending() bool {
	for i := c.iovBase; i < len(c.iov); i++ {
		if len(c.iov[i]) > 0 {
			return true
		}
	}
	return false
}

// WriteOnce issues a single gather write of whatever remains in the
// vector, advancing segment bases/lengths by however much was actually
// written. When netConn could be opened, it asks sing/common/bufio for a
// vectorised writer over it and uses that for any number of remaining
// segments; absent one, it falls back to unix.Writev on the raw fd (or
// unix.Write when a single segment remains).
func (c *Conn) WriteOnce() (int, error) {
	live := c.liveSegments()
	if len(live) == 0 {
		return 0, nil
	}

	if c.netConn != nil {
		if bw, ok := bufio.CreateVectorisedWriter(c.netConn); ok {
			n, err := bufio.WriteVectorised(bw, live)
			if n > 0 {
				c.advance(n)
			}
			return n, err
		}
	}

	var n int
	var err error
	if len(live) > 1 {
		n, err = unix.Writev(c.FD, live)
	} else {
		n, err = unix.Write(c.FD, live[0])
	}
	if n > 0 {
		c.advance(n)
	}
	return n, err
}

func (c *Conn) liveSegments() [][]byte {
	var out [][]byte
	for i := c.iovBase; i < len(c.iov); i++ {
		if len(c.iov[i]) > 0 {
			out = append(out, c.iov[i])
		}
	}
	return out
}

func (c *Conn) advance(n int) {
	for n > 0 && c.iovBase < len(c.iov) {
		seg := c.iov[c.iovBase]
		if n < len(seg) {
			c.iov[c.iovBase] = seg[n:]
			return
		}
		n -= len(seg)
		c.iov[c.iovBase] = nil
		c.iovBase++
	}
}

// Closed reports whether Close has already run.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close is idempotent: it unmaps any mapped file view, closes the
// vectorised-writer's dup'd conn if one was opened, closes fd, and
// decrements the live connection counter exactly once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.Response != nil {
			c.Response.Unmap()
		}
		if c.netConn != nil {
			c.netConn.Close()
		}
		err = unix.Close(c.FD)
		atomic.AddInt64(&liveCount, -1)
	})
	return err
}
