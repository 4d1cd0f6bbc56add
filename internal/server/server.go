// Package server implements the reactor: one accept/event-dispatch loop
// driving a fixed worker pool, a timer heap of idle connections, and a
// pool of DB sessions.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Early-Vertigo/webserver/internal/auth"
	"github.com/Early-Vertigo/webserver/internal/config"
	"github.com/Early-Vertigo/webserver/internal/connection"
	"github.com/Early-Vertigo/webserver/internal/dbpool"
	"github.com/Early-Vertigo/webserver/internal/httpresponse"
	"github.com/Early-Vertigo/webserver/internal/logging"
	"github.com/Early-Vertigo/webserver/internal/poller"
	"github.com/Early-Vertigo/webserver/internal/timer"
	"github.com/Early-Vertigo/webserver/internal/workerpool"
)

const listenBacklog = 512

// Server owns every long-lived piece of the reactor: the listen socket,
// the poller, the timer heap, the worker pool, the DB pool, and the
// connection map. Outside this package it is driven through Run and
// Shutdown, with Ready, Addr and ConnCount for observation; per-event
// dispatch is internal to the event loop.
type Server struct {
	cfg     config.Config
	log     *logrus.Entry
	logSink *logging.Sink

	listenFD   int
	listenPort int // actual bound port, resolved via getsockname when cfg.ListenPort == 0
	poller     *poller.Poller
	timers     *timer.Heap
	workers    *workerpool.Pool
	dbPool     *dbpool.Pool

	mu    sync.Mutex
	conns map[int]*connection.Conn

	closing atomic.Bool
	ready   chan struct{}

	shutdownOnce sync.Once
}

// New wires up the DB pool, the poller, the worker pool, and the logging
// sink from cfg, but does not yet bind or listen -- that happens in Run.
func New(cfg config.Config) (*Server, error) {
	dbPool, err := dbpool.Open(context.Background(), dbpool.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		PoolSize: cfg.DBPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("server: dbpool: %w", err)
	}
	return NewWithDB(cfg, dbPool)
}

// NewWithDB wires a Server from an already-constructed DB pool instead of
// dialing one from cfg's DB fields -- the seam tests use to supply
// dbpool.NewSingle over a fake driver.
func NewWithDB(cfg config.Config, dbPool *dbpool.Pool) (*Server, error) {
	sink := logging.New(cfg.LogEnabled, logging.Level(cfg.LogLevel), cfg.LogQueueSize, nil)
	log := sink.Entry()

	pl, err := poller.New()
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("server: poller: %w", err)
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		logSink: sink,
		poller:  pl,
		timers:  timer.New(),
		workers: workerpool.New(cfg.WorkerCount, log),
		dbPool:  dbPool,
		conns:   make(map[int]*connection.Conn),
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once Run has bound and begun listening, so callers
// (tests discovering an ephemeral port) know Addr is safe to read.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ConnCount reports the number of connections the server currently
// tracks, for tests/observability.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run binds and listens, then drives the event loop until ctx is done or
// a fatal poller error occurs, after which it always shuts down cleanly
// before returning. The loop timeout on each Wait is exactly
// timers.NextTickMS(), so an idle connection's close callback fires
// promptly after its deadline passes.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listenSocket(); err != nil {
		return err
	}
	close(s.ready)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.closing.Store(true)
			s.poller.Wakeup()
		case <-done:
		}
	}()

	var loopErr error
	for !s.closing.Load() {
		timeout := s.timers.NextTickMS()
		n, err := s.poller.Wait(timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.log.WithError(err).Error("poller wait failed")
			loopErr = err
			break
		}
		for i := 0; i < n; i++ {
			fd := s.poller.EventFD(i)
			mask := s.poller.EventMask(i)
			if fd == s.listenFD {
				s.acceptLoop()
				continue
			}
			s.dispatch(fd, mask)
		}
	}

	close(done)
	s.Shutdown()
	if loopErr != nil {
		return loopErr
	}
	return ctx.Err()
}

func (s *Server) listenSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: SO_REUSEADDR: %w", err)
	}

	linger := &unix.Linger{Onoff: 0, Linger: 0}
	if s.cfg.LingerOnClose {
		linger = &unix.Linger{Onoff: 1, Linger: 1}
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: SO_LINGER: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.cfg.ListenPort}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: listen: %w", err)
	}

	// Resolve the actually-bound port via getsockname -- needed whenever
	// cfg.ListenPort is 0 (ephemeral port, used by tests) so callers can
	// discover where the server actually ended up listening.
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: getsockname: %w", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		s.listenPort = in4.Port
	} else {
		s.listenPort = s.cfg.ListenPort
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: nonblock: %w", err)
	}

	mask := uint32(poller.Read)
	if s.cfg.ListenEdgeTriggered() {
		mask |= uint32(poller.Edge)
	}
	if err := s.poller.Add(fd, mask); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: poller add: %w", err)
	}

	s.listenFD = fd
	s.log.WithField("port", s.listenPort).Info("server: listening")
	return nil
}

// Addr reports the address the server is currently listening on, valid
// only after Run has called listenSocket. Tests use this to discover an
// ephemeral port requested via config.Config.ListenPort == 0.
func (s *Server) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.listenPort)
}

// acceptLoop accepts until EAGAIN under edge-triggered listen mode
// (required so no pending connection is missed between wakeups);
// otherwise it accepts exactly once per readiness notification.
func (s *Server) acceptLoop() {
	for {
		fd, sa, err := unix.Accept(s.listenFD)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.log.WithError(err).Warn("server: accept failed")
			}
			return
		}
		s.acceptOne(fd, sa)
		if !s.cfg.ListenEdgeTriggered() {
			return
		}
	}
}

// acceptOne registers a freshly accepted fd, or rejects it outright once
// the server is at capacity: a busy-rejected fd is never registered with
// the poller or timer heap.
func (s *Server) acceptOne(fd int, sa unix.Sockaddr) {
	if connection.Count() >= config.MaxFD {
		unix.Write(fd, []byte("Server busy!\n"))
		unix.Close(fd)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}

	c := connection.New(fd, peerAddrString(sa))
	c.Request.SetLogger(s.log)

	if err := s.poller.Add(fd, s.readMask()); err != nil {
		c.Close()
		return
	}

	s.mu.Lock()
	s.conns[fd] = c
	s.mu.Unlock()

	s.timers.Add(fd, s.cfg.IdleTimeoutMS, func() { s.closeConn(fd) })
	s.log.WithFields(logrus.Fields{"fd": fd, "peer": c.PeerAddr}).Debug("server: client in")
}

// dispatch inspects one readiness event for an already-registered
// connection fd and enqueues the appropriate worker task. Every handled
// event refreshes the idle deadline first.
func (s *Server) dispatch(fd int, mask uint32) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.timers.Adjust(fd, s.cfg.IdleTimeoutMS)

	if mask&uint32(poller.PeerHangup|poller.Hangup|poller.Err) != 0 {
		s.closeConn(fd)
		return
	}
	switch {
	case mask&uint32(poller.Read) != 0:
		s.workers.Submit(func() { s.readTask(fd, c) })
	case mask&uint32(poller.Write) != 0:
		s.workers.Submit(func() { s.writeTask(fd, c) })
	}
}

// readTask drains fd into c's read buffer (looping to EAGAIN only under
// edge-triggered mode), drives the parser, and stages either the built
// response or a 400 for rearm as WRITE|ONE_SHOT. A connection that isn't
// yet holding a complete request is simply rearmed for more reads.
func (s *Server) readTask(fd int, c *connection.Conn) {
	if c.Closed() {
		return
	}

	for {
		n, err := c.ReadBuf.ReadFromFD(fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			s.closeConn(fd)
			return
		}
		if n == 0 {
			s.closeConn(fd)
			return
		}
		if !s.cfg.ConnEdgeTriggered() {
			break
		}
	}
	if c.Closed() {
		return
	}

	ok := c.Request.Parse(c.ReadBuf)
	if !ok {
		c.ArmWrite(httpresponse.BuildError(400, false))
		s.rearm(fd, s.writeMask())
		return
	}
	if !c.Request.Done() {
		s.rearm(fd, s.readMask())
		return
	}

	path := c.Request.Path
	// only form submissions are verified; a GET of the login/register
	// page serves the static page itself.
	if tag, isAuth := c.Request.AuthTag(); isAuth && c.Request.Method == "POST" {
		path = auth.Verify(context.Background(), s.dbPool, tag, c.Request.Post)
	}
	keepAlive := c.Request.IsKeepAlive()

	resp, err := httpresponse.Build(s.cfg.ResourcesDir, path, keepAlive)
	if err != nil {
		resp = httpresponse.BuildError(400, keepAlive)
	}
	c.ArmWrite(resp)
	s.rearm(fd, s.writeMask())
}

// writeTask drains c's gather-write vector (looping only under
// edge-triggered mode; level-triggered relies on a fresh WRITE
// notification for the remainder). On completion, a keep-alive
// connection is reset and rearmed for READ; otherwise it is closed.
func (s *Server) writeTask(fd int, c *connection.Conn) {
	if c.Closed() {
		return
	}

	for {
		_, err := c.WriteOnce()
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				s.rearm(fd, s.writeMask())
				return
			}
			s.closeConn(fd)
			return
		}
		if !c.Pending() {
			break
		}
		if !s.cfg.ConnEdgeTriggered() {
			s.rearm(fd, s.writeMask())
			return
		}
	}

	if c.Request.IsKeepAlive() {
		c.Reset()
		s.rearm(fd, s.readMask())
		return
	}
	s.closeConn(fd)
}

func (s *Server) rearm(fd int, mask uint32) {
	if err := s.poller.Mod(fd, mask); err != nil {
		s.closeConn(fd)
	}
}

func (s *Server) readMask() uint32 {
	m := uint32(poller.Read | poller.OneShot | poller.PeerHangup)
	if s.cfg.ConnEdgeTriggered() {
		m |= uint32(poller.Edge)
	}
	return m
}

func (s *Server) writeMask() uint32 {
	m := uint32(poller.Write | poller.OneShot | poller.PeerHangup)
	if s.cfg.ConnEdgeTriggered() {
		m |= uint32(poller.Edge)
	}
	return m
}

// closeConn is the one idempotent teardown path: it is safe to call from
// the reactor loop, a worker task, or a fired timer callback. A mutex
// guards the connection map since all three can reach it concurrently.
// The timer heap, by contrast, stays reactor-confined: a close initiated
// from a worker leaves its node in place, and the eventual callback
// finds the fd gone from the map and no-ops.
func (s *Server) closeConn(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	if ok {
		delete(s.conns, fd)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.poller.Del(fd)
	c.Close()
	s.log.WithFields(logrus.Fields{"fd": fd, "peer": c.PeerAddr}).Debug("server: client out")
}

// Shutdown stops accepting, drains the worker pool, closes every live
// connection, and closes the DB pool and poller. Only the first call does
// any work, so it is safe to call after Run already shut down on its own.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.closing.Store(true)

	if s.listenFD != 0 {
		s.poller.Del(s.listenFD)
		unix.Close(s.listenFD)
		s.listenFD = 0
	}

	s.workers.Close()

	s.mu.Lock()
	conns := make([]*connection.Conn, 0, len(s.conns))
	for fd, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, fd)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	if err := s.dbPool.Close(); err != nil {
		s.log.WithError(err).Warn("server: dbpool close")
	}
	s.poller.Close()
	s.logSink.Close()
}

func peerAddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return ""
	}
}
