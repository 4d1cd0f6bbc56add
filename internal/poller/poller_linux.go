//go:build linux

// Package poller is a thin wrapper over epoll(7): Add/Mod/Del/Wait plus
// per-event fd/mask accessors.
package poller

import (
	"golang.org/x/sys/unix"
)

// Event masks, re-exported from golang.org/x/sys/unix so callers never
// need to import it directly.
const (
	Read       = unix.EPOLLIN
	Write      = unix.EPOLLOUT
	OneShot    = unix.EPOLLONESHOT
	Edge       = unix.EPOLLET
	PeerHangup = unix.EPOLLRDHUP
	Err        = unix.EPOLLERR
	Hangup     = unix.EPOLLHUP
)

const defaultMaxEvents = 1024

// Poller wraps one epoll instance and a fixed-size event buffer. An
// internal eventfd is registered alongside the caller's fds so Wakeup can
// interrupt a Wait that would otherwise block indefinitely.
type Poller struct {
	epfd   int
	wakeFD int
	events []unix.EpollEvent
}

// New creates a Poller with the default 1024-entry event buffer.
func New() (*Poller, error) {
	return NewSize(defaultMaxEvents)
}

// NewSize creates a Poller whose Wait call can report at most maxEvents
// ready descriptors per call.
func NewSize(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	p := &Poller{epfd: fd, wakeFD: wake, events: make([]unix.EpollEvent, maxEvents)}
	if err := p.Add(wake, uint32(Read)); err != nil {
		unix.Close(wake)
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

// Add registers fd for the given event mask.
func (p *Poller) Add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

// Mod changes fd's registered event mask (used to rearm a one-shot fd).
func (p *Poller) Mod(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

// Del unregisters fd.
func (p *Poller) Del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for at most timeoutMS milliseconds (negative blocks
// indefinitely, 0 polls) and returns the number of ready descriptors.
// Wakeup notifications are drained and filtered out here, so callers only
// ever see their own fds.
func (p *Poller) Wait(timeoutMS int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		return n, err
	}
	out := 0
	for i := 0; i < n; i++ {
		if int(p.events[i].Fd) == p.wakeFD {
			var drain [8]byte
			unix.Read(p.wakeFD, drain[:])
			continue
		}
		p.events[out] = p.events[i]
		out++
	}
	return out, nil
}

// Wakeup makes a concurrent (or the next) Wait return early, used to
// interrupt an indefinitely blocked event loop at shutdown.
func (p *Poller) Wakeup() error {
	_, err := unix.Write(p.wakeFD, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	return err
}

// EventFD returns the fd of the i'th ready descriptor from the last Wait.
func (p *Poller) EventFD(i int) int { return int(p.events[i].Fd) }

// EventMask returns the event mask of the i'th ready descriptor from the
// last Wait.
func (p *Poller) EventMask(i int) uint32 { return p.events[i].Events }

// Close releases the wakeup eventfd and the underlying epoll fd.
func (p *Poller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}
