// Package logging provides an async, severity-filtered log sink: callers
// never block on I/O, a single goroutine drains formatted lines to the
// underlying writer, and the sink can be disabled or leveled at
// construction time. The sink is opaque about format and rotation -- the
// default writer is os.Stderr, but any io.Writer may be supplied.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level selects the minimum severity the sink lets through: 0=debug,
// 1=info, 2=warn, 3=error.
type Level int

const (
	LevelDebug Level = 0
	LevelInfo  Level = 1
	LevelWarn  Level = 2
	LevelError Level = 3
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// asyncWriter is a bounded channel of pre-formatted lines drained by one
// goroutine. When the queue is full the oldest pending line is dropped
// rather than blocking the caller -- callers run on the reactor or a
// worker, and must never stall on log I/O.
type asyncWriter struct {
	lines chan []byte
	out   io.Writer
	done  chan struct{}
}

func newAsyncWriter(out io.Writer, capacity int) *asyncWriter {
	if capacity <= 0 {
		capacity = 1024
	}
	w := &asyncWriter{
		lines: make(chan []byte, capacity),
		out:   out,
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for line := range w.lines {
		w.out.Write(line)
	}
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case w.lines <- cp:
	default:
		// queue full: drop the oldest pending line to make room rather
		// than block the caller.
		select {
		case <-w.lines:
		default:
		}
		select {
		case w.lines <- cp:
		default:
		}
	}
	return len(p), nil
}

func (w *asyncWriter) Close() {
	close(w.lines)
	<-w.done
}

// Sink is an opaque, severity-filtered log sink.
type Sink struct {
	enabled bool
	logger  *logrus.Logger
	writer  *asyncWriter
}

// New builds a Sink. If enabled is false every logging method is a no-op.
// queueSize bounds the async writer's backlog.
func New(enabled bool, level Level, queueSize int, out io.Writer) *Sink {
	if out == nil {
		out = os.Stderr
	}
	w := newAsyncWriter(out, queueSize)
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level.logrusLevel())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Sink{enabled: enabled, logger: logger, writer: w}
}

// Entry returns a *logrus.Entry usable by downstream components
// (workerpool, server, httpparser, ...). When the sink is disabled the
// entry's logger is set below all levels so every call is a cheap no-op.
func (s *Sink) Entry() *logrus.Entry {
	if !s.enabled {
		l := logrus.New()
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.PanicLevel)
		return logrus.NewEntry(l)
	}
	return logrus.NewEntry(s.logger)
}

// Close drains and stops the async writer.
func (s *Sink) Close() {
	s.writer.Close()
}
