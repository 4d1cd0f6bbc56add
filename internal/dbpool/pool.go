// Package dbpool implements a fixed-size pool of pre-opened database
// sessions used for authenticating form submissions: sessions are leased
// under a counting semaphore and returned to a FIFO on release.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Lease once the pool has been closed.
var ErrClosed = errors.New("dbpool: closed")

// Config carries the construction-time database parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
}

// Pool is a fixed-size set of pre-opened *sql.DB handles, each wrapping a
// single dedicated connection, leased out under a counting semaphore and
// returned to a FIFO on release.
type Pool struct {
	sem    *semaphore.Weighted
	mu     sync.Mutex
	idle   []*sql.DB
	closed bool
}

// Open dials cfg.PoolSize sessions in advance and fills the idle FIFO.
// Each session is a *sql.DB limited to exactly one connection so that
// leasing it really does hand the caller exclusive use of one backing
// connection.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("dbpool: pool size must be > 0")
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	p := &Pool{sem: semaphore.NewWeighted(int64(cfg.PoolSize))}
	for i := 0; i < cfg.PoolSize; i++ {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			p.closeIdleLocked()
			return nil, fmt.Errorf("dbpool: open session %d: %w", i, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			p.closeIdleLocked()
			return nil, fmt.Errorf("dbpool: ping session %d: %w", i, err)
		}
		p.idle = append(p.idle, db)
	}
	return p, nil
}

// NewSingle wraps an already-open db as a one-session pool. It is the
// seam callers (tests, or anyone supplying a *sql.DB from elsewhere
// rather than dialing by DSN) use instead of Open.
func NewSingle(db *sql.DB) *Pool {
	return &Pool{sem: semaphore.NewWeighted(1), idle: []*sql.DB{db}}
}

// Lease blocks until a session is available (or ctx is done), pops it
// from the FIFO, and returns it. The caller must call Release on every
// exit path, successful or not.
func (p *Pool) Lease(ctx context.Context) (*sql.DB, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrClosed
	}
	db := p.idle[0]
	p.idle = p.idle[1:]
	return db, nil
}

// Release returns db to the idle FIFO and signals the semaphore. On a
// closed pool db is closed instead; the semaphore is still signalled so a
// Lease blocked in Acquire wakes and reports ErrClosed.
func (p *Pool) Release(db *sql.DB) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		db.Close()
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, db)
	p.mu.Unlock()
	p.sem.Release(1)
}

// WithSession leases a session for the duration of fn and releases it on
// every exit path.
func (p *Pool) WithSession(ctx context.Context, fn func(*sql.DB) error) error {
	db, err := p.Lease(ctx)
	if err != nil {
		return err
	}
	defer p.Release(db)
	return fn(db)
}

// Close drains the idle FIFO and closes every session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeIdleLocked()
}

func (p *Pool) closeIdleLocked() error {
	var firstErr error
	for _, db := range p.idle {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}

// FreeCount reports the number of idle sessions, for diagnostics/tests.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
