package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

const (
	DefaultMinConnections     = 5
	DefaultMaxConnections     = 20
	DefaultAcquireTimeout     = 5 * time.Second
	defaultHealthCheckRetries = 2
)

var (
	// ErrPoolExhausted is returned when no connection frees up before the acquire timeout.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrInvalidBounds indicates min/max connection settings that cannot be satisfied.
	ErrInvalidBounds = errors.New("pool: invalid connection bounds")

	errMissingDatabase = errors.New("pool: database handle is required")
	errUnhealthy       = errors.New("pool: no healthy connection available")
)

// Config bounds the pool.
type Config struct {
	MinConnections     int
	MaxConnections     int
	AcquireTimeout     time.Duration
	HealthCheckRetries int
	Logger             *zap.Logger
}

// Pool hands out connections of a gorm database one logical operation at a time.
type Pool struct {
	db             *gorm.DB
	sqlDB          *sql.DB
	slots          *semaphore.Weighted
	min            int
	max            int
	acquireTimeout time.Duration
	healthRetries  int
	logger         *zap.Logger

	outstanding atomic.Int64
	exhausted   atomic.Int64
	discarded   atomic.Int64
	closed      atomic.Bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Min         int
	Max         int
	Outstanding int
	Idle        int
	Open        int
	WaitCount   int64
	Exhausted   int64
	Discarded   int64
}

// New wraps db in a bounded pool. The underlying database/sql pool is sized to match.
func New(db *gorm.DB, cfg Config) (*Pool, error) {
	if db == nil {
		return nil, errMissingDatabase
	}

	minConns := cfg.MinConnections
	if minConns == 0 {
		minConns = DefaultMinConnections
	}
	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = DefaultMaxConnections
	}
	if minConns < 0 || maxConns < 1 || minConns > maxConns {
		return nil, fmt.Errorf("%w: min=%d max=%d", ErrInvalidBounds, minConns, maxConns)
	}

	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	retries := cfg.HealthCheckRetries
	if retries <= 0 {
		retries = defaultHealthCheckRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxIdleTime(0)

	return &Pool{
		db:             db,
		sqlDB:          sqlDB,
		slots:          semaphore.NewWeighted(int64(maxConns)),
		min:            minConns,
		max:            maxConns,
		acquireTimeout: timeout,
		healthRetries:  retries,
		logger:         logger,
	}, nil
}

// Warm opens the minimum number of connections so they sit idle before the first request.
func (p *Pool) Warm(ctx context.Context) error {
	handles := make([]*Handle, 0, p.min)
	defer func() {
		for _, handle := range handles {
			handle.Release()
		}
	}()
	for i := 0; i < p.min; i++ {
		handle, err := p.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("warm pool: %w", err)
		}
		handles = append(handles, handle)
	}
	p.logger.Info("connection pool warmed", zap.Int("min", p.min), zap.Int("max", p.max))
	return nil
}

// Acquire blocks until a healthy connection is available, the acquire timeout elapses
// (ErrPoolExhausted) or ctx is done. The returned handle must be released.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.exhausted.Add(1)
		return nil, ErrPoolExhausted
	}

	conn, err := p.healthyConn(waitCtx)
	if err != nil {
		p.slots.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			p.exhausted.Add(1)
			return nil, ErrPoolExhausted
		}
		return nil, err
	}

	p.outstanding.Add(1)
	return &Handle{pool: p, conn: conn}, nil
}

// healthyConn checks connections out of database/sql, discarding broken ones.
func (p *Pool) healthyConn(ctx context.Context) (*sql.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= p.healthRetries; attempt++ {
		conn, err := p.sqlDB.Conn(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err := conn.PingContext(ctx); err != nil {
			lastErr = err
			p.discard(conn, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %v", errUnhealthy, lastErr)
}

// discard forces database/sql to close the connection instead of returning it to the idle set.
func (p *Pool) discard(conn *sql.Conn, cause error) {
	p.discarded.Add(1)
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
	p.logger.Warn("discarded broken connection", zap.Error(cause))
}

func (p *Pool) release(handle *Handle) {
	if err := handle.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Warn("connection release failed", zap.Error(err))
	}
	p.outstanding.Add(-1)
	p.slots.Release(1)
}

// WithConnection runs fn with a pooled connection and releases it on every exit path.
func (p *Pool) WithConnection(ctx context.Context, fn func(handle *Handle) error) error {
	handle, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()
	return fn(handle)
}

// Ping acquires and immediately releases a connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConnection(ctx, func(*Handle) error { return nil })
}

// Stats reports pool occupancy.
func (p *Pool) Stats() Stats {
	dbStats := p.sqlDB.Stats()
	return Stats{
		Min:         p.min,
		Max:         p.max,
		Outstanding: int(p.outstanding.Load()),
		Idle:        dbStats.Idle,
		Open:        dbStats.OpenConnections,
		WaitCount:   dbStats.WaitCount,
		Exhausted:   p.exhausted.Load(),
		Discarded:   p.discarded.Load(),
	}
}

// Close rejects new acquisitions and closes the underlying database.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.sqlDB.Close()
}

// Handle is a connection checked out of the pool.
type Handle struct {
	pool *Pool
	conn *sql.Conn
	once sync.Once
}

// DB returns a gorm session pinned to this connection.
func (h *Handle) DB(ctx context.Context) *gorm.DB {
	session := h.pool.db.Session(&gorm.Session{NewDB: true, Context: ctx})
	session.Statement.ConnPool = h.conn
	return session
}

// Release returns the connection to the pool. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.release(h)
	})
}
