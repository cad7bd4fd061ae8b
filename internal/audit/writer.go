package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/pool"
	"github.com/diffye/ctf-backend/internal/users"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultQueueSize       = 256
	DefaultWritesPerSecond = 50
	defaultWriteTimeout    = 10 * time.Second
)

// Results reported to the Observer.
const (
	ResultWritten = "written"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// Entry is a malformed submission waiting to be recorded.
type Entry struct {
	UserID      string
	ChallengeID string
	SubmittedAt time.Time
}

// Observer receives one call per entry with its final result.
type Observer interface {
	ObserveAudit(result string)
}

// Config wires the writer.
type Config struct {
	Pool            *pool.Pool
	IDs             attempts.IDProvider
	QueueSize       int
	WritesPerSecond int
	WriteTimeout    time.Duration
	Observer        Observer
	Logger          *zap.Logger
}

// Writer records malformed attempts off the request path. Entries are dropped rather
// than delaying a response when the queue is full.
type Writer struct {
	pool         *pool.Pool
	ids          attempts.IDProvider
	throttle     ratelimit.Limiter
	writeTimeout time.Duration
	observer     Observer
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// NewWriter starts the background writer. Close drains it.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Pool == nil {
		return nil, errors.New("audit: connection pool required")
	}
	ids := cfg.IDs
	if ids == nil {
		ids = attempts.NewUUIDProvider()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	writesPerSecond := cfg.WritesPerSecond
	if writesPerSecond <= 0 {
		writesPerSecond = DefaultWritesPerSecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &Writer{
		pool:         cfg.Pool,
		ids:          ids,
		throttle:     ratelimit.New(writesPerSecond, ratelimit.WithoutSlack),
		writeTimeout: writeTimeout,
		observer:     cfg.Observer,
		logger:       logger,
		queue:        make(chan Entry, queueSize),
		done:         make(chan struct{}),
	}
	go writer.run()
	return writer, nil
}

// Enqueue hands the entry to the background writer without blocking. It reports
// whether the entry was accepted.
func (w *Writer) Enqueue(entry Entry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.report(ResultDropped)
		return false
	}
	select {
	case w.queue <- entry:
		return true
	default:
		w.report(ResultDropped)
		w.logger.Warn("audit queue full, dropping malformed attempt",
			zap.String("user_id", entry.UserID),
			zap.String("challenge_id", entry.ChallengeID))
		return false
	}
}

// Pending returns the number of queued entries.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		w.throttle.Take()
		if err := w.write(entry); err != nil {
			w.report(ResultFailed)
			w.logger.Error("audit write failed",
				zap.String("operation", "audit.write"),
				zap.String("user_id", entry.UserID),
				zap.String("challenge_id", entry.ChallengeID),
				zap.Error(err))
			continue
		}
		w.report(ResultWritten)
	}
}

func (w *Writer) write(entry Entry) error {
	attemptID, err := w.ids.NewID()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	attempt := attempts.Attempt{
		AttemptID:     attemptID,
		UserID:        entry.UserID,
		ChallengeID:   entry.ChallengeID,
		SubmittedAtMs: entry.SubmittedAt.UTC().UnixMilli(),
		Outcome:       attempts.OutcomeMalformed,
	}
	return w.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		return handle.DB(ctx).Transaction(func(tx *gorm.DB) error {
			if err := users.Ensure(tx, entry.UserID, entry.SubmittedAt); err != nil {
				return err
			}
			return attempts.Record(tx, &attempt)
		})
	})
}

func (w *Writer) report(result string) {
	if w.observer != nil {
		w.observer.ObserveAudit(result)
	}
}
