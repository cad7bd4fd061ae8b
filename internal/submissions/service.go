package submissions

import (
	"context"
	"errors"
	"time"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/audit"
	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/flags"
	"github.com/diffye/ctf-backend/internal/pool"
	"github.com/diffye/ctf-backend/internal/ratelimit"
	"github.com/diffye/ctf-backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultRetryBackoff = 200 * time.Millisecond

	fieldUserID      = "user_id"
	fieldChallengeID = "challenge_id"
)

var noOpLogger = zap.NewNop()

// RateLimiter is the pre-check run before any other work.
type RateLimiter interface {
	Allow(userID string) ratelimit.Decision
}

// ChallengeLookup resolves a challenge on the submission's connection.
type ChallengeLookup interface {
	Lookup(db *gorm.DB, challengeID string) (challenges.Challenge, error)
}

// AuditSink records malformed submissions without blocking.
type AuditSink interface {
	Enqueue(entry audit.Entry) bool
}

// ServiceConfig describes the collaborators of the submission pipeline.
type ServiceConfig struct {
	Pool         *pool.Pool
	Limiter      RateLimiter
	Validator    *flags.Validator
	Catalogue    ChallengeLookup
	Users        *users.Service
	Audit        AuditSink
	Publisher    SolvePublisher
	Observer     Observer
	IDProvider   attempts.IDProvider
	RetryBackoff time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service runs submissions through rate limiting, validation and persistence.
type Service struct {
	pool         *pool.Pool
	limiter      RateLimiter
	validator    *flags.Validator
	catalogue    ChallengeLookup
	users        *users.Service
	audit        AuditSink
	publisher    SolvePublisher
	observer     Observer
	idProvider   attempts.IDProvider
	retryBackoff time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// NewService validates the configuration and constructs the pipeline.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Pool == nil {
		return nil, newServiceError(opServiceNew, reasonMissingPool, errMissingPool)
	}
	if cfg.Limiter == nil {
		return nil, newServiceError(opServiceNew, reasonMissingLimiter, errMissingLimiter)
	}
	if cfg.Validator == nil {
		return nil, newServiceError(opServiceNew, reasonMissingValidator, errMissingValidator)
	}
	if cfg.Catalogue == nil {
		return nil, newServiceError(opServiceNew, reasonMissingCatalogue, errMissingCatalogue)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = attempts.NewUUIDProvider()
	}
	backoff := cfg.RetryBackoff
	if backoff < 0 {
		backoff = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		pool:         cfg.Pool,
		limiter:      cfg.Limiter,
		validator:    cfg.Validator,
		catalogue:    cfg.Catalogue,
		users:        cfg.Users,
		audit:        cfg.Audit,
		publisher:    cfg.Publisher,
		observer:     cfg.Observer,
		idProvider:   idProvider,
		retryBackoff: backoff,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Submit processes one flag submission. Every failure is folded into the Result.
func (s *Service) Submit(ctx context.Context, userID string, challengeID string, rawFlag string) Result {
	started := time.Now()
	result := s.submit(ctx, userID, challengeID, rawFlag)
	result.Elapsed = time.Since(started)
	if s.observer != nil {
		s.observer.ObserveSubmission(result.Outcome, result.Elapsed)
	}
	return result
}

func (s *Service) submit(ctx context.Context, rawUserID string, rawChallengeID string, rawFlag string) Result {
	userID, err := users.NewUserID(rawUserID)
	if err != nil {
		return newResult(OutcomeMalformed)
	}
	challengeID, err := challenges.NewChallengeID(rawChallengeID)
	if err != nil {
		return newResult(OutcomeUnknownChallenge)
	}

	decision := s.limiter.Allow(userID)
	if !decision.Allowed {
		result := newResult(OutcomeRateLimited)
		result.RetryAfter = decision.RetryAfter
		return result
	}

	submittedAt := s.clock()
	checked, err := s.validator.Check(rawFlag)
	if err != nil {
		s.recordMalformed(userID, challengeID, submittedAt)
		return newResult(OutcomeMalformed)
	}

	// Writes finish even when the transport gives up on the response.
	persistCtx := context.WithoutCancel(ctx)
	outcome, err := s.persistWithRetry(persistCtx, userID, challengeID, checked.Fingerprint, submittedAt)
	if err != nil {
		return s.failureResult(err, userID, challengeID)
	}

	result := newResult(outcome.outcome)
	result.Points = outcome.points
	result.FirstBlood = outcome.firstBlood
	result.AvailableAt = outcome.availableAt

	if outcome.outcome == OutcomeCorrect && s.publisher != nil {
		s.publisher.PublishSolve(SolveEvent{
			UserID:      userID,
			ChallengeID: challengeID,
			Points:      outcome.points,
			FirstBlood:  outcome.firstBlood,
			SolvedAt:    submittedAt.UTC(),
		})
	}
	return result
}

func (s *Service) recordMalformed(userID string, challengeID string, submittedAt time.Time) {
	if s.audit == nil {
		return
	}
	if !s.audit.Enqueue(audit.Entry{UserID: userID, ChallengeID: challengeID, SubmittedAt: submittedAt}) {
		s.logger.Debug("malformed attempt not recorded",
			zap.String("operation", opSubmit),
			zap.String("reason", reasonAuditDropped),
			zap.String(fieldUserID, userID))
	}
}

type persisted struct {
	outcome     Outcome
	points      int
	firstBlood  bool
	availableAt time.Time
}

// persistWithRetry retries a transient failure exactly once.
func (s *Service) persistWithRetry(ctx context.Context, userID string, challengeID string, fingerprint string, submittedAt time.Time) (persisted, error) {
	outcome, err := s.persist(ctx, userID, challengeID, fingerprint, submittedAt)
	if err == nil || !pool.IsTransient(err) {
		return outcome, err
	}

	s.logger.Warn("transient persistence failure, retrying",
		zap.String("operation", opSubmit),
		zap.String("reason", reasonTransient),
		zap.String(fieldUserID, userID),
		zap.String(fieldChallengeID, challengeID),
		zap.Error(err))

	if s.retryBackoff > 0 {
		timer := time.NewTimer(s.retryBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return persisted{}, ctx.Err()
		}
	}
	return s.persist(ctx, userID, challengeID, fingerprint, submittedAt)
}

func (s *Service) persist(ctx context.Context, userID string, challengeID string, fingerprint string, submittedAt time.Time) (persisted, error) {
	var out persisted
	err := s.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		db := handle.DB(ctx)

		challenge, err := s.catalogue.Lookup(db, challengeID)
		if err != nil {
			return err
		}
		if !challenge.OpenAt(submittedAt) {
			out = persisted{outcome: OutcomeChallengeLocked, availableAt: challenge.AvailableAt()}
			return nil
		}

		attemptID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opSubmit, reasonIDFailed, err)
		}
		correct := flags.Matches(fingerprint, challenge.FlagFingerprint)
		attempt := attempts.Attempt{
			AttemptID:       attemptID,
			UserID:          userID,
			ChallengeID:     challengeID,
			FlagFingerprint: fingerprint,
			SubmittedAtMs:   submittedAt.UTC().UnixMilli(),
			Outcome:         attempts.OutcomeIncorrect,
		}
		if correct {
			attempt.Outcome = attempts.OutcomeCorrect
		}

		return db.Transaction(func(tx *gorm.DB) error {
			// The user upsert is the first statement so SQLite takes the write lock
			// before the solve check is read.
			if err := users.Ensure(tx, userID, submittedAt); err != nil {
				return err
			}
			if err := attempts.Record(tx, &attempt); err != nil {
				return err
			}

			solved, err := attempts.SolveExists(tx, userID, challengeID)
			if err != nil {
				return err
			}
			if solved {
				out = persisted{outcome: OutcomeAlreadySolved}
				return nil
			}
			if !correct {
				out = persisted{outcome: OutcomeIncorrect}
				return nil
			}

			created, err := attempts.InsertSolve(tx, attempt, submittedAt)
			if err != nil {
				return err
			}
			if !created {
				out = persisted{outcome: OutcomeAlreadySolved}
				return nil
			}

			solves, err := attempts.CountSolves(tx, challengeID)
			if err != nil {
				return err
			}
			out = persisted{outcome: OutcomeCorrect, points: challenge.Points, firstBlood: solves == 1}
			return nil
		})
	})
	return out, err
}

func (s *Service) failureResult(err error, userID string, challengeID string) Result {
	switch {
	case errors.Is(err, challenges.ErrUnknownChallenge):
		return newResult(OutcomeUnknownChallenge)
	case errors.Is(err, pool.ErrPoolExhausted):
		s.logger.Warn("submission rejected",
			zap.String("operation", opSubmit),
			zap.String("reason", reasonPoolExhausted),
			zap.String(fieldUserID, userID),
			zap.String(fieldChallengeID, challengeID))
		return newResult(OutcomePoolExhausted)
	case pool.IsTransient(err), errors.Is(err, pool.ErrPoolClosed):
		s.logError(opSubmit, reasonTransient, err,
			zap.String(fieldUserID, userID),
			zap.String(fieldChallengeID, challengeID))
		return newResult(OutcomeServiceUnavailable)
	default:
		s.logError(opSubmit, reasonPersistFailed, err,
			zap.String(fieldUserID, userID),
			zap.String(fieldChallengeID, challengeID))
		return newResult(OutcomeInternalError)
	}
}

// Register creates or reactivates a user.
func (s *Service) Register(ctx context.Context, userID string, displayName string) (users.User, error) {
	if s.users == nil {
		return users.User{}, newServiceError(opRegister, reasonUsersUnavailable, nil)
	}
	return s.users.Register(ctx, userID, displayName)
}

// Deactivate hides a user from rankings; their history is kept.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	if s.users == nil {
		return newServiceError(opDeactivate, reasonUsersUnavailable, nil)
	}
	return s.users.Deactivate(ctx, userID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("submission service error", attrs...)
}
