package stats

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/pool"
	"github.com/diffye/ctf-backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultLeaderboardSize = 10
	activityWindow         = 24 * time.Hour
)

var errMissingPool = errors.New("stats: connection pool required")

// UserStats summarizes one user's activity.
type UserStats struct {
	UserID              string           `json:"user_id"`
	DisplayName         string           `json:"display_name"`
	Active              bool             `json:"active"`
	AttemptsByOutcome   map[string]int64 `json:"attempts_by_outcome"`
	TotalAttempts       int64            `json:"total_attempts"`
	ChallengesAttempted int64            `json:"challenges_attempted"`
	Solves              int64            `json:"solves"`
	Points              int64            `json:"points"`
	// SuccessRate is solves divided by distinct challenges attempted.
	SuccessRate float64 `json:"success_rate"`
	// AverageResolution is the mean time from first attempt to solve.
	AverageResolution        time.Duration `json:"-"`
	AverageResolutionSeconds float64       `json:"average_resolution_seconds"`
	SolvedChallenges         []string      `json:"solved_challenges"`
	LastActivity             time.Time     `json:"last_activity,omitzero"`
}

// Solver is one entry of a challenge's race-to-solve ranking.
type Solver struct {
	Rank        int       `json:"rank"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SolvedAt    time.Time `json:"solved_at"`
}

// ChallengeStats summarizes activity on one challenge.
type ChallengeStats struct {
	ChallengeID       string           `json:"challenge_id"`
	Title             string           `json:"title"`
	Category          string           `json:"category"`
	Points            int              `json:"points"`
	AttemptsByOutcome map[string]int64 `json:"attempts_by_outcome"`
	TotalAttempts     int64            `json:"total_attempts"`
	DistinctUsers     int64            `json:"distinct_users"`
	Solves            int64            `json:"solves"`
	FirstSolver       *Solver          `json:"first_solver,omitempty"`
	Solvers           []Solver         `json:"solvers"`
}

// Completion counts the solves of one challenge.
type Completion struct {
	ChallengeID string `json:"challenge_id"`
	Title       string `json:"title"`
	Solves      int64  `json:"solves"`
}

// LeaderboardEntry is one ranked active user.
type LeaderboardEntry struct {
	Rank        int       `json:"rank"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Points      int64     `json:"points"`
	Solves      int64     `json:"solves"`
	LastSolveAt time.Time `json:"last_solve_at"`
}

// Overview is the event-wide summary.
type Overview struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	ActiveUsers     int64              `json:"active_users"`
	ActiveLast24h   int64              `json:"active_last_24h"`
	TotalAttempts   int64              `json:"total_attempts"`
	TotalSolves     int64              `json:"total_solves"`
	Completions     []Completion       `json:"completions"`
	Leaderboard     []LeaderboardEntry `json:"leaderboard"`
	LeaderboardSize int                `json:"leaderboard_size"`
}

// Config wires the aggregator.
type Config struct {
	Pool            *pool.Pool
	LeaderboardSize int
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Aggregator answers read-only questions over attempts and solves.
type Aggregator struct {
	pool            *pool.Pool
	leaderboardSize int
	now             func() time.Time
	logger          *zap.Logger
	builder         sq.StatementBuilderType
}

// NewAggregator constructs the aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Pool == nil {
		return nil, errMissingPool
	}
	size := cfg.LeaderboardSize
	if size <= 0 {
		size = DefaultLeaderboardSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		pool:            cfg.Pool,
		leaderboardSize: size,
		now:             clock,
		logger:          logger,
		// gorm rewrites ? into the dialect's bind variables.
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

type outcomeCount struct {
	Outcome string `gorm:"column:outcome"`
	Total   int64  `gorm:"column:total"`
}

type lastActivityRow struct {
	LastMs *int64 `gorm:"column:last_ms"`
}

type solveRow struct {
	ChallengeID    string `gorm:"column:challenge_id"`
	SolvedAtMs     int64  `gorm:"column:solved_at_ms"`
	Points         int64  `gorm:"column:points"`
	FirstAttemptMs *int64 `gorm:"column:first_attempt_ms"`
}

type solverRow struct {
	UserID      string `gorm:"column:user_id"`
	DisplayName string `gorm:"column:display_name"`
	SolvedAtMs  int64  `gorm:"column:solved_at_ms"`
}

type leaderboardRow struct {
	UserID      string `gorm:"column:user_id"`
	DisplayName string `gorm:"column:display_name"`
	Points      int64  `gorm:"column:points"`
	Solves      int64  `gorm:"column:solves"`
	LastSolveMs int64  `gorm:"column:last_solve_ms"`
}

// UserStats computes the statistics of one user.
func (a *Aggregator) UserStats(ctx context.Context, userID string) (UserStats, error) {
	id, err := users.NewUserID(userID)
	if err != nil {
		return UserStats{}, err
	}

	result := UserStats{UserID: id, AttemptsByOutcome: map[string]int64{}, SolvedChallenges: []string{}}
	err = a.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		db := handle.DB(ctx)

		var user users.User
		if err := db.Where("user_id = ?", id).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return users.ErrUnknownUser
			}
			return err
		}
		result.DisplayName = user.DisplayName
		result.Active = user.IsActive

		counts, err := a.outcomeCounts(db, sq.Eq{"user_id": id})
		if err != nil {
			return err
		}
		result.AttemptsByOutcome, result.TotalAttempts = counts, sumCounts(counts)

		if err := a.scan(db, a.builder.
			Select("COUNT(DISTINCT challenge_id)").
			From(tableAttempts).
			Where(sq.And{
				sq.Eq{"user_id": id},
				sq.NotEq{"outcome": string(attempts.OutcomeMalformed)},
			}), &result.ChallengesAttempted); err != nil {
			return err
		}

		var activity lastActivityRow
		if err := a.scan(db, a.builder.
			Select("MAX(submitted_at_ms) AS last_ms").
			From(tableAttempts).
			Where(sq.Eq{"user_id": id}), &activity); err != nil {
			return err
		}
		if activity.LastMs != nil {
			result.LastActivity = time.UnixMilli(*activity.LastMs).UTC()
		}

		var solved []solveRow
		if err := a.scan(db, a.builder.
			Select(
				"s.challenge_id",
				"s.solved_at_ms",
				"COALESCE(c.points, 0) AS points",
				"(SELECT MIN(a.submitted_at_ms) FROM ctf_attempts a WHERE a.user_id = s.user_id AND a.challenge_id = s.challenge_id) AS first_attempt_ms",
			).
			From(tableSolves+" s").
			LeftJoin(tableChallenges+" c ON c.challenge_id = s.challenge_id").
			Where(sq.Eq{"s.user_id": id}).
			OrderBy("s.solved_at_ms ASC", "s.challenge_id ASC"), &solved); err != nil {
			return err
		}

		var resolutionTotal time.Duration
		for _, row := range solved {
			result.SolvedChallenges = append(result.SolvedChallenges, row.ChallengeID)
			result.Points += row.Points
			if row.FirstAttemptMs != nil && row.SolvedAtMs >= *row.FirstAttemptMs {
				resolutionTotal += time.Duration(row.SolvedAtMs-*row.FirstAttemptMs) * time.Millisecond
			}
		}
		result.Solves = int64(len(solved))
		if result.Solves > 0 {
			result.AverageResolution = resolutionTotal / time.Duration(result.Solves)
			result.AverageResolutionSeconds = result.AverageResolution.Seconds()
		}
		if result.ChallengesAttempted > 0 {
			result.SuccessRate = float64(result.Solves) / float64(result.ChallengesAttempted)
		}
		return nil
	})
	if err != nil {
		return UserStats{}, a.fail("stats.user", err)
	}
	return result, nil
}

// ChallengeStats computes the statistics of one challenge.
func (a *Aggregator) ChallengeStats(ctx context.Context, challengeID string) (ChallengeStats, error) {
	id, err := challenges.NewChallengeID(challengeID)
	if err != nil {
		return ChallengeStats{}, err
	}

	result := ChallengeStats{ChallengeID: id, AttemptsByOutcome: map[string]int64{}, Solvers: []Solver{}}
	err = a.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		db := handle.DB(ctx)

		var challenge challenges.Challenge
		if err := db.Where("challenge_id = ?", id).Take(&challenge).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return challenges.ErrUnknownChallenge
			}
			return err
		}
		result.Title = challenge.Title
		result.Category = challenge.Category
		result.Points = challenge.Points

		counts, err := a.outcomeCounts(db, sq.Eq{"challenge_id": id})
		if err != nil {
			return err
		}
		result.AttemptsByOutcome, result.TotalAttempts = counts, sumCounts(counts)

		if err := a.scan(db, a.builder.
			Select("COUNT(DISTINCT user_id)").
			From(tableAttempts).
			Where(sq.Eq{"challenge_id": id}), &result.DistinctUsers); err != nil {
			return err
		}

		var solvers []solverRow
		if err := a.scan(db, a.builder.
			Select("s.user_id", "COALESCE(u.display_name, '') AS display_name", "s.solved_at_ms").
			From(tableSolves+" s").
			LeftJoin(tableUsers+" u ON u.user_id = s.user_id").
			Where(sq.Eq{"s.challenge_id": id}).
			OrderBy("s.solved_at_ms ASC", "s.attempt_id ASC"), &solvers); err != nil {
			return err
		}
		for index, row := range solvers {
			result.Solvers = append(result.Solvers, Solver{
				Rank:        index + 1,
				UserID:      row.UserID,
				DisplayName: row.DisplayName,
				SolvedAt:    time.UnixMilli(row.SolvedAtMs).UTC(),
			})
		}
		result.Solves = int64(len(result.Solvers))
		if len(result.Solvers) > 0 {
			first := result.Solvers[0]
			result.FirstSolver = &first
		}
		return nil
	})
	if err != nil {
		return ChallengeStats{}, a.fail("stats.challenge", err)
	}
	return result, nil
}

// Overview computes the event-wide summary and leaderboard. Deactivated users are
// left out of the user counts and the leaderboard.
func (a *Aggregator) Overview(ctx context.Context) (Overview, error) {
	now := a.now().UTC()
	result := Overview{
		GeneratedAt:     now,
		LeaderboardSize: a.leaderboardSize,
		Completions:     []Completion{},
		Leaderboard:     []LeaderboardEntry{},
	}

	err := a.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		db := handle.DB(ctx)

		if err := a.scan(db, a.builder.
			Select("COUNT(*)").
			From(tableUsers).
			Where(sq.Eq{"is_active": true}), &result.ActiveUsers); err != nil {
			return err
		}

		if err := a.scan(db, a.builder.
			Select("COUNT(DISTINCT a.user_id)").
			From(tableAttempts+" a").
			Join(tableUsers+" u ON u.user_id = a.user_id").
			Where(sq.And{
				sq.Eq{"u.is_active": true},
				sq.GtOrEq{"a.submitted_at_ms": now.Add(-activityWindow).UnixMilli()},
			}), &result.ActiveLast24h); err != nil {
			return err
		}

		if err := a.scan(db, a.builder.Select("COUNT(*)").From(tableAttempts), &result.TotalAttempts); err != nil {
			return err
		}
		if err := a.scan(db, a.builder.Select("COUNT(*)").From(tableSolves), &result.TotalSolves); err != nil {
			return err
		}

		if err := a.scan(db, a.builder.
			Select("c.challenge_id", "c.title", "COUNT(s.user_id) AS solves").
			From(tableChallenges+" c").
			LeftJoin(tableSolves+" s ON s.challenge_id = c.challenge_id").
			GroupBy("c.challenge_id", "c.title").
			OrderBy("c.challenge_id ASC"), &result.Completions); err != nil {
			return err
		}

		var ranked []leaderboardRow
		if err := a.scan(db, a.builder.
			Select(
				"u.user_id",
				"u.display_name",
				"COALESCE(SUM(c.points), 0) AS points",
				"COUNT(s.challenge_id) AS solves",
				"MAX(s.solved_at_ms) AS last_solve_ms",
			).
			From(tableSolves+" s").
			Join(tableUsers+" u ON u.user_id = s.user_id").
			LeftJoin(tableChallenges+" c ON c.challenge_id = s.challenge_id").
			Where(sq.Eq{"u.is_active": true}).
			GroupBy("u.user_id", "u.display_name").
			OrderBy("points DESC", "solves DESC", "last_solve_ms ASC", "u.user_id ASC").
			Limit(uint64(a.leaderboardSize)), &ranked); err != nil {
			return err
		}
		for index, row := range ranked {
			result.Leaderboard = append(result.Leaderboard, LeaderboardEntry{
				Rank:        index + 1,
				UserID:      row.UserID,
				DisplayName: row.DisplayName,
				Points:      row.Points,
				Solves:      row.Solves,
				LastSolveAt: time.UnixMilli(row.LastSolveMs).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return Overview{}, a.fail("stats.overview", err)
	}
	return result, nil
}

func (a *Aggregator) outcomeCounts(db *gorm.DB, filter sq.Eq) (map[string]int64, error) {
	var rows []outcomeCount
	if err := a.scan(db, a.builder.
		Select("outcome", "COUNT(*) AS total").
		From(tableAttempts).
		Where(filter).
		GroupBy("outcome"), &rows); err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Total
	}
	return counts, nil
}

func (a *Aggregator) scan(db *gorm.DB, builder sq.Sqlizer, dest any) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	return db.Raw(query, args...).Scan(dest).Error
}

func (a *Aggregator) fail(operation string, err error) error {
	if errors.Is(err, users.ErrUnknownUser) || errors.Is(err, challenges.ErrUnknownChallenge) {
		return err
	}
	a.logger.Error("statistics query failed",
		zap.String("operation", operation),
		zap.String("reason", "query_failed"),
		zap.Error(err))
	return err
}

func sumCounts(counts map[string]int64) int64 {
	var total int64
	for _, count := range counts {
		total += count
	}
	return total
}

var (
	tableUsers      = users.User{}.TableName()
	tableChallenges = challenges.Challenge{}.TableName()
	tableAttempts   = attempts.Attempt{}.TableName()
	tableSolves     = attempts.Solve{}.TableName()
)
