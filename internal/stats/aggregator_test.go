package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/database/dbtest"
	"github.com/diffye/ctf-backend/internal/stats"
	"github.com/diffye/ctf-backend/internal/users"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var base = time.Date(2024, 9, 15, 10, 0, 0, 0, time.UTC)

func ms(offset time.Duration) int64 {
	return base.Add(offset).UnixMilli()
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	deactivatedAt := ms(0)
	require.NoError(t, db.Create(&[]users.User{
		{UserID: "alice", DisplayName: "Alice", JoinedAtMs: ms(0), IsActive: true},
		{UserID: "bob", DisplayName: "Bob", JoinedAtMs: ms(0), IsActive: true},
		{UserID: "carol", DisplayName: "Carol", JoinedAtMs: ms(0), IsActive: true},
		{UserID: "mallory", DisplayName: "Mallory", JoinedAtMs: ms(0), IsActive: true},
	}).Error)
	require.NoError(t, db.Model(&users.User{}).Where("user_id = ?", "mallory").
		Updates(map[string]any{"is_active": false, "deactivated_at_ms": deactivatedAt}).Error)

	require.NoError(t, db.Create(&[]challenges.Challenge{
		{ChallengeID: "ch1", Title: "One", Category: "web", Points: 100, FlagFingerprint: "f1", PublishedAtMs: ms(0)},
		{ChallengeID: "ch2", Title: "Two", Category: "pwn", Points: 300, FlagFingerprint: "f2", PublishedAtMs: ms(0)},
		{ChallengeID: "ch3", Title: "Three", Category: "misc", Points: 50, FlagFingerprint: "f3", PublishedAtMs: ms(0)},
	}).Error)

	rows := []attempts.Attempt{
		// alice: ch1 after 10 minutes, ch2 after 30 minutes.
		{AttemptID: "a01", UserID: "alice", ChallengeID: "ch1", SubmittedAtMs: ms(0), Outcome: attempts.OutcomeIncorrect},
		{AttemptID: "a02", UserID: "alice", ChallengeID: "ch1", SubmittedAtMs: ms(10 * time.Minute), Outcome: attempts.OutcomeCorrect},
		{AttemptID: "a03", UserID: "alice", ChallengeID: "ch2", SubmittedAtMs: ms(time.Hour), Outcome: attempts.OutcomeIncorrect},
		{AttemptID: "a04", UserID: "alice", ChallengeID: "ch2", SubmittedAtMs: ms(90 * time.Minute), Outcome: attempts.OutcomeCorrect},
		{AttemptID: "a05", UserID: "alice", ChallengeID: "ch3", SubmittedAtMs: ms(2 * time.Hour), Outcome: attempts.OutcomeIncorrect},
		{AttemptID: "a06", UserID: "alice", ChallengeID: "zzz", SubmittedAtMs: ms(2 * time.Hour), Outcome: attempts.OutcomeMalformed},
		// bob: ch1 first, then ch2 later than alice.
		{AttemptID: "a07", UserID: "bob", ChallengeID: "ch1", SubmittedAtMs: ms(5 * time.Minute), Outcome: attempts.OutcomeCorrect},
		{AttemptID: "a08", UserID: "bob", ChallengeID: "ch2", SubmittedAtMs: ms(3 * time.Hour), Outcome: attempts.OutcomeCorrect},
		// carol: only ch1, same points as nobody else.
		{AttemptID: "a09", UserID: "carol", ChallengeID: "ch1", SubmittedAtMs: ms(20 * time.Minute), Outcome: attempts.OutcomeCorrect},
		// mallory is deactivated but has the most points.
		{AttemptID: "a10", UserID: "mallory", ChallengeID: "ch2", SubmittedAtMs: ms(time.Minute), Outcome: attempts.OutcomeCorrect},
		{AttemptID: "a11", UserID: "mallory", ChallengeID: "ch1", SubmittedAtMs: ms(2 * time.Minute), Outcome: attempts.OutcomeCorrect},
	}
	require.NoError(t, db.Create(&rows).Error)

	require.NoError(t, db.Create(&[]attempts.Solve{
		{UserID: "alice", ChallengeID: "ch1", AttemptID: "a02", SolvedAtMs: ms(10 * time.Minute)},
		{UserID: "alice", ChallengeID: "ch2", AttemptID: "a04", SolvedAtMs: ms(90 * time.Minute)},
		{UserID: "bob", ChallengeID: "ch1", AttemptID: "a07", SolvedAtMs: ms(5 * time.Minute)},
		{UserID: "bob", ChallengeID: "ch2", AttemptID: "a08", SolvedAtMs: ms(3 * time.Hour)},
		{UserID: "carol", ChallengeID: "ch1", AttemptID: "a09", SolvedAtMs: ms(20 * time.Minute)},
		{UserID: "mallory", ChallengeID: "ch2", AttemptID: "a10", SolvedAtMs: ms(time.Minute)},
		{UserID: "mallory", ChallengeID: "ch1", AttemptID: "a11", SolvedAtMs: ms(2 * time.Minute)},
	}).Error)
}

func newAggregator(t *testing.T, now time.Time, size int) *stats.Aggregator {
	t.Helper()
	connections, db := dbtest.NewPool(t, dbtest.Options{})
	seed(t, db)
	aggregator, err := stats.NewAggregator(stats.Config{
		Pool:            connections,
		LeaderboardSize: size,
		Clock:           func() time.Time { return now },
	})
	require.NoError(t, err)
	return aggregator
}

func TestUserStats(t *testing.T) {
	aggregator := newAggregator(t, base.Add(4*time.Hour), 10)

	alice, err := aggregator.UserStats(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", alice.DisplayName)
	require.True(t, alice.Active)
	require.Equal(t, int64(6), alice.TotalAttempts)
	require.Equal(t, int64(3), alice.AttemptsByOutcome["incorrect"])
	require.Equal(t, int64(2), alice.AttemptsByOutcome["correct"])
	require.Equal(t, int64(1), alice.AttemptsByOutcome["malformed"])
	require.Equal(t, int64(3), alice.ChallengesAttempted)
	require.Equal(t, int64(2), alice.Solves)
	require.Equal(t, int64(400), alice.Points)
	require.InDelta(t, 2.0/3.0, alice.SuccessRate, 1e-9)
	require.Equal(t, 20*time.Minute, alice.AverageResolution)
	require.Equal(t, []string{"ch1", "ch2"}, alice.SolvedChallenges)
	require.Equal(t, base.Add(2*time.Hour), alice.LastActivity)
}

func TestUserStatsForUserWithoutSolves(t *testing.T) {
	connections, db := dbtest.NewPool(t, dbtest.Options{})
	require.NoError(t, db.Create(&users.User{UserID: "newbie", JoinedAtMs: ms(0), IsActive: true}).Error)
	aggregator, err := stats.NewAggregator(stats.Config{Pool: connections})
	require.NoError(t, err)

	newbie, err := aggregator.UserStats(context.Background(), "newbie")
	require.NoError(t, err)
	require.Zero(t, newbie.SuccessRate)
	require.Zero(t, newbie.AverageResolution)
	require.Empty(t, newbie.SolvedChallenges)
	require.True(t, newbie.LastActivity.IsZero())

	_, err = aggregator.UserStats(context.Background(), "ghost")
	require.ErrorIs(t, err, users.ErrUnknownUser)
}

func TestChallengeStatsRanksSolvers(t *testing.T) {
	aggregator := newAggregator(t, base.Add(4*time.Hour), 10)

	ch1, err := aggregator.ChallengeStats(context.Background(), "ch1")
	require.NoError(t, err)
	require.Equal(t, "One", ch1.Title)
	require.Equal(t, int64(5), ch1.TotalAttempts)
	require.Equal(t, int64(4), ch1.DistinctUsers)
	require.Equal(t, int64(4), ch1.Solves)
	require.NotNil(t, ch1.FirstSolver)
	require.Equal(t, "mallory", ch1.FirstSolver.UserID)

	order := make([]string, 0, len(ch1.Solvers))
	for _, solver := range ch1.Solvers {
		order = append(order, solver.UserID)
	}
	require.Equal(t, []string{"mallory", "bob", "alice", "carol"}, order)
	require.Equal(t, 3, ch1.Solvers[2].Rank)

	ch3, err := aggregator.ChallengeStats(context.Background(), "ch3")
	require.NoError(t, err)
	require.Nil(t, ch3.FirstSolver)
	require.Empty(t, ch3.Solvers)
	require.Equal(t, int64(1), ch3.AttemptsByOutcome["incorrect"])

	_, err = aggregator.ChallengeStats(context.Background(), "missing")
	require.ErrorIs(t, err, challenges.ErrUnknownChallenge)
}

func TestOverviewLeaderboardExcludesDeactivatedUsers(t *testing.T) {
	aggregator := newAggregator(t, base.Add(4*time.Hour), 10)

	overview, err := aggregator.Overview(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), overview.ActiveUsers)
	require.Equal(t, int64(3), overview.ActiveLast24h)
	require.Equal(t, int64(11), overview.TotalAttempts)
	require.Equal(t, int64(7), overview.TotalSolves)

	require.Len(t, overview.Completions, 3)
	require.Equal(t, "ch1", overview.Completions[0].ChallengeID)
	require.Equal(t, int64(4), overview.Completions[0].Solves)
	require.Equal(t, int64(0), overview.Completions[2].Solves)

	require.Len(t, overview.Leaderboard, 3)
	// alice and bob tie on points and solves; alice finished first.
	require.Equal(t, "alice", overview.Leaderboard[0].UserID)
	require.Equal(t, int64(400), overview.Leaderboard[0].Points)
	require.Equal(t, "bob", overview.Leaderboard[1].UserID)
	require.Equal(t, "carol", overview.Leaderboard[2].UserID)
	require.Equal(t, 3, overview.Leaderboard[2].Rank)
}

func TestOverviewHonoursLeaderboardSizeAndActivityWindow(t *testing.T) {
	aggregator := newAggregator(t, base.Add(48*time.Hour), 1)

	overview, err := aggregator.Overview(context.Background())
	require.NoError(t, err)
	require.Len(t, overview.Leaderboard, 1)
	require.Equal(t, int64(0), overview.ActiveLast24h)
}
