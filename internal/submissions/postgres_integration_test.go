//go:build integration

package submissions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/database/dbtest"
	"github.com/diffye/ctf-backend/internal/submissions"
	"github.com/stretchr/testify/require"
)

func TestPostgresConcurrentSubmissionsCreateOneSolve(t *testing.T) {
	const parallel = 24
	h := newHarness(t, harnessOptions{
		db:             dbtest.OpenPostgres(t),
		maxConnections: 8,
		acquireTimeout: 10 * time.Second,
	})

	results := make([]submissions.Result, parallel)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = h.service.Submit(context.Background(), "racer", "ch1", "FLAG{abc}")
		}(i)
	}
	close(start)
	wg.Wait()

	correct := 0
	for _, result := range results {
		switch result.Outcome {
		case submissions.OutcomeCorrect:
			correct++
			require.True(t, result.FirstBlood)
		case submissions.OutcomeAlreadySolved:
		default:
			t.Fatalf("unexpected outcome %s", result.Outcome)
		}
	}
	require.Equal(t, 1, correct)
	require.Equal(t, int64(1), h.countSolves(t))
	require.Equal(t, int64(parallel), h.countAttempts(t, "user_id = ? AND outcome = ?", "racer", attempts.OutcomeCorrect))
	require.Equal(t, 0, h.pool.Stats().Outstanding)
}

func TestPostgresExampleScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{db: dbtest.OpenPostgres(t)})
	ctx := context.Background()

	require.Equal(t, submissions.OutcomeIncorrect, h.service.Submit(ctx, "u1", "ch1", " flag{abc} ").Outcome)
	first := h.service.Submit(ctx, "u1", "ch1", "FLAG{abc}")
	require.Equal(t, submissions.OutcomeCorrect, first.Outcome)
	require.True(t, first.FirstBlood)
	require.Equal(t, submissions.OutcomeAlreadySolved, h.service.Submit(ctx, "u1", "ch1", "FLAG{abc}").Outcome)
	require.Equal(t, int64(3), h.countAttempts(t, "user_id = ?", "u1"))
}
