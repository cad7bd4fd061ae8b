package attempts_test

import (
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/database/dbtest"
	"github.com/google/uuid"
)

func TestUUIDProviderIssuesSortableIdentifiers(t *testing.T) {
	provider := attempts.NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("expected uuid, got %q", first)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if first == second {
		t.Fatalf("expected distinct identifiers")
	}
	if second < first {
		t.Fatalf("expected %s to sort after %s", second, first)
	}
}

func TestInsertSolveKeepsTheFirstRow(t *testing.T) {
	db := dbtest.Open(t)
	solvedAt := time.Date(2024, 9, 15, 10, 0, 0, 0, time.UTC)

	first := attempts.Attempt{AttemptID: "a-1", UserID: "alice", ChallengeID: "ch1", FlagFingerprint: "f", SubmittedAtMs: solvedAt.UnixMilli(), Outcome: attempts.OutcomeCorrect}
	second := first
	second.AttemptID = "a-2"
	for _, attempt := range []attempts.Attempt{first, second} {
		attempt := attempt
		if err := attempts.Record(db, &attempt); err != nil {
			t.Fatalf("record %s: %v", attempt.AttemptID, err)
		}
	}

	exists, err := attempts.SolveExists(db, "alice", "ch1")
	if err != nil || exists {
		t.Fatalf("expected no solve yet, got %v (%v)", exists, err)
	}

	created, err := attempts.InsertSolve(db, first, solvedAt)
	if err != nil || !created {
		t.Fatalf("expected first insert to create the solve, got %v (%v)", created, err)
	}
	created, err = attempts.InsertSolve(db, second, solvedAt.Add(time.Second))
	if err != nil || created {
		t.Fatalf("expected second insert to be ignored, got %v (%v)", created, err)
	}

	var solve attempts.Solve
	if err := db.Where("user_id = ? AND challenge_id = ?", "alice", "ch1").Take(&solve).Error; err != nil {
		t.Fatalf("load solve: %v", err)
	}
	if solve.AttemptID != "a-1" || solve.SolvedAtMs != solvedAt.UnixMilli() {
		t.Fatalf("unexpected solve %+v", solve)
	}

	exists, err = attempts.SolveExists(db, "alice", "ch1")
	if err != nil || !exists {
		t.Fatalf("expected solve to exist, got %v (%v)", exists, err)
	}
}

func TestCountSolvesIsPerChallenge(t *testing.T) {
	db := dbtest.Open(t)
	now := time.Now()
	for index, pair := range [][2]string{{"alice", "ch1"}, {"bob", "ch1"}, {"alice", "ch2"}} {
		attempt := attempts.Attempt{AttemptID: string(rune('a' + index)), UserID: pair[0], ChallengeID: pair[1], Outcome: attempts.OutcomeCorrect}
		if _, err := attempts.InsertSolve(db, attempt, now); err != nil {
			t.Fatalf("insert solve: %v", err)
		}
	}

	count, err := attempts.CountSolves(db, "ch1")
	if err != nil {
		t.Fatalf("count solves: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 solves for ch1, got %d", count)
	}
}
