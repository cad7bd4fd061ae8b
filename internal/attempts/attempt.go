package attempts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome classifies a stored attempt.
type Outcome string

const (
	// OutcomeCorrect marks a flag whose fingerprint matched the challenge.
	OutcomeCorrect Outcome = "correct"
	// OutcomeIncorrect marks a well-formed flag that did not match.
	OutcomeIncorrect Outcome = "incorrect"
	// OutcomeMalformed marks input rejected by the sanitizer or format check.
	OutcomeMalformed Outcome = "malformed"
)

// Attempt is one submitted flag. Attempts are append-only.
type Attempt struct {
	AttemptID       string  `gorm:"column:attempt_id;primaryKey;size:36;not null"`
	UserID          string  `gorm:"column:user_id;size:190;not null;index:idx_attempts_user_challenge,priority:1"`
	ChallengeID     string  `gorm:"column:challenge_id;size:64;not null;index:idx_attempts_user_challenge,priority:2;index:idx_attempts_challenge"`
	FlagFingerprint string  `gorm:"column:flag_fingerprint;size:128;not null;default:''"`
	SubmittedAtMs   int64   `gorm:"column:submitted_at_ms;not null;index"`
	Outcome         Outcome `gorm:"column:outcome;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attempt) TableName() string {
	return "ctf_attempts"
}

// Solve records the first correct attempt of a user for a challenge.
type Solve struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ChallengeID string `gorm:"column:challenge_id;primaryKey;size:64;not null;index"`
	AttemptID   string `gorm:"column:attempt_id;size:36;not null"`
	SolvedAtMs  int64  `gorm:"column:solved_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Solve) TableName() string {
	return "ctf_solves"
}

// IDProvider issues attempt identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers, which sort by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Record appends an attempt.
func Record(tx *gorm.DB, attempt *Attempt) error {
	return tx.Create(attempt).Error
}

// SolveExists reports whether the user already solved the challenge.
func SolveExists(tx *gorm.DB, userID string, challengeID string) (bool, error) {
	var count int64
	err := tx.Model(&Solve{}).
		Where("user_id = ? AND challenge_id = ?", userID, challengeID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertSolve stores the solve unless one already exists for the pair. It reports
// whether this call created the row; false means a concurrent writer got there first.
func InsertSolve(tx *gorm.DB, attempt Attempt, solvedAt time.Time) (bool, error) {
	solve := Solve{
		UserID:      attempt.UserID,
		ChallengeID: attempt.ChallengeID,
		AttemptID:   attempt.AttemptID,
		SolvedAtMs:  solvedAt.UTC().UnixMilli(),
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&solve)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CountSolves returns the number of solves recorded for a challenge.
func CountSolves(tx *gorm.DB, challengeID string) (int64, error) {
	var count int64
	err := tx.Model(&Solve{}).Where("challenge_id = ?", challengeID).Count(&count).Error
	return count, err
}
