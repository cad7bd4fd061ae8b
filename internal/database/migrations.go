package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSolves = "2024-09-01_backfill_solves_from_correct_attempts"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSolves, apply: backfillSolves},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSolves creates the missing solve rows for attempts imported with a correct outcome.
// The earliest correct attempt of each pair wins.
func backfillSolves(db *gorm.DB) error {
	return db.Exec(`
INSERT INTO ctf_solves (user_id, challenge_id, attempt_id, solved_at_ms)
SELECT a.user_id, a.challenge_id, a.attempt_id, a.submitted_at_ms
FROM ctf_attempts a
WHERE a.outcome = 'correct'
  AND NOT EXISTS (
    SELECT 1 FROM ctf_attempts b
    WHERE b.user_id = a.user_id
      AND b.challenge_id = a.challenge_id
      AND b.outcome = 'correct'
      AND (b.submitted_at_ms < a.submitted_at_ms
        OR (b.submitted_at_ms = a.submitted_at_ms AND b.attempt_id < a.attempt_id)))
  AND NOT EXISTS (
    SELECT 1 FROM ctf_solves s
    WHERE s.user_id = a.user_id AND s.challenge_id = a.challenge_id)`).Error
}
