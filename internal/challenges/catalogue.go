package challenges

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diffye/ctf-backend/internal/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Fingerprinter derives the stored fingerprint for a catalogue flag.
type Fingerprinter interface {
	FingerprintRaw(raw string) (string, error)
}

// Definition describes a challenge before publication.
type Definition struct {
	ID              string
	Title           string
	Category        string
	Points          int
	Flag            string
	FlagFingerprint string
	AvailableAt     time.Time
}

// CatalogueConfig wires the catalogue.
type CatalogueConfig struct {
	Pool          *pool.Pool
	Fingerprinter Fingerprinter
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Catalogue publishes challenges and serves lookups. Published challenges never change,
// so lookups are cached for the life of the process.
type Catalogue struct {
	pool          *pool.Pool
	fingerprinter Fingerprinter
	now           func() time.Time
	logger        *zap.Logger
	cache         sync.Map
}

// PublishReport summarizes a Publish call.
type PublishReport struct {
	Published []string
	Unchanged []string
}

// NewCatalogue constructs the catalogue.
func NewCatalogue(cfg CatalogueConfig) (*Catalogue, error) {
	if cfg.Pool == nil {
		return nil, errors.New("challenges: connection pool required")
	}
	if cfg.Fingerprinter == nil {
		return nil, errors.New("challenges: fingerprinter required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalogue{
		pool:          cfg.Pool,
		fingerprinter: cfg.Fingerprinter,
		now:           clock,
		logger:        logger,
	}, nil
}

// Publish inserts new challenges. Re-publishing an identical challenge is a no-op;
// re-publishing one with different content fails with ErrImmutable.
func (c *Catalogue) Publish(ctx context.Context, definitions []Definition) (PublishReport, error) {
	candidates := make([]Challenge, 0, len(definitions))
	for _, definition := range definitions {
		challenge, err := c.build(definition)
		if err != nil {
			return PublishReport{}, err
		}
		candidates = append(candidates, challenge)
	}

	var report PublishReport
	err := c.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		return handle.DB(ctx).Transaction(func(tx *gorm.DB) error {
			for _, candidate := range candidates {
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 1 {
					report.Published = append(report.Published, candidate.ChallengeID)
					continue
				}

				var existing Challenge
				if err := tx.Where("challenge_id = ?", candidate.ChallengeID).Take(&existing).Error; err != nil {
					return err
				}
				if !sameContent(existing, candidate) {
					return fmt.Errorf("%w: %s", ErrImmutable, candidate.ChallengeID)
				}
				report.Unchanged = append(report.Unchanged, candidate.ChallengeID)
			}
			return nil
		})
	})
	if err != nil {
		return PublishReport{}, pool.DBErr(err)
	}

	c.logger.Info("challenges published",
		zap.Strings("published", report.Published),
		zap.Int("unchanged", len(report.Unchanged)))
	return report, nil
}

func (c *Catalogue) build(definition Definition) (Challenge, error) {
	id, err := NewChallengeID(definition.ID)
	if err != nil {
		return Challenge{}, err
	}

	fingerprint := strings.ToLower(strings.TrimSpace(definition.FlagFingerprint))
	if fingerprint == "" {
		if strings.TrimSpace(definition.Flag) == "" {
			return Challenge{}, fmt.Errorf("%w: %s", ErrMissingFlag, id)
		}
		fingerprint, err = c.fingerprinter.FingerprintRaw(definition.Flag)
		if err != nil {
			return Challenge{}, fmt.Errorf("challenges: flag for %s: %w", id, err)
		}
	}

	challenge := Challenge{
		ChallengeID:     id,
		Title:           strings.TrimSpace(definition.Title),
		Category:        strings.TrimSpace(definition.Category),
		Points:          definition.Points,
		FlagFingerprint: fingerprint,
		PublishedAtMs:   c.now().UTC().UnixMilli(),
	}
	if !definition.AvailableAt.IsZero() {
		challenge.AvailableAtMs = definition.AvailableAt.UTC().UnixMilli()
	}
	return challenge, nil
}

// Lookup loads a challenge on the caller's connection.
func (c *Catalogue) Lookup(db *gorm.DB, challengeID string) (Challenge, error) {
	if cached, ok := c.cache.Load(challengeID); ok {
		if challenge, ok := cached.(Challenge); ok {
			return challenge, nil
		}
	}

	var challenge Challenge
	err := db.Where("challenge_id = ?", challengeID).Take(&challenge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Challenge{}, ErrUnknownChallenge
	}
	if err != nil {
		return Challenge{}, err
	}

	c.cache.Store(challengeID, challenge)
	return challenge, nil
}

// Get loads a challenge using its own pooled connection.
func (c *Catalogue) Get(ctx context.Context, challengeID string) (Challenge, error) {
	id, err := NewChallengeID(challengeID)
	if err != nil {
		return Challenge{}, err
	}
	var challenge Challenge
	err = c.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		var lookupErr error
		challenge, lookupErr = c.Lookup(handle.DB(ctx), id)
		return lookupErr
	})
	if err != nil {
		return Challenge{}, err
	}
	return challenge, nil
}

// List returns every published challenge ordered by id.
func (c *Catalogue) List(ctx context.Context) ([]Challenge, error) {
	var list []Challenge
	err := c.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		return handle.DB(ctx).Order("challenge_id ASC").Find(&list).Error
	})
	if err != nil {
		return nil, pool.DBErr(err)
	}
	return list, nil
}
