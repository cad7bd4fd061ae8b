package challenges

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxChallengeIDLength = 64

var (
	// ErrInvalidChallengeID indicates an empty or oversized challenge identifier.
	ErrInvalidChallengeID = errors.New("challenges: invalid challenge id")
	// ErrUnknownChallenge indicates the challenge was never published.
	ErrUnknownChallenge = errors.New("challenges: unknown challenge")
	// ErrImmutable indicates an attempt to change a published challenge.
	ErrImmutable = errors.New("challenges: published challenges are immutable")
	// ErrMissingFlag indicates a definition with neither a flag nor a fingerprint.
	ErrMissingFlag = errors.New("challenges: flag or fingerprint required")
)

// Challenge is a published challenge. Only the fingerprint of its flag is stored.
type Challenge struct {
	ChallengeID     string `gorm:"column:challenge_id;primaryKey;size:64;not null"`
	Title           string `gorm:"column:title;size:320;not null;default:''"`
	Category        string `gorm:"column:category;size:64;not null;default:''"`
	Points          int    `gorm:"column:points;not null;default:0"`
	FlagFingerprint string `gorm:"column:flag_fingerprint;size:128;not null"`
	AvailableAtMs   int64  `gorm:"column:available_at_ms;not null;default:0"`
	PublishedAtMs   int64  `gorm:"column:published_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Challenge) TableName() string {
	return "ctf_challenges"
}

// OpenAt reports whether submissions are accepted at the given time.
func (c Challenge) OpenAt(now time.Time) bool {
	return c.AvailableAtMs == 0 || now.UnixMilli() >= c.AvailableAtMs
}

// AvailableAt returns the unlock time, zero when the challenge is always open.
func (c Challenge) AvailableAt() time.Time {
	if c.AvailableAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.AvailableAtMs).UTC()
}

// NewChallengeID validates a raw challenge identifier.
func NewChallengeID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChallengeID)
	}
	if len(trimmed) > maxChallengeIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChallengeID, maxChallengeIDLength)
	}
	for _, r := range trimmed {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidChallengeID, r)
		}
	}
	return trimmed, nil
}

// sameContent reports whether two challenges carry the same scoring-relevant fields.
func sameContent(a, b Challenge) bool {
	return a.FlagFingerprint == b.FlagFingerprint &&
		a.Points == b.Points &&
		a.Category == b.Category &&
		a.AvailableAtMs == b.AvailableAtMs
}
