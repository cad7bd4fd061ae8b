package flags

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultPattern accepts FLAG{...} with any prefix casing.
const DefaultPattern = `^(?i:FLAG)\{[\p{L}\p{N}_-]+\}$`

const fingerprintKeyContext = "ctf-backend 2026-10 flag fingerprint key"

var (
	// ErrMalformed indicates the submission does not look like a flag at all.
	ErrMalformed = errors.New("flags: malformed submission")
	// ErrInvalidPattern indicates the configured flag pattern does not compile.
	ErrInvalidPattern = errors.New("flags: invalid pattern")
)

// ValidatorConfig tunes sanitization and comparison.
type ValidatorConfig struct {
	Pattern         string
	MaxLength       int
	CaseInsensitive bool
	// FingerprintKey keys the hash so fingerprints from one event are useless for another.
	FingerprintKey string
}

// Validator sanitizes submissions and derives their fingerprints.
type Validator struct {
	pattern         *regexp.Regexp
	maxLength       int
	caseInsensitive bool
	key             *[32]byte
}

// Checked is a sanitized, well-formed submission. Only its fingerprint is retained.
type Checked struct {
	Fingerprint string
}

// NewValidator compiles the configured pattern.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	pattern := strings.TrimSpace(cfg.Pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	validator := &Validator{
		pattern:         compiled,
		maxLength:       maxLength,
		caseInsensitive: cfg.CaseInsensitive,
	}
	if cfg.FingerprintKey != "" {
		var key [32]byte
		blake3.DeriveKey(fingerprintKeyContext, []byte(cfg.FingerprintKey), key[:])
		validator.key = &key
	}
	return validator, nil
}

// Sanitize applies the configured length cap.
func (v *Validator) Sanitize(raw string) (string, error) {
	return sanitize(raw, v.maxLength)
}

// ValidateFormat reports whether a sanitized flag matches the configured pattern.
func (v *Validator) ValidateFormat(sanitized string) bool {
	return v.pattern.MatchString(sanitized)
}

// Check sanitizes and validates raw input. Any failure wraps ErrMalformed.
func (v *Validator) Check(raw string) (Checked, error) {
	sanitized, err := v.Sanitize(raw)
	if err != nil {
		return Checked{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !v.ValidateFormat(sanitized) {
		return Checked{}, fmt.Errorf("%w: does not match flag format", ErrMalformed)
	}
	return Checked{Fingerprint: v.Fingerprint(sanitized)}, nil
}

// Fingerprint returns the hex encoded one-way hash of the canonical flag.
func (v *Validator) Fingerprint(flag string) string {
	canonical := flag
	if v.caseInsensitive {
		canonical = strings.ToUpper(canonical)
	}

	var hasher *blake3.Hasher
	if v.key != nil {
		keyed, err := blake3.NewKeyed(v.key[:])
		if err != nil {
			// NewKeyed only fails for keys that are not 32 bytes.
			panic(err)
		}
		hasher = keyed
	} else {
		hasher = blake3.New()
	}
	_, _ = hasher.WriteString(canonical)
	return hex.EncodeToString(hasher.Sum(nil))
}

// FingerprintRaw sanitizes a catalogue flag before hashing it so the stored fingerprint
// matches what a correct submission produces.
func (v *Validator) FingerprintRaw(raw string) (string, error) {
	checked, err := v.Check(raw)
	if err != nil {
		return "", err
	}
	return checked.Fingerprint, nil
}

// Matches compares two fingerprints in constant time.
func Matches(fingerprint, expected string) bool {
	if fingerprint == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(fingerprint), []byte(expected)) == 1
}
