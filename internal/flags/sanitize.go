package flags

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLength caps sanitized flags, in runes.
const DefaultMaxLength = 128

var (
	// ErrEmpty indicates nothing was left after stripping and trimming.
	ErrEmpty = errors.New("flags: empty submission")
	// ErrTooLong indicates the submission exceeds the maximum length.
	ErrTooLong = errors.New("flags: submission too long")
	// ErrDisallowedCharacter indicates a character outside the flag alphabet.
	ErrDisallowedCharacter = errors.New("flags: disallowed character")
)

// Sanitize normalizes a raw submission using DefaultMaxLength.
func Sanitize(raw string) (string, error) {
	return sanitize(raw, DefaultMaxLength)
}

// sanitize strips control and format characters, normalizes to NFC, trims whitespace and
// enforces the length cap and the character allow-list. The result is a fixed point.
func sanitize(raw string, maxLength int) (string, error) {
	stripped := strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, raw)

	cleaned := strings.TrimSpace(norm.NFC.String(stripped))
	if cleaned == "" {
		return "", ErrEmpty
	}
	if length := utf8.RuneCountInString(cleaned); length > maxLength {
		return "", fmt.Errorf("%w: %d runes exceeds %d", ErrTooLong, length, maxLength)
	}
	for _, r := range cleaned {
		if !allowed(r) {
			return "", fmt.Errorf("%w: %q", ErrDisallowedCharacter, r)
		}
	}
	return cleaned, nil
}

func allowed(r rune) bool {
	switch r {
	case '{', '}', '_', '-':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
