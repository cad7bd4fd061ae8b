package challenges

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var availabilityLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

type fileDefinition struct {
	ID              string `mapstructure:"id"`
	Title           string `mapstructure:"title"`
	Category        string `mapstructure:"category"`
	Points          int    `mapstructure:"points"`
	Flag            string `mapstructure:"flag"`
	FlagFingerprint string `mapstructure:"flag_fingerprint"`
	AvailableAt     string `mapstructure:"available_at"`
}

// LoadDefinitions reads a catalogue file (YAML, JSON or TOML) with a top-level "challenges" list.
func LoadDefinitions(path string) ([]Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("challenges: catalogue path required")
	}

	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("challenges: read catalogue: %w", err)
	}

	var entries []fileDefinition
	if err := reader.UnmarshalKey("challenges", &entries); err != nil {
		return nil, fmt.Errorf("challenges: decode catalogue: %w", err)
	}

	definitions := make([]Definition, 0, len(entries))
	for index, entry := range entries {
		availableAt, err := parseAvailability(entry.AvailableAt)
		if err != nil {
			return nil, fmt.Errorf("challenges: entry %d (%s): %w", index, entry.ID, err)
		}
		definitions = append(definitions, Definition{
			ID:              entry.ID,
			Title:           entry.Title,
			Category:        entry.Category,
			Points:          entry.Points,
			Flag:            entry.Flag,
			FlagFingerprint: entry.FlagFingerprint,
			AvailableAt:     availableAt,
		})
	}
	return definitions, nil
}

// parseAvailability accepts RFC 3339 timestamps or bare dates, interpreted as UTC.
func parseAvailability(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	for _, layout := range availabilityLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid available_at %q", raw)
}
