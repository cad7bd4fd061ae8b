package users

import (
	"strings"
	"unicode"
)

const (
	maxIdentifierLength  = 190
	maxDisplayNameLength = 50
)

// User is a chat participant. Rows are created on first submission and only ever deactivated.
type User struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName     string `gorm:"column:display_name;size:320;not null;default:''"`
	JoinedAtMs      int64  `gorm:"column:joined_at_ms;not null"`
	IsActive        bool   `gorm:"column:is_active;not null;default:true;index"`
	DeactivatedAtMs *int64 `gorm:"column:deactivated_at_ms"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "ctf_users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// SanitizeDisplayName makes a chat display name safe to echo back in replies:
// markup characters are neutralized, control characters dropped and the result capped.
func SanitizeDisplayName(name string) string {
	replacer := strings.NewReplacer(
		"_", " ", "*", " ", "[", "(", "]", ")",
		"`", "'", "~", "-", ">", " ", "<", " ",
	)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, replacer.Replace(name))
	cleaned = strings.TrimSpace(cleaned)

	runes := []rune(cleaned)
	if len(runes) > maxDisplayNameLength {
		cleaned = strings.TrimSpace(string(runes[:maxDisplayNameLength]))
	}
	return cleaned
}
