package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diffye/ctf-backend/internal/pool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrUnknownUser indicates the user has never been observed.
	ErrUnknownUser = errors.New("users: unknown user")
)

// NewUserID validates raw input from the transport layer.
func NewUserID(rawInput string) (string, error) {
	trimmed := normalize(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ServiceConfig describes the dependencies required for user bookkeeping.
type ServiceConfig struct {
	Pool  *pool.Pool
	Clock func() time.Time
}

// Service registers, deactivates and looks up users.
type Service struct {
	pool *pool.Pool
	now  func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("users: connection pool required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{pool: cfg.Pool, now: clock}, nil
}

// Ensure creates the user row on first sight. It is meant to run inside the caller's transaction.
func Ensure(tx *gorm.DB, userID string, now time.Time) error {
	user := User{
		UserID:     userID,
		JoinedAtMs: now.UTC().UnixMilli(),
		IsActive:   true,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error
}

// Register upserts the display name and reactivates a deactivated user.
func (s *Service) Register(ctx context.Context, userID string, displayName string) (User, error) {
	id, err := NewUserID(userID)
	if err != nil {
		return User{}, err
	}

	user := User{
		UserID:      id,
		DisplayName: SanitizeDisplayName(displayName),
		JoinedAtMs:  s.now().UTC().UnixMilli(),
		IsActive:    true,
	}

	err = s.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		db := handle.DB(ctx)
		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"display_name":      user.DisplayName,
				"is_active":         true,
				"deactivated_at_ms": nil,
			}),
		}).Create(&user).Error; err != nil {
			return err
		}
		return db.Where("user_id = ?", id).Take(&user).Error
	})
	if err != nil {
		return User{}, pool.DBErr(err)
	}
	return user, nil
}

// Deactivate hides the user from rankings without deleting any history.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	id, err := NewUserID(userID)
	if err != nil {
		return err
	}

	deactivatedAt := s.now().UTC().UnixMilli()
	return s.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		result := handle.DB(ctx).Model(&User{}).
			Where("user_id = ?", id).
			Updates(map[string]any{
				"is_active":         false,
				"deactivated_at_ms": deactivatedAt,
			})
		if result.Error != nil {
			return pool.DBErr(result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrUnknownUser
		}
		return nil
	})
}

// Get loads a single user.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	id, err := NewUserID(userID)
	if err != nil {
		return User{}, err
	}

	var user User
	err = s.pool.WithConnection(ctx, func(handle *pool.Handle) error {
		return handle.DB(ctx).Where("user_id = ?", id).Take(&user).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUnknownUser
	}
	if err != nil {
		return User{}, pool.DBErr(err)
	}
	return user, nil
}
