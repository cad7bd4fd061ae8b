package users_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/database/dbtest"
	"github.com/diffye/ctf-backend/internal/pool"
	"github.com/diffye/ctf-backend/internal/users"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newService(t *testing.T, clock func() time.Time) (*users.Service, *pool.Pool) {
	t.Helper()
	connections, _ := dbtest.NewPool(t, dbtest.Options{})
	service, err := users.NewService(users.ServiceConfig{Pool: connections, Clock: clock})
	require.NoError(t, err)
	return service, connections
}

func TestNewServiceRequiresPool(t *testing.T) {
	_, err := users.NewService(users.ServiceConfig{})
	require.Error(t, err)
}

func TestEnsureCreatesUserOnce(t *testing.T) {
	service, connections := newService(t, nil)
	ctx := context.Background()
	first := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	err := connections.WithConnection(ctx, func(handle *pool.Handle) error {
		return handle.DB(ctx).Transaction(func(tx *gorm.DB) error {
			if err := users.Ensure(tx, "u-1", first); err != nil {
				return err
			}
			return users.Ensure(tx, "u-1", first.Add(time.Hour))
		})
	})
	require.NoError(t, err)

	user, err := service.Get(ctx, "u-1")
	require.NoError(t, err)
	require.True(t, user.IsActive)
	require.Equal(t, first.UnixMilli(), user.JoinedAtMs)
}

func TestRegisterUpsertsAndReactivates(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newService(t, func() time.Time { return now })
	ctx := context.Background()

	registered, err := service.Register(ctx, " u-2 ", "Ada *Lovelace*")
	require.NoError(t, err)
	require.Equal(t, "u-2", registered.UserID)
	require.Equal(t, "Ada  Lovelace", registered.DisplayName)
	require.True(t, registered.IsActive)

	require.NoError(t, service.Deactivate(ctx, "u-2"))
	deactivated, err := service.Get(ctx, "u-2")
	require.NoError(t, err)
	require.False(t, deactivated.IsActive)
	require.NotNil(t, deactivated.DeactivatedAtMs)

	now = now.Add(time.Hour)
	reactivated, err := service.Register(ctx, "u-2", "Ada")
	require.NoError(t, err)
	require.True(t, reactivated.IsActive)
	require.Nil(t, reactivated.DeactivatedAtMs)
	require.Equal(t, "Ada", reactivated.DisplayName)
	require.Equal(t, registered.JoinedAtMs, reactivated.JoinedAtMs)
}

func TestDeactivateUnknownUser(t *testing.T) {
	service, _ := newService(t, nil)

	err := service.Deactivate(context.Background(), "ghost")
	require.ErrorIs(t, err, users.ErrUnknownUser)

	_, err = service.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, users.ErrUnknownUser)
}

func TestUserIDValidation(t *testing.T) {
	_, err := users.NewUserID("   ")
	require.ErrorIs(t, err, users.ErrInvalidUserID)

	_, err = users.NewUserID(strings.Repeat("x", 191))
	require.ErrorIs(t, err, users.ErrInvalidUserID)

	id, err := users.NewUserID(" 12345 ")
	require.NoError(t, err)
	require.Equal(t, "12345", id)
}

func TestSanitizeDisplayName(t *testing.T) {
	require.Equal(t, "(link)(x)", users.SanitizeDisplayName("[link](x)"))
	require.Equal(t, "a'b'", users.SanitizeDisplayName("a`b`"))
	require.Equal(t, "tab", users.SanitizeDisplayName("t\u0007ab"))
	require.Len(t, []rune(users.SanitizeDisplayName(strings.Repeat("n", 80))), 50)
}
