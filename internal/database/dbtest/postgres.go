//go:build integration

package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	postgresImage = "docker.io/library/postgres:16-alpine"
	postgresName  = "ctf-test"
)

// OpenPostgres starts a disposable Postgres container and returns a migrated database
// on it. The container is terminated at cleanup.
func OpenPostgres(t testing.TB) *gorm.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       postgresName,
				"POSTGRES_USER":     postgresName,
				"POSTGRES_PASSWORD": postgresName,
			},
			WaitingFor: wait.
				ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		termCtx, termCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer termCancel()
		if errTerm := container.Terminate(termCtx); errTerm != nil {
			t.Logf("terminate postgres container: %v", errTerm)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("postgres container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresName, postgresName, host, port.Port(), postgresName)

	db, err := database.Open(database.Options{Driver: database.DriverPostgres, URL: dsn})
	if err != nil {
		t.Fatalf("open postgres database: %v", err)
	}
	return db
}
