//go:build integration

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresStore runs the shared store suite against a disposable
// PostgreSQL container.
func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ytharvest"),
		postgres.WithUsername("ytharvest"),
		postgres.WithPassword("ytharvest"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	suite.Run(t, &StoreSuite{
		newStore: func(string) Store {
			st, err := Open(Options{Type: BackendPostgres, DSN: dsn})
			require.NoError(t, err)
			return st
		},
		reset: func(st Store) {
			db, err := st.(*SQLStore).conn()
			require.NoError(t, err)
			_, err = db.ExecContext(ctx, "TRUNCATE comments, videos")
			require.NoError(t, err)
		},
	})
}

// TestConcurrentReadsDuringWrites checks that WAL lets readers proceed
// while a batch writer is busy.
func TestConcurrentReadsDuringWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writer := NewSQLiteStore(filepath.Join(dir, SQLiteFileName), nil)
	require.NoError(t, writer.Initialize(ctx))
	defer writer.Close()
	reader := NewSQLiteStore(filepath.Join(dir, SQLiteFileName), nil)
	require.NoError(t, reader.Initialize(ctx))
	defer reader.Close()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			v := testVideo(fmt.Sprintf("v%03d", i), i%30, int64(i))
			if err := writer.UpsertVideos(ctx, []*Video{v}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 50; i++ {
		_, err := reader.ListVideos(ctx, VideoQuery{})
		require.NoError(t, err)
	}
	require.NoError(t, <-done)

	total, err := reader.TotalVideos(ctx)
	require.NoError(t, err)
	require.Equal(t, 200, total)
}
