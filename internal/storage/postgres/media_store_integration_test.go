//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/mediascrape/internal/media"
)

func TestMediaStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mediascrape"),
		tcpostgres.WithUsername("scraper"),
		tcpostgres.WithPassword("scraper"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewMediaStore(ctx, MediaStoreConfig{DSN: dsn, Migrate: true})
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	// Re-running migrations is a no-op.
	require.NoError(t, Migrate(dsn))

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.BulkInsert(ctx, []media.Record{
		{Kind: media.KindImage, URL: "https://a.test/1.png", SourceURL: "https://a.test", AltText: "logo", JobID: "j1", CreatedAt: now},
		{Kind: media.KindVideo, URL: "https://a.test/2.mp4", SourceURL: "https://a.test", JobID: "j1", CreatedAt: now},
	}))

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx) //nolint:errcheck

	var total, withoutAlt int
	require.NoError(t, conn.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE alt_text IS NULL) FROM media WHERE job_id = $1`, "j1").
		Scan(&total, &withoutAlt))
	require.Equal(t, 2, total)
	require.Equal(t, 1, withoutAlt)

	err = store.BulkInsert(ctx, []media.Record{{Kind: "audio", URL: "https://a.test/x.mp3"}})
	require.Error(t, err)
}
