package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediascrape/internal/media"
)

func TestStoreBulkInsert(t *testing.T) {
	t.Parallel()

	s := NewStore()
	batch := []media.Record{
		{Kind: media.KindImage, URL: "https://a.test/1.png", SourceURL: "https://a.test"},
		{Kind: media.KindVideo, URL: "https://a.test/2.mp4", SourceURL: "https://a.test"},
	}
	require.NoError(t, s.BulkInsert(context.Background(), batch))
	require.NoError(t, s.BulkInsert(context.Background(), batch[:1]))

	got := s.Records()
	require.Len(t, got, 3)
	require.Equal(t, batch[1], got[1])
	require.Equal(t, 2, s.Batches())

	got[0].URL = "mutated"
	require.Equal(t, "https://a.test/1.png", s.Records()[0].URL)
}

func TestStoreClose(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.BulkInsert(context.Background(), []media.Record{{}}), ErrClosed)
}
