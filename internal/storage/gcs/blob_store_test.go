package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "bucket")
	require.ErrorContains(t, err, "client is required")

	_, err = New(&storage.Client{}, " ")
	require.ErrorContains(t, err, "archive.bucket")
}

func TestURIAndClose(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, "crawl-archive")
	require.NoError(t, err)
	require.Equal(t, "gs://crawl-archive/batches/job-1/0-1.json", store.URI("batches/job-1/0-1.json"))
	// Borrowed clients are left open.
	require.NoError(t, store.Close())
}
