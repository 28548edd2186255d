package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage/local"
)

func TestNewCreatesMissingDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "archive", "nested")
	_, err := local.New(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRejectsBadDirs(t *testing.T) {
	t.Parallel()

	_, err := local.New("  ")
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(file)
	require.ErrorContains(t, err, "not a directory")
}

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(dir)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "batches/job-1/0-1700000000.json", "application/json",
		strings.NewReader(`{"job_id":"job-1"}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "batches", "job-1", "0-1700000000.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"job_id":"job-1"}`, string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../outside.json", "", strings.NewReader("{}"))
	require.ErrorContains(t, err, "escapes")

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("{}"))
	require.Error(t, err)
}
