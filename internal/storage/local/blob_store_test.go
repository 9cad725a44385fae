package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "archive")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, dir
}

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	_, dir := newStore(t)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "write probe must be cleaned up")
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "page.xml")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.Error(t, err)
}

func TestNewRejectsReadOnlyBaseDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500)) // #nosec G302 -- read-only on purpose.
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	_, err := local.New(local.Config{BaseDir: dir})
	require.Error(t, err)
}

func TestPutObjectWritesPages(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	key := "oai-pages/repo.example.edu/ListRecords/abc123"
	page := []byte("<OAI-PMH/>")

	uri, err := store.PutObject(context.Background(), key, "text/xml", bytes.NewReader(page))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, key), uri)

	got, err := os.ReadFile(filepath.Join(dir, key)) // #nosec G304 -- test temp dir.
	require.NoError(t, err)
	require.Equal(t, page, got)

	// Rewriting the same digest replaces the page in place.
	_, err = store.PutObject(context.Background(), key, "text/xml", strings.NewReader("<OAI-PMH>2</OAI-PMH>"))
	require.NoError(t, err)
	got, err = os.ReadFile(filepath.Join(dir, key)) // #nosec G304 -- test temp dir.
	require.NoError(t, err)
	require.Equal(t, "<OAI-PMH>2</OAI-PMH>", string(got))
	_, err = os.Stat(filepath.Join(dir, key+".partial"))
	require.True(t, os.IsNotExist(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "", "text/xml", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../escape.xml", "text/xml", strings.NewReader("x"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.xml"))
	require.True(t, os.IsNotExist(statErr))

	_, err = store.PutObject(ctx, "pages/broken", "text/xml", failingReader{})
	require.ErrorContains(t, err, "connection reset")
	_, statErr = os.Stat(filepath.Join(dir, "pages", "broken.partial"))
	require.True(t, os.IsNotExist(statErr))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.PutObject(canceled, "pages/late", "text/xml", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
}
