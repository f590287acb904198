package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	names := []string{"media.zip", "media.tar", "media.tar.gz", "media.tgz", "media.tar.zst"}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			c := newTestContext(t)
			ctx := context.Background()

			src := filepath.Join(t.TempDir(), "media")
			writeLocalFiles(t, src, map[string]string{
				"a.txt":        "alpha",
				"nested/b.txt": "beta",
			})
			require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0o755))

			archive := filepath.Join(t.TempDir(), name)
			require.NoError(t, c.MakeArchive(ctx, src, archive, false))
			require.FileExists(t, archive)
			require.DirExists(t, src)

			// Entries are rooted at the archived directory's name.
			out := t.TempDir()
			require.NoError(t, c.ExtractArchive(ctx, archive, out, false))

			data, err := os.ReadFile(filepath.Join(out, "media", "a.txt"))
			require.NoError(t, err)
			require.Equal(t, "alpha", string(data))

			data, err = os.ReadFile(filepath.Join(out, "media", "nested", "b.txt"))
			require.NoError(t, err)
			require.Equal(t, "beta", string(data))

			require.DirExists(t, filepath.Join(out, "media", "empty"))
			require.FileExists(t, archive)
		})
	}
}

func TestArchiveRemoteRoundTrip(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	srv := newFileServer(t)

	src := filepath.Join(t.TempDir(), "media")
	writeLocalFiles(t, src, map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "beta",
	})

	remote := srv.url("/archives/media.tar.gz")
	require.NoError(t, c.MakeArchive(ctx, src, remote, false))

	_, ok := srv.get("/archives/media.tar.gz")
	require.True(t, ok)

	out := t.TempDir()
	require.NoError(t, c.ExtractArchive(ctx, remote, out, true))

	data, err := os.ReadFile(filepath.Join(out, "media", "nested", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "beta", string(data))

	// Cleanup removed the remote archive.
	_, ok = srv.get("/archives/media.tar.gz")
	require.False(t, ok)
}

func TestExtractArchiveDefaultOutdir(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "media")
	writeLocalFiles(t, src, map[string]string{"a.txt": "alpha"})

	archiveDir := t.TempDir()
	archive := filepath.Join(archiveDir, "media.tar")
	require.NoError(t, c.MakeArchive(ctx, src, archive, false))

	require.NoError(t, c.ExtractArchive(ctx, archive, "", false))

	data, err := os.ReadFile(filepath.Join(archiveDir, "media", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(data))
}

func TestMakeArchiveCleanupDeletesSource(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "media")
	writeLocalFiles(t, src, map[string]string{"a.txt": "alpha"})

	archive := filepath.Join(t.TempDir(), "media.zip")
	require.NoError(t, c.MakeArchive(ctx, src, archive, true))

	require.FileExists(t, archive)
	require.NoDirExists(t, src)
}

func TestExtractArchiveCleanupDeletesArchive(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "media")
	writeLocalFiles(t, src, map[string]string{"a.txt": "alpha"})

	archiveDir := t.TempDir()
	writeLocalFiles(t, archiveDir, map[string]string{"keep.txt": "keep"})
	archive := filepath.Join(archiveDir, "media.zip")
	require.NoError(t, c.MakeArchive(ctx, src, archive, false))

	out := t.TempDir()
	require.NoError(t, c.ExtractArchive(ctx, archive, out, true))

	require.NoFileExists(t, archive)
	require.FileExists(t, filepath.Join(out, "media", "a.txt"))
}

func TestMakeArchiveUnsupportedFormat(t *testing.T) {
	c := newTestContext(t)

	err := c.MakeArchive(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "a.rar"), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported archive format")
}

func TestDetectArchiveFormat(t *testing.T) {
	for _, p := range []string{"a.rar", "a.tar.bz2", "a.txt"} {
		_, err := detectArchiveFormat(p)
		require.Error(t, err, p)
		require.Contains(t, err.Error(), "unsupported archive format")
	}
}

func TestEntryPathRejectsTraversal(t *testing.T) {
	out := t.TempDir()

	p, err := entryPath(out, "a/b.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "a", "b.txt"), p)

	_, err = entryPath(out, "../evil.txt")
	require.Error(t, err)

	_, err = entryPath(out, "a/../../evil.txt")
	require.Error(t, err)

	_, err = entryPath(out, "/evil.txt")
	require.Error(t, err)
}
