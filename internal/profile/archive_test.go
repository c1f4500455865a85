package profile

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Default", "Cookies"), "session=abc")
	writeFile(t, filepath.Join(src, "Local State"), `{"profile":{}}`)
	writeFile(t, filepath.Join(src, "SingletonLock"), "host-123")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Default", "Empty"), 0755))

	archive := NewArchive(filepath.Join(t.TempDir(), "snapshots", "profile.tar.gz"), nil)
	require.NoError(t, archive.Snapshot(src))

	dst := filepath.Join(t.TempDir(), "restored")
	restored, err := archive.Restore(dst)
	require.NoError(t, err)
	assert.True(t, restored)

	cookies, err := os.ReadFile(filepath.Join(dst, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "session=abc", string(cookies))

	state, err := os.ReadFile(filepath.Join(dst, "Local State"))
	require.NoError(t, err)
	assert.Equal(t, `{"profile":{}}`, string(state))

	assert.DirExists(t, filepath.Join(dst, "Default", "Empty"))
	assert.NoFileExists(t, filepath.Join(dst, "SingletonLock"))
}

func TestRestoreWithoutArchive(t *testing.T) {
	archive := NewArchive(filepath.Join(t.TempDir(), "missing.tar.gz"), nil)
	restored, err := archive.Restore(t.TempDir())
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestRestoreKeepsExistingProfile(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Cookies"), "from-archive")
	archive := NewArchive(filepath.Join(t.TempDir(), "p.tar.gz"), nil)
	require.NoError(t, archive.Snapshot(src))

	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "Cookies"), "live")

	restored, err := archive.Restore(dst)
	require.NoError(t, err)
	assert.False(t, restored)

	data, err := os.ReadFile(filepath.Join(dst, "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "live", string(data))
}

func TestRestoreRejectsEscapingEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../outside", Mode: 0600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	parent := t.TempDir()
	_, err = NewArchive(path, nil).Restore(filepath.Join(parent, "profile"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(parent, "outside"))
}
