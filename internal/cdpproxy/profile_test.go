package cdpproxy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveEntry struct {
	name    string
	content string
	dir     bool
}

func buildArchive(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if e.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     e.name,
				Mode:     0o755,
				Typeflag: tar.TypeDir,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func serveArchive(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrepareProfileSeedsFromArchive(t *testing.T) {
	archive := buildArchive(t, []archiveEntry{
		{name: "Default/", dir: true},
		{name: "Default/Preferences", content: `{"profile":{"name":"ctx"}}`},
		{name: "Default/Cookies", content: "cookie-db"},
	})
	srv := serveArchive(t, http.StatusOK, archive)
	dir := filepath.Join(t.TempDir(), "chrome-profile")

	require.NoError(t, PrepareProfile(context.Background(), dir, srv.URL+"/profiles/ctx_1.tar.gz"))

	prefs, err := os.ReadFile(filepath.Join(dir, "Default", "Preferences"))
	require.NoError(t, err)
	assert.Equal(t, `{"profile":{"name":"ctx"}}`, string(prefs))
	cookies, err := os.ReadFile(filepath.Join(dir, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "cookie-db", string(cookies))
}

func TestPrepareProfileReplacesStaleState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chrome-profile")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stale := filepath.Join(dir, "SingletonLock")
	require.NoError(t, os.WriteFile(stale, []byte("pid"), 0o644))

	require.NoError(t, PrepareProfile(context.Background(), dir, ""))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "previous run's state must be wiped")
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrepareProfileFreshContext(t *testing.T) {
	srv := serveArchive(t, http.StatusNotFound, nil)
	dir := filepath.Join(t.TempDir(), "chrome-profile")

	// A context with no saved profile yet starts empty.
	require.NoError(t, PrepareProfile(context.Background(), dir, srv.URL+"/profiles/ctx_new.tar.gz"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareProfileDownloadError(t *testing.T) {
	srv := serveArchive(t, http.StatusInternalServerError, nil)
	dir := filepath.Join(t.TempDir(), "chrome-profile")

	err := PrepareProfile(context.Background(), dir, srv.URL+"/profiles/ctx_1.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500")
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.txt", "Default/../../evil.txt"} {
		archive := buildArchive(t, []archiveEntry{{name: name, content: "boom"}})
		path := filepath.Join(t.TempDir(), "profile.tar.gz")
		require.NoError(t, os.WriteFile(path, archive, 0o644))
		dest := filepath.Join(t.TempDir(), "dest")
		require.NoError(t, os.MkdirAll(dest, 0o755))

		err := extractArchive(path, dest)
		require.Error(t, err, "entry %q", name)
		assert.Contains(t, err.Error(), "escapes profile dir")
		_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt"))
		assert.True(t, os.IsNotExist(statErr))
	}
}
