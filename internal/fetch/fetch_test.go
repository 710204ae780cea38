package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = []byte("binutils-2.31.1 source tarball")

func checksumOf(t *testing.T, data []byte) formula.Checksum {
	t.Helper()
	sum := sha256.Sum256(data)
	c, err := formula.NewChecksum(formula.SHA256, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	return c
}

// server serves fixed bodies per path and counts requests.
type server struct {
	*httptest.Server
	hits atomic.Int32
}

func newServer(t *testing.T, bodies map[string][]byte) *server {
	s := &server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newFormula(t *testing.T, urls ...string) *formula.Formula {
	return &formula.Formula{
		Name:     "binutils",
		Source:   formula.Source{URL: urls[0], Mirrors: urls[1:]},
		Checksum: checksumOf(t, payload),
	}
}

func TestFetch_PrimarySource(t *testing.T) {
	srv := newServer(t, map[string][]byte{"/binutils.tar": payload})
	f := New(t.TempDir())

	art, err := f.Fetch(context.Background(), newFormula(t, srv.URL+"/binutils.tar"))
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, srv.URL+"/binutils.tar", art.URL)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, f.CachePath(art.Checksum), art.Path)
}

func TestFetch_MirrorFallbackIsEquivalent(t *testing.T) {
	srv := newServer(t, map[string][]byte{"/mirror/binutils.tar": payload})

	viaMirror, err := New(t.TempDir()).Fetch(context.Background(),
		newFormula(t, srv.URL+"/missing.tar", "http://127.0.0.1:1/unreachable.tar", srv.URL+"/mirror/binutils.tar"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/mirror/binutils.tar", viaMirror.URL)

	direct, err := New(t.TempDir()).Fetch(context.Background(), newFormula(t, srv.URL+"/mirror/binutils.tar"))
	require.NoError(t, err)

	a, _ := os.ReadFile(viaMirror.Path)
	b, _ := os.ReadFile(direct.Path)
	assert.Equal(t, b, a)
}

func TestFetch_MismatchTriesNextSource(t *testing.T) {
	srv := newServer(t, map[string][]byte{
		"/tampered.tar": []byte("tampered"),
		"/good.tar":     payload,
	})

	art, err := New(t.TempDir()).Fetch(context.Background(), newFormula(t, srv.URL+"/tampered.tar", srv.URL+"/good.tar"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/good.tar", art.URL)
}

func TestFetch_MismatchIsReportedAndNothingIsKept(t *testing.T) {
	srv := newServer(t, map[string][]byte{"/tampered.tar": []byte("tampered")})
	cache := t.TempDir()

	fm := newFormula(t, srv.URL+"/tampered.tar", srv.URL+"/missing.tar")
	_, err := New(cache).Fetch(context.Background(), fm)

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "binutils", mismatch.Formula)
	assert.Equal(t, srv.URL+"/tampered.tar", mismatch.URL)
	assert.Equal(t, fm.Checksum.String(), mismatch.Expected)
	assert.Equal(t, checksumOf(t, []byte("tampered")).String(), mismatch.Actual)

	entries, err := os.ReadDir(filepath.Join(cache, formula.SHA256))
	require.NoError(t, err)
	assert.Empty(t, entries, "neither the artifact nor a partial file may remain")
}

func TestFetch_AllSourcesUnreachable(t *testing.T) {
	_, err := New(t.TempDir()).Fetch(context.Background(),
		newFormula(t, "http://127.0.0.1:1/a.tar", filepath.Join(t.TempDir(), "absent.tar")))

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "binutils", fetchErr.Formula)
	assert.Len(t, fetchErr.Attempts, 2)
}

func TestFetch_CacheHitSkipsDownload(t *testing.T) {
	srv := newServer(t, map[string][]byte{"/binutils.tar": payload})
	f := New(t.TempDir())
	fm := newFormula(t, srv.URL+"/binutils.tar")

	_, err := f.Fetch(context.Background(), fm)
	require.NoError(t, err)

	art, err := f.Fetch(context.Background(), fm)
	require.NoError(t, err)
	assert.True(t, art.Cached)
	assert.Equal(t, int32(1), srv.hits.Load())

	// A corrupted cache entry is detected and replaced.
	require.NoError(t, os.WriteFile(art.Path, []byte("bit rot"), 0o644))
	art, err = f.Fetch(context.Background(), fm)
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestFetch_ConcurrentRequestsShareOneDownload(t *testing.T) {
	srv := newServer(t, map[string][]byte{"/binutils.tar": payload})
	f := New(t.TempDir())
	fm := newFormula(t, srv.URL+"/binutils.tar")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), fm)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestFetch_LocalSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binutils.tar")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	art, err := New(t.TempDir()).Fetch(context.Background(), newFormula(t, "file://"+path))
	require.NoError(t, err)
	assert.Equal(t, "file://"+path, art.URL)

	art, err = New(t.TempDir()).Fetch(context.Background(), newFormula(t, "ftp://example.invalid/x.tar", path))
	require.NoError(t, err)
	assert.Equal(t, path, art.URL)
}
