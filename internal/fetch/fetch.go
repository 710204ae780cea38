// Package fetch downloads formula source artifacts and verifies them against
// their declared checksums before anything else may touch them.
//
// Verified artifacts are stored content-addressed under the cache directory
// as <cache>/<algorithm>/<hex>, so two formulas (or two versions of one)
// that ship identical bytes share a single file and a repeated install never
// downloads again.
package fetch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/formula"
	"golang.org/x/sync/singleflight"
)

// Artifact is a verified source archive in the cache.
type Artifact struct {
	Formula  string
	Path     string
	Checksum formula.Checksum
	// URL is the source that served the bytes, empty on a cache hit.
	URL    string
	Cached bool
}

// Fetcher retrieves and verifies artifacts. It is safe for concurrent use;
// concurrent requests for the same formula and checksum share one download.
type Fetcher struct {
	cacheDir string
	client   *http.Client
	group    singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New creates a Fetcher storing artifacts under cacheDir.
func New(cacheDir string, opts ...Option) *Fetcher {
	f := &Fetcher{cacheDir: cacheDir, client: http.DefaultClient}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CachePath returns where an artifact with the given checksum is stored.
func (f *Fetcher) CachePath(sum formula.Checksum) string {
	return filepath.Join(f.cacheDir, sum.Algorithm, sum.Hex)
}

// Fetch returns a verified artifact for fm, trying the primary URL first and
// then each mirror. A checksum mismatch moves on to the next source; when all
// sources fail and any of them mismatched, the mismatch is returned.
func (f *Fetcher) Fetch(ctx context.Context, fm *formula.Formula) (*Artifact, error) {
	key := fm.Name + "@" + fm.Checksum.String()
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetch(ctx, fm)
	})
	if err != nil {
		return nil, err
	}
	art := *v.(*Artifact)
	return &art, nil
}

func (f *Fetcher) fetch(ctx context.Context, fm *formula.Formula) (*Artifact, error) {
	logger := ctxlog.FromContext(ctx).With("formula", fm.Name)
	if fm.Checksum.IsZero() {
		return nil, fmt.Errorf("fetch %s: no checksum declared", fm.Name)
	}

	dest := f.CachePath(fm.Checksum)
	if ok, err := f.verifyCached(dest, fm.Checksum); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fm.Name, err)
	} else if ok {
		logger.Debug("Artifact found in cache", "path", dest)
		return &Artifact{Formula: fm.Name, Path: dest, Checksum: fm.Checksum, Cached: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("fetch %s: create cache dir: %w", fm.Name, err)
	}

	var (
		attempts []Attempt
		mismatch *ChecksumMismatchError
	)
	for _, src := range fm.Source.URLs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Info("Fetching source", "url", src)
		err := f.download(ctx, fm, src, dest)
		if err == nil {
			logger.Info("Source verified", "url", src, "checksum", fm.Checksum.String())
			return &Artifact{Formula: fm.Name, Path: dest, Checksum: fm.Checksum, URL: src}, nil
		}

		logger.Warn("Source failed", "url", src, "error", err)
		attempts = append(attempts, Attempt{URL: src, Err: err})
		var m *ChecksumMismatchError
		if errors.As(err, &m) && mismatch == nil {
			mismatch = m
		}
	}

	if mismatch != nil {
		return nil, mismatch
	}
	return nil, &FetchError{Formula: fm.Name, Attempts: attempts}
}

// download streams src into a temp file next to dest while hashing it, and
// renames it into place only when the digest matches.
func (f *Fetcher) download(ctx context.Context, fm *formula.Formula, src, dest string) error {
	body, err := f.open(ctx, src)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h, err := fm.Checksum.NewHash()
	if err != nil {
		tmp.Close()
		return err
	}
	_, copyErr := io.Copy(io.MultiWriter(tmp, h), body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return fmt.Errorf("download: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("download: %w", closeErr)
	}

	sum := h.Sum(nil)
	if !fm.Checksum.Matches(sum) {
		return &ChecksumMismatchError{
			Formula:  fm.Name,
			URL:      src,
			Expected: fm.Checksum.String(),
			Actual:   fm.Checksum.Algorithm + ":" + hex.EncodeToString(sum),
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

func (f *Fetcher) open(ctx context.Context, src string) (io.ReadCloser, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return resp.Body, nil
	case "file":
		return os.Open(u.Path)
	case "":
		return os.Open(src)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// verifyCached re-hashes a cached artifact. A corrupt cache entry is removed
// so that it is downloaded again.
func (f *Fetcher) verifyCached(path string, sum formula.Checksum) (bool, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer file.Close()

	h, err := sum.NewHash()
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(h, file); err != nil {
		return false, fmt.Errorf("read cached artifact: %w", err)
	}
	if sum.Matches(h.Sum(nil)) {
		return true, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove corrupt cache entry: %w", err)
	}
	return false, nil
}
