// Package cache maintains a size-bounded local mirror of remote media.
// Payloads are keyed by their remote path and stored beside sidecar
// records that carry provenance, fetch outcome, and the remote checksum
// observed at download time. Failed fetches are recorded too, so a bad
// path is not retried on every access.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/pool"
	"github.com/wolfeidau/media-cache/storage"
)

// Config holds cache configuration.
type Config struct {
	// CacheDir is the root directory of the cache. Payloads live under
	// its media subdirectory.
	CacheDir string

	// CacheSize is the garbage collection budget in bytes. Negative
	// means unbounded. A zero budget evicts every committed payload.
	CacheSize int64

	// Workers bounds concurrency in batch operations. Zero picks a
	// value based on the host.
	Workers int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CacheDir:  defaultCacheDir(),
		CacheSize: 32 * 1024 * 1024 * 1024, // 32 GB
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "media-cache")
	}
	return filepath.Join(os.TempDir(), "media-cache")
}

// Store is a local cache of remote media. All methods are safe for
// concurrent use.
type Store struct {
	config   Config
	storage  *storage.Context
	cls      *mediacache.Classifier
	registry *storage.Registry
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for cache events.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a cache store backed by the given storage context.
func NewStore(cfg Config, sc *storage.Context, opts ...StoreOption) *Store {
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}

	s := &Store{
		config:   cfg,
		storage:  sc,
		cls:      sc.Classifier(),
		registry: sc.Registry(),
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CacheDir returns the root directory of the cache.
func (s *Store) CacheDir() string {
	return s.config.CacheDir
}

// MediaDir returns the directory holding cached payloads and sidecars.
func (s *Store) MediaDir() string {
	return filepath.Join(s.config.CacheDir, "media")
}

// GCLogPath returns the location of the garbage collection log.
func (s *Store) GCLogPath() string {
	return filepath.Join(s.config.CacheDir, "log", "gc.log")
}

func (s *Store) lockPath() string {
	return filepath.Join(s.config.CacheDir, "lock")
}

// CacheSize returns the garbage collection budget in bytes. Negative
// means unbounded.
func (s *Store) CacheSize() int64 {
	return s.config.CacheSize
}

// parsedPath locates a media path within the cache.
type parsedPath struct {
	fs        mediacache.FSType
	localPath string
	exists    bool
	client    storage.Client
}

// parsePath resolves a media path to its location under the media
// directory. Local paths map to themselves.
//
// When checkExists is set, exists reports whether the payload is
// already cached. A sidecar recording a failed fetch counts as cached
// unless overrideRetryProtection is set, so repeated lookups do not
// hammer a bad path.
func (s *Store) parsePath(ctx context.Context, path string, checkExists, overrideRetryProtection bool) (*parsedPath, error) {
	kind := s.cls.Kind(path)
	if kind == mediacache.FSLocal {
		return &parsedPath{fs: kind, localPath: path, exists: true}, nil
	}

	client, err := s.registry.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}

	local := filepath.Join(s.MediaDir(), string(kind), filepath.FromSlash(client.CacheRelativePath(path)))

	p := &parsedPath{fs: kind, localPath: local, client: client}
	if !checkExists {
		return p, nil
	}

	p.exists = isFile(local)

	if !p.exists && !overrideRetryProtection {
		if sc, err := readSidecar(sidecarPath(local)); err == nil && !sc.success {
			p.exists = true
		}
	}

	return p, nil
}

// IsLocal reports whether the path refers to the local file system.
func (s *Store) IsLocal(path string) bool {
	return s.cls.IsLocal(path)
}

// IsLocalOrCached reports whether the path is local or its payload is
// already cached. A recorded failed fetch counts as cached.
func (s *Store) IsLocalOrCached(ctx context.Context, path string) (bool, error) {
	p, err := s.parsePath(ctx, path, true, false)
	if err != nil {
		return false, err
	}
	return p.fs == mediacache.FSLocal || p.exists, nil
}

// UseCachedPath returns the local location for the path when one is
// usable right now, without downloading anything. The bool reports
// whether the returned path is local.
func (s *Store) UseCachedPath(ctx context.Context, path string) (string, bool, error) {
	p, err := s.parsePath(ctx, path, true, true)
	if err != nil {
		return path, false, err
	}

	if p.fs == mediacache.FSLocal || p.exists {
		return p.localPath, true, nil
	}
	return path, false, nil
}

// UseCachedPaths applies UseCachedPath to each path. The bool reports
// whether every returned path is local.
func (s *Store) UseCachedPaths(ctx context.Context, paths []string) ([]string, bool, error) {
	out := make([]string, len(paths))
	allLocal := true

	for i, path := range paths {
		local, ok, err := s.UseCachedPath(ctx, path)
		if err != nil {
			return nil, false, err
		}
		out[i] = local
		allLocal = allLocal && ok
	}

	return out, allLocal, nil
}

// SignedURL returns a URL granting temporary access to a remote path.
func (s *Store) SignedURL(ctx context.Context, path, method string, expiry time.Duration) (string, error) {
	if s.cls.IsLocal(path) {
		return "", fmt.Errorf("cannot get URL for local file %q", path)
	}
	return s.storage.SignedURL(ctx, path, method, expiry)
}

// RemoteFileMetadata fetches metadata for a remote path. With
// skipFailures, fetch errors are logged and a nil Metadata is returned.
func (s *Store) RemoteFileMetadata(ctx context.Context, path string, skipFailures bool) (*storage.Metadata, error) {
	client, err := s.registry.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}

	md, err := client.Metadata(ctx, path)
	if err != nil {
		if !skipFailures {
			return nil, err
		}
		s.logger.Warn("fetching file metadata failed", slog.String("path", path), slog.Any("error", err))
		return nil, nil
	}

	return md, nil
}

// RemoteFileMetadatas fetches metadata for the remote paths that are
// not already cached, keyed by path. Local and cached paths are
// skipped.
func (s *Store) RemoteFileMetadatas(ctx context.Context, paths []string, skipFailures bool, opts ...pool.Option) (map[string]*storage.Metadata, error) {
	type task struct {
		client storage.Client
		path   string
	}

	var tasks []task
	seen := make(map[string]bool)
	for _, path := range paths {
		p, err := s.parsePath(ctx, path, true, false)
		if err != nil {
			return nil, err
		}
		if p.fs == mediacache.FSLocal || p.exists || seen[path] {
			continue
		}
		seen[path] = true
		tasks = append(tasks, task{client: p.client, path: path})
	}

	out := make(map[string]*storage.Metadata, len(tasks))
	if len(tasks) == 0 {
		return out, nil
	}

	results, err := pool.Run(ctx, tasks, func(ctx context.Context, t task) (*storage.Metadata, error) {
		md, err := t.client.Metadata(ctx, t.path)
		if err != nil {
			if !skipFailures {
				return nil, err
			}
			s.logger.Warn("fetching file metadata failed", slog.String("path", t.path), slog.Any("error", err))
			return nil, nil
		}
		return md, nil
	}, s.poolOptions(opts)...)
	if err != nil {
		return nil, err
	}

	for i, t := range tasks {
		out[t.path] = results[i]
	}

	return out, nil
}

// Clear removes cached payloads and their sidecars. A nil slice clears
// the entire media directory.
func (s *Store) Clear(ctx context.Context, paths []string) error {
	if paths == nil {
		return os.RemoveAll(s.MediaDir())
	}

	for _, path := range paths {
		p, err := s.parsePath(ctx, path, true, false)
		if err != nil {
			return err
		}
		// Failed fetches count as cached here, so their records are
		// cleared as well.
		if p.fs != mediacache.FSLocal && p.exists {
			if err := removeEntry(p.localPath); err != nil {
				return err
			}
		}
	}

	return nil
}

// Stats describes the cache's contents.
type Stats struct {
	// CacheDir is the root directory of the cache.
	CacheDir string `json:"cache_dir"`

	// CacheSize is the garbage collection budget in bytes. Negative
	// means unbounded.
	CacheSize int64 `json:"cache_size"`

	// CurrentSize is the total size of the measured payloads in bytes.
	CurrentSize int64 `json:"current_size"`

	// CurrentCount is the number of measured payloads.
	CurrentCount int `json:"current_count"`

	// LoadFactor is CurrentSize relative to CacheSize, zero when the
	// cache is unbounded.
	LoadFactor float64 `json:"load_factor"`
}

// Unbounded reports whether the cache has no size budget.
func (st *Stats) Unbounded() bool {
	return st.CacheSize < 0
}

// Stats measures the cache. A nil slice measures every payload under
// the media directory, otherwise only the cached payloads of the given
// paths are counted.
func (s *Store) Stats(ctx context.Context, paths []string) (*Stats, error) {
	st := &Stats{
		CacheDir:  s.config.CacheDir,
		CacheSize: s.config.CacheSize,
	}

	if paths == nil {
		rels, err := listMediaFiles(s.MediaDir())
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if isSidecarPath(rel) {
				continue
			}
			info, err := os.Stat(filepath.Join(s.MediaDir(), rel))
			if err != nil {
				continue
			}
			st.CurrentSize += info.Size()
			st.CurrentCount++
		}
	} else {
		seen := make(map[string]bool)
		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true

			p, err := s.parsePath(ctx, path, true, false)
			if err != nil {
				return nil, err
			}
			if p.fs == mediacache.FSLocal || !p.exists {
				continue
			}

			// Retry protection can report a payload that was never
			// written, so a missing file is not an error here.
			info, err := os.Stat(p.localPath)
			if err != nil {
				continue
			}
			st.CurrentSize += info.Size()
			st.CurrentCount++
		}
	}

	if st.CacheSize > 0 {
		st.LoadFactor = float64(st.CurrentSize) / float64(st.CacheSize)
	}

	return st, nil
}

// HumanBytes renders a byte count like "1.5GB".
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (s *Store) poolOptions(opts []pool.Option) []pool.Option {
	base := []pool.Option{pool.WithWorkers(pool.RecommendWorkers(s.config.Workers))}
	return append(base, opts...)
}

// listMediaFiles returns every file under dir, relative to it. A
// missing directory yields nothing.
func listMediaFiles(dir string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}

// cachedRemotePaths returns the remote path recorded in every sidecar
// under the media directory.
func (s *Store) cachedRemotePaths() ([]string, error) {
	rels, err := listMediaFiles(s.MediaDir())
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, rel := range rels {
		if !isSidecarPath(rel) {
			continue
		}
		sc, err := readSidecar(filepath.Join(s.MediaDir(), rel))
		if err != nil {
			return nil, err
		}
		paths = append(paths, sc.remotePath)
	}

	return paths, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
