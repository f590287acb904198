package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/pool"
)

// DefaultURLExpiry is how long signed URLs remain valid when no expiry
// is given.
const DefaultURLExpiry = 24 * time.Hour

// ndjsonMaxLineSize bounds the size of a single NDJSON record.
const ndjsonMaxLineSize = 16 * 1024 * 1024

// Context routes storage operations to the client serving each path.
// Local paths use the operating system directly; remote paths dispatch
// through the registry.
type Context struct {
	cls       *mediacache.Classifier
	registry  *Registry
	logger    *slog.Logger
	workers   int
	urlExpiry time.Duration
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithContextLogger sets the logger used for batch failure warnings.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithBatchWorkers sets the default worker count for batch operations.
func WithBatchWorkers(n int) ContextOption {
	return func(c *Context) {
		c.workers = n
	}
}

// WithURLExpiry sets the default signed URL lifetime.
func WithURLExpiry(d time.Duration) ContextOption {
	return func(c *Context) {
		c.urlExpiry = d
	}
}

// NewContext returns a storage context backed by the given classifier
// and client registry.
func NewContext(cls *mediacache.Classifier, registry *Registry, opts ...ContextOption) *Context {
	c := &Context{
		cls:       cls,
		registry:  registry,
		logger:    slog.Default(),
		urlExpiry: DefaultURLExpiry,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Classifier returns the path classifier.
func (c *Context) Classifier() *mediacache.Classifier {
	return c.cls
}

// Registry returns the client registry.
func (c *Context) Registry() *Registry {
	return c.registry
}

// IsLocal reports whether the path refers to the local file system.
func (c *Context) IsLocal(path string) bool {
	return c.cls.IsLocal(path)
}

// EnsureLocal returns an error when the path is not local.
func (c *Context) EnsureLocal(path string) error {
	return c.cls.EnsureLocal(path)
}

// Join joins path components using the separator for the root's file
// system.
func (c *Context) Join(root string, elem ...string) string {
	return c.cls.Join(root, elem...)
}

// Sep returns the path separator for the given path.
func (c *Context) Sep(path string) string {
	return c.cls.Sep(path)
}

// NormPath normalises the path.
func (c *Context) NormPath(path string) string {
	return c.cls.NormPath(path)
}

// IsAbs reports whether the path is absolute.
func (c *Context) IsAbs(path string) bool {
	return c.cls.IsAbs(path)
}

// AbsPath converts the path to an absolute path.
func (c *Context) AbsPath(path string) string {
	return c.cls.AbsPath(path)
}

// RealPath converts the path to absolute, resolving symlinks where the
// target exists.
func (c *Context) RealPath(path string) string {
	return c.cls.RealPath(path)
}

// Dirname returns the directory containing the path.
func (c *Context) Dirname(path string) string {
	return c.cls.Dirname(path)
}

// Basename returns the final component of the path.
func (c *Context) Basename(path string) string {
	return c.cls.Basename(path)
}

// Split splits the path into its directory and final component.
func (c *Context) Split(path string) (string, string) {
	return c.cls.Split(path)
}

// SplitExt splits the path into a stem and extension.
func (c *Context) SplitExt(path string) (string, string) {
	return c.cls.SplitExt(path)
}

// NormalizePath canonicalises a path for use as a cache key.
func (c *Context) NormalizePath(path string) string {
	return c.cls.NormalizePath(path)
}

// Exists checks whether the file or directory exists. Remote paths with
// an extension are treated as files, all others as folders.
func (c *Context) Exists(ctx context.Context, path string) (bool, error) {
	if c.cls.IsLocal(path) {
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}

	if _, ext := c.cls.SplitExt(path); ext != "" {
		return c.IsFile(ctx, path)
	}
	return c.IsDir(ctx, path)
}

// IsFile checks whether the path refers to an existing file.
func (c *Context) IsFile(ctx context.Context, path string) (bool, error) {
	if c.cls.IsLocal(path) {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !info.IsDir(), nil
	}

	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return false, err
	}
	return client.Exists(ctx, path)
}

// IsDir checks whether the path refers to an existing directory. Remote
// folders exist only when they contain at least one object.
func (c *Context) IsDir(ctx context.Context, dirPath string) (bool, error) {
	if c.cls.IsLocal(dirPath) {
		info, err := os.Stat(dirPath)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return info.IsDir(), nil
	}

	fc, err := c.folderClientFor(ctx, dirPath)
	if err != nil {
		return false, err
	}

	entries, err := fc.List(ctx, dirPath, ListOptions{})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Metadata returns the metadata for the file at the given path.
func (c *Context) Metadata(ctx context.Context, path string) (*Metadata, error) {
	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}
	return client.Metadata(ctx, path)
}

// Checksum returns the checksum for the file at the given path. Local
// files are hashed with BLAKE3; remote files report whatever checksum
// their storage service provides, which may be empty.
func (c *Context) Checksum(ctx context.Context, path string) (string, error) {
	if c.cls.IsLocal(path) {
		h, _, err := mediacache.HashFile(path)
		if err != nil {
			return "", err
		}
		return h.String(), nil
	}

	md, err := c.Metadata(ctx, path)
	if err != nil {
		return "", err
	}
	return md.Checksum, nil
}

// OpenReader opens the file for reading. Remote content is streamed.
func (c *Context) OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	if c.cls.IsLocal(path) {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return f, nil
	}

	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}
	return client.OpenReader(ctx, path)
}

// OpenWriter opens the file for writing. Local content is written to a
// temporary file and renamed into place on Close. Remote content is
// buffered in memory and uploaded on Close, using the context passed
// here.
func (c *Context) OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	if c.cls.IsLocal(path) {
		return newLocalWriter(path)
	}

	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}

	return &remoteWriter{ctx: ctx, client: client, path: path}, nil
}

// ReadFile reads the file into memory.
func (c *Context) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if c.cls.IsLocal(path) {
		b, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return b, err
	}

	rc, err := c.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// ReadFiles reads the files into memory on the worker pool. Results are
// aligned with the input order.
func (c *Context) ReadFiles(ctx context.Context, paths []string, opts ...pool.Option) ([][]byte, error) {
	return pool.Run(ctx, paths, func(ctx context.Context, path string) ([]byte, error) {
		return c.ReadFile(ctx, path)
	}, c.poolOptions(opts)...)
}

// WriteFile writes the data to the given path, overwriting any existing
// file. Local writes are atomic.
func (c *Context) WriteFile(ctx context.Context, path string, data []byte) error {
	if c.cls.IsLocal(path) {
		_, err := atomicWrite(path, bytes.NewReader(data))
		return err
	}

	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return err
	}
	return client.Upload(ctx, path, bytes.NewReader(data))
}

// ReadJSON reads and unmarshals the JSON file at the given path.
func (c *Context) ReadJSON(ctx context.Context, path string, v any) error {
	b, err := c.ReadFile(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// WriteJSON marshals the value and writes it to the given path.
func (c *Context) WriteJSON(ctx context.Context, path string, v any, pretty bool) error {
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(v, "", "    ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	return c.WriteFile(ctx, path, b)
}

// ReadNDJSON reads the newline-delimited JSON file at the given path,
// skipping blank lines.
func (c *Context) ReadNDJSON(ctx context.Context, path string) ([]json.RawMessage, error) {
	rc, err := c.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var rows []json.RawMessage

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), ndjsonMaxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("parsing %s: invalid JSON on line %d", path, line)
		}
		rows = append(rows, json.RawMessage(bytes.Clone(b)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return rows, nil
}

// WriteNDJSON writes the rows to the given path as newline-delimited
// JSON.
func (c *Context) WriteNDJSON(ctx context.Context, path string, rows []any) error {
	var buf bytes.Buffer
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	return c.WriteFile(ctx, path, buf.Bytes())
}

// EnsureDir makes the directory if necessary. Remote paths have no
// directories to make.
func (c *Context) EnsureDir(dirPath string) error {
	if c.cls.IsLocal(dirPath) {
		return os.MkdirAll(dirPath, 0o755)
	}
	return nil
}

// EnsureBaseDir makes the parent directory of the path if necessary.
func (c *Context) EnsureBaseDir(path string) error {
	if c.cls.IsLocal(path) {
		return os.MkdirAll(filepath.Dir(path), 0o755)
	}
	return nil
}

// EnsureEmptyDir ensures the directory exists and is empty. With
// cleanup set, existing contents are deleted; otherwise a non-empty
// directory is an error.
func (c *Context) EnsureEmptyDir(ctx context.Context, dirPath string, cleanup bool) error {
	if c.cls.IsLocal(dirPath) {
		if cleanup {
			if err := os.RemoveAll(dirPath); err != nil {
				return err
			}
			return os.MkdirAll(dirPath, 0o755)
		}

		entries, err := os.ReadDir(dirPath)
		if errors.Is(err, fs.ErrNotExist) {
			return os.MkdirAll(dirPath, 0o755)
		}
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("%s is not empty", dirPath)
		}
		return nil
	}

	if cleanup {
		return c.DeleteDir(ctx, dirPath)
	}

	fc, err := c.folderClientFor(ctx, dirPath)
	if err != nil {
		return err
	}

	entries, err := fc.List(ctx, dirPath, ListOptions{})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s is not empty", dirPath)
	}
	return nil
}

// MakeTempDir makes a temporary directory under the given base
// directory. Remote file systems have no directories, so a unique path
// is returned without touching the service.
func (c *Context) MakeTempDir(basedir string) (string, error) {
	if basedir == "" {
		basedir = os.TempDir()
	}

	if c.cls.IsLocal(basedir) {
		if err := os.MkdirAll(basedir, 0o755); err != nil {
			return "", err
		}
		return os.MkdirTemp(basedir, "tmp")
	}

	return c.cls.Join(basedir, uuid.NewString()), nil
}

// SignedURL returns a URL granting temporary access to the file. HTTP
// paths are returned unchanged. A non-positive expiry uses the default.
func (c *Context) SignedURL(ctx context.Context, path, method string, expiry time.Duration) (string, error) {
	return c.signedURL(ctx, path, SignOptions{Method: method, Expires: expiry})
}

// ToReadable returns a publicly readable URL for the file. Local paths
// are returned unchanged.
func (c *Context) ToReadable(ctx context.Context, path string) (string, error) {
	if c.cls.IsLocal(path) {
		return path, nil
	}
	return c.signedURL(ctx, path, SignOptions{Method: http.MethodGet})
}

// ToWriteable returns a publicly writable URL for the file. Local paths
// are returned unchanged.
func (c *Context) ToWriteable(ctx context.Context, path string) (string, error) {
	if c.cls.IsLocal(path) {
		return path, nil
	}
	return c.signedURL(ctx, path, SignOptions{
		Method:      http.MethodPut,
		ContentType: GuessContentType(path),
	})
}

func (c *Context) signedURL(ctx context.Context, path string, opts SignOptions) (string, error) {
	kind := c.cls.Kind(path)
	if kind == mediacache.FSHTTP {
		return path, nil
	}

	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return "", err
	}

	if !capable[SignedURLClient](client) {
		return "", fmt.Errorf("cannot get URL for %s: file system %q does not support signed URLs", path, kind)
	}

	if opts.Expires <= 0 {
		opts.Expires = c.urlExpiry
	}

	return client.(SignedURLClient).SignedURL(ctx, path, opts)
}

// AvailableFileSystems returns the file systems that are currently
// usable: the local file system, any with managed credentials, and any
// whose default client can be constructed.
func (c *Context) AvailableFileSystems(ctx context.Context) []mediacache.FSType {
	seen := map[mediacache.FSType]bool{mediacache.FSLocal: true}

	for _, kind := range c.registry.ManagedFileSystems() {
		seen[kind] = true
	}

	for _, kind := range []mediacache.FSType{
		mediacache.FSS3, mediacache.FSGCS, mediacache.FSAzure, mediacache.FSMinIO,
	} {
		if seen[kind] {
			continue
		}
		if _, err := c.registry.ClientForFS(ctx, kind); err == nil {
			seen[kind] = true
		}
	}

	out := make([]mediacache.FSType, 0, len(seen))
	for kind := range seen {
		out = append(out, kind)
	}
	slices.SortFunc(out, func(a, b mediacache.FSType) int {
		return strings.Compare(string(a), string(b))
	})

	return out
}

// folderClientFor resolves the client for the path and verifies it can
// list folders.
func (c *Context) folderClientFor(ctx context.Context, path string) (FolderClient, error) {
	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}

	if !capable[FolderClient](client) {
		return nil, fmt.Errorf("file system %q does not support folder listings", c.cls.Kind(path))
	}

	return client.(FolderClient), nil
}

// poolOptions prepends the context's worker default so callers can
// still override it.
func (c *Context) poolOptions(opts []pool.Option) []pool.Option {
	return append([]pool.Option{pool.WithWorkers(pool.RecommendWorkers(c.workers))}, opts...)
}

// localWriter writes to a temporary file and renames it into place on
// Close.
type localWriter struct {
	f      *os.File
	path   string
	closed bool
}

func newLocalWriter(path string) (*localWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &localWriter{f: f, path: path}, nil
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// abort discards the temp file without committing it.
func (w *localWriter) abort() {
	if w.closed {
		return
	}
	w.closed = true

	w.f.Close()
	os.Remove(w.f.Name())
}

// remoteWriter buffers content in memory and uploads it on Close.
type remoteWriter struct {
	ctx    context.Context
	client Client
	path   string
	buf    bytes.Buffer
	closed bool
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *remoteWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	return w.client.Upload(w.ctx, w.path, bytes.NewReader(w.buf.Bytes()))
}
