package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mediacache "github.com/wolfeidau/media-cache"
)

// ListFilesOptions controls directory listings.
type ListFilesOptions struct {
	// AbsPaths returns full paths instead of paths relative to the
	// listed directory.
	AbsPaths bool

	// Recursive traverses subdirectories.
	Recursive bool

	// IncludeHidden includes dot files.
	IncludeHidden bool

	// Sort sorts the results by path.
	Sort bool
}

// ListFiles lists the files in the directory. Missing directories
// produce an empty list.
func (c *Context) ListFiles(ctx context.Context, dirPath string, opts ListFilesOptions) ([]string, error) {
	if c.cls.IsLocal(dirPath) {
		return listLocalFiles(dirPath, opts)
	}

	fc, err := c.folderClientFor(ctx, dirPath)
	if err != nil {
		return nil, err
	}

	entries, err := fc.List(ctx, dirPath, ListOptions{Recursive: opts.Recursive})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		p := e.Path
		if !opts.AbsPaths {
			p = relPath(p, dirPath)
		}
		if !opts.IncludeHidden && strings.HasPrefix(path.Base(p), ".") {
			continue
		}
		out = append(out, p)
	}

	if opts.Sort {
		slices.Sort(out)
	}

	return out, nil
}

// ListFilesWithMetadata lists the files in the directory along with
// their metadata. The Path fields follow the AbsPaths option.
func (c *Context) ListFilesWithMetadata(ctx context.Context, dirPath string, opts ListFilesOptions) ([]*Metadata, error) {
	if c.cls.IsLocal(dirPath) {
		names, err := listLocalFiles(dirPath, ListFilesOptions{
			Recursive:     opts.Recursive,
			IncludeHidden: opts.IncludeHidden,
			Sort:          opts.Sort,
		})
		if err != nil {
			return nil, err
		}

		out := make([]*Metadata, 0, len(names))
		for _, name := range names {
			full := filepath.Join(dirPath, name)
			info, err := os.Stat(full)
			if err != nil {
				return nil, err
			}

			p := name
			if opts.AbsPaths {
				p = full
			}
			out = append(out, &Metadata{
				Name:         filepath.Base(name),
				Path:         p,
				Size:         info.Size(),
				LastModified: info.ModTime(),
			})
		}
		return out, nil
	}

	fc, err := c.folderClientFor(ctx, dirPath)
	if err != nil {
		return nil, err
	}

	entries, err := fc.List(ctx, dirPath, ListOptions{Recursive: opts.Recursive})
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if !opts.AbsPaths {
			e.Path = relPath(e.Path, dirPath)
		}
		if !opts.IncludeHidden && strings.HasPrefix(path.Base(e.Path), ".") {
			continue
		}
		out = append(out, e)
	}

	if opts.Sort {
		slices.SortFunc(out, func(a, b *Metadata) int {
			return strings.Compare(a.Path, b.Path)
		})
	}

	return out, nil
}

// ListSubdirs lists the subdirectories of the directory, sorted and
// excluding hidden directories. Remote directories only count when
// they contain files. Listing the root of a bucketed file system lists
// its buckets.
func (c *Context) ListSubdirs(ctx context.Context, dirPath string, absPaths, recursive bool) ([]string, error) {
	if c.cls.IsLocal(dirPath) {
		return listLocalSubdirs(dirPath, absPaths, recursive)
	}

	if c.cls.IsRoot(dirPath) {
		return c.listRootSubdirs(ctx, dirPath, absPaths, recursive)
	}

	var dirs []string
	if recursive {
		files, err := c.ListFiles(ctx, dirPath, ListFilesOptions{Recursive: true})
		if err != nil {
			return nil, err
		}

		set := make(map[string]bool)
		for _, f := range files {
			if d := path.Dir(f); d != "." {
				set[d] = true
			}
		}
		dirs = slices.Collect(maps.Keys(set))
	} else {
		fc, err := c.folderClientFor(ctx, dirPath)
		if err != nil {
			return nil, err
		}

		subs, err := fc.ListSubfolders(ctx, dirPath)
		if err != nil {
			return nil, err
		}
		for _, s := range subs {
			dirs = append(dirs, relPath(s, dirPath))
		}
	}

	out := dirs[:0]
	for _, d := range dirs {
		if d == "" || strings.HasPrefix(d, ".") {
			continue
		}
		out = append(out, d)
	}
	slices.Sort(out)

	if absPaths {
		for i, d := range out {
			out[i] = c.cls.Join(dirPath, d)
		}
	}

	return out, nil
}

// listRootSubdirs treats the buckets of a file system as the
// subdirectories of its root.
func (c *Context) listRootSubdirs(ctx context.Context, rootPath string, absPaths, recursive bool) ([]string, error) {
	kind := c.cls.Kind(rootPath)

	buckets, err := c.ListBuckets(ctx, kind, true)
	if err != nil {
		return nil, err
	}

	dirs := buckets
	if recursive {
		dirs = nil
		for _, b := range buckets {
			subs, err := c.ListSubdirs(ctx, b, true, true)
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, subs...)
		}
	}

	if !absPaths {
		for i, d := range dirs {
			_, rest := c.cls.SplitPrefix(d)
			dirs[i] = rest
		}
	}

	return dirs, nil
}

// ListBuckets lists the buckets available in the file system: those
// with managed credentials plus those visible to the default client.
// For the local file system this lists the subdirectories of the root
// directory.
func (c *Context) ListBuckets(ctx context.Context, kind mediacache.FSType, absPaths bool) ([]string, error) {
	if kind == mediacache.FSLocal {
		return c.ListSubdirs(ctx, string(os.PathSeparator), absPaths, false)
	}

	if !kind.HasBuckets() {
		return nil, fmt.Errorf("unsupported file system %q", kind)
	}

	seen := make(map[string]bool)

	managed, err := c.registry.ManagedBuckets(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, b := range managed {
		if !absPaths {
			if i := strings.LastIndex(b, "/"); i >= 0 {
				b = b[i+1:]
			}
		}
		seen[b] = true
	}

	// Buckets visible to the default credentials. A client that cannot
	// be constructed contributes nothing.
	if client, err := c.registry.ClientForFS(ctx, kind); err == nil && capable[BucketLister](client) {
		names, err := client.(BucketLister).ListBuckets(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			seen[name] = true
		}
	}

	prefix := c.bucketPrefix(kind)

	final := make(map[string]bool, len(seen))
	for b := range seen {
		if absPaths && prefix != "" && !strings.Contains(b, "/") {
			b = prefix + b
		}
		final[b] = true
	}

	return slices.Sorted(maps.Keys(final)), nil
}

// GlobMatches returns the paths matching the glob pattern, in sorted
// order. Patterns support *, ?, character classes and ** across
// directories. Remote patterns list the subtree below the deepest
// glob-free directory and filter it.
func (c *Context) GlobMatches(ctx context.Context, pattern string) ([]string, error) {
	if c.cls.IsLocal(pattern) {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		slices.Sort(matches)
		return matches, nil
	}

	root, hasSpecial := globRoot(c.cls, pattern)
	if !hasSpecial {
		return []string{pattern}, nil
	}

	files, err := c.ListFiles(ctx, root, ListFilesOptions{
		AbsPaths:      true,
		Recursive:     true,
		IncludeHidden: true,
	})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, f := range files {
		ok, err := doublestar.Match(pattern, f)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, f)
		}
	}

	slices.Sort(out)
	return out, nil
}

// globRoot returns the deepest directory of the pattern that contains
// no glob characters, and whether the pattern has any. Escaped
// specials like [*] split conservatively, which can only widen the
// listing, never miss a match.
func globRoot(cls *mediacache.Classifier, pattern string) (string, bool) {
	plain := strings.NewReplacer("[*]", "*", "[?]", "?", "[[]", "[", "[]]", "]").Replace(pattern)

	i := strings.IndexAny(plain, "*?[]")
	if i < 0 {
		return plain, false
	}

	head := plain[:i]
	prefix, _ := cls.SplitPrefix(head)
	if j := strings.LastIndex(head, "/"); j >= len(prefix) {
		head = head[:j]
	}
	return head, true
}

// bucketPrefix returns the prefix used to absolutise bare bucket names.
func (c *Context) bucketPrefix(kind mediacache.FSType) string {
	switch kind {
	case mediacache.FSS3:
		return mediacache.S3Prefix
	case mediacache.FSGCS:
		return mediacache.GCSPrefix
	}

	pairs := slices.Clone(c.cls.Pairs(kind))
	if len(pairs) == 0 {
		return ""
	}

	slices.SortFunc(pairs, func(a, b mediacache.PrefixPair) int {
		if v := strings.Compare(a.Alias, b.Alias); v != 0 {
			return v
		}
		return strings.Compare(a.Endpoint, b.Endpoint)
	})

	if pairs[0].Alias != "" {
		return pairs[0].Alias
	}
	return pairs[0].Endpoint
}

// relPath strips the directory from a path that lives under it.
func relPath(p, dir string) string {
	return strings.TrimPrefix(p, strings.TrimRight(dir, "/")+"/")
}

func listLocalFiles(dirPath string, opts ListFilesOptions) ([]string, error) {
	info, err := os.Stat(dirPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var names []string

	if opts.Recursive {
		err := filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(dirPath, p)
			if err != nil {
				return err
			}
			names = append(names, rel)
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			names = append(names, e.Name())
		}
	}

	out := names[:0]
	for _, name := range names {
		if !opts.IncludeHidden && strings.HasPrefix(filepath.Base(name), ".") {
			continue
		}
		out = append(out, name)
	}

	if opts.Sort {
		slices.Sort(out)
	}

	if opts.AbsPaths {
		for i, name := range out {
			out[i] = filepath.Join(dirPath, name)
		}
	}

	return out, nil
}

func listLocalSubdirs(dirPath string, absPaths, recursive bool) ([]string, error) {
	if _, err := os.Stat(dirPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var dirs []string

	if recursive {
		err := filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() || p == dirPath {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}

			rel, err := filepath.Rel(dirPath, p)
			if err != nil {
				return err
			}
			dirs = append(dirs, rel)
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			dirs = append(dirs, e.Name())
		}
	}

	slices.Sort(dirs)

	if absPaths {
		for i, d := range dirs {
			dirs[i] = filepath.Join(dirPath, d)
		}
	}

	return dirs, nil
}
