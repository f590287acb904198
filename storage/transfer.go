package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wolfeidau/media-cache/pool"
)

// CopyFile copies the input file to the output location. Transfers
// between two remote locations stream through this process.
func (c *Context) CopyFile(ctx context.Context, inpath, outpath string) error {
	return c.transferFile(ctx, inpath, outpath, false)
}

// CopyFiles copies each input file to the corresponding output location
// on the worker pool.
func (c *Context) CopyFiles(ctx context.Context, inpaths, outpaths []string, opts ...pool.Option) error {
	pairs, err := zipPaths(inpaths, outpaths)
	if err != nil {
		return err
	}

	_, err = pool.Run(ctx, pairs, func(ctx context.Context, p pathPair) (struct{}, error) {
		return struct{}{}, c.transferFile(ctx, p.in, p.out, false)
	}, c.poolOptions(opts)...)
	return err
}

// CopyDir copies the contents of the input directory into the output
// directory. With overwrite set, an existing output directory is
// deleted first; otherwise its contents are merged.
func (c *Context) CopyDir(ctx context.Context, indir, outdir string, overwrite bool, opts ...pool.Option) error {
	if overwrite {
		if err := c.deleteExistingDir(ctx, outdir); err != nil {
			return err
		}
	}

	inpaths, outpaths, err := c.dirTransferPaths(ctx, indir, outdir)
	if err != nil {
		return err
	}

	return c.CopyFiles(ctx, inpaths, outpaths, opts...)
}

// MoveFile moves the input file to the output location.
func (c *Context) MoveFile(ctx context.Context, inpath, outpath string) error {
	return c.transferFile(ctx, inpath, outpath, true)
}

// MoveFiles moves each input file to the corresponding output location
// on the worker pool.
func (c *Context) MoveFiles(ctx context.Context, inpaths, outpaths []string, opts ...pool.Option) error {
	pairs, err := zipPaths(inpaths, outpaths)
	if err != nil {
		return err
	}

	_, err = pool.Run(ctx, pairs, func(ctx context.Context, p pathPair) (struct{}, error) {
		return struct{}{}, c.transferFile(ctx, p.in, p.out, true)
	}, c.poolOptions(opts)...)
	return err
}

// MoveDir moves the contents of the input directory into the output
// directory. With overwrite set, an existing output directory is
// deleted first; otherwise its contents are merged.
func (c *Context) MoveDir(ctx context.Context, indir, outdir string, overwrite bool, opts ...pool.Option) error {
	if overwrite {
		if err := c.deleteExistingDir(ctx, outdir); err != nil {
			return err
		}

		if c.cls.IsLocal(indir) && c.cls.IsLocal(outdir) {
			if err := os.MkdirAll(filepath.Dir(outdir), 0o755); err != nil {
				return err
			}
			if err := os.Rename(indir, outdir); err == nil {
				return nil
			}
			// renames fail across file systems; move file by file
		}
	}

	inpaths, outpaths, err := c.dirTransferPaths(ctx, indir, outdir)
	if err != nil {
		return err
	}

	return c.MoveFiles(ctx, inpaths, outpaths, opts...)
}

// DeleteFile deletes the file at the given path. Local directories left
// empty by the deletion are pruned.
func (c *Context) DeleteFile(ctx context.Context, path string) error {
	if c.cls.IsLocal(path) {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrNotFound
			}
			return err
		}
		pruneEmptyDirs(filepath.Dir(path))
		return nil
	}

	client, err := c.registry.ClientFor(ctx, path)
	if err != nil {
		return err
	}
	return client.Delete(ctx, path)
}

// DeleteFiles deletes the files on the worker pool.
func (c *Context) DeleteFiles(ctx context.Context, paths []string, opts ...pool.Option) error {
	_, err := pool.Run(ctx, paths, func(ctx context.Context, path string) (struct{}, error) {
		return struct{}{}, c.DeleteFile(ctx, path)
	}, c.poolOptions(opts)...)
	return err
}

// DeleteDir deletes the directory and its contents. Local parent
// directories left empty by the deletion are pruned.
func (c *Context) DeleteDir(ctx context.Context, dirPath string) error {
	if c.cls.IsLocal(dirPath) {
		if _, err := os.Stat(dirPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrNotFound
			}
			return err
		}
		if err := os.RemoveAll(dirPath); err != nil {
			return err
		}
		pruneEmptyDirs(filepath.Dir(dirPath))
		return nil
	}

	fc, err := c.folderClientFor(ctx, dirPath)
	if err != nil {
		return err
	}
	return fc.DeleteFolder(ctx, dirPath)
}

// transferFile routes a copy between the four quadrants of local and
// remote endpoints. With cleanup set, the input is removed afterwards.
func (c *Context) transferFile(ctx context.Context, inpath, outpath string, cleanup bool) error {
	localIn := c.cls.IsLocal(inpath)
	localOut := c.cls.IsLocal(outpath)

	switch {
	case localIn && localOut:
		if cleanup {
			return moveLocalFile(inpath, outpath)
		}
		return copyLocalFile(inpath, outpath)

	case localIn:
		client, err := c.registry.ClientFor(ctx, outpath)
		if err != nil {
			return err
		}

		f, err := os.Open(inpath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrNotFound
			}
			return err
		}

		err = client.Upload(ctx, outpath, f)
		f.Close()
		if err != nil {
			return err
		}

		if cleanup {
			return os.Remove(inpath)
		}
		return nil

	case localOut:
		client, err := c.registry.ClientFor(ctx, inpath)
		if err != nil {
			return err
		}

		if err := client.DownloadTo(ctx, inpath, outpath); err != nil {
			return err
		}

		if cleanup {
			return client.Delete(ctx, inpath)
		}
		return nil

	default:
		src, err := c.registry.ClientFor(ctx, inpath)
		if err != nil {
			return err
		}
		dst, err := c.registry.ClientFor(ctx, outpath)
		if err != nil {
			return err
		}

		rc, err := src.OpenReader(ctx, inpath)
		if err != nil {
			return err
		}

		err = dst.Upload(ctx, outpath, rc)
		rc.Close()
		if err != nil {
			return err
		}

		if cleanup {
			return src.Delete(ctx, inpath)
		}
		return nil
	}
}

// deleteExistingDir deletes the directory when it exists.
func (c *Context) deleteExistingDir(ctx context.Context, dirPath string) error {
	ok, err := c.IsDir(ctx, dirPath)
	if err != nil || !ok {
		return err
	}
	return c.DeleteDir(ctx, dirPath)
}

// dirTransferPaths lists the input directory and pairs every file with
// its location under the output directory.
func (c *Context) dirTransferPaths(ctx context.Context, indir, outdir string) ([]string, []string, error) {
	files, err := c.ListFiles(ctx, indir, ListFilesOptions{
		Recursive:     true,
		IncludeHidden: true,
	})
	if err != nil {
		return nil, nil, err
	}

	inpaths := make([]string, len(files))
	outpaths := make([]string, len(files))
	for i, f := range files {
		inpaths[i] = c.cls.Join(indir, f)
		outpaths[i] = c.cls.Join(outdir, f)
	}

	return inpaths, outpaths, nil
}

type pathPair struct {
	in  string
	out string
}

func zipPaths(inpaths, outpaths []string) ([]pathPair, error) {
	if len(inpaths) != len(outpaths) {
		return nil, fmt.Errorf("got %d input paths and %d output paths", len(inpaths), len(outpaths))
	}

	pairs := make([]pathPair, len(inpaths))
	for i := range inpaths {
		pairs[i] = pathPair{in: inpaths[i], out: outpaths[i]}
	}
	return pairs, nil
}

func copyLocalFile(inpath, outpath string) error {
	src, err := os.Open(inpath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer src.Close()

	_, err = atomicWrite(outpath, src)
	return err
}

func moveLocalFile(inpath, outpath string) error {
	if err := os.MkdirAll(filepath.Dir(outpath), 0o755); err != nil {
		return err
	}

	err := os.Rename(inpath, outpath)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}

	// renames fail across file systems; fall back to copy and remove
	if err := copyLocalFile(inpath, outpath); err != nil {
		return err
	}
	return os.Remove(inpath)
}

// pruneEmptyDirs removes the directory and its parents while they
// remain empty.
func pruneEmptyDirs(dir string) {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
