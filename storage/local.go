package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	mediacache "github.com/wolfeidau/media-cache"
)

// LocalClient serves paths on the local file system. It exists so the
// Context facade can route every path through the same Client interface;
// local files are read and written in place and never cached.
type LocalClient struct{}

// NewLocalClient returns a client for local paths.
func NewLocalClient() *LocalClient {
	return &LocalClient{}
}

var _ FolderClient = (*LocalClient)(nil)

func (c *LocalClient) Kind() mediacache.FSType {
	return mediacache.FSLocal
}

func (c *LocalClient) CacheRelativePath(remotePath string) string {
	p := filepath.ToSlash(remotePath)
	if vol := filepath.VolumeName(remotePath); vol != "" {
		p = strings.TrimPrefix(p, filepath.ToSlash(vol))
	}
	return strings.TrimLeft(p, "/")
}

func (c *LocalClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *LocalClient) Metadata(ctx context.Context, remotePath string) (*Metadata, error) {
	info, err := os.Stat(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Metadata{
		Name:         info.Name(),
		Path:         remotePath,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (c *LocalClient) OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	f, err := os.Open(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *LocalClient) DownloadTo(ctx context.Context, remotePath, localPath string) error {
	src, err := os.Open(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = atomicWrite(localPath, src)
	return err
}

func (c *LocalClient) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	_, err := atomicWrite(remotePath, r)
	return err
}

func (c *LocalClient) Delete(ctx context.Context, remotePath string) error {
	err := os.Remove(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List walks the folder and returns metadata for each file. A missing or
// non-directory path yields an empty listing.
func (c *LocalClient) List(ctx context.Context, dirPath string, opts ListOptions) ([]*Metadata, error) {
	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	var results []*Metadata

	if !opts.Recursive {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			results = append(results, &Metadata{
				Name:         fi.Name(),
				Path:         filepath.Join(dirPath, fi.Name()),
				Size:         fi.Size(),
				LastModified: fi.ModTime(),
			})
		}
		return results, nil
	}

	err = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		results = append(results, &Metadata{
			Name:         fi.Name(),
			Path:         path,
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

func (c *LocalClient) ListSubfolders(ctx context.Context, dirPath string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(dirPath, entry.Name()))
		}
	}
	return dirs, nil
}

func (c *LocalClient) DeleteFolder(ctx context.Context, dirPath string) error {
	return os.RemoveAll(dirPath)
}

// atomicWrite streams r to path via a temp file in the destination
// directory, syncing and renaming on success so readers never observe a
// partial file.
func atomicWrite(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, err
	}

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, err
	}

	if err := tmp.Sync(); err != nil {
		return 0, err
	}

	if err := tmp.Close(); err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}

	success = true
	return n, nil
}
