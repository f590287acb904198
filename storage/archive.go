package storage

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type archiveFormat int

const (
	zipArchive archiveFormat = iota
	tarArchive
	tarGzipArchive
	tarZstdArchive
)

func detectArchiveFormat(p string) (archiveFormat, error) {
	switch {
	case strings.HasSuffix(p, ".zip"):
		return zipArchive, nil
	case strings.HasSuffix(p, ".tar"):
		return tarArchive, nil
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return tarGzipArchive, nil
	case strings.HasSuffix(p, ".tar.zst"):
		return tarZstdArchive, nil
	default:
		return 0, fmt.Errorf("unsupported archive format %q", p)
	}
}

// MakeArchive writes an archive containing the directory. Supported
// formats are .zip, .tar, .tar.gz, .tgz and .tar.zst, selected by the
// archive path's extension. Remote paths on either side are staged
// through a local temporary directory.
func (c *Context) MakeArchive(ctx context.Context, dirPath, archivePath string, cleanup bool) error {
	if _, err := detectArchiveFormat(archivePath); err != nil {
		return err
	}

	localDir := dirPath
	if !c.cls.IsLocal(dirPath) {
		tmp, err := c.MakeTempDir("")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		// Stage under the directory's own name so archive entries
		// carry it rather than the temp dir's.
		localDir = filepath.Join(tmp, c.cls.Basename(dirPath))
		if err := c.CopyDir(ctx, dirPath, localDir, false); err != nil {
			return err
		}
	}

	localArchive := archivePath
	remoteArchive := !c.cls.IsLocal(archivePath)
	if remoteArchive {
		tmp, err := c.MakeTempDir("")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		localArchive = filepath.Join(tmp, c.cls.Basename(archivePath))
	}

	c.logger.Info("making archive", slog.String("path", archivePath))

	if err := makeLocalArchive(localDir, localArchive); err != nil {
		return err
	}

	if remoteArchive {
		if err := c.CopyFile(ctx, localArchive, archivePath); err != nil {
			return err
		}
	}

	if cleanup {
		return c.DeleteDir(ctx, dirPath)
	}

	return nil
}

// ExtractArchive extracts an archive into the directory, which
// defaults to the directory containing the archive. Remote paths on
// either side are staged through a local temporary directory.
func (c *Context) ExtractArchive(ctx context.Context, archivePath, outdir string, cleanup bool) error {
	if outdir == "" {
		outdir = c.cls.Dirname(archivePath)
	}

	localArchive := archivePath
	if !c.cls.IsLocal(archivePath) {
		tmp, err := c.MakeTempDir("")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		localArchive = filepath.Join(tmp, c.cls.Basename(archivePath))
		if err := c.CopyFile(ctx, archivePath, localArchive); err != nil {
			return err
		}
	}

	localOut := outdir
	remoteOut := !c.cls.IsLocal(outdir)
	if remoteOut {
		tmp, err := c.MakeTempDir("")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		localOut = tmp
	}

	c.logger.Info("extracting archive", slog.String("path", archivePath))

	if err := extractLocalArchive(localArchive, localOut); err != nil {
		return err
	}

	if remoteOut {
		if err := c.CopyDir(ctx, localOut, outdir, false); err != nil {
			return err
		}
	}

	if cleanup {
		return c.DeleteFile(ctx, archivePath)
	}

	return nil
}

func makeLocalArchive(dirPath, archivePath string) error {
	format, err := detectArchiveFormat(archivePath)
	if err != nil {
		return err
	}

	w, err := newLocalWriter(archivePath)
	if err != nil {
		return err
	}

	root := filepath.Dir(filepath.Clean(dirPath))
	base := filepath.Base(filepath.Clean(dirPath))

	if format == zipArchive {
		err = writeZip(w, root, base)
	} else {
		err = writeTar(w, root, base, format)
	}
	if err != nil {
		w.abort()
		return err
	}

	return w.Close()
}

func writeTar(dst io.Writer, root, base string, format archiveFormat) error {
	var compressor io.WriteCloser
	switch format {
	case tarGzipArchive:
		compressor = gzip.NewWriter(dst)
	case tarZstdArchive:
		zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		compressor = zw
	}

	out := dst
	if compressor != nil {
		out = compressor
	}

	tw := tar.NewWriter(out)

	err := filepath.WalkDir(filepath.Join(root, base), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if compressor != nil {
		return compressor.Close()
	}
	return nil
}

func writeZip(dst io.Writer, root, base string) error {
	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	err := filepath.WalkDir(filepath.Join(root, base), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		return err
	})
	if err != nil {
		return err
	}

	return zw.Close()
}

func extractLocalArchive(archivePath, outdir string) error {
	format, err := detectArchiveFormat(archivePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return err
	}

	if format == zipArchive {
		return extractZip(archivePath, outdir)
	}
	return extractTar(archivePath, outdir, format)
}

func extractTar(archivePath, outdir string, format archiveFormat) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader = f
	switch format {
	case tarGzipArchive:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("reading gzip header: %w", err)
		}
		defer gz.Close()
		src = gz
	case tarZstdArchive:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := entryPath(outdir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		}
	}
}

func extractZip(archivePath, outdir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := entryPath(outdir, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeEntry(target, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func writeEntry(target string, src io.Reader, mode fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// entryPath joins an archive entry name to the output directory,
// rejecting names that escape it.
func entryPath(outdir, name string) (string, error) {
	name = filepath.FromSlash(name)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("archive entry %q escapes the output directory", name)
	}
	return filepath.Join(outdir, name), nil
}
