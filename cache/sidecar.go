package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformedSidecar is returned when a sidecar file cannot be parsed.
var ErrMalformedSidecar = errors.New("cache: malformed sidecar file")

// sidecarExt is the extension of the record written next to each cached
// payload.
const sidecarExt = ".cache"

// sidecar records the provenance of a cached payload: the remote path it
// was fetched from, whether the fetch succeeded, and the checksum the
// remote reported at download time.
type sidecar struct {
	remotePath string
	success    bool
	checksum   string
}

// sidecarPath returns the sidecar location for a cached payload. The
// payload's extension is replaced, so "img.jpg" and "img.png" share
// "img.cache".
func sidecarPath(localPath string) string {
	return stripExt(localPath) + sidecarExt
}

func isSidecarPath(path string) bool {
	return strings.HasSuffix(path, sidecarExt)
}

// stripExt drops the extension from the path's final component. Leading
// dots do not begin an extension, so hidden files keep their names.
func stripExt(path string) string {
	base := filepath.Base(path)
	i := strings.LastIndex(base, ".")
	if i <= 0 || strings.Trim(base[:i], ".") == "" {
		return path
	}
	return path[:len(path)-(len(base)-i)]
}

// writeSidecar records a fetch outcome next to the payload, creating
// parent directories as needed.
func writeSidecar(localPath, remotePath string, success bool, checksum string) error {
	cachePath := sidecarPath(localPath)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return err
	}

	n := 0
	if success {
		n = 1
	}

	data := fmt.Sprintf("%s,%d,%s", remotePath, n, checksum)
	return os.WriteFile(cachePath, []byte(data), 0o644)
}

// readSidecar loads a sidecar record. Missing files return the
// underlying os error, unreadable content returns ErrMalformedSidecar.
func readSidecar(cachePath string) (*sidecar, error) {
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, err
	}
	return parseSidecar(string(data))
}

// parseSidecar splits the record from the right. Remote paths may
// themselves contain commas, so only the final two fields are the
// success flag and the checksum.
func parseSidecar(data string) (*sidecar, error) {
	chunks := strings.Split(data, ",")
	if len(chunks) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedSidecar, data)
	}

	return &sidecar{
		remotePath: strings.Join(chunks[:len(chunks)-2], ","),
		success:    chunks[len(chunks)-2] == "1",
		checksum:   chunks[len(chunks)-1],
	}, nil
}

// removeEntry deletes a cached payload together with its sidecar.
// Missing files are ignored.
func removeEntry(localPath string) error {
	if err := removeFile(localPath); err != nil {
		return err
	}
	return removeFile(sidecarPath(localPath))
}

func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
