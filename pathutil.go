package mediacache

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sep returns the path separator for the given path.
func (c *Classifier) Sep(p string) string {
	if c.IsLocal(p) {
		return string(os.PathSeparator)
	}
	return "/"
}

// Join joins path components using the separator for the root's file
// system. Remote roots keep their prefix intact.
func (c *Classifier) Join(root string, elem ...string) string {
	if c.IsLocal(root) {
		return filepath.Join(append([]string{root}, elem...)...)
	}

	prefix, rest := c.SplitPrefix(root)
	return prefix + path.Join(append([]string{rest}, elem...)...)
}

// NormPath normalises the path, removing duplicate separators and
// relative indicators. Remote paths use forward slashes on all platforms;
// local paths follow the host convention.
func (c *Classifier) NormPath(p string) string {
	if c.IsLocal(p) {
		if os.PathSeparator == '\\' {
			return filepath.Clean(p)
		}
		return path.Clean(strings.ReplaceAll(p, "\\", "/"))
	}

	prefix, rest := c.SplitPrefix(p)
	return prefix + path.Clean(strings.ReplaceAll(rest, "\\", "/"))
}

// IsAbs reports whether the path is absolute. Remote paths are always
// absolute.
func (c *Classifier) IsAbs(p string) bool {
	if c.IsLocal(p) {
		return filepath.IsAbs(p)
	}
	return true
}

// AbsPath converts the path to an absolute path, resolving relative
// indicators such as "." and "..".
func (c *Classifier) AbsPath(p string) string {
	if c.IsLocal(p) {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}
	return c.NormPath(p)
}

// RealPath converts the path to absolute, resolving symlinks where the
// target exists.
func (c *Classifier) RealPath(p string) string {
	if !c.IsLocal(p) {
		return c.AbsPath(p)
	}

	abs := c.AbsPath(p)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Dirname returns the directory containing the path. The bucket root of
// a remote path is its own parent.
func (c *Classifier) Dirname(p string) string {
	if c.IsLocal(p) {
		return filepath.Dir(p)
	}

	prefix, rest := c.SplitPrefix(p)
	rest = strings.TrimRight(rest, "/")
	if i := strings.LastIndex(rest, "/"); i > 0 {
		return prefix + rest[:i]
	}
	return prefix + rest
}

// Basename returns the final component of the path.
func (c *Classifier) Basename(p string) string {
	if c.IsLocal(p) {
		return filepath.Base(p)
	}
	return path.Base(strings.TrimRight(p, "/"))
}

// Split splits the path into its directory and final component.
func (c *Classifier) Split(p string) (string, string) {
	return c.Dirname(p), c.Basename(p)
}

// SplitExt splits the path into a stem and extension. The extension
// includes its leading dot. Leading dots in the final component do not
// start an extension.
func (c *Classifier) SplitExt(p string) (string, string) {
	sep := strings.LastIndex(p, "/")
	if i := strings.LastIndex(p, string(os.PathSeparator)); i > sep {
		sep = i
	}

	dot := strings.LastIndex(p, ".")
	if dot <= sep {
		return p, ""
	}

	for i := sep + 1; i < dot; i++ {
		if p[i] != '.' {
			return p[:dot], p[dot:]
		}
	}
	return p, ""
}

// NormalizePath canonicalises a path for use as a cache or registry key.
// Local paths are made absolute with a leading ~ expanded; remote paths
// have trailing slashes stripped.
func (c *Classifier) NormalizePath(p string) string {
	if c.IsLocal(p) {
		return c.AbsPath(expandUser(p))
	}
	return strings.TrimRight(p, "/")
}

func expandUser(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~"+string(os.PathSeparator)) && !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}
