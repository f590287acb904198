// Package storage provides clients for the supported file systems and a
// Context facade that routes file operations across them through a unified
// path namespace.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: not found")

// Metadata describes a stored object.
type Metadata struct {
	// Name is the object's base name.
	Name string `json:"name"`

	// Path is the full path including the file system prefix.
	Path string `json:"filepath,omitempty"`

	// Size is the object size in bytes.
	Size int64 `json:"size"`

	// LastModified is the object's modification time.
	LastModified time.Time `json:"last_modified"`

	// ContentType is the object's MIME type, if the service reports one.
	ContentType string `json:"content_type,omitempty"`

	// Checksum is the service-reported checksum, typically an ETag with
	// surrounding quotes stripped. Empty when the service reports none.
	Checksum string `json:"checksum,omitempty"`
}

// ListOptions controls folder listings.
type ListOptions struct {
	// Recursive traverses subfolders rather than listing one level.
	Recursive bool
}

// SignOptions configures signed URL generation.
type SignOptions struct {
	// Method is the HTTP method the URL permits. GET when empty.
	Method string

	// Expires is how long the URL remains valid.
	Expires time.Duration

	// ContentType restricts uploads to the given type.
	ContentType string
}

// Client performs object operations for one file system deployment.
// Implementations must be safe for concurrent use.
type Client interface {
	// Kind returns the file system this client serves.
	Kind() mediacache.FSType

	// CacheRelativePath maps a path to the slash-separated location used
	// for its payload under a cache media directory. The mapping is
	// stable across alias and endpoint spellings of the same path.
	CacheRelativePath(remotePath string) string

	// Exists checks whether the object exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// Metadata returns the object's metadata, or ErrNotFound.
	Metadata(ctx context.Context, remotePath string) (*Metadata, error)

	// OpenReader returns a reader for the object's content, or
	// ErrNotFound. The caller must close the returned ReadCloser.
	OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error)

	// DownloadTo copies the object to the local file, creating parent
	// directories as needed. The write is atomic.
	DownloadTo(ctx context.Context, remotePath, localPath string) error

	// Upload stores content at the remote path, overwriting any existing
	// object.
	Upload(ctx context.Context, remotePath string, r io.Reader) error

	// Delete removes the object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, remotePath string) error
}

// FolderClient is implemented by clients whose file system supports
// folder-style listings.
type FolderClient interface {
	Client

	// List returns the objects under the folder path.
	List(ctx context.Context, dirPath string, opts ListOptions) ([]*Metadata, error)

	// ListSubfolders returns the full paths of the immediate subfolders
	// of the folder path.
	ListSubfolders(ctx context.Context, dirPath string) ([]string, error)

	// DeleteFolder removes all objects under the folder path.
	DeleteFolder(ctx context.Context, dirPath string) error
}

// SignedURLClient is implemented by clients that can mint signed URLs.
type SignedURLClient interface {
	Client

	// SignedURL returns a URL granting temporary access to the object.
	SignedURL(ctx context.Context, remotePath string, opts SignOptions) (string, error)
}

// BucketLister is implemented by clients that can enumerate the buckets
// visible to their credentials.
type BucketLister interface {
	Client

	// ListBuckets returns the bare bucket names visible to the client.
	ListBuckets(ctx context.Context) ([]string, error)
}
