package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// InstrumentedClient wraps a Client with metrics recording.
type InstrumentedClient struct {
	client Client
	name   string
}

// NewInstrumentedClient creates a new instrumented client wrapper.
func NewInstrumentedClient(c Client) *InstrumentedClient {
	return &InstrumentedClient{client: c, name: string(c.Kind())}
}

func (ic *InstrumentedClient) Kind() mediacache.FSType {
	return ic.client.Kind()
}

func (ic *InstrumentedClient) CacheRelativePath(remotePath string) string {
	return ic.client.CacheRelativePath(remotePath)
}

func (ic *InstrumentedClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	start := time.Now()
	exists, err := ic.client.Exists(ctx, remotePath)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "exists", outcome, time.Since(start), 0)
	return exists, err
}

func (ic *InstrumentedClient) Metadata(ctx context.Context, remotePath string) (*Metadata, error) {
	start := time.Now()
	md, err := ic.client.Metadata(ctx, remotePath)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "metadata", outcome, time.Since(start), 0)
	return md, err
}

func (ic *InstrumentedClient) OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ic.client.OpenReader(ctx, remotePath)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "open", outcome, time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ic *InstrumentedClient) DownloadTo(ctx context.Context, remotePath, localPath string) error {
	start := time.Now()
	err := ic.client.DownloadTo(ctx, remotePath, localPath)
	outcome := outcomeFromError(err)

	var bytes int64
	if err == nil {
		if info, statErr := os.Stat(localPath); statErr == nil {
			bytes = info.Size()
		}
	}

	telemetry.RecordStorageOp(ctx, ic.name, "download", outcome, time.Since(start), bytes)
	return err
}

func (ic *InstrumentedClient) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ic.client.Upload(ctx, remotePath, cr)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "upload", outcome, time.Since(start), cr.n)
	return err
}

func (ic *InstrumentedClient) Delete(ctx context.Context, remotePath string) error {
	start := time.Now()
	err := ic.client.Delete(ctx, remotePath)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "delete", outcome, time.Since(start), 0)
	return err
}

// List delegates to the underlying client if it implements FolderClient.
func (ic *InstrumentedClient) List(ctx context.Context, dirPath string, opts ListOptions) ([]*Metadata, error) {
	fc, ok := ic.client.(FolderClient)
	if !ok {
		return nil, fmt.Errorf("client does not support folder listings")
	}
	start := time.Now()
	results, err := fc.List(ctx, dirPath, opts)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "list", outcome, time.Since(start), 0)
	return results, err
}

// ListSubfolders delegates to the underlying client if it implements FolderClient.
func (ic *InstrumentedClient) ListSubfolders(ctx context.Context, dirPath string) ([]string, error) {
	fc, ok := ic.client.(FolderClient)
	if !ok {
		return nil, fmt.Errorf("client does not support folder listings")
	}
	start := time.Now()
	dirs, err := fc.ListSubfolders(ctx, dirPath)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "list_subfolders", outcome, time.Since(start), 0)
	return dirs, err
}

// DeleteFolder delegates to the underlying client if it implements FolderClient.
func (ic *InstrumentedClient) DeleteFolder(ctx context.Context, dirPath string) error {
	fc, ok := ic.client.(FolderClient)
	if !ok {
		return fmt.Errorf("client does not support folder listings")
	}
	start := time.Now()
	err := fc.DeleteFolder(ctx, dirPath)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "delete_folder", outcome, time.Since(start), 0)
	return err
}

// SignedURL delegates to the underlying client if it implements SignedURLClient.
func (ic *InstrumentedClient) SignedURL(ctx context.Context, remotePath string, opts SignOptions) (string, error) {
	sc, ok := ic.client.(SignedURLClient)
	if !ok {
		return "", fmt.Errorf("client does not support signed URLs")
	}
	start := time.Now()
	url, err := sc.SignedURL(ctx, remotePath, opts)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "signed_url", outcome, time.Since(start), 0)
	return url, err
}

// ListBuckets delegates to the underlying client if it implements BucketLister.
func (ic *InstrumentedClient) ListBuckets(ctx context.Context) ([]string, error) {
	bl, ok := ic.client.(BucketLister)
	if !ok {
		return nil, fmt.Errorf("client does not support bucket listings")
	}
	start := time.Now()
	names, err := bl.ListBuckets(ctx)
	outcome := outcomeFromError(err)
	telemetry.RecordStorageOp(ctx, ic.name, "list_buckets", outcome, time.Since(start), 0)
	return names, err
}

// Unwrap returns the underlying client.
func (ic *InstrumentedClient) Unwrap() Client {
	return ic.client
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Client       = (*InstrumentedClient)(nil)
	_ FolderClient = (*InstrumentedClient)(nil)
)
