package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/credentials"
)

// GCSClient serves gs:// paths.
type GCSClient struct {
	client     *gcs.Client
	classifier *mediacache.Classifier
	projectID  string
}

// NewGCSClient returns a client for gs:// paths. A nil creds falls back to
// application default credentials.
func NewGCSClient(ctx context.Context, cls *mediacache.Classifier, creds *credentials.GCSCredentials) (*GCSClient, error) {
	var clientOpts []option.ClientOption
	var projectID string

	if creds != nil {
		if creds.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(creds.CredentialsFile))
		}
		projectID = creds.ProjectID
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &GCSClient{
		client:     client,
		classifier: cls,
		projectID:  projectID,
	}, nil
}

var (
	_ FolderClient    = (*GCSClient)(nil)
	_ SignedURLClient = (*GCSClient)(nil)
	_ BucketLister    = (*GCSClient)(nil)
)

func (c *GCSClient) Kind() mediacache.FSType {
	return mediacache.FSGCS
}

func (c *GCSClient) CacheRelativePath(remotePath string) string {
	_, rest := c.classifier.SplitPrefix(remotePath)
	return rest
}

func (c *GCSClient) split(remotePath string) (string, string) {
	_, rest := c.classifier.SplitPrefix(remotePath)
	bucket, key, _ := strings.Cut(rest, "/")
	return bucket, key
}

func (c *GCSClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.Metadata(ctx, remotePath)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *GCSClient) Metadata(ctx context.Context, remotePath string) (*Metadata, error) {
	bucket, key := c.split(remotePath)

	attrs, err := c.client.Bucket(bucket).Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("object attrs %s/%s: %w", bucket, key, err)
	}

	return c.objectMetadata(remotePath, attrs), nil
}

func (c *GCSClient) objectMetadata(remotePath string, attrs *gcs.ObjectAttrs) *Metadata {
	checksum := ""
	if len(attrs.MD5) > 0 {
		checksum = base64.StdEncoding.EncodeToString(attrs.MD5)
	} else {
		checksum = trimETag(attrs.Etag)
	}

	return &Metadata{
		Name:         path.Base(attrs.Name),
		Path:         remotePath,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
		Checksum:     checksum,
	}
}

func (c *GCSClient) OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	bucket, key := c.split(remotePath)

	r, err := c.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s/%s: %w", bucket, key, err)
	}

	return r, nil
}

func (c *GCSClient) DownloadTo(ctx context.Context, remotePath, localPath string) error {
	body, err := c.OpenReader(ctx, remotePath)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = atomicWrite(localPath, body)
	return err
}

func (c *GCSClient) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	bucket, key := c.split(remotePath)

	w := c.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = GuessContentType(key)

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}

	return nil
}

func (c *GCSClient) Delete(ctx context.Context, remotePath string) error {
	bucket, key := c.split(remotePath)

	err := c.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete object %s/%s: %w", bucket, key, err)
	}

	return nil
}

func (c *GCSClient) List(ctx context.Context, dirPath string, opts ListOptions) ([]*Metadata, error) {
	prefix, rest := c.classifier.SplitPrefix(dirPath)
	bucket, keyPrefix, _ := strings.Cut(rest, "/")
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	query := &gcs.Query{Prefix: keyPrefix}
	if !opts.Recursive {
		query.Delimiter = "/"
	}

	var results []*Metadata

	it := c.client.Bucket(bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", bucket, err)
		}
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			// common prefix or folder marker
			continue
		}
		md := c.objectMetadata(prefix+bucket+"/"+attrs.Name, attrs)
		results = append(results, md)
	}

	return results, nil
}

func (c *GCSClient) ListSubfolders(ctx context.Context, dirPath string) ([]string, error) {
	prefix, rest := c.classifier.SplitPrefix(dirPath)
	bucket, keyPrefix, _ := strings.Cut(rest, "/")
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	var dirs []string

	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: keyPrefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list subfolders in %s: %w", bucket, err)
		}
		if attrs.Prefix == "" {
			continue
		}
		dirs = append(dirs, prefix+bucket+"/"+strings.TrimSuffix(attrs.Prefix, "/"))
	}

	return dirs, nil
}

func (c *GCSClient) DeleteFolder(ctx context.Context, dirPath string) error {
	objects, err := c.List(ctx, dirPath, ListOptions{Recursive: true})
	if err != nil {
		return err
	}

	for _, obj := range objects {
		if err := c.Delete(ctx, obj.Path); err != nil {
			return err
		}
	}

	return nil
}

func (c *GCSClient) ListBuckets(ctx context.Context) ([]string, error) {
	if c.projectID == "" {
		return nil, errors.New("gcs credentials require a project ID to list buckets")
	}

	var names []string

	it := c.client.Buckets(ctx, c.projectID)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		names = append(names, attrs.Name)
	}

	return names, nil
}

func (c *GCSClient) SignedURL(ctx context.Context, remotePath string, opts SignOptions) (string, error) {
	bucket, key := c.split(remotePath)

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	signOpts := &gcs.SignedURLOptions{
		Method:  method,
		Expires: time.Now().Add(opts.Expires),
		Scheme:  gcs.SigningSchemeV4,
	}
	if opts.ContentType != "" {
		signOpts.ContentType = opts.ContentType
	}

	url, err := c.client.Bucket(bucket).SignedURL(key, signOpts)
	if err != nil {
		return "", fmt.Errorf("sign url %s/%s: %w", bucket, key, err)
	}

	return url, nil
}
