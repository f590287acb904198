package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/credentials"
)

const deleteBatchSize = 1000

// S3Client serves s3:// paths and, when built with an endpoint, MinIO
// deployments addressed by alias or endpoint URL.
type S3Client struct {
	client      *s3.Client
	classifier  *mediacache.Classifier
	kind        mediacache.FSType
	partSize    int64
	concurrency int
}

type s3settings struct {
	partSizeMB  int64
	concurrency int
	maxConns    int
}

// S3Option configures an S3Client.
type S3Option func(*s3settings)

// WithS3PartSize sets the multipart upload part size in MiB.
func WithS3PartSize(mb int64) S3Option {
	return func(s *s3settings) {
		s.partSizeMB = mb
	}
}

// WithS3Concurrency sets the multipart upload concurrency.
func WithS3Concurrency(n int) S3Option {
	return func(s *s3settings) {
		s.concurrency = n
	}
}

// WithS3MaxConns raises the connection pool size, which matters when many
// workers share one client.
func WithS3MaxConns(n int) S3Option {
	return func(s *s3settings) {
		s.maxConns = n
	}
}

// NewS3Client returns a client for s3:// paths. A nil creds falls back to
// the ambient AWS credential chain.
func NewS3Client(ctx context.Context, cls *mediacache.Classifier, creds *credentials.S3Credentials, opts ...S3Option) (*S3Client, error) {
	settings := applyS3Options(opts)

	loadOpts := []func(*config.LoadOptions) error{
		config.WithDefaultRegion("us-east-1"),
	}

	if creds != nil {
		if creds.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(creds.Region))
		}
		if creds.Profile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(creds.Profile))
		}
		if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
			loadOpts = append(loadOpts,
				config.WithCredentialsProvider(awscredentials.NewStaticCredentialsProvider(
					creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)))
		}
	}

	if settings.maxConns > 0 {
		loadOpts = append(loadOpts, config.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        settings.maxConns,
				MaxIdleConnsPerHost: settings.maxConns,
			},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Client{
		client:      s3.NewFromConfig(awsCfg),
		classifier:  cls,
		kind:        mediacache.FSS3,
		partSize:    settings.partSizeMB * 1024 * 1024,
		concurrency: settings.concurrency,
	}, nil
}

// NewMinIOClient returns a client for a MinIO or other S3-compatible
// deployment reachable at the credentials' endpoint URL.
func NewMinIOClient(ctx context.Context, cls *mediacache.Classifier, creds *credentials.MinIOCredentials, opts ...S3Option) (*S3Client, error) {
	if creds == nil || creds.EndpointURL == "" {
		return nil, errors.New("minio credentials require an endpoint URL")
	}

	settings := applyS3Options(opts)

	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithBaseEndpoint(creds.EndpointURL),
	}

	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(awscredentials.NewStaticCredentialsProvider(
				creds.AccessKeyID, creds.SecretAccessKey, "")))
	}

	if settings.maxConns > 0 {
		loadOpts = append(loadOpts, config.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        settings.maxConns,
				MaxIdleConnsPerHost: settings.maxConns,
			},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = true })

	return &S3Client{
		client:      client,
		classifier:  cls,
		kind:        mediacache.FSMinIO,
		partSize:    settings.partSizeMB * 1024 * 1024,
		concurrency: settings.concurrency,
	}, nil
}

func applyS3Options(opts []S3Option) *s3settings {
	settings := &s3settings{
		partSizeMB:  16,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(settings)
	}
	return settings
}

var (
	_ FolderClient    = (*S3Client)(nil)
	_ SignedURLClient = (*S3Client)(nil)
	_ BucketLister    = (*S3Client)(nil)
)

func (c *S3Client) Kind() mediacache.FSType {
	return c.kind
}

func (c *S3Client) CacheRelativePath(remotePath string) string {
	_, rest := c.classifier.SplitPrefix(remotePath)
	return rest
}

// split separates a path into its bucket and object key.
func (c *S3Client) split(remotePath string) (string, string) {
	_, rest := c.classifier.SplitPrefix(remotePath)
	bucket, key, _ := strings.Cut(rest, "/")
	return bucket, key
}

func (c *S3Client) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.Metadata(ctx, remotePath)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *S3Client) Metadata(ctx context.Context, remotePath string) (*Metadata, error) {
	bucket, key := c.split(remotePath)

	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}

	return &Metadata{
		Name:         path.Base(key),
		Path:         remotePath,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		Checksum:     trimETag(aws.ToString(out.ETag)),
	}, nil
}

func (c *S3Client) OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	bucket, key := c.split(remotePath)

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}

	return out.Body, nil
}

func (c *S3Client) DownloadTo(ctx context.Context, remotePath, localPath string) error {
	body, err := c.OpenReader(ctx, remotePath)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = atomicWrite(localPath, body)
	return err
}

func (c *S3Client) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	bucket, key := c.split(remotePath)

	uploader := manager.NewUploader(c.client, func(m *manager.Uploader) {
		m.PartSize = c.partSize
		m.Concurrency = c.concurrency
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(GuessContentType(key)),
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}

	return nil
}

func (c *S3Client) Delete(ctx context.Context, remotePath string) error {
	bucket, key := c.split(remotePath)

	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s/%s: %w", bucket, key, err)
	}

	return nil
}

func (c *S3Client) List(ctx context.Context, dirPath string, opts ListOptions) ([]*Metadata, error) {
	prefix, rest := c.classifier.SplitPrefix(dirPath)
	bucket, keyPrefix, _ := strings.Cut(rest, "/")
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if keyPrefix != "" {
		input.Prefix = aws.String(keyPrefix)
	}
	if !opts.Recursive {
		input.Delimiter = aws.String("/")
	}

	var results []*Metadata

	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", bucket, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				// folder marker
				continue
			}
			results = append(results, &Metadata{
				Name:         path.Base(key),
				Path:         prefix + bucket + "/" + key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				Checksum:     trimETag(aws.ToString(obj.ETag)),
			})
		}
	}

	return results, nil
}

func (c *S3Client) ListSubfolders(ctx context.Context, dirPath string) ([]string, error) {
	prefix, rest := c.classifier.SplitPrefix(dirPath)
	bucket, keyPrefix, _ := strings.Cut(rest, "/")
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Delimiter: aws.String("/"),
	}
	if keyPrefix != "" {
		input.Prefix = aws.String(keyPrefix)
	}

	var dirs []string

	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subfolders in %s: %w", bucket, err)
		}

		for _, cp := range page.CommonPrefixes {
			dir := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			dirs = append(dirs, prefix+bucket+"/"+dir)
		}
	}

	return dirs, nil
}

func (c *S3Client) DeleteFolder(ctx context.Context, dirPath string) error {
	objects, err := c.List(ctx, dirPath, ListOptions{Recursive: true})
	if err != nil {
		return err
	}

	_, rest := c.classifier.SplitPrefix(dirPath)
	bucket, _, _ := strings.Cut(rest, "/")

	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("delete objects in %s: %w", bucket, err)
		}
		batch = batch[:0]
		return nil
	}

	for _, obj := range objects {
		_, key := c.split(obj.Path)
		batch = append(batch, types.ObjectIdentifier{Key: aws.String(key)})
		if len(batch) == deleteBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func (c *S3Client) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := c.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}

	return names, nil
}

func (c *S3Client) SignedURL(ctx context.Context, remotePath string, opts SignOptions) (string, error) {
	bucket, key := c.split(remotePath)
	presigner := s3.NewPresignClient(c.client)
	expires := s3.WithPresignExpires(opts.Expires)

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case http.MethodGet:
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return "", fmt.Errorf("presign get %s/%s: %w", bucket, key, err)
		}
		return req.URL, nil

	case http.MethodPut:
		input := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		req, err := presigner.PresignPutObject(ctx, input, expires)
		if err != nil {
			return "", fmt.Errorf("presign put %s/%s: %w", bucket, key, err)
		}
		return req.URL, nil

	case http.MethodDelete:
		req, err := presigner.PresignDeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return "", fmt.Errorf("presign delete %s/%s: %w", bucket, key, err)
		}
		return req.URL, nil

	default:
		return "", fmt.Errorf("unsupported method %q for signed URL", method)
	}
}

// BucketRegion resolves the region a bucket lives in. The HeadBucket probe
// works for buckets in any region; GetBucketLocation covers deployments
// that reject HeadBucket.
func (c *S3Client) BucketRegion(ctx context.Context, bucket string) (string, error) {
	region, headErr := manager.GetBucketRegion(ctx, c.client, bucket)
	if headErr == nil {
		if region == "" {
			region = "us-east-1"
		}
		return region, nil
	}

	out, locErr := c.client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if locErr == nil {
		region := string(out.LocationConstraint)
		if region == "" {
			region = "us-east-1"
		}
		return region, nil
	}

	return "", fmt.Errorf("resolve region for bucket %s: head: %v; location: %v", bucket, headErr, locErr)
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
