package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/credentials"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

// fakeClient satisfies Client with inert operations so registry tests
// can observe construction without touching real services.
type fakeClient struct {
	fs     mediacache.FSType
	bucket string
	region string
}

func (f *fakeClient) Kind() mediacache.FSType           { return f.fs }
func (f *fakeClient) CacheRelativePath(p string) string { return p }

func (f *fakeClient) Exists(ctx context.Context, p string) (bool, error) {
	return false, nil
}

func (f *fakeClient) Metadata(ctx context.Context, p string) (*Metadata, error) {
	return nil, ErrNotFound
}

func (f *fakeClient) OpenReader(ctx context.Context, p string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

func (f *fakeClient) DownloadTo(ctx context.Context, p, local string) error   { return ErrNotFound }
func (f *fakeClient) Upload(ctx context.Context, p string, r io.Reader) error { return nil }
func (f *fakeClient) Delete(ctx context.Context, p string) error              { return nil }

// fakeRegionClient additionally answers region probes.
type fakeRegionClient struct {
	fakeClient
	regions map[string]string
	probes  int
}

func (f *fakeRegionClient) BucketRegion(ctx context.Context, bucket string) (string, error) {
	f.probes++
	region, ok := f.regions[bucket]
	if !ok {
		return "", errors.New("no such bucket")
	}
	return region, nil
}

// fakeBucketListClient additionally lists buckets.
type fakeBucketListClient struct {
	fakeClient
	buckets []string
}

func (f *fakeBucketListClient) ListBuckets(ctx context.Context) ([]string, error) {
	return f.buckets, nil
}

type staticRegion string

func (s staticRegion) BucketRegion(ctx context.Context, bucket string) (string, error) {
	return string(s), nil
}

type clientCall struct {
	fs        mediacache.FSType
	bucket    string
	region    string
	credsPath string
}

func stubClients(r *Registry) *[]clientCall {
	calls := &[]clientCall{}
	r.makeClientFn = func(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error) {
		*calls = append(*calls, clientCall{fs, bucket, region, credsPath})
		return &fakeClient{fs: fs, bucket: bucket, region: region}, nil
	}
	return calls
}

func newRegistryStore(t *testing.T, opts ...credentials.StoreOption) *credentials.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "credentials.db")
	s, err := credentials.OpenStore(path, testMasterKey, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRegistryMemoizesDefaultClient(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{})
	calls := stubClients(r)
	ctx := context.Background()

	c1, err := r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)
	c2, err := r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Len(t, *calls, 1)
}

func TestRegistryMemoizesErrors(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{})

	var n int
	r.makeClientFn = func(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error) {
		n++
		return nil, errors.New("bad credentials")
	}

	ctx := context.Background()
	_, err := r.ClientForFS(ctx, mediacache.FSGCS)
	require.Error(t, err)
	_, err = r.ClientForFS(ctx, mediacache.FSGCS)
	require.Error(t, err)

	require.Equal(t, 1, n)
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{})
	calls := stubClients(r)
	ctx := context.Background()

	_, err := r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)

	r.Reset()

	_, err = r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)
	require.Len(t, *calls, 2)
}

func TestRegistryNoRegionResolverFallsBack(t *testing.T) {
	// A client that cannot answer region probes routes every bucket to
	// the default client.
	r := NewRegistry(&mediacache.Classifier{})
	calls := stubClients(r)
	ctx := context.Background()

	c1, err := r.ClientFor(ctx, "s3://bucket/a.jpg")
	require.NoError(t, err)

	def, err := r.ClientForFS(ctx, mediacache.FSS3)
	require.NoError(t, err)

	require.Same(t, def, c1)
	require.Len(t, *calls, 1)
	require.Equal(t, clientCall{fs: mediacache.FSS3}, (*calls)[0])
}

func TestRegistryRegionalClients(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{})

	var calls []clientCall
	r.makeClientFn = func(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error) {
		calls = append(calls, clientCall{fs, bucket, region, credsPath})
		return &fakeRegionClient{
			fakeClient: fakeClient{fs: fs, bucket: bucket, region: region},
			regions: map[string]string{
				"bucket-a": "us-east-1",
				"bucket-b": "us-east-1",
				"bucket-c": "eu-west-2",
			},
		}, nil
	}

	ctx := context.Background()

	a, err := r.ClientFor(ctx, "s3://bucket-a/x.jpg")
	require.NoError(t, err)
	b, err := r.ClientFor(ctx, "s3://bucket-b/y.jpg")
	require.NoError(t, err)
	c, err := r.ClientFor(ctx, "s3://bucket-c/z.jpg")
	require.NoError(t, err)

	// Buckets in one region share a client; other regions get their own.
	require.Same(t, a, b)
	require.NotSame(t, a, c)

	require.Equal(t, "us-east-1", a.(*fakeRegionClient).region)
	require.Equal(t, "eu-west-2", c.(*fakeRegionClient).region)

	// One default client for probing plus one client per region.
	require.Len(t, calls, 3)
}

func TestRegistryMemoizesUnknownRegion(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{})

	probe := &fakeRegionClient{fakeClient: fakeClient{fs: mediacache.FSS3}}
	r.makeClientFn = func(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error) {
		return probe, nil
	}

	ctx := context.Background()

	c1, err := r.ClientFor(ctx, "s3://mystery/x.jpg")
	require.NoError(t, err)
	c2, err := r.ClientFor(ctx, "s3://mystery/y.jpg")
	require.NoError(t, err)

	def, err := r.ClientForFS(ctx, mediacache.FSS3)
	require.NoError(t, err)

	require.Same(t, def, c1)
	require.Same(t, def, c2)

	// The failed probe is memoized, not repeated.
	require.Equal(t, 1, probe.probes)
}

func TestRegistryRegionResolverOverride(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{},
		WithRegionResolver(mediacache.FSS3, staticRegion("ap-southeast-2")),
	)
	calls := stubClients(r)
	ctx := context.Background()

	c, err := r.ClientFor(ctx, "s3://bucket/x.jpg")
	require.NoError(t, err)

	require.Equal(t, "ap-southeast-2", c.(*fakeClient).region)

	// No probe client is constructed when the resolver is overridden.
	require.Len(t, *calls, 1)
	require.Equal(t, "s3://bucket", (*calls)[0].bucket)
}

func TestRegistryManagedBucketClientMirrored(t *testing.T) {
	store := newRegistryStore(t)
	creds := &credentials.Credentials{MinIO: &credentials.MinIOCredentials{
		AccessKeyID:     "minio",
		SecretAccessKey: "secret",
		EndpointURL:     "https://minio.example.com:9000",
		Alias:           "minio",
	}}
	require.NoError(t, store.Put(mediacache.FSMinIO, "minio://bucket", creds))

	cls := &mediacache.Classifier{}
	r := NewRegistry(cls,
		WithCredentialStore(store),
		WithRegionResolver(mediacache.FSMinIO, staticRegion("us-east-1")),
	)
	calls := stubClients(r)
	ctx := context.Background()

	// The store's alias pair is registered during construction.
	require.Equal(t, mediacache.FSMinIO, cls.Kind("minio://bucket/x.jpg"))

	c1, err := r.ClientFor(ctx, "minio://bucket/x.jpg")
	require.NoError(t, err)

	// The endpoint spelling of the same bucket reuses the client.
	c2, err := r.ClientFor(ctx, "https://minio.example.com:9000/bucket/x.jpg")
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Len(t, *calls, 1)
	require.Equal(t, "minio://bucket", (*calls)[0].bucket)
}

func TestRegistryCredentialsFileClient(t *testing.T) {
	r := NewRegistry(&mediacache.Classifier{})
	calls := stubClients(r)
	ctx := context.Background()

	c1, err := r.ClientForCredentialsFile(ctx, mediacache.FSGCS, "/etc/creds/gcs.json")
	require.NoError(t, err)
	c2, err := r.ClientForCredentialsFile(ctx, mediacache.FSGCS, "/etc/creds/gcs.json")
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Len(t, *calls, 1)
	require.Equal(t, "/etc/creds/gcs.json", (*calls)[0].credsPath)
}

func TestRegistryRefreshOnStoreExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newRegistryStore(t,
		credentials.WithRefreshInterval(time.Minute),
		credentials.WithNow(func() time.Time { return now }),
	)

	r := NewRegistry(&mediacache.Classifier{}, WithCredentialStore(store))
	calls := stubClients(r)
	ctx := context.Background()

	_, err := r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)
	_, err = r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)
	require.Len(t, *calls, 1)

	now = now.Add(2 * time.Minute)

	_, err = r.ClientForFS(ctx, mediacache.FSGCS)
	require.NoError(t, err)
	require.Len(t, *calls, 2)
}

func TestRegistryManagedFileSystems(t *testing.T) {
	store := newRegistryStore(t)
	creds := &credentials.Credentials{S3: &credentials.S3Credentials{AccessKeyID: "k", SecretAccessKey: "s"}}
	require.NoError(t, store.Put(mediacache.FSS3, "s3://bucket", creds))

	r := NewRegistry(&mediacache.Classifier{}, WithCredentialStore(store))
	require.Equal(t, []mediacache.FSType{mediacache.FSS3}, r.ManagedFileSystems())

	bare := NewRegistry(&mediacache.Classifier{})
	require.Nil(t, bare.ManagedFileSystems())
}

func TestRegistryManagedBuckets(t *testing.T) {
	store := newRegistryStore(t)
	creds := &credentials.Credentials{S3: &credentials.S3Credentials{AccessKeyID: "k", SecretAccessKey: "s"}}
	require.NoError(t, store.Put(mediacache.FSS3, "s3://exact-bucket", creds))
	require.NoError(t, store.Put(mediacache.FSS3, "s3://media-*", creds))

	r := NewRegistry(&mediacache.Classifier{}, WithCredentialStore(store))
	r.makeClientFn = func(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error) {
		return &fakeBucketListClient{
			fakeClient: fakeClient{fs: fs, bucket: bucket},
			buckets:    []string{"media-raw", "media-derived", "other"},
		}, nil
	}

	got, err := r.ManagedBuckets(context.Background(), mediacache.FSS3)
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{"s3://exact-bucket", "s3://media-raw", "s3://media-derived"}, got)
}

func TestUnwrap(t *testing.T) {
	inner := &fakeClient{fs: mediacache.FSS3}
	wrapped := NewInstrumentedClient(inner)

	require.Same(t, inner, Unwrap(wrapped))
	require.Same(t, inner, Unwrap(inner))
}

func TestCapableChecksInnermostClient(t *testing.T) {
	// The instrumented wrapper implements every capability method, so a
	// naive type assertion on it would always succeed. The check must
	// reflect what the wrapped client actually supports.
	plain := NewInstrumentedClient(&fakeClient{fs: mediacache.FSS3})
	require.False(t, capable[BucketLister](plain))
	require.False(t, capable[SignedURLClient](plain))
	require.False(t, capable[FolderClient](plain))

	lister := NewInstrumentedClient(&fakeBucketListClient{})
	require.True(t, capable[BucketLister](lister))
	require.False(t, capable[FolderClient](lister))
}
