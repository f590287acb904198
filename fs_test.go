package mediacache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClassifier() *Classifier {
	c := &Classifier{}
	c.RegisterMinIO("minio", "https://minio.example.com:9000")
	c.RegisterAzure("az", "https://myaccount.blob.core.windows.net")
	return c
}

func TestKindFixedSchemes(t *testing.T) {
	c := &Classifier{}

	tests := []struct {
		name string
		path string
		want FSType
	}{
		{"empty", "", FSLocal},
		{"s3", "s3://bucket/object.jpg", FSS3},
		{"gcs", "gs://bucket/object.jpg", FSGCS},
		{"http", "http://example.com/file.jpg", FSHTTP},
		{"https", "https://example.com/file.jpg", FSHTTP},
		{"absolute local", "/path/to/file.jpg", FSLocal},
		{"relative local", "a/file.jpg", FSLocal},
		{"windows local", `C:\path\to\file.jpg`, FSLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, c.Kind(tt.path))
		})
	}
}

func TestKindRegisteredPrefixes(t *testing.T) {
	c := newTestClassifier()

	// Alias and endpoint spellings classify identically, and endpoint
	// URLs are not mistaken for plain HTTP paths.
	require.Equal(t, FSMinIO, c.Kind("minio://bucket/object.jpg"))
	require.Equal(t, FSMinIO, c.Kind("https://minio.example.com:9000/bucket/object.jpg"))
	require.Equal(t, FSAzure, c.Kind("az://container/blob.jpg"))
	require.Equal(t, FSAzure, c.Kind("https://myaccount.blob.core.windows.net/container/blob.jpg"))
	require.Equal(t, FSHTTP, c.Kind("https://other.example.com/file.jpg"))
}

func TestKindDeterministic(t *testing.T) {
	c := newTestClassifier()

	paths := []string{
		"s3://bucket/object.jpg",
		"minio://bucket/object.jpg",
		"https://minio.example.com:9000/bucket/object.jpg",
		"/local/file.jpg",
	}

	for _, p := range paths {
		first := c.Kind(p)
		for range 10 {
			require.Equal(t, first, c.Kind(p))
		}
	}
}

func TestRegisterDedupes(t *testing.T) {
	c := &Classifier{}
	c.RegisterMinIO("minio", "https://minio.example.com")
	c.RegisterMinIO("minio", "https://minio.example.com")
	c.RegisterMinIO("minio", "https://minio.example.com/")

	require.Len(t, c.Pairs(FSMinIO), 1)
}

func TestRegisterPreservesOrder(t *testing.T) {
	c := &Classifier{}
	c.RegisterMinIO("first", "https://one.example.com")
	c.RegisterMinIO("second", "https://two.example.com")

	pairs := c.Pairs(FSMinIO)
	require.Len(t, pairs, 2)
	require.Equal(t, "first://", pairs[0].Alias)
	require.Equal(t, "second://", pairs[1].Alias)
}

func TestSplitPrefix(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name       string
		path       string
		wantPrefix string
		wantRest   string
	}{
		{"s3", "s3://bucket/object.jpg", "s3://", "bucket/object.jpg"},
		{"gcs", "gs://bucket/object.jpg", "gs://", "bucket/object.jpg"},
		{"local absolute", "/path/to/file.jpg", "", "/path/to/file.jpg"},
		{"local relative", "a/file.jpg", "", "a/file.jpg"},
		{"http", "http://example.com/file.jpg", "http://", "example.com/file.jpg"},
		{"minio alias", "minio://bucket/object.jpg", "minio://", "bucket/object.jpg"},
		{"minio endpoint", "https://minio.example.com:9000/bucket/object.jpg", "https://minio.example.com:9000/", "bucket/object.jpg"},
		{"azure alias", "az://container/blob.jpg", "az://", "container/blob.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, rest := c.SplitPrefix(tt.path)
			require.Equal(t, tt.wantPrefix, prefix)
			require.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestBucket(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"s3", "s3://bucket/deep/object.jpg", "s3://bucket"},
		{"gcs", "gs://bucket/object.jpg", "gs://bucket"},
		{"minio alias", "minio://bucket/object.jpg", "minio://bucket"},
		{"minio endpoint", "https://minio.example.com:9000/bucket/object.jpg", "https://minio.example.com:9000/bucket"},
		{"local", "/path/to/file.jpg", ""},
		{"http", "http://example.com/file.jpg", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, c.Bucket(tt.path))
		})
	}
}

func TestBucketName(t *testing.T) {
	c := newTestClassifier()

	require.Equal(t, "bucket", c.BucketName("s3://bucket/object.jpg"))
	require.Equal(t, "bucket", c.BucketName("https://minio.example.com:9000/bucket/object.jpg"))
	require.Equal(t, "", c.BucketName("/path/to/file.jpg"))
}

func TestSwapPrefix(t *testing.T) {
	c := newTestClassifier()

	// Alias to endpoint and back.
	require.Equal(t,
		"https://minio.example.com:9000/bucket",
		c.SwapPrefix("minio://bucket"))
	require.Equal(t,
		"minio://bucket",
		c.SwapPrefix("https://minio.example.com:9000/bucket"))

	require.Equal(t,
		"https://myaccount.blob.core.windows.net/container",
		c.SwapPrefix("az://container"))

	// File systems without aliases are returned unchanged.
	require.Equal(t, "s3://bucket", c.SwapPrefix("s3://bucket"))
}

func TestIsRoot(t *testing.T) {
	c := newTestClassifier()

	require.True(t, c.IsRoot("s3://"))
	require.True(t, c.IsRoot("gs://"))
	require.True(t, c.IsRoot("minio://"))
	require.False(t, c.IsRoot("s3://bucket"))
	require.False(t, c.IsRoot("/path/to/dir"))
}

func TestEnsureLocal(t *testing.T) {
	c := &Classifier{}

	require.NoError(t, c.EnsureLocal("/path/to/file.jpg"))
	require.Error(t, c.EnsureLocal("s3://bucket/object.jpg"))
}

func TestFSTypeProperties(t *testing.T) {
	require.True(t, FSS3.HasBuckets())
	require.True(t, FSMinIO.HasBuckets())
	require.False(t, FSHTTP.HasBuckets())
	require.False(t, FSLocal.HasBuckets())

	require.True(t, FSMinIO.HasAliases())
	require.True(t, FSAzure.HasAliases())
	require.False(t, FSS3.HasAliases())

	require.True(t, FSS3.Regional())
	require.True(t, FSMinIO.Regional())
	require.False(t, FSGCS.Regional())
	require.False(t, FSAzure.Regional())
}
