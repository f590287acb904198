package mediacache

import (
	"fmt"
	"strings"
)

// FSType identifies the file system that holds a path.
type FSType string

const (
	FSS3    FSType = "s3"
	FSGCS   FSType = "gcs"
	FSAzure FSType = "azure"
	FSMinIO FSType = "minio"
	FSHTTP  FSType = "http"
	FSLocal FSType = "local"
)

// Fixed path prefixes. MinIO and Azure prefixes are not fixed; they are
// registered on a Classifier from the configured credentials.
const (
	S3Prefix    = "s3://"
	GCSPrefix   = "gs://"
	HTTPPrefix  = "http://"
	HTTPSPrefix = "https://"
)

// HasBuckets reports whether the file system organises objects into
// buckets.
func (fs FSType) HasBuckets() bool {
	switch fs {
	case FSS3, FSGCS, FSAzure, FSMinIO:
		return true
	}
	return false
}

// HasAliases reports whether paths in the file system may be spelled with
// either an alias scheme or an endpoint URL.
func (fs FSType) HasAliases() bool {
	return fs == FSAzure || fs == FSMinIO
}

// Regional reports whether clients for the file system are scoped to a
// bucket region.
func (fs FSType) Regional() bool {
	return fs == FSS3 || fs == FSMinIO
}

// PrefixPair ties an alias scheme to the endpoint URL it abbreviates.
// Either side may be empty when the credentials omit it.
type PrefixPair struct {
	Alias    string
	Endpoint string
}

func (p PrefixPair) matches(path string) bool {
	return (p.Alias != "" && strings.HasPrefix(path, p.Alias)) ||
		(p.Endpoint != "" && strings.HasPrefix(path, p.Endpoint))
}

// Classifier maps paths to file systems.
//
// The zero value recognises the fixed s3://, gs:// and http(s):// schemes.
// MinIO and Azure deployments are recognised via prefix pairs registered
// from their credentials, and are checked before the fixed schemes so that
// an endpoint URL is never mistaken for a plain HTTP path. Registration
// order is preserved so that default credentials win prefix ties.
type Classifier struct {
	minio []PrefixPair
	azure []PrefixPair
}

// RegisterMinIO registers a MinIO alias/endpoint prefix pair. The alias is
// given without the "://" suffix and the endpoint is the deployment URL.
func (c *Classifier) RegisterMinIO(alias, endpointURL string) {
	c.minio = appendPair(c.minio, alias, endpointURL)
}

// RegisterAzure registers an Azure alias/account URL prefix pair.
func (c *Classifier) RegisterAzure(alias, accountURL string) {
	c.azure = appendPair(c.azure, alias, accountURL)
}

func appendPair(pairs []PrefixPair, alias, endpoint string) []PrefixPair {
	var p PrefixPair
	if alias != "" {
		p.Alias = alias + "://"
	}
	if endpoint != "" {
		p.Endpoint = strings.TrimRight(endpoint, "/") + "/"
	}
	if p == (PrefixPair{}) {
		return pairs
	}
	for _, q := range pairs {
		if q == p {
			return pairs
		}
	}
	return append(pairs, p)
}

// Kind returns the file system that holds the given path. Empty paths are
// local.
func (c *Classifier) Kind(path string) FSType {
	if path == "" {
		return FSLocal
	}

	// MinIO and Azure first in case an alias or endpoint clashes with
	// another scheme.
	for _, p := range c.minio {
		if p.matches(path) {
			return FSMinIO
		}
	}
	for _, p := range c.azure {
		if p.matches(path) {
			return FSAzure
		}
	}

	switch {
	case strings.HasPrefix(path, S3Prefix):
		return FSS3
	case strings.HasPrefix(path, GCSPrefix):
		return FSGCS
	case strings.HasPrefix(path, HTTPPrefix), strings.HasPrefix(path, HTTPSPrefix):
		return FSHTTP
	}

	return FSLocal
}

// IsLocal reports whether the path is on the local file system.
func (c *Classifier) IsLocal(path string) bool {
	return c.Kind(path) == FSLocal
}

// EnsureLocal returns an error unless the path is local.
func (c *Classifier) EnsureLocal(path string) error {
	if !c.IsLocal(path) {
		return fmt.Errorf("operation requires a local path, but found %q", path)
	}
	return nil
}

// SplitPrefix splits the file system prefix from the path. The prefix for
// local paths is "".
func (c *Classifier) SplitPrefix(path string) (string, string) {
	prefix := c.prefixOf(c.Kind(path), path)
	return prefix, path[len(prefix):]
}

func (c *Classifier) prefixOf(kind FSType, path string) string {
	switch kind {
	case FSS3:
		return S3Prefix
	case FSGCS:
		return GCSPrefix
	case FSMinIO:
		return matchingPrefix(c.minio, path)
	case FSAzure:
		return matchingPrefix(c.azure, path)
	case FSHTTP:
		if strings.HasPrefix(path, HTTPPrefix) {
			return HTTPPrefix
		}
		return HTTPSPrefix
	}
	return ""
}

func matchingPrefix(pairs []PrefixPair, path string) string {
	for _, p := range pairs {
		if p.Alias != "" && strings.HasPrefix(path, p.Alias) {
			return p.Alias
		}
		if p.Endpoint != "" && strings.HasPrefix(path, p.Endpoint) {
			return p.Endpoint
		}
	}
	return ""
}

// Bucket returns the bucket portion of the path including its prefix, for
// example "s3://bucket". Paths in file systems without buckets return "".
func (c *Classifier) Bucket(path string) string {
	kind := c.Kind(path)
	if !kind.HasBuckets() {
		return ""
	}

	prefix, rest := c.SplitPrefix(path)
	name, _, _ := strings.Cut(rest, "/")

	return prefix + name
}

// BucketName returns the bare bucket name without any prefix.
func (c *Classifier) BucketName(path string) string {
	return bucketName(c.Bucket(path))
}

func bucketName(bucket string) string {
	if i := strings.LastIndex(bucket, "/"); i >= 0 {
		return bucket[i+1:]
	}
	return bucket
}

// SwapPrefix rewrites an alias-form bucket to its endpoint form or vice
// versa, using the registered prefix pairs. Buckets whose prefix has no
// registered counterpart are returned unchanged.
func (c *Classifier) SwapPrefix(bucket string) string {
	var pairs []PrefixPair
	switch c.Kind(bucket) {
	case FSAzure:
		pairs = c.azure
	case FSMinIO:
		pairs = c.minio
	default:
		return bucket
	}

	name := bucketName(bucket)
	prefix := strings.TrimSuffix(bucket, name)

	for _, p := range pairs {
		if prefix == p.Alias && p.Endpoint != "" {
			return p.Endpoint + name
		}
		if prefix == p.Endpoint && p.Alias != "" {
			return p.Alias + name
		}
	}

	return bucket
}

// IsRoot reports whether the path is a bare file system prefix such as
// "s3://", with no bucket or object components.
func (c *Classifier) IsRoot(path string) bool {
	prefix, rest := c.SplitPrefix(path)
	return prefix != "" && strings.Trim(rest, "/") == ""
}

// Pairs returns the prefix pairs registered for the file system, in
// registration order.
func (c *Classifier) Pairs(kind FSType) []PrefixPair {
	switch kind {
	case FSMinIO:
		return c.minio
	case FSAzure:
		return c.azure
	}
	return nil
}

// Prefixes returns the path prefixes recognised for the file system. For
// MinIO and Azure this flattens the registered pairs, aliases before
// endpoints, in registration order.
func (c *Classifier) Prefixes(kind FSType) []string {
	switch kind {
	case FSS3:
		return []string{S3Prefix}
	case FSGCS:
		return []string{GCSPrefix}
	case FSHTTP:
		return []string{HTTPPrefix, HTTPSPrefix}
	case FSMinIO:
		return pairPrefixes(c.minio)
	case FSAzure:
		return pairPrefixes(c.azure)
	}
	return nil
}

func pairPrefixes(pairs []PrefixPair) []string {
	var out []string
	for _, p := range pairs {
		if p.Alias != "" {
			out = append(out, p.Alias)
		}
		if p.Endpoint != "" {
			out = append(out, p.Endpoint)
		}
	}
	return out
}
