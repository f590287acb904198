package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/credentials"
)

// unknownRegion marks buckets whose region could not be determined. Such
// buckets fall back to the default client.
const unknownRegion = "unknown"

// result memoizes the outcome of a client construction so repeated
// lookups return the same client, or keep failing the same way, without
// retrying.
type result struct {
	client Client
	err    error
}

// RegionResolver resolves the region that hosts a bucket. The S3 and
// MinIO clients implement it; tests can substitute their own.
type RegionResolver interface {
	BucketRegion(ctx context.Context, bucket string) (string, error)
}

// Registry constructs and caches storage clients. Buckets with managed
// credentials get their own client; other buckets share a per-region or
// default client. All lookups are serialized, since client construction
// is not guaranteed to be thread-safe.
type Registry struct {
	mu         sync.Mutex
	classifier *mediacache.Classifier
	store      *credentials.Store
	env        *credentials.Credentials
	resolver   *credentials.Resolver
	logger     *slog.Logger
	workers    int

	regionResolvers map[mediacache.FSType]RegionResolver

	// makeClientFn builds clients; swapped out in tests.
	makeClientFn func(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error)

	defaultClients map[mediacache.FSType]*result
	bucketClients  map[mediacache.FSType]map[string]*result
	regionClients  map[mediacache.FSType]map[string]*result
	pathClients    map[mediacache.FSType]map[string]*result
	patternClients map[mediacache.FSType]map[string]*result
	bucketRegions  map[mediacache.FSType]map[string]string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCredentialStore attaches a managed credential store. Bucket-scoped
// records in the store take precedence over ambient credentials.
func WithCredentialStore(store *credentials.Store) RegistryOption {
	return func(r *Registry) {
		r.store = store
	}
}

// WithEnvCredentials sets the ambient credentials used when no managed
// record matches.
func WithEnvCredentials(creds *credentials.Credentials) RegistryOption {
	return func(r *Registry) {
		r.env = creds
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithWorkers sizes client connection pools for the given worker count.
func WithWorkers(n int) RegistryOption {
	return func(r *Registry) {
		r.workers = n
	}
}

// WithRegionResolver overrides bucket region discovery for a file system.
func WithRegionResolver(fs mediacache.FSType, rr RegionResolver) RegistryOption {
	return func(r *Registry) {
		r.regionResolvers[fs] = rr
	}
}

// NewRegistry returns a registry that resolves clients against the given
// classifier. Alias and endpoint prefixes from the ambient credentials
// and the store are registered on the classifier, ambient first.
func NewRegistry(cls *mediacache.Classifier, opts ...RegistryOption) *Registry {
	r := &Registry{
		classifier:      cls,
		resolver:        credentials.NewResolver(),
		logger:          slog.Default(),
		regionResolvers: make(map[mediacache.FSType]RegionResolver),
		defaultClients:  make(map[mediacache.FSType]*result),
		bucketClients:   make(map[mediacache.FSType]map[string]*result),
		regionClients:   make(map[mediacache.FSType]map[string]*result),
		pathClients:     make(map[mediacache.FSType]map[string]*result),
		patternClients:  make(map[mediacache.FSType]map[string]*result),
		bucketRegions:   make(map[mediacache.FSType]map[string]string),
	}
	r.makeClientFn = r.makeClient

	for _, opt := range opts {
		opt(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registerEnvPairsLocked()
	r.registerStorePairsLocked()
	if r.store != nil {
		r.store.MarkRefreshed()
	}

	return r
}

// ClientFor returns the client that serves the given path.
func (r *Registry) ClientFor(ctx context.Context, path string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshLocked()

	fs := r.classifier.Kind(path)
	return r.clientLocked(ctx, fs, path, "")
}

// ClientForFS returns the default client for a file system.
func (r *Registry) ClientForFS(ctx context.Context, fs mediacache.FSType) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshLocked()

	return r.clientLocked(ctx, fs, "", "")
}

// ClientForCredentialsFile returns a client built from an explicit
// credentials file, bypassing managed and ambient credentials.
func (r *Registry) ClientForCredentialsFile(ctx context.Context, fs mediacache.FSType, credsPath string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshLocked()

	return r.clientLocked(ctx, fs, "", credsPath)
}

// Reset discards all cached clients and region lookups. The next lookup
// rebuilds them from current credentials.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
}

// ManagedFileSystems returns the file systems that have managed
// credential records.
func (r *Registry) ManagedFileSystems() []mediacache.FSType {
	if r.store == nil {
		return nil
	}

	out, err := r.store.FileSystems()
	if err != nil {
		r.logger.Warn("listing credential file systems failed", "error", err)
		return nil
	}
	return out
}

// ManagedBuckets returns the buckets that have managed credentials.
// Exact records keep their stored spelling. Patterned records
// contribute the buckets their credentials can see that match the
// pattern.
func (r *Registry) ManagedBuckets(ctx context.Context, fs mediacache.FSType) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshLocked()

	if r.store == nil {
		return nil, nil
	}

	buckets, err := r.store.Buckets(fs)
	if err != nil {
		return nil, err
	}

	patterns, err := r.store.Patterns(fs)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		seen[b] = true
	}

	for _, pattern := range patterns {
		client, err := r.patternClientLocked(ctx, fs, pattern)
		if err != nil {
			r.logger.Warn("building client for patterned credentials failed",
				"fs", fs, "pattern", pattern, "error", err)
			continue
		}

		if !capable[BucketLister](client) {
			continue
		}

		names, err := client.(BucketLister).ListBuckets(ctx)
		if err != nil {
			return nil, err
		}

		// Patterns like "alias://team-*" match against the prefixed
		// spelling; bare patterns match the name alone.
		var prefix string
		if i := strings.LastIndex(pattern, "/"); i >= 0 {
			prefix = pattern[:i+1]
		}

		for _, name := range names {
			candidate := prefix + name
			if ok, _ := doublestar.Match(pattern, candidate); ok && !seen[candidate] {
				seen[candidate] = true
				buckets = append(buckets, candidate)
			}
		}
	}

	return buckets, nil
}

// patternClientLocked memoizes clients built from patterned credential
// records, keyed by the pattern.
func (r *Registry) patternClientLocked(ctx context.Context, fs mediacache.FSType, pattern string) (Client, error) {
	clients, ok := r.patternClients[fs]
	if !ok {
		clients = make(map[string]*result)
		r.patternClients[fs] = clients
	}

	res, ok := clients[pattern]
	if !ok {
		client, err := r.makeClientFn(ctx, fs, pattern, "", "")
		res = &result{client: client, err: err}
		clients[pattern] = res
	}

	return res.client, res.err
}

func (r *Registry) clearLocked() {
	r.defaultClients = make(map[mediacache.FSType]*result)
	r.bucketClients = make(map[mediacache.FSType]map[string]*result)
	r.regionClients = make(map[mediacache.FSType]map[string]*result)
	r.pathClients = make(map[mediacache.FSType]map[string]*result)
	r.patternClients = make(map[mediacache.FSType]map[string]*result)
	r.bucketRegions = make(map[mediacache.FSType]map[string]string)
}

// refreshLocked discards cached clients when the credential store's
// refresh interval has elapsed, so new or changed records take effect.
func (r *Registry) refreshLocked() {
	if r.store == nil || !r.store.Expired() {
		return
	}

	r.logger.Debug("refreshing managed credentials")

	r.clearLocked()
	r.registerStorePairsLocked()
	r.store.MarkRefreshed()
}

func (r *Registry) registerEnvPairsLocked() {
	if r.env == nil {
		return
	}

	if r.env.MinIO != nil {
		r.classifier.RegisterMinIO(r.env.MinIO.Alias, r.env.MinIO.EndpointURL)
	}
	if r.env.Azure != nil {
		r.classifier.RegisterAzure(r.env.Azure.Alias, r.env.Azure.ResolveAccountURL())
	}
}

func (r *Registry) registerStorePairsLocked() {
	if r.store == nil {
		return
	}

	for _, fs := range []mediacache.FSType{mediacache.FSMinIO, mediacache.FSAzure} {
		buckets, err := r.store.Buckets(fs)
		if err != nil {
			r.logger.Warn("listing credential records failed", "fs", fs, "error", err)
			continue
		}
		patterns, err := r.store.Patterns(fs)
		if err != nil {
			r.logger.Warn("listing credential patterns failed", "fs", fs, "error", err)
			continue
		}

		keys := append([]string{""}, buckets...)
		keys = append(keys, patterns...)

		for _, bucket := range keys {
			creds, err := r.store.Get(fs, bucket)
			if errors.Is(err, credentials.ErrNotFound) {
				continue
			}
			if err != nil {
				r.logger.Warn("reading credential record failed", "fs", fs, "bucket", bucket, "error", err)
				continue
			}

			if creds.MinIO != nil {
				r.classifier.RegisterMinIO(creds.MinIO.Alias, creds.MinIO.EndpointURL)
			}
			if creds.Azure != nil {
				r.classifier.RegisterAzure(creds.Azure.Alias, creds.Azure.ResolveAccountURL())
			}
		}
	}
}

func (r *Registry) clientLocked(ctx context.Context, fs mediacache.FSType, path, credsPath string) (Client, error) {
	if credsPath != "" {
		return r.pathClientLocked(ctx, fs, credsPath)
	}

	var bucket string
	if path != "" {
		bucket = r.classifier.Bucket(path)
	}

	if bucket == "" {
		return r.defaultClientLocked(ctx, fs)
	}

	if r.hasManagedCredentials(fs, bucket) {
		return r.bucketClientLocked(ctx, fs, bucket)
	}

	if fs.Regional() {
		return r.regionalClientLocked(ctx, fs, bucket)
	}

	return r.defaultClientLocked(ctx, fs)
}

func (r *Registry) bucketClientLocked(ctx context.Context, fs mediacache.FSType, bucket string) (Client, error) {
	clients, ok := r.bucketClients[fs]
	if !ok {
		clients = make(map[string]*result)
		r.bucketClients[fs] = clients
	}

	res, ok := clients[bucket]
	if !ok {
		var region string
		if fs.Regional() {
			var err error
			region, err = r.regionLocked(ctx, fs, bucket)
			if err != nil {
				return nil, err
			}
			if region == unknownRegion {
				region = ""
			}
		}

		client, err := r.makeClientFn(ctx, fs, bucket, region, "")
		res = &result{client: client, err: err}
		clients[bucket] = res

		// Mirror the entry under the other spelling so alias and
		// endpoint forms share one client.
		if fs.HasAliases() {
			clients[r.classifier.SwapPrefix(bucket)] = res
		}
	}

	return res.client, res.err
}

func (r *Registry) regionalClientLocked(ctx context.Context, fs mediacache.FSType, bucket string) (Client, error) {
	region, err := r.regionLocked(ctx, fs, bucket)
	if err != nil {
		return nil, err
	}

	if region == unknownRegion {
		return r.defaultClientLocked(ctx, fs)
	}

	clients, ok := r.regionClients[fs]
	if !ok {
		clients = make(map[string]*result)
		r.regionClients[fs] = clients
	}

	res, ok := clients[region]
	if !ok {
		client, err := r.makeClientFn(ctx, fs, bucket, region, "")
		res = &result{client: client, err: err}
		clients[region] = res
	}

	return res.client, res.err
}

func (r *Registry) pathClientLocked(ctx context.Context, fs mediacache.FSType, credsPath string) (Client, error) {
	clients, ok := r.pathClients[fs]
	if !ok {
		clients = make(map[string]*result)
		r.pathClients[fs] = clients
	}

	res, ok := clients[credsPath]
	if !ok {
		client, err := r.makeClientFn(ctx, fs, "", "", credsPath)
		res = &result{client: client, err: err}
		clients[credsPath] = res
	}

	return res.client, res.err
}

func (r *Registry) defaultClientLocked(ctx context.Context, fs mediacache.FSType) (Client, error) {
	res, ok := r.defaultClients[fs]
	if !ok {
		client, err := r.makeClientFn(ctx, fs, "", "", "")
		res = &result{client: client, err: err}
		r.defaultClients[fs] = res
	}

	return res.client, res.err
}

// regionLocked returns the memoized region for a bucket, probing the
// service on first use. Probe failures memoize unknownRegion; client
// construction failures propagate unmemoized.
func (r *Registry) regionLocked(ctx context.Context, fs mediacache.FSType, bucket string) (string, error) {
	regions, ok := r.bucketRegions[fs]
	if !ok {
		regions = make(map[string]string)
		r.bucketRegions[fs] = regions
	}

	if region, ok := regions[bucket]; ok {
		return region, nil
	}

	region, err := r.resolveRegionLocked(ctx, fs, bucket)
	if err != nil {
		return "", err
	}

	regions[bucket] = region
	return region, nil
}

func (r *Registry) resolveRegionLocked(ctx context.Context, fs mediacache.FSType, bucket string) (string, error) {
	rr := r.regionResolvers[fs]
	if rr == nil {
		var probe Client
		if r.hasManagedCredentials(fs, bucket) {
			// A fresh, uncached client: the cached one needs the region
			// we don't have yet.
			client, err := r.makeClientFn(ctx, fs, bucket, "", "")
			if err != nil {
				return "", err
			}
			probe = client
		} else {
			client, err := r.defaultClientLocked(ctx, fs)
			if err != nil {
				return "", err
			}
			probe = client
		}

		var ok bool
		rr, ok = Unwrap(probe).(RegionResolver)
		if !ok {
			return unknownRegion, nil
		}
	}

	name := r.classifier.BucketName(bucket)

	region, err := rr.BucketRegion(ctx, name)
	if err != nil {
		r.logger.Warn("failed to determine bucket location",
			"fs", fs, "bucket", name, "error", err)
		return unknownRegion, nil
	}

	return region, nil
}

// hasManagedCredentials checks the store for a record matching the
// bucket, its alias-swapped spelling, or its bare name.
func (r *Registry) hasManagedCredentials(fs mediacache.FSType, bucket string) bool {
	if r.store == nil {
		return false
	}

	has, err := r.store.Has(fs, bucket)
	if err != nil {
		r.logger.Warn("credential lookup failed", "fs", fs, "bucket", bucket, "error", err)
		return false
	}
	if has {
		return true
	}

	if fs.HasAliases() {
		if has, err := r.store.Has(fs, r.classifier.SwapPrefix(bucket)); err == nil && has {
			return true
		}
	}

	has, err = r.store.Has(fs, r.classifier.BucketName(bucket))
	return err == nil && has
}

// managedCredentials returns the store record matching the bucket, its
// alias-swapped spelling, or its bare name, or nil when none match.
func (r *Registry) managedCredentials(fs mediacache.FSType, bucket string) (*credentials.Credentials, error) {
	if r.store == nil {
		return nil, nil
	}

	keys := []string{bucket}
	if bucket != "" {
		if fs.HasAliases() {
			keys = append(keys, r.classifier.SwapPrefix(bucket))
		}
		keys = append(keys, r.classifier.BucketName(bucket))
	}

	for _, key := range keys {
		creds, err := r.store.Get(fs, key)
		if errors.Is(err, credentials.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return creds, nil
	}

	return nil, nil
}

// loadCredentials picks the credentials for a client: an explicit file
// wins, then managed records, then ambient credentials.
func (r *Registry) loadCredentials(ctx context.Context, fs mediacache.FSType, bucket, credsPath string) (*credentials.Credentials, error) {
	if credsPath != "" {
		creds, err := r.resolver.ResolveFile(ctx, credsPath)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials file %s: %w", credsPath, err)
		}
		if !creds.Has(fs) {
			return nil, fmt.Errorf("credentials file %s has no %s section", credsPath, fs)
		}
		return creds, nil
	}

	managed, err := r.managedCredentials(fs, bucket)
	if err != nil {
		return nil, err
	}
	if managed != nil && managed.Has(fs) {
		r.logger.Debug("loaded credentials from store", "fs", fs, "bucket", bucket)
		return managed, nil
	}

	return r.env, nil
}

func (r *Registry) makeClient(ctx context.Context, fs mediacache.FSType, bucket, region, credsPath string) (Client, error) {
	creds, err := r.loadCredentials(ctx, fs, bucket, credsPath)
	if err != nil {
		return nil, err
	}
	return r.buildClient(ctx, fs, creds, region)
}

// buildClient constructs and instruments a client for the file system
// from the given credentials.
func (r *Registry) buildClient(ctx context.Context, fs mediacache.FSType, creds *credentials.Credentials, region string) (Client, error) {
	var err error

	var s3Opts []S3Option
	if r.workers > 10 {
		s3Opts = append(s3Opts, WithS3MaxConns(r.workers))
	}

	var client Client

	switch fs {
	case mediacache.FSS3:
		var s3creds *credentials.S3Credentials
		if creds != nil {
			s3creds = creds.S3
		}
		if region != "" {
			cp := credentials.S3Credentials{}
			if s3creds != nil {
				cp = *s3creds
			}
			cp.Region = region
			s3creds = &cp
		}
		client, err = NewS3Client(ctx, r.classifier, s3creds, s3Opts...)

	case mediacache.FSMinIO:
		var mcreds *credentials.MinIOCredentials
		if creds != nil {
			mcreds = creds.MinIO
		}
		if region != "" && mcreds != nil {
			cp := *mcreds
			cp.Region = region
			mcreds = &cp
		}
		client, err = NewMinIOClient(ctx, r.classifier, mcreds, s3Opts...)

	case mediacache.FSGCS:
		var gcreds *credentials.GCSCredentials
		if creds != nil {
			gcreds = creds.GCS
		}
		client, err = NewGCSClient(ctx, r.classifier, gcreds)

	case mediacache.FSAzure:
		var acreds *credentials.AzureCredentials
		if creds != nil {
			acreds = creds.Azure
		}
		client, err = NewAzureClient(r.classifier, acreds)

	case mediacache.FSHTTP:
		client = NewHTTPClient()

	case mediacache.FSLocal:
		client = NewLocalClient()

	default:
		return nil, fmt.Errorf("unsupported file system %q", fs)
	}

	if err != nil {
		return nil, err
	}

	return NewInstrumentedClient(client), nil
}

// Unwrap peels any decorators off a client, returning the innermost
// implementation. Capability checks should run against the result.
func Unwrap(c Client) Client {
	type unwrapper interface {
		Unwrap() Client
	}

	for {
		u, ok := c.(unwrapper)
		if !ok {
			return c
		}
		c = u.Unwrap()
	}
}

// capable reports whether the client supports the capability interface
// T. Decorators forward every capability method, so the check must run
// against the innermost implementation, while calls go through the
// outer client.
func capable[T any](c Client) bool {
	if _, ok := any(Unwrap(c)).(T); !ok {
		return false
	}
	_, ok := any(c).(T)
	return ok
}
