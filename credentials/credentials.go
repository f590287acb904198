// Package credentials loads the credentials used to construct storage
// clients. Credentials may come from environment variables, from a JSON
// template file with pluggable secret providers, or from an encrypted
// bucket-scoped store.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	mediacache "github.com/wolfeidau/media-cache"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds credential values for the supported remote file
// systems. Any subset may be populated.
type Credentials struct {
	S3    *S3Credentials    `json:"s3,omitempty"`
	GCS   *GCSCredentials   `json:"gcs,omitempty"`
	Azure *AzureCredentials `json:"azure,omitempty"`
	MinIO *MinIOCredentials `json:"minio,omitempty"`
}

// S3Credentials configures access to Amazon S3. All fields are optional;
// empty fields defer to the default AWS credential chain.
type S3Credentials struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	Region          string `json:"region,omitempty"`
	Profile         string `json:"profile,omitempty"`
}

// GCSCredentials configures access to Google Cloud Storage.
type GCSCredentials struct {
	// CredentialsFile points to a service account JSON file. When empty,
	// application default credentials are used.
	CredentialsFile string `json:"credentials_file,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
}

// AzureCredentials configures access to Azure Blob Storage.
type AzureCredentials struct {
	AccountName      string `json:"account_name,omitempty"`
	AccountKey       string `json:"account_key,omitempty"`
	ConnectionString string `json:"conn_str,omitempty"`
	AccountURL       string `json:"account_url,omitempty"`
	Alias            string `json:"alias,omitempty"`
}

// MinIOCredentials configures access to a MinIO deployment.
type MinIOCredentials struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	EndpointURL     string `json:"endpoint_url"`
	Alias           string `json:"alias,omitempty"`
	Region          string `json:"region,omitempty"`
}

// FileSystems returns the file systems for which a credential section is
// present.
func (c *Credentials) FileSystems() []mediacache.FSType {
	if c == nil {
		return nil
	}

	var out []mediacache.FSType
	if c.S3 != nil {
		out = append(out, mediacache.FSS3)
	}
	if c.GCS != nil {
		out = append(out, mediacache.FSGCS)
	}
	if c.Azure != nil {
		out = append(out, mediacache.FSAzure)
	}
	if c.MinIO != nil {
		out = append(out, mediacache.FSMinIO)
	}
	return out
}

// Has reports whether a credential section for the file system is present.
func (c *Credentials) Has(fs mediacache.FSType) bool {
	if c == nil {
		return false
	}

	switch fs {
	case mediacache.FSS3:
		return c.S3 != nil
	case mediacache.FSGCS:
		return c.GCS != nil
	case mediacache.FSAzure:
		return c.Azure != nil
	case mediacache.FSMinIO:
		return c.MinIO != nil
	}
	return false
}

// ResolveAccountURL returns the blob service URL, deriving it from the
// connection string or account name when not set explicitly.
func (c *AzureCredentials) ResolveAccountURL() string {
	if c.AccountURL != "" {
		return c.AccountURL
	}

	name := c.AccountName
	if name == "" && c.ConnectionString != "" {
		name = connStringValue(c.ConnectionString, "AccountName")
	}
	if name == "" {
		return ""
	}

	return "https://" + name + ".blob.core.windows.net"
}

// SharedKey returns the account name and key, consulting the connection
// string for fields not set explicitly. Either value may be empty.
func (c *AzureCredentials) SharedKey() (string, string) {
	name := c.AccountName
	if name == "" {
		name = connStringValue(c.ConnectionString, "AccountName")
	}

	key := c.AccountKey
	if key == "" {
		key = connStringValue(c.ConnectionString, "AccountKey")
	}

	return name, key
}

// connStringValue extracts a value from an Azure connection string, which
// is a semicolon-separated list of Key=Value pairs. Values may themselves
// contain "=" (base64 keys), so only the first "=" splits.
func connStringValue(connStr, key string) string {
	for _, part := range strings.Split(connStr, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// FromEnv assembles credentials from the conventional environment
// variables for each provider. Providers with no variables set are left
// nil, deferring to each SDK's own default chain.
func FromEnv() *Credentials {
	creds := &Credentials{}

	if s3 := s3FromEnv(); s3 != nil {
		creds.S3 = s3
	}
	if gcs := gcsFromEnv(); gcs != nil {
		creds.GCS = gcs
	}
	if azure := azureFromEnv(); azure != nil {
		creds.Azure = azure
	}
	if minio := minioFromEnv(); minio != nil {
		creds.MinIO = minio
	}

	return creds
}

func s3FromEnv() *S3Credentials {
	c := &S3Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Region:          os.Getenv("AWS_DEFAULT_REGION"),
		Profile:         os.Getenv("AWS_PROFILE"),
	}
	if *c == (S3Credentials{}) {
		return nil
	}
	return c
}

func gcsFromEnv() *GCSCredentials {
	c := &GCSCredentials{
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		ProjectID:       os.Getenv("GOOGLE_CLOUD_PROJECT"),
	}
	if *c == (GCSCredentials{}) {
		return nil
	}
	return c
}

func azureFromEnv() *AzureCredentials {
	c := &AzureCredentials{
		AccountName:      os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AccountKey:       os.Getenv("AZURE_STORAGE_KEY"),
		ConnectionString: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		AccountURL:       os.Getenv("AZURE_STORAGE_ACCOUNT_URL"),
		Alias:            os.Getenv("AZURE_STORAGE_ALIAS"),
	}
	if *c == (AzureCredentials{}) {
		return nil
	}
	return c
}

func minioFromEnv() *MinIOCredentials {
	c := &MinIOCredentials{
		AccessKeyID:     os.Getenv("MINIO_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("MINIO_SECRET_ACCESS_KEY"),
		EndpointURL:     os.Getenv("MINIO_ENDPOINT_URL"),
		Alias:           os.Getenv("MINIO_ALIAS"),
		Region:          os.Getenv("MINIO_REGION"),
	}
	if *c == (MinIOCredentials{}) {
		return nil
	}
	return c
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into
// Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	limited := io.LimitReader(reader, maxInputSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}

	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Build template function map with memoization cache.
	cache := make(map[string]string)
	funcMap := r.buildFuncMap(ctx, cache)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(funcMap).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}

	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	return &creds, nil
}

// buildFuncMap creates the template function map with built-in and provider functions.
func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	// Register provider functions.
	for name, provider := range r.providers {
		fm[name] = r.makeProviderFunc(ctx, name, provider, cache)
	}

	return fm
}

// makeProviderFunc creates a memoized template function for a secret provider.
func (r *Resolver) makeProviderFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[cacheKey] = val
		return val, nil
	}
}
