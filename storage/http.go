package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Retryable response codes, matching the transient failures web servers
// commonly return under load.
var httpRetryStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// HTTPClient serves http:// and https:// URLs. Web servers expose no
// folder listings, so the client implements only the core operations.
type HTTPClient struct {
	client   *http.Client
	maxTries uint
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTransport overrides the underlying http.Client.
func WithHTTPTransport(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithHTTPMaxTries sets the attempt limit for retryable failures.
func WithHTTPMaxTries(n uint) HTTPOption {
	return func(c *HTTPClient) {
		c.maxTries = n
	}
}

// NewHTTPClient returns a client for web-hosted files.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, string(mediacache.FSHTTP)),
		},
		maxTries: 5,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) Kind() mediacache.FSType {
	return mediacache.FSHTTP
}

func (c *HTTPClient) CacheRelativePath(remotePath string) string {
	u, err := url.Parse(remotePath)
	if err != nil {
		return strings.TrimLeft(remotePath, "/")
	}

	host := u.Hostname()
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}

	return path.Join(host, strings.TrimLeft(u.Path, "/"))
}

func (c *HTTPClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, remotePath, nil, "")
	if err != nil {
		return false, err
	}
	defer drainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, statusError(http.MethodHead, remotePath, resp)
	}
}

func (c *HTTPClient) Metadata(ctx context.Context, remotePath string) (*Metadata, error) {
	resp, err := c.do(ctx, http.MethodHead, remotePath, nil, "")
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(http.MethodHead, remotePath, resp)
	}

	md := &Metadata{
		Name:        urlBase(remotePath),
		Path:        remotePath,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		Checksum:    trimETag(resp.Header.Get("ETag")),
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			md.LastModified = t
		}
	}

	return md, nil
}

func (c *HTTPClient) OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, remotePath, nil, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		drainClose(resp.Body)
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer drainClose(resp.Body)
		return nil, statusError(http.MethodGet, remotePath, resp)
	}

	return resp.Body, nil
}

func (c *HTTPClient) DownloadTo(ctx context.Context, remotePath, localPath string) error {
	body, err := c.OpenReader(ctx, remotePath)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = atomicWrite(localPath, body)
	return err
}

func (c *HTTPClient) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	contentType := GuessContentType(remotePath)

	// Retrying a PUT requires rewinding the body, so unseekable readers
	// get a single attempt.
	var resp *http.Response
	var err error
	if rs, ok := r.(io.ReadSeeker); ok {
		resp, err = c.do(ctx, http.MethodPut, remotePath, rs, contentType)
	} else {
		resp, err = c.doOnce(ctx, http.MethodPut, remotePath, r, contentType)
	}
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(http.MethodPut, remotePath, resp)
	}

	return nil
}

func (c *HTTPClient) Delete(ctx context.Context, remotePath string) error {
	resp, err := c.do(ctx, http.MethodDelete, remotePath, nil, "")
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(http.MethodDelete, remotePath, resp)
	}

	return nil
}

// do issues the request, retrying transport failures and retryable
// statuses with exponential backoff. The final response is returned
// unread regardless of status.
func (c *HTTPClient) do(ctx context.Context, method, remotePath string, body io.ReadSeeker, contentType string) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	return backoff.Retry(ctx, func() (*http.Response, error) {
		if body != nil {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = body
		}

		resp, err := c.doOnce(ctx, method, remotePath, reqBody, contentType)
		if err != nil {
			return nil, err
		}

		if httpRetryStatuses[resp.StatusCode] {
			drainClose(resp.Body)
			return nil, statusError(method, remotePath, resp)
		}

		return resp, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
}

func (c *HTTPClient) doOnce(ctx context.Context, method, remotePath string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, remotePath, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.client.Do(req)
}

func statusError(method, remotePath string, resp *http.Response) error {
	return fmt.Errorf("%s %s: %s", method, remotePath, resp.Status)
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func urlBase(remotePath string) string {
	u, err := url.Parse(remotePath)
	if err != nil {
		return path.Base(remotePath)
	}
	return path.Base(u.Path)
}

func trimETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// GuessContentType returns the MIME type implied by the path's
// extension, or application/octet-stream when unknown.
func GuessContentType(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
