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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/credentials"
)

// AzureClient serves Azure Blob Storage paths addressed by alias or
// account URL.
type AzureClient struct {
	client     *azblob.Client
	classifier *mediacache.Classifier
	sharedKey  *azblob.SharedKeyCredential
}

// NewAzureClient returns a client for the blob service named by the
// credentials. Shared key or connection string credentials also enable
// signed URL generation.
func NewAzureClient(cls *mediacache.Classifier, creds *credentials.AzureCredentials) (*AzureClient, error) {
	if creds == nil {
		return nil, errors.New("azure credentials required")
	}

	serviceURL := creds.ResolveAccountURL()
	if serviceURL == "" {
		return nil, errors.New("azure credentials require an account name, URL, or connection string")
	}

	var sharedKey *azblob.SharedKeyCredential
	if name, key := creds.SharedKey(); name != "" && key != "" {
		var err error
		sharedKey, err = azblob.NewSharedKeyCredential(name, key)
		if err != nil {
			return nil, fmt.Errorf("azure shared key: %w", err)
		}
	}

	var client *azblob.Client
	var err error
	switch {
	case creds.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(creds.ConnectionString, nil)
	case sharedKey != nil:
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, sharedKey, nil)
	default:
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}

	return &AzureClient{
		client:     client,
		classifier: cls,
		sharedKey:  sharedKey,
	}, nil
}

var (
	_ FolderClient    = (*AzureClient)(nil)
	_ SignedURLClient = (*AzureClient)(nil)
	_ BucketLister    = (*AzureClient)(nil)
)

func (c *AzureClient) Kind() mediacache.FSType {
	return mediacache.FSAzure
}

func (c *AzureClient) CacheRelativePath(remotePath string) string {
	_, rest := c.classifier.SplitPrefix(remotePath)
	return rest
}

// split separates a path into its container and blob name.
func (c *AzureClient) split(remotePath string) (string, string) {
	_, rest := c.classifier.SplitPrefix(remotePath)
	cn, bn, _ := strings.Cut(rest, "/")
	return cn, bn
}

func (c *AzureClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.Metadata(ctx, remotePath)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *AzureClient) Metadata(ctx context.Context, remotePath string) (*Metadata, error) {
	cn, bn := c.split(remotePath)

	props, err := c.blobClient(cn, bn).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob properties %s/%s: %w", cn, bn, err)
	}

	md := &Metadata{
		Name:        path.Base(bn),
		Path:        remotePath,
		Size:        derefInt64(props.ContentLength),
		ContentType: derefString(props.ContentType),
	}
	if props.LastModified != nil {
		md.LastModified = *props.LastModified
	}
	if len(props.ContentMD5) > 0 {
		md.Checksum = base64.StdEncoding.EncodeToString(props.ContentMD5)
	} else if props.ETag != nil {
		md.Checksum = trimETag(string(*props.ETag))
	}

	return md, nil
}

func (c *AzureClient) OpenReader(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	cn, bn := c.split(remotePath)

	resp, err := c.client.DownloadStream(ctx, cn, bn, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download blob %s/%s: %w", cn, bn, err)
	}

	return resp.Body, nil
}

func (c *AzureClient) DownloadTo(ctx context.Context, remotePath, localPath string) error {
	body, err := c.OpenReader(ctx, remotePath)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = atomicWrite(localPath, body)
	return err
}

func (c *AzureClient) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	cn, bn := c.split(remotePath)

	_, err := c.client.UploadStream(ctx, cn, bn, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(GuessContentType(bn)),
		},
	})
	if err != nil {
		return fmt.Errorf("upload blob %s/%s: %w", cn, bn, err)
	}

	return nil
}

func (c *AzureClient) Delete(ctx context.Context, remotePath string) error {
	cn, bn := c.split(remotePath)

	_, err := c.client.DeleteBlob(ctx, cn, bn, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete blob %s/%s: %w", cn, bn, err)
	}

	return nil
}

func (c *AzureClient) List(ctx context.Context, dirPath string, opts ListOptions) ([]*Metadata, error) {
	prefix, rest := c.classifier.SplitPrefix(dirPath)
	cn, blobPrefix, _ := strings.Cut(rest, "/")
	if blobPrefix != "" && !strings.HasSuffix(blobPrefix, "/") {
		blobPrefix += "/"
	}

	var results []*Metadata

	if opts.Recursive {
		pager := c.client.NewListBlobsFlatPager(cn, &azblob.ListBlobsFlatOptions{
			Prefix: to.Ptr(blobPrefix),
		})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list blobs in %s: %w", cn, err)
			}
			for _, item := range page.Segment.BlobItems {
				if md := c.blobMetadata(prefix, cn, item.Name, item.Properties); md != nil {
					results = append(results, md)
				}
			}
		}
		return results, nil
	}

	pager := c.containerClient(cn).NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: to.Ptr(blobPrefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs in %s: %w", cn, err)
		}
		for _, item := range page.Segment.BlobItems {
			if md := c.blobMetadata(prefix, cn, item.Name, item.Properties); md != nil {
				results = append(results, md)
			}
		}
	}

	return results, nil
}

func (c *AzureClient) blobMetadata(prefix, cn string, name *string, props *container.BlobProperties) *Metadata {
	bn := derefString(name)
	if bn == "" || strings.HasSuffix(bn, "/") {
		return nil
	}

	md := &Metadata{
		Name: path.Base(bn),
		Path: prefix + cn + "/" + bn,
	}
	if props != nil {
		md.Size = derefInt64(props.ContentLength)
		md.ContentType = derefString(props.ContentType)
		if props.LastModified != nil {
			md.LastModified = *props.LastModified
		}
		if len(props.ContentMD5) > 0 {
			md.Checksum = base64.StdEncoding.EncodeToString(props.ContentMD5)
		} else if props.ETag != nil {
			md.Checksum = trimETag(string(*props.ETag))
		}
	}

	return md
}

func (c *AzureClient) ListSubfolders(ctx context.Context, dirPath string) ([]string, error) {
	prefix, rest := c.classifier.SplitPrefix(dirPath)
	cn, blobPrefix, _ := strings.Cut(rest, "/")
	if blobPrefix != "" && !strings.HasSuffix(blobPrefix, "/") {
		blobPrefix += "/"
	}

	var dirs []string

	pager := c.containerClient(cn).NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: to.Ptr(blobPrefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subfolders in %s: %w", cn, err)
		}
		for _, bp := range page.Segment.BlobPrefixes {
			dir := strings.TrimSuffix(derefString(bp.Name), "/")
			if dir == "" {
				continue
			}
			dirs = append(dirs, prefix+cn+"/"+dir)
		}
	}

	return dirs, nil
}

func (c *AzureClient) DeleteFolder(ctx context.Context, dirPath string) error {
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

func (c *AzureClient) ListBuckets(ctx context.Context) ([]string, error) {
	var names []string

	pager := c.client.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		for _, item := range page.ContainerItems {
			names = append(names, derefString(item.Name))
		}
	}

	return names, nil
}

func (c *AzureClient) SignedURL(ctx context.Context, remotePath string, opts SignOptions) (string, error) {
	if c.sharedKey == nil {
		return "", errors.New("shared key credentials required to sign URLs")
	}

	cn, bn := c.split(remotePath)

	perms := sas.BlobPermissions{}
	switch method := strings.ToUpper(opts.Method); method {
	case "", http.MethodGet:
		perms.Read = true
	case http.MethodPut:
		perms.Create = true
		perms.Write = true
	case http.MethodDelete:
		perms.Delete = true
	default:
		return "", fmt.Errorf("unsupported method %q for signed URL", method)
	}

	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(opts.Expires),
		Permissions:   perms.String(),
		ContainerName: cn,
		BlobName:      bn,
	}

	query, err := values.SignWithSharedKey(c.sharedKey)
	if err != nil {
		return "", fmt.Errorf("sign url %s/%s: %w", cn, bn, err)
	}

	return c.blobClient(cn, bn).URL() + "?" + query.Encode(), nil
}

func (c *AzureClient) containerClient(cn string) *container.Client {
	return c.client.ServiceClient().NewContainerClient(cn)
}

func (c *AzureClient) blobClient(cn, bn string) *blob.Client {
	return c.containerClient(cn).NewBlobClient(bn)
}

func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
