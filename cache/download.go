package cache

import (
	"context"
	"fmt"
	"log/slog"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/pool"
	"github.com/wolfeidau/media-cache/storage"
)

// AddMethod selects how payloads enter the cache in Add.
type AddMethod string

const (
	// AddCopy copies files into the cache, leaving the sources.
	AddCopy AddMethod = "copy"

	// AddMove moves files into the cache, removing the sources.
	AddMove AddMethod = "move"
)

// LocalPath returns the local location for a media path. Local paths
// map to themselves. When download is set, a missing payload is fetched
// first.
//
// With skipFailures, a failed fetch is logged and recorded in the
// sidecar so later lookups do not retry it. Without, the error is
// returned and nothing is recorded.
func (s *Store) LocalPath(ctx context.Context, path string, download, skipFailures bool) (string, error) {
	p, err := s.parsePath(ctx, path, download, false)
	if err != nil {
		return "", err
	}

	if p.fs != mediacache.FSLocal && download && !p.exists {
		if err := s.download(ctx, p.client, path, p.localPath, skipFailures, false); err != nil {
			return "", err
		}
	}

	return p.localPath, nil
}

// LocalPaths returns the local location for each media path, fetching
// missing payloads concurrently when download is set. The results align
// with the input, and duplicate paths are fetched once.
func (s *Store) LocalPaths(ctx context.Context, paths []string, download, skipFailures bool, opts ...pool.Option) ([]string, error) {
	out := make([]string, len(paths))

	var tasks []downloadTask
	seen := make(map[string]bool)

	for i, path := range paths {
		p, err := s.parsePath(ctx, path, download, false)
		if err != nil {
			return nil, err
		}
		out[i] = p.localPath

		if p.fs == mediacache.FSLocal || seen[path] {
			continue
		}
		seen[path] = true

		if download && !p.exists {
			tasks = append(tasks, downloadTask{client: p.client, remotePath: path, localPath: p.localPath})
		}
	}

	if len(tasks) == 0 {
		return out, nil
	}

	_, err := pool.Run(ctx, tasks, func(ctx context.Context, t downloadTask) (struct{}, error) {
		return struct{}{}, s.download(ctx, t.client, t.remotePath, t.localPath, skipFailures, false)
	}, s.poolOptions(opts)...)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Add stores local files in the cache as if they had been downloaded
// from the corresponding remote paths. Payloads that are already cached
// are skipped unless overwrite is set.
//
// The sidecars record no checksum, so a later Update refreshes these
// entries against the remote.
func (s *Store) Add(ctx context.Context, localPaths, remotePaths []string, method AddMethod, overwrite, skipFailures bool, opts ...pool.Option) error {
	if method != AddCopy && method != AddMove {
		return fmt.Errorf("unsupported method %q: supported values are %q and %q", method, AddCopy, AddMove)
	}
	if len(localPaths) != len(remotePaths) {
		return fmt.Errorf("got %d local paths and %d remote paths", len(localPaths), len(remotePaths))
	}

	type addTask struct {
		src        string
		remotePath string
		localPath  string
	}

	var tasks []addTask
	for i, remotePath := range remotePaths {
		p, err := s.parsePath(ctx, remotePath, false, false)
		if err != nil {
			return err
		}
		if !overwrite && isFile(p.localPath) {
			continue
		}
		tasks = append(tasks, addTask{src: localPaths[i], remotePath: remotePath, localPath: p.localPath})
	}

	if len(tasks) == 0 {
		return nil
	}

	_, err := pool.Run(ctx, tasks, func(ctx context.Context, t addTask) (struct{}, error) {
		var err error
		if method == AddMove {
			err = s.storage.MoveFile(ctx, t.src, t.localPath)
		} else {
			err = s.storage.CopyFile(ctx, t.src, t.localPath)
		}

		success := err == nil
		if err != nil {
			if !skipFailures {
				return struct{}{}, err
			}
			s.logger.Warn("caching media failed", slog.String("path", t.src), slog.Any("error", err))
		}

		return struct{}{}, writeSidecar(t.localPath, t.remotePath, success, "")
	}, s.poolOptions(opts)...)

	return err
}

// Update reconciles cached payloads against their remotes. A nil slice
// updates every payload recorded under the media directory.
//
// Entries whose remote checksum has changed, or whose sidecar carries
// no checksum, are downloaded again. Entries that downloaded
// successfully but whose metadata can no longer be fetched are assumed
// deleted remotely and evicted.
func (s *Store) Update(ctx context.Context, paths []string, skipFailures bool, opts ...pool.Option) error {
	if paths == nil {
		var err error
		paths, err = s.cachedRemotePaths()
		if err != nil {
			return err
		}
	}

	var checks []downloadTask
	seen := make(map[string]bool)
	for _, path := range paths {
		p, err := s.parsePath(ctx, path, false, false)
		if err != nil {
			return err
		}
		if p.fs == mediacache.FSLocal || seen[path] {
			continue
		}
		seen[path] = true
		checks = append(checks, downloadTask{client: p.client, remotePath: path, localPath: p.localPath})
	}

	if len(checks) == 0 {
		return nil
	}

	type checkResult struct {
		checksum string
		ok       bool
	}

	results, err := pool.Run(ctx, checks, func(ctx context.Context, t downloadTask) (checkResult, error) {
		checksum, ok := s.remoteChecksum(ctx, t.client, t.remotePath)
		return checkResult{checksum: checksum, ok: ok}, nil
	}, s.poolOptions(opts)...)
	if err != nil {
		return err
	}

	var downloads []downloadTask
	for i, t := range checks {
		success := true
		cached := ""
		if sc, err := readSidecar(sidecarPath(t.localPath)); err == nil {
			success = sc.success
			cached = sc.checksum
		}

		switch {
		case success && !results[i].ok:
			// Previously fetched but its metadata is now gone, assume
			// the remote file was deleted.
			if err := removeEntry(t.localPath); err != nil {
				return err
			}
		case cached != results[i].checksum || results[i].checksum == "":
			downloads = append(downloads, t)
		}
	}

	if len(downloads) == 0 {
		return nil
	}

	_, err = pool.Run(ctx, downloads, func(ctx context.Context, t downloadTask) (struct{}, error) {
		return struct{}{}, s.download(ctx, t.client, t.remotePath, t.localPath, skipFailures, true)
	}, s.poolOptions(opts)...)

	return err
}

type downloadTask struct {
	client     storage.Client
	remotePath string
	localPath  string
}

// download fetches one payload, collapsing concurrent requests for the
// same remote path into a single transfer. The transfer is detached
// from the caller's context so that one cancelled waiter does not abort
// it for the others.
func (s *Store) download(ctx context.Context, client storage.Client, remotePath, localPath string, skipFailures, force bool) error {
	ch := s.group.DoChan(remotePath, func() (any, error) {
		return nil, s.downloadOne(context.WithoutCancel(ctx), client, remotePath, localPath, skipFailures, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Drop the flight so a later request can retry.
			s.group.Forget(remotePath)
			return res.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// downloadOne fetches a payload and commits its sidecar. An existing
// payload is kept unless force is set, but its sidecar is still
// refreshed with the checksum the remote reports now.
func (s *Store) downloadOne(ctx context.Context, client storage.Client, remotePath, localPath string, skipFailures, force bool) error {
	success := true

	if force || !isFile(localPath) {
		if err := client.DownloadTo(ctx, remotePath, localPath); err != nil {
			if !skipFailures {
				return err
			}
			s.logger.Warn("downloading media failed", slog.String("path", remotePath), slog.Any("error", err))
			success = false
		}
	}

	var checksum string
	if success {
		checksum, _ = s.remoteChecksum(ctx, client, remotePath)
	}

	return writeSidecar(localPath, remotePath, success, checksum)
}

// remoteChecksum fetches the checksum the remote currently reports. ok
// is false when metadata cannot be fetched at all, which callers treat
// differently from a service that reports no checksum.
func (s *Store) remoteChecksum(ctx context.Context, client storage.Client, remotePath string) (string, bool) {
	md, err := client.Metadata(ctx, remotePath)
	if err != nil {
		return "", false
	}
	return md.Checksum, true
}
