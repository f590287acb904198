package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/storage"
)

func newTestStore(t *testing.T, cacheSize int64) (*Store, *fileServer) {
	t.Helper()

	cls := &mediacache.Classifier{}
	sc := storage.NewContext(cls, storage.NewRegistry(cls))

	s := NewStore(Config{CacheDir: t.TempDir(), CacheSize: cacheSize, Workers: 2}, sc)
	return s, newFileServer(t)
}

// fileServer is a minimal web server standing in for a remote media
// host. Every stored file carries a revision-based ETag so checksum
// changes can be simulated.
type fileServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	revs     map[string]int
	gets     map[string]int
	getDelay time.Duration

	srv *httptest.Server
}

func newFileServer(t *testing.T) *fileServer {
	t.Helper()

	f := &fileServer{
		files: make(map[string][]byte),
		revs:  make(map[string]int),
		gets:  make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fileServer) handle(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path

	switch r.Method {
	case http.MethodGet:
		f.mu.Lock()
		f.gets[key]++
		data, ok := f.files[key]
		rev := f.revs[key]
		delay := f.getDelay
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("rev%d", rev)))
		w.Write(data)

	case http.MethodHead:
		f.mu.Lock()
		data, ok := f.files[key]
		rev := f.revs[key]
		f.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("rev%d", rev)))

	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.files[key] = data
		f.revs[key]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		f.mu.Lock()
		delete(f.files, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fileServer) url(path string) string {
	return f.srv.URL + path
}

func (f *fileServer) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fileServer) put(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = []byte(content)
	f.revs[path]++
}

func (f *fileServer) delete(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
}

func (f *fileServer) getCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[path]
}

func (f *fileServer) setGetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getDelay = d
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestLocalPathLocalPassthrough(t *testing.T) {
	s, _ := newTestStore(t, -1)
	ctx := context.Background()

	local, err := s.LocalPath(ctx, "/data/img.jpg", true, true)
	require.NoError(t, err)
	require.Equal(t, "/data/img.jpg", local)

	require.True(t, s.IsLocal("/data/img.jpg"))
	require.False(t, s.IsLocal("s3://bucket/img.jpg"))

	got, cached, err := s.UseCachedPath(ctx, "/data/img.jpg")
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, "/data/img.jpg", got)
}

func TestLocalPathDownloads(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/pics/cat.jpg", "meow")
	url := srv.url("/pics/cat.jpg")

	local, err := s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.MediaDir(), "http", srv.host(), "pics", "cat.jpg"), local)
	require.Equal(t, "meow", readFile(t, local))
	require.Equal(t, url+",1,rev1", readFile(t, sidecarPath(local)))

	// A second lookup is served from the cache.
	again, err := s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.Equal(t, local, again)
	require.Equal(t, 1, srv.getCount("/pics/cat.jpg"))

	ok, err := s.IsLocalOrCached(ctx, url)
	require.NoError(t, err)
	require.True(t, ok)

	got, cached, err := s.UseCachedPath(ctx, url)
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, local, got)
}

func TestLocalPathWithoutDownload(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/cat.jpg", "meow")
	url := srv.url("/cat.jpg")

	local, err := s.LocalPath(ctx, url, false, true)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.MediaDir(), "http", srv.host(), "cat.jpg"), local)
	require.NoFileExists(t, local)
	require.Equal(t, 0, srv.getCount("/cat.jpg"))
}

func TestLocalPathFailureRecorded(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	url := srv.url("/missing.jpg")

	local, err := s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.NoFileExists(t, local)
	require.Equal(t, url+",0,", readFile(t, sidecarPath(local)))
	require.Equal(t, 1, srv.getCount("/missing.jpg"))
}

func TestLocalPathFailurePropagated(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	url := srv.url("/missing.jpg")

	local, err := s.LocalPath(ctx, url, false, true)
	require.NoError(t, err)

	_, err = s.LocalPath(ctx, url, true, false)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// A propagated failure leaves no record behind.
	require.NoFileExists(t, sidecarPath(local))
}

func TestRetryProtection(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	url := srv.url("/missing.jpg")

	local, err := s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.Equal(t, 1, srv.getCount("/missing.jpg"))

	// The recorded failure counts as cached.
	ok, err := s.IsLocalOrCached(ctx, url)
	require.NoError(t, err)
	require.True(t, ok)

	// The path is not refetched, even once the remote file appears.
	srv.put("/missing.jpg", "late arrival")

	again, err := s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.Equal(t, local, again)
	require.NoFileExists(t, local)
	require.Equal(t, 1, srv.getCount("/missing.jpg"))

	// UseCachedPath sees through the protection and reports a miss.
	got, cached, err := s.UseCachedPath(ctx, url)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, url, got)

	// Clearing the record makes the path fetchable again.
	require.NoError(t, s.Clear(ctx, []string{url}))

	local, err = s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.Equal(t, "late arrival", readFile(t, local))
	require.Equal(t, 2, srv.getCount("/missing.jpg"))
}

func TestLocalPathConcurrentSingleDownload(t *testing.T) {
	s, srv := newTestStore(t, -1)

	srv.put("/slow.jpg", "payload")
	srv.setGetDelay(50 * time.Millisecond)
	url := srv.url("/slow.jpg")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.LocalPath(context.Background(), url, true, false)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, srv.getCount("/slow.jpg"))
}

func TestLocalPaths(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/a.jpg", "aa")
	srv.put("/b.jpg", "bbb")
	aURL := srv.url("/a.jpg")
	bURL := srv.url("/b.jpg")

	paths := []string{"/data/local.jpg", aURL, bURL, aURL}

	locals, err := s.LocalPaths(ctx, paths, true, true)
	require.NoError(t, err)
	require.Len(t, locals, 4)
	require.Equal(t, "/data/local.jpg", locals[0])
	require.Equal(t, locals[1], locals[3])
	require.Equal(t, "aa", readFile(t, locals[1]))
	require.Equal(t, "bbb", readFile(t, locals[2]))

	// Duplicates are fetched once.
	require.Equal(t, 1, srv.getCount("/a.jpg"))
	require.Equal(t, 1, srv.getCount("/b.jpg"))
}

func TestUseCachedPaths(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/cached.jpg", "data")
	cachedURL := srv.url("/cached.jpg")
	missedURL := srv.url("/missed.jpg")

	cachedLocal, err := s.LocalPath(ctx, cachedURL, true, true)
	require.NoError(t, err)

	got, allLocal, err := s.UseCachedPaths(ctx, []string{"/data/img.jpg", cachedURL, missedURL})
	require.NoError(t, err)
	require.False(t, allLocal)
	require.Equal(t, []string{"/data/img.jpg", cachedLocal, missedURL}, got)

	got, allLocal, err = s.UseCachedPaths(ctx, []string{"/data/img.jpg", cachedURL})
	require.NoError(t, err)
	require.True(t, allLocal)
	require.Equal(t, []string{"/data/img.jpg", cachedLocal}, got)
}

func TestAdd(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	require.NoError(t, os.WriteFile(src, []byte("uploaded"), 0o644))

	remote := srv.url("/up.jpg")

	require.NoError(t, s.Add(ctx, []string{src}, []string{remote}, AddCopy, false, true))

	local, err := s.LocalPath(ctx, remote, false, true)
	require.NoError(t, err)
	require.Equal(t, "uploaded", readFile(t, local))
	require.FileExists(t, src)

	// Sidecars written by Add carry no checksum.
	require.Equal(t, remote+",1,", readFile(t, sidecarPath(local)))

	// Existing entries are kept unless overwrite is set.
	changed := filepath.Join(dir, "changed.jpg")
	require.NoError(t, os.WriteFile(changed, []byte("changed"), 0o644))

	require.NoError(t, s.Add(ctx, []string{changed}, []string{remote}, AddCopy, false, true))
	require.Equal(t, "uploaded", readFile(t, local))

	require.NoError(t, s.Add(ctx, []string{changed}, []string{remote}, AddCopy, true, true))
	require.Equal(t, "changed", readFile(t, local))
}

func TestAddMove(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src.jpg")
	require.NoError(t, os.WriteFile(src, []byte("moved"), 0o644))

	remote := srv.url("/moved.jpg")
	require.NoError(t, s.Add(ctx, []string{src}, []string{remote}, AddMove, false, true))

	local, err := s.LocalPath(ctx, remote, false, true)
	require.NoError(t, err)
	require.Equal(t, "moved", readFile(t, local))
	require.NoFileExists(t, src)
}

func TestAddValidation(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	err := s.Add(ctx, []string{"/a.jpg"}, []string{srv.url("/a.jpg")}, AddMethod("link"), false, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported method")

	err = s.Add(ctx, []string{"/a.jpg"}, []string{srv.url("/a.jpg"), srv.url("/b.jpg")}, AddCopy, false, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "local paths")
}

func TestUpdate(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/img.jpg", "version one")
	url := srv.url("/img.jpg")

	local, err := s.LocalPath(ctx, url, true, true)
	require.NoError(t, err)
	require.Equal(t, 1, srv.getCount("/img.jpg"))

	// Unchanged checksum, nothing is refetched.
	require.NoError(t, s.Update(ctx, []string{url}, true))
	require.Equal(t, "version one", readFile(t, local))
	require.Equal(t, 1, srv.getCount("/img.jpg"))

	// Changed checksum forces a refetch.
	srv.put("/img.jpg", "version two")
	require.NoError(t, s.Update(ctx, []string{url}, true))
	require.Equal(t, "version two", readFile(t, local))
	require.Equal(t, url+",1,rev2", readFile(t, sidecarPath(local)))
	require.Equal(t, 2, srv.getCount("/img.jpg"))

	// A vanished remote evicts the entry.
	srv.delete("/img.jpg")
	require.NoError(t, s.Update(ctx, []string{url}, true))
	require.NoFileExists(t, local)
	require.NoFileExists(t, sidecarPath(local))
	require.Equal(t, 2, srv.getCount("/img.jpg"))
}

func TestUpdateAll(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/a.jpg", "aa")
	srv.put("/b.jpg", "bb")
	aURL := srv.url("/a.jpg")
	bURL := srv.url("/b.jpg")

	locals, err := s.LocalPaths(ctx, []string{aURL, bURL}, true, true)
	require.NoError(t, err)

	srv.put("/a.jpg", "aa v2")

	// A nil slice reconciles every recorded entry.
	require.NoError(t, s.Update(ctx, nil, true))
	require.Equal(t, "aa v2", readFile(t, locals[0]))
	require.Equal(t, "bb", readFile(t, locals[1]))
	require.Equal(t, 2, srv.getCount("/a.jpg"))
	require.Equal(t, 1, srv.getCount("/b.jpg"))
}

func TestUpdateRefreshesEntriesWithoutChecksums(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src.jpg")
	require.NoError(t, os.WriteFile(src, []byte("local copy"), 0o644))

	srv.put("/img.jpg", "remote copy")
	url := srv.url("/img.jpg")

	require.NoError(t, s.Add(ctx, []string{src}, []string{url}, AddCopy, false, true))

	local, err := s.LocalPath(ctx, url, false, true)
	require.NoError(t, err)
	require.Equal(t, "local copy", readFile(t, local))

	// The entry has no recorded checksum, so Update refetches it.
	require.NoError(t, s.Update(ctx, []string{url}, true))
	require.Equal(t, "remote copy", readFile(t, local))
	require.Equal(t, url+",1,rev1", readFile(t, sidecarPath(local)))
}

func TestClear(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/a.jpg", "aa")
	srv.put("/b.jpg", "bb")
	aURL := srv.url("/a.jpg")
	bURL := srv.url("/b.jpg")

	locals, err := s.LocalPaths(ctx, []string{aURL, bURL}, true, true)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, []string{aURL}))
	require.NoFileExists(t, locals[0])
	require.NoFileExists(t, sidecarPath(locals[0]))
	require.FileExists(t, locals[1])

	require.NoError(t, s.Clear(ctx, nil))
	require.NoDirExists(t, s.MediaDir())

	// Clearing an empty cache is not an error.
	require.NoError(t, s.Clear(ctx, nil))
}

func TestStats(t *testing.T) {
	s, srv := newTestStore(t, 100)
	ctx := context.Background()

	st, err := s.Stats(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, s.CacheDir(), st.CacheDir)
	require.Equal(t, int64(100), st.CacheSize)
	require.Zero(t, st.CurrentCount)
	require.Zero(t, st.CurrentSize)
	require.Zero(t, st.LoadFactor)
	require.False(t, st.Unbounded())

	srv.put("/a.jpg", "payload")
	srv.put("/b.jpg", "hello")
	aURL := srv.url("/a.jpg")
	bURL := srv.url("/b.jpg")

	_, err = s.LocalPaths(ctx, []string{aURL, bURL}, true, true)
	require.NoError(t, err)

	st, err = s.Stats(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, st.CurrentCount)
	require.Equal(t, int64(12), st.CurrentSize)
	require.InDelta(t, 0.12, st.LoadFactor, 1e-9)

	// Only cached payloads of the given paths are counted.
	st, err = s.Stats(ctx, []string{aURL, srv.url("/uncached.jpg"), "/data/local.jpg", aURL})
	require.NoError(t, err)
	require.Equal(t, 1, st.CurrentCount)
	require.Equal(t, int64(7), st.CurrentSize)
}

func TestStatsUnbounded(t *testing.T) {
	s, _ := newTestStore(t, -1)

	st, err := s.Stats(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, st.Unbounded())
	require.Zero(t, st.LoadFactor)
}

func TestRemoteFileMetadata(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/img.jpg", "payload")

	md, err := s.RemoteFileMetadata(ctx, srv.url("/img.jpg"), false)
	require.NoError(t, err)
	require.Equal(t, "img.jpg", md.Name)
	require.Equal(t, int64(7), md.Size)
	require.Equal(t, "rev1", md.Checksum)

	_, err = s.RemoteFileMetadata(ctx, srv.url("/missing.jpg"), false)
	require.ErrorIs(t, err, storage.ErrNotFound)

	md, err = s.RemoteFileMetadata(ctx, srv.url("/missing.jpg"), true)
	require.NoError(t, err)
	require.Nil(t, md)
}

func TestRemoteFileMetadatas(t *testing.T) {
	s, srv := newTestStore(t, -1)
	ctx := context.Background()

	srv.put("/cached.jpg", "data")
	srv.put("/fresh.jpg", "fresh data")
	cachedURL := srv.url("/cached.jpg")
	freshURL := srv.url("/fresh.jpg")
	missingURL := srv.url("/missing.jpg")

	_, err := s.LocalPath(ctx, cachedURL, true, true)
	require.NoError(t, err)

	// Local and already-cached paths are skipped.
	out, err := s.RemoteFileMetadatas(ctx, []string{"/data/img.jpg", cachedURL, freshURL, missingURL}, true)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.NotNil(t, out[freshURL])
	require.Equal(t, int64(10), out[freshURL].Size)

	md, ok := out[missingURL]
	require.True(t, ok)
	require.Nil(t, md)

	_, err = s.RemoteFileMetadatas(ctx, []string{missingURL}, false)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignedURLRejectsLocalPaths(t *testing.T) {
	s, _ := newTestStore(t, -1)

	_, err := s.SignedURL(context.Background(), "/data/img.jpg", http.MethodGet, time.Hour)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot get URL for local file")
}

func TestHumanBytes(t *testing.T) {
	require.Equal(t, "512B", HumanBytes(512))
	require.Equal(t, "2.0KB", HumanBytes(2048))
	require.Equal(t, "1.5MB", HumanBytes(3*512*1024))
	require.Equal(t, "4.0GB", HumanBytes(4*1024*1024*1024))
}
