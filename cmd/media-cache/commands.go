package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/pool"
	"github.com/wolfeidau/media-cache/storage"
)

// GetCmd downloads remote media into the cache and prints the resulting
// local paths, one per line, in input order.
type GetCmd struct {
	Paths        []string `arg:"" name:"path" help:"Local or remote media paths."`
	SkipFailures bool     `help:"Log failed downloads instead of stopping."`
}

func (c *GetCmd) Run(ctx context.Context, app *App) error {
	locals, err := app.store.LocalPaths(ctx, c.Paths, true, c.SkipFailures, progressOption("downloading"))
	if err != nil {
		return err
	}

	for _, p := range locals {
		fmt.Println(p)
	}
	return nil
}

// AddCmd stores local files in the cache under remote paths without
// uploading them.
type AddCmd struct {
	Pairs        []string `arg:"" name:"pair" help:"Alternating local path and remote path pairs."`
	Move         bool     `help:"Move files into the cache instead of copying."`
	Overwrite    bool     `help:"Replace entries that are already cached."`
	SkipFailures bool     `help:"Log failed transfers instead of stopping."`
}

func (c *AddCmd) Run(ctx context.Context, app *App) error {
	if len(c.Pairs)%2 != 0 {
		return errors.New("arguments must be local and remote path pairs")
	}

	locals := make([]string, 0, len(c.Pairs)/2)
	remotes := make([]string, 0, len(c.Pairs)/2)
	for i := 0; i < len(c.Pairs); i += 2 {
		locals = append(locals, c.Pairs[i])
		remotes = append(remotes, c.Pairs[i+1])
	}

	method := cache.AddCopy
	if c.Move {
		method = cache.AddMove
	}
	return app.store.Add(ctx, locals, remotes, method, c.Overwrite, c.SkipFailures, progressOption("adding"))
}

// UpdateCmd re-downloads cached media whose remote copies have changed
// and evicts entries whose remotes are gone.
type UpdateCmd struct {
	Paths        []string `arg:"" optional:"" name:"path" help:"Remote paths to reconcile (defaults to everything cached)."`
	SkipFailures bool     `help:"Log failed downloads instead of stopping."`
}

func (c *UpdateCmd) Run(ctx context.Context, app *App) error {
	paths := c.Paths
	if len(paths) == 0 {
		paths = nil
	}
	return app.store.Update(ctx, paths, c.SkipFailures, progressOption("updating"))
}

// ClearCmd deletes cached media, or the entire media tree when no paths
// are given.
type ClearCmd struct {
	Paths []string `arg:"" optional:"" name:"path" help:"Remote paths to evict (defaults to everything cached)."`
}

func (c *ClearCmd) Run(ctx context.Context, app *App) error {
	paths := c.Paths
	if len(paths) == 0 {
		paths = nil
	}
	return app.store.Clear(ctx, paths)
}

// StatsCmd reports how much of the cache budget is in use.
type StatsCmd struct {
	Paths []string `arg:"" optional:"" name:"path" help:"Limit the report to these remote paths."`
	JSON  bool     `help:"Emit the report as JSON."`
}

func (c *StatsCmd) Run(ctx context.Context, app *App) error {
	paths := c.Paths
	if len(paths) == 0 {
		paths = nil
	}

	st, err := app.store.Stats(ctx, paths)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	size := "unlimited"
	if !st.Unbounded() {
		size = cache.HumanBytes(st.CacheSize)
	}
	fmt.Printf("cache dir:    %s\n", st.CacheDir)
	fmt.Printf("cache size:   %s\n", size)
	fmt.Printf("current size: %s (%d files)\n", cache.HumanBytes(st.CurrentSize), st.CurrentCount)
	fmt.Printf("load factor:  %.2f\n", st.LoadFactor)
	return nil
}

// GCCmd runs garbage collection once, or on an interval with --watch.
type GCCmd struct {
	Watch    bool          `help:"Keep running garbage collection on an interval."`
	Interval time.Duration `help:"Time between runs in watch mode." default:"1h"`
}

func (c *GCCmd) Run(ctx context.Context, app *App) error {
	if c.Watch {
		mgr := cache.NewManager(app.store, cache.ManagerConfig{Interval: c.Interval, Logger: app.logger})
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		mgr.Stop()
		return nil
	}

	res := app.store.GarbageCollect(ctx)
	if res.Aborted {
		return errors.New("the cache is locked by another process")
	}

	fmt.Printf("deleted %d files (%s), removed %d orphan records\n",
		res.DeletedFiles, cache.HumanBytes(res.DeletedBytes), res.OrphanSidecars)
	fmt.Printf("%d files (%s) remain\n", res.RemainingFiles, cache.HumanBytes(res.RemainingBytes))
	return nil
}

// LsCmd lists the files under a local directory or remote bucket path.
type LsCmd struct {
	Path      string `arg:"" help:"Directory or bucket path to list."`
	Long      bool   `short:"l" help:"Include size and modification time."`
	Recursive bool   `short:"r" help:"Recurse into subdirectories."`
	All       bool   `short:"a" help:"Include hidden files."`
}

func (c *LsCmd) Run(ctx context.Context, app *App) error {
	opts := storage.ListFilesOptions{Recursive: c.Recursive, IncludeHidden: c.All, Sort: true}

	if !c.Long {
		names, err := app.storage.ListFiles(ctx, c.Path, opts)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	mds, err := app.storage.ListFilesWithMetadata(ctx, c.Path, opts)
	if err != nil {
		return err
	}
	for _, md := range mds {
		fmt.Printf("%12d  %s  %s\n", md.Size, md.LastModified.Format(time.DateTime), md.Name)
	}
	return nil
}

// StatCmd prints the metadata of a local or remote path as JSON.
type StatCmd struct {
	Path string `arg:"" help:"Local or remote path."`
}

func (c *StatCmd) Run(ctx context.Context, app *App) error {
	md, err := app.storage.Metadata(ctx, c.Path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}

// URLCmd mints a signed URL granting temporary access to a remote path.
type URLCmd struct {
	Path   string        `arg:"" help:"Remote path to sign."`
	Method string        `help:"HTTP method the URL grants." enum:"GET,PUT,DELETE" default:"GET"`
	Expiry time.Duration `help:"How long the URL stays valid." default:"24h"`
}

func (c *URLCmd) Run(ctx context.Context, app *App) error {
	u, err := app.store.SignedURL(ctx, c.Path, c.Method, c.Expiry)
	if err != nil {
		return err
	}
	fmt.Println(u)
	return nil
}

// BucketsCmd lists the buckets visible with the configured credentials.
type BucketsCmd struct {
	FS  string `arg:"" enum:"s3,gcs,azure,minio" help:"File system whose buckets to list."`
	Abs bool   `help:"Print bucket paths with their URI prefix."`
}

func (c *BucketsCmd) Run(ctx context.Context, app *App) error {
	buckets, err := app.storage.ListBuckets(ctx, mediacache.FSType(c.FS), c.Abs)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		fmt.Println(b)
	}
	return nil
}

// progressOption renders a progress bar on stderr driven by batch
// progress callbacks. The pool invokes the callback from its worker
// goroutines, so creation and updates are serialized.
func progressOption(description string) pool.Option {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	return pool.WithProgress(func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = newProgressBar(int64(total), description)
		}
		_ = bar.Set(done)
	})
}

func newProgressBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}
