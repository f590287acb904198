// Command media-cache downloads remote media into a local cache and
// exposes cache maintenance and storage operations on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/storage"
)

var cli struct {
	CacheDir    string `help:"Root directory of the media cache (defaults to the user cache dir)." env:"MEDIA_CACHE_DIR"`
	CacheSize   int64  `help:"Garbage collection budget in bytes, negative for unbounded." env:"MEDIA_CACHE_SIZE" default:"34359738368"`
	Workers     int    `help:"Concurrent transfers in batch operations (0 picks a host-based value)." env:"MEDIA_CACHE_WORKERS"`
	Credentials string `help:"Path to the managed credentials database." env:"MEDIA_CACHE_CREDENTIALS"`
	Verbose     bool   `short:"v" help:"Enable debug logging."`
	LogFormat   string `help:"Log output format." enum:"auto,text,json" default:"auto"`

	Get     GetCmd     `cmd:"" help:"Download media to the cache and print the local paths."`
	Add     AddCmd     `cmd:"" help:"Store local files in the cache under remote paths."`
	Update  UpdateCmd  `cmd:"" help:"Reconcile cached media against the remotes."`
	Clear   ClearCmd   `cmd:"" help:"Remove cached media."`
	Stats   StatsCmd   `cmd:"" help:"Show cache contents and load."`
	GC      GCCmd      `cmd:"" name:"gc" help:"Run cache garbage collection."`
	Ls      LsCmd      `cmd:"" help:"List the files under a directory or bucket path."`
	Stat    StatCmd    `cmd:"" help:"Show metadata for a path."`
	URL     URLCmd     `cmd:"" name:"url" help:"Mint a signed URL for a remote path."`
	Buckets BucketsCmd `cmd:"" help:"List the buckets visible on a file system."`
}

// App carries the wired-up dependencies into the commands.
type App struct {
	store   *cache.Store
	storage *storage.Context
	logger  *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kctx := kong.Parse(&cli,
		kong.Name("media-cache"),
		kong.Description("Local cache and unified access for remote media."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	logger := newLogger(cli.Verbose, cli.LogFormat)
	slog.SetDefault(logger)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.Any("signal", sig))
		cancel()
	}()

	app, cleanup, err := newApp(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return kctx.Run(app)
}

func newLogger(verbose bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// Colorized output on a terminal, plain text everywhere else.
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newApp(logger *slog.Logger) (*App, func(), error) {
	cls := &mediacache.Classifier{}

	regOpts := []storage.RegistryOption{
		storage.WithEnvCredentials(credentials.FromEnv()),
		storage.WithRegistryLogger(logger),
		storage.WithWorkers(cli.Workers),
	}

	cleanup := func() {}
	if cli.Credentials != "" {
		masterKey := os.Getenv("MEDIA_CACHE_MASTER_KEY")
		if masterKey == "" {
			return nil, nil, errors.New("MEDIA_CACHE_MASTER_KEY must be set to use a credentials database")
		}

		credStore, err := credentials.OpenStore(cli.Credentials, []byte(masterKey), credentials.WithStoreLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening credentials database: %w", err)
		}
		cleanup = func() { credStore.Close() }
		regOpts = append(regOpts, storage.WithCredentialStore(credStore))
	}

	registry := storage.NewRegistry(cls, regOpts...)
	sc := storage.NewContext(cls, registry,
		storage.WithContextLogger(logger),
		storage.WithBatchWorkers(cli.Workers),
	)

	store := cache.NewStore(cache.Config{
		CacheDir:  cli.CacheDir,
		CacheSize: cli.CacheSize,
		Workers:   cli.Workers,
	}, sc, cache.WithStoreLogger(logger))

	return &App{store: store, storage: sc, logger: logger}, cleanup, nil
}
