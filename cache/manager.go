package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManagerConfig holds background collection configuration.
type ManagerConfig struct {
	// Interval is how often garbage collection runs. Default is 1 hour.
	Interval time.Duration

	// Logger for manager lifecycle events. Collection activity also
	// goes to the store's garbage collection log file.
	Logger *slog.Logger
}

// Manager runs garbage collection in the background.
type Manager struct {
	store  *Store
	config ManagerConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	gcLog   *slog.Logger
	closer  io.Closer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a manager for the given store.
func NewManager(store *Store, cfg ManagerConfig) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		store:  store,
		config: cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background garbage collection, running once immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true

	gcLog, closer, err := m.openGCLog()
	if err != nil {
		m.logger.Warn("opening garbage collection log failed", slog.Any("error", err))
		gcLog = m.logger
	}
	m.gcLog = gcLog
	m.closer = closer
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background garbage collection and waits for any run in
// progress to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	if m.closer != nil {
		m.closer.Close()
		m.closer = nil
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single garbage collection.
func (m *Manager) RunOnce(ctx context.Context) *GCResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *GCResult {
	res := m.store.garbageCollect(ctx, m.gcLogger())

	if res.Aborted {
		m.logger.Info("garbage collection skipped, cache is locked")
		return res
	}

	if res.DeletedFiles > 0 || res.OrphanSidecars > 0 {
		m.logger.Info("garbage collection complete",
			slog.Int("deleted", res.DeletedFiles),
			slog.String("freed", HumanBytes(res.DeletedBytes)),
			slog.Duration("duration", res.Duration),
		)
	} else {
		m.logger.Debug("garbage collection complete, nothing to delete")
	}

	return res
}

func (m *Manager) gcLogger() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gcLog != nil {
		return m.gcLog
	}
	return m.logger
}

// openGCLog opens the store's append-only garbage collection log and
// wraps it in a text handler.
func (m *Manager) openGCLog() (*slog.Logger, io.Closer, error) {
	path := m.store.GCLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	return slog.New(slog.NewTextHandler(f, nil)), f, nil
}
