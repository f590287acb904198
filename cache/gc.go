package cache

import (
	"cmp"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/google/uuid"
)

// uncommittedGrace is how long a payload without a valid sidecar is
// assumed to belong to an in-flight download. Older ones are treated as
// abandoned and evicted first.
const uncommittedGrace = time.Hour

// GCResult summarizes one garbage collection run.
type GCResult struct {
	// Aborted reports that another process held the cache lock.
	Aborted bool

	// DeletedFiles and DeletedBytes count the evicted payloads.
	DeletedFiles int
	DeletedBytes int64

	// OrphanSidecars counts removed sidecars whose payload was gone.
	OrphanSidecars int

	// RemainingFiles and RemainingBytes describe the cache afterwards.
	RemainingFiles int
	RemainingBytes int64

	Duration time.Duration
}

// GarbageCollect evicts least recently used payloads until the cache
// fits its size budget, and removes sidecars whose payload is gone.
//
// Runs are serialized across processes by a lock file under the cache
// directory. When another run holds the lock the result reports
// Aborted. Collection problems are logged rather than returned, so a
// partial run still leaves the cache usable.
func (s *Store) GarbageCollect(ctx context.Context) *GCResult {
	return s.garbageCollect(ctx, s.logger)
}

func (s *Store) garbageCollect(ctx context.Context, logger *slog.Logger) *GCResult {
	start := s.now()
	res := &GCResult{}

	log := logger.With(slog.String("run_id", uuid.New().String()))
	log.Info("running garbage collection", slog.String("cache_dir", s.config.CacheDir))

	if s.cacheLocked(log) {
		log.Info("aborting garbage collection")
		res.Aborted = true
		res.Duration = s.now().Sub(start)
		return res
	}

	if err := s.lockCache(); err != nil {
		log.Error("locking cache failed", slog.Any("error", err))
		res.Aborted = true
		res.Duration = s.now().Sub(start)
		return res
	}
	defer s.unlockCache(log)

	if err := s.collectGarbage(ctx, log, res); err != nil {
		log.Error("garbage collection failed", slog.Any("error", err))
	}

	res.Duration = s.now().Sub(start)
	return res
}

// cacheLocked reports whether another run holds the lock. Locks older
// than a minute are from crashed runs and are stolen. Unreadable locks
// do not block collection.
func (s *Store) cacheLocked(log *slog.Logger) bool {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		return false
	}

	epoch, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return false
	}

	lockTime := time.Unix(epoch, 0)
	age := s.now().Sub(lockTime)
	if age < time.Minute {
		log.Info("the cache is locked", slog.Time("locked_at", lockTime), slog.Duration("age", age))
		return true
	}

	log.Info("force unlocking stale cache lock", slog.Time("locked_at", lockTime), slog.Duration("age", age))
	return false
}

func (s *Store) lockCache() error {
	if err := os.MkdirAll(s.config.CacheDir, 0o755); err != nil {
		return err
	}
	epoch := strconv.FormatInt(s.now().Unix(), 10)
	return os.WriteFile(s.lockPath(), []byte(epoch), 0o644)
}

func (s *Store) unlockCache(log *slog.Logger) {
	if err := removeFile(s.lockPath()); err != nil {
		log.Warn("unlocking cache failed", slog.Any("error", err))
	}
}

func (s *Store) collectGarbage(ctx context.Context, log *slog.Logger, res *GCResult) error {
	mediaDir := s.MediaDir()

	rels, err := listMediaFiles(mediaDir)
	if err != nil {
		return err
	}

	mediaRoots := make(map[string]bool)
	for _, rel := range rels {
		if !isSidecarPath(rel) {
			mediaRoots[stripExt(rel)] = true
		}
	}

	// Eviction candidates ordered by access time. A key of -1 marks
	// abandoned payloads, which go first regardless of budget.
	type entry struct {
		key  int64
		size int64
		path string
	}

	var (
		entries      []entry
		currentCount int
		currentSize  int64
	)

	now := s.now()
	for _, rel := range rels {
		full := filepath.Join(mediaDir, rel)

		if isSidecarPath(rel) {
			if mediaRoots[stripExt(rel)] {
				continue
			}
			if err := removeFile(full); err != nil {
				log.Warn("deleting orphan sidecar failed", slog.String("path", full), slog.Any("error", err))
				continue
			}
			res.OrphanSidecars++
			continue
		}

		info, err := os.Stat(full)
		if err != nil {
			continue
		}

		key := int64(-1)
		if _, err := readSidecar(sidecarPath(full)); err == nil {
			key = times.Get(info).AccessTime().UnixNano()
		} else if now.Sub(info.ModTime()) < uncommittedGrace {
			key = times.Get(info).AccessTime().UnixNano()
		}

		entries = append(entries, entry{key: key, size: info.Size(), path: full})
		currentCount++
		currentSize += info.Size()
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.key, b.key)
	})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.key > 0 && (s.config.CacheSize < 0 || currentSize <= s.config.CacheSize) {
			break
		}

		if err := removeEntry(e.path); err != nil {
			log.Warn("deleting cached media failed", slog.String("path", e.path), slog.Any("error", err))
			continue
		}
		res.DeletedFiles++
		res.DeletedBytes += e.size
		currentCount--
		currentSize -= e.size
	}

	if res.DeletedFiles > 0 {
		log.Info("deleted media files", slog.Int("count", res.DeletedFiles), slog.String("size", HumanBytes(res.DeletedBytes)))
	}
	if res.OrphanSidecars > 0 {
		log.Info("deleted orphan sidecar files", slog.Int("count", res.OrphanSidecars))
	}
	if res.DeletedFiles == 0 && res.OrphanSidecars == 0 {
		log.Info("nothing to cleanup")
	}

	res.RemainingFiles = currentCount
	res.RemainingBytes = currentSize

	log.Info("garbage collection complete",
		slog.Int("files", currentCount),
		slog.String("size", HumanBytes(currentSize)))

	return nil
}
