package localstore

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/mealgate/internal/clocksync"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"go.uber.org/zap"
)

type clockFileSchema struct {
	Version         int   `toml:"version"`
	OffsetMillis    int64 `toml:"offset_millis"`
	TimestampMillis int64 `toml:"timestamp_millis"`
}

// ClockStore persists the clock offset cache.
type ClockStore struct {
	path   string
	mu     *sync.RWMutex
	logger *zap.Logger
}

var _ clocksync.Store = (*ClockStore)(nil)

// NewClockStore stores the offset in stateDir/clock.toml.
func NewClockStore(stateDir string, logger *zap.Logger) (*ClockStore, error) {
	path, err := normalizePath(filepath.Join(stateDir, ClockFileName))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClockStore{path: path, mu: lockForPath(path), logger: logger}, nil
}

// LoadOffset returns the cached offset. A missing, corrupt or unsupported file reports
// false without an error so the engine starts unsynced.
func (s *ClockStore) LoadOffset(ctx context.Context) (clocksync.CachedOffset, bool, error) {
	if err := ctx.Err(); err != nil {
		return clocksync.CachedOffset{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var file clockFileSchema
	found, err := readTOML(s.path, &file)
	if err != nil {
		s.logger.Warn("discarding unreadable clock cache", zap.String("path", s.path), zap.Error(err))
		return clocksync.CachedOffset{}, false, nil
	}
	if !found {
		return clocksync.CachedOffset{}, false, nil
	}
	if err := validateVersion(file.Version); err != nil {
		s.logger.Warn("discarding clock cache", zap.String("path", s.path), zap.Error(err))
		return clocksync.CachedOffset{}, false, nil
	}
	if file.TimestampMillis <= 0 {
		return clocksync.CachedOffset{}, false, nil
	}
	return clocksync.CachedOffset{OffsetMillis: file.OffsetMillis, TimestampMillis: file.TimestampMillis}, true, nil
}

// SaveOffset replaces the cache. The last write wins.
func (s *ClockStore) SaveOffset(_ context.Context, cached clocksync.CachedOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := clockFileSchema{
		Version:         currentSchemaVersion,
		OffsetMillis:    cached.OffsetMillis,
		TimestampMillis: cached.TimestampMillis,
	}
	if err := writeTOML(s.path, file); err != nil {
		return failures.TransientStorage("localstore.save_offset", err)
	}
	return nil
}
