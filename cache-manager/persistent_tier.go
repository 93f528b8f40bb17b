package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/utils"
)

const (
	entryExt    = ".entry"
	lockStripes = 64
	// headerPeek covers the fixed envelope header plus the longest key.
	headerPeek  = 22 + 1<<16
)

// PersistentTier stores one file per key under dir, named by the key hash
// and sharded two levels deep. Writes go to a temp file and are renamed into
// place. A striped lock serializes access to any given path.
type PersistentTier struct {
	dir        string
	pipeline   *utils.Pipeline
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	locks [lockStripes]sync.Mutex

	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64
	errs    atomic.Int64
	corrupt atomic.Int64
}

// NewPersistentTier creates dir if needed.
func NewPersistentTier(dir string, pipeline *utils.Pipeline, defaultTTL time.Duration, logger *zap.Logger) (*PersistentTier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create persistent dir: %w", err)
	}
	return &PersistentTier{
		dir:        dir,
		pipeline:   pipeline,
		defaultTTL: defaultTTL,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (p *PersistentTier) Kind() models.TierKind     { return models.TierPersistent }
func (p *PersistentTier) DefaultTTL() time.Duration { return p.defaultTTL }

func (p *PersistentTier) path(key string) string {
	return utils.ShardedPath(p.dir, key, entryExt)
}

func (p *PersistentTier) lock(key string) *sync.Mutex {
	return &p.locks[utils.Stripe(key, lockStripes)]
}

func (p *PersistentTier) fail(op, key string, err error) error {
	p.errs.Add(1)
	return models.NewTierError(models.TierPersistent, op, key, err)
}

// Get reads and decodes the file for key. Expired and corrupt files are
// removed.
func (p *PersistentTier) Get(_ context.Context, key string) (*models.Entry, bool, error) {
	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	path := p.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		p.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, p.fail("get", key, err)
	}

	rec, err := p.pipeline.Decode(data)
	if err != nil || rec.Key != key {
		if err == nil {
			err = models.ErrSerialization
		}
		p.corrupt.Add(1)
		p.misses.Add(1)
		p.logger.Warn("removing undecodable cache file", zap.String("key", key), zap.String("path", path), zap.Error(err))
		_ = os.Remove(path)
		return nil, false, models.NewTierError(models.TierPersistent, "decode", key, err)
	}

	now := p.now()
	if rec.IsExpired(now) {
		_ = os.Remove(path)
		p.expired.Add(1)
		p.misses.Add(1)
		return nil, false, nil
	}

	p.hits.Add(1)
	entry := models.NewEntry(key, rec.Value, rec.TTL(), rec.CreatedAt)
	entry.Tier = models.TierPersistent
	entry.SizeBytes = rec.Size
	entry.Compressed = rec.Compressed
	entry.Touch(now)
	return entry, true, nil
}

// Set writes the entry atomically.
func (p *PersistentTier) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, _, err := p.pipeline.Encode(key, value, p.now(), ttl)
	if err != nil {
		return models.NewTierError(models.TierPersistent, "encode", key, errors.Join(models.ErrSerialization, err))
	}

	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	path := p.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return p.fail("set", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return p.fail("set", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return p.fail("set", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return p.fail("set", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return p.fail("set", key, err)
	}
	return nil
}

func (p *PersistentTier) Delete(_ context.Context, key string) (bool, error) {
	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(p.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, p.fail("delete", key, err)
	}
	return true, nil
}

// walk visits every entry file, handing fn the decoded header.
func (p *PersistentTier) walk(ctx context.Context, fn func(path string, rec *utils.Record) error) error {
	return filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(path, entryExt) {
			return nil
		}

		rec, err := readHeader(path)
		if err != nil {
			p.corrupt.Add(1)
			_ = os.Remove(path)
			return nil
		}
		return fn(path, rec)
	})
}

func readHeader(path string) (*utils.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, headerPeek)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return utils.DecodeHeader(buf[:n])
}

// removeIf deletes path if, re-read under the key's lock, it still holds key
// and satisfies match. A Set landing after the unlocked walk read keeps its
// file.
func (p *PersistentTier) removeIf(key, path string, match func(*utils.Record) bool) bool {
	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := readHeader(path)
	if err != nil || rec.Key != key || !match(rec) {
		return false
	}
	return os.Remove(path) == nil
}

// DeletePattern removes every file whose stored key matches pattern.
func (p *PersistentTier) DeletePattern(ctx context.Context, pattern string) (int, error) {
	pat, err := utils.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	matches := func(rec *utils.Record) bool { return pat.Match(rec.Key) }

	n := 0
	err = p.walk(ctx, func(path string, rec *utils.Record) error {
		if matches(rec) && p.removeIf(rec.Key, path, matches) {
			n++
		}
		return nil
	})
	if err != nil {
		return n, p.fail("delete_pattern", pattern, err)
	}
	return n, nil
}

func expiredAt(now time.Time) func(*utils.Record) bool {
	return func(rec *utils.Record) bool { return rec.IsExpired(now) }
}

// CleanupExpired removes every expired file.
func (p *PersistentTier) CleanupExpired(ctx context.Context) (int, error) {
	expired := expiredAt(p.now())
	n := 0
	err := p.walk(ctx, func(path string, rec *utils.Record) error {
		if expired(rec) && p.removeIf(rec.Key, path, expired) {
			n++
		}
		return nil
	})
	p.expired.Add(int64(n))
	if err != nil {
		return n, p.fail("cleanup", "", err)
	}
	return n, nil
}

// Clear removes every file under dir, keeping dir itself.
func (p *PersistentTier) Clear(_ context.Context) error {
	items, err := os.ReadDir(p.dir)
	if err != nil {
		return p.fail("clear", "", err)
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(p.dir, item.Name())); err != nil {
			return p.fail("clear", "", err)
		}
	}
	return nil
}

func (p *PersistentTier) Stats(ctx context.Context) models.TierStats {
	var entries int
	var bytes int64
	available := true
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, entryExt) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
		}
		entries++
		return ctx.Err()
	})
	if err != nil {
		available = false
	}

	hits, misses := p.hits.Load(), p.misses.Load()
	return models.TierStats{
		Tier:       models.TierPersistent.String(),
		Available:  available,
		Entries:    entries,
		Bytes:      bytes,
		Hits:       hits,
		Misses:     misses,
		Expired:    p.expired.Load(),
		Errors:     p.errs.Load(),
		Corrupt:    p.corrupt.Load(),
		HitRate:    models.CalculateHitRate(hits, misses),
		DefaultTTL: p.defaultTTL.Seconds(),
	}
}
