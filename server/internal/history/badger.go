package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/trafficiq/trafficiq/pkg/types"
)

const keyPrefix = "obs/"

// BadgerConfig configures an embedded BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// GCInterval is how often RunGC collects the value log. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns the production settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests: no disk I/O, no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore keeps observations in an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	cfg BadgerConfig
	now func() time.Time
}

// OpenBadger opens (creating if needed) the store described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("history: badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("history: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger: %w", err)
	}
	return &BadgerStore{db: db, cfg: cfg, now: time.Now}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RecordObservation writes one observation stamped with the current time.
func (s *BadgerStore) RecordObservation(ctx context.Context, d types.Direction, count int, refs ...string) error {
	return s.Write(ctx, NewObservation(d, count, s.now(), refs...))
}

// Write stores o under its time-ordered key.
func (s *BadgerStore) Write(ctx context.Context, o Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("history: encode observation: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(observationKey(o), val)
	})
}

// RunGC collects the value log every GCInterval until ctx is cancelled.
// It returns immediately for in-memory stores or a zero interval.
func (s *BadgerStore) RunGC(ctx context.Context) {
	if s.cfg.InMemory || s.cfg.GCInterval <= 0 {
		return
	}
	ratio := s.cfg.GCDiscardRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	t := time.NewTicker(s.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for s.db.RunValueLogGC(ratio) == nil {
				// Keep going while badger reports rewritten files.
			}
		}
	}
}

// Query returns one page of observations, newest first.
func (s *BadgerStore) Query(ctx context.Context, q Query) (Page, error) {
	q = q.normalize()
	skip := (q.Page - 1) * q.PerPage
	page := Page{Records: []Observation{}, Page: q.Page, PerPage: q.PerPage}

	err := s.scan(ctx, q.Since, q.Until, true, func(o Observation) {
		if q.Direction != types.NoDirection && o.Direction != q.Direction {
			return
		}
		if page.Total >= skip && len(page.Records) < q.PerPage {
			page.Records = append(page.Records, o)
		}
		page.Total++
	})
	if err != nil {
		return Page{}, err
	}
	page.Pages = (page.Total + q.PerPage - 1) / q.PerPage
	return page, nil
}

// Stats aggregates every stored observation per lane and overall.
func (s *BadgerStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Directions: make(map[types.Direction]DirectionStats, types.NumDirections)}
	var per [types.NumDirections]DirectionStats

	err := s.scan(ctx, time.Time{}, time.Time{}, false, func(o Observation) {
		if !o.Direction.Valid() {
			return
		}
		per[o.Direction].add(o)
		st.Overall.add(o)
	})
	if err != nil {
		return Stats{}, err
	}
	for _, d := range types.Directions() {
		st.Directions[d] = per[d]
	}
	return st, nil
}

// Trends averages vehicle counts per lane per period bucket since the given
// time, ordered by bucket then lane.
func (s *BadgerStore) Trends(ctx context.Context, period Period, since time.Time) ([]TrendPoint, error) {
	type key struct {
		bucket time.Time
		dir    types.Direction
	}
	type acc struct {
		sum, n int
	}
	buckets := make(map[key]*acc)

	err := s.scan(ctx, since, time.Time{}, false, func(o Observation) {
		k := key{bucket: period.bucket(o.Timestamp), dir: o.Direction}
		a, ok := buckets[k]
		if !ok {
			a = &acc{}
			buckets[k] = a
		}
		a.sum += o.VehicleCount
		a.n++
	})
	if err != nil {
		return nil, err
	}

	out := make([]TrendPoint, 0, len(buckets))
	for k, a := range buckets {
		out = append(out, TrendPoint{
			Bucket:      k.bucket,
			Direction:   k.dir,
			AvgVehicles: float64(a.sum) / float64(a.n),
			Samples:     a.n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

// scan visits observations with since <= ts <= until in key order, or in
// reverse key order when newestFirst is set. Zero bounds are open.
func (s *BadgerStore) scan(ctx context.Context, since, until time.Time, newestFirst bool, fn func(Observation)) error {
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = newestFirst
		it := txn.NewIterator(opts)
		defer it.Close()

		var seek []byte
		switch {
		case newestFirst && !until.IsZero():
			seek = append(timeKey(until), 0xff)
		case newestFirst:
			seek = append([]byte(keyPrefix), 0xff)
		case !since.IsZero():
			seek = timeKey(since)
		default:
			seek = prefix
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts, ok := keyTime(it.Item().Key())
			if !ok {
				continue
			}
			if !since.IsZero() && ts.Before(since) {
				if newestFirst {
					return nil
				}
				continue
			}
			if !until.IsZero() && ts.After(until) {
				if newestFirst {
					continue
				}
				return nil
			}

			var o Observation
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &o)
			}); err != nil {
				return fmt.Errorf("history: decode %s: %w", it.Item().Key(), err)
			}
			fn(o)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: scan: %w", err)
	}
	return nil
}

// timeKey is the key prefix shared by every observation at t.
func timeKey(t time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d/", keyPrefix, t.UnixNano()))
}

func observationKey(o Observation) []byte {
	return append(timeKey(o.Timestamp), o.ID...)
}

func keyTime(key []byte) (time.Time, bool) {
	rest := strings.TrimPrefix(string(key), keyPrefix)
	stamp, _, ok := strings.Cut(rest, "/")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}
