package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const keyPrefix = "evt/"

// BadgerConfig configures the embedded event store.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// Logger receives badger's internal logs. Nil silences them.
	Logger *zap.Logger

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.sugar.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

// BadgerLog persists events in badger under evt/<planExecutionID>/<ts>, with
// the timestamp big-endian so key order is log order. One process owns the
// directory; the per-id clock is seeded from the last stored key.
type BadgerLog struct {
	db     *badger.DB
	logger *zap.Logger

	mu     sync.Mutex
	clock  *clock
	seeded map[string]bool

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadgerLog opens (or creates) the store described by cfg.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent event log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create event log directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{sugar: logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
		logger = zap.NewNop()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	l := &BadgerLog{
		db:     db,
		logger: logger,
		clock:  newClock(),
		seeded: make(map[string]bool),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		l.stopGC = make(chan struct{})
		l.gcDone = make(chan struct{})
		go l.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return l, nil
}

func (l *BadgerLog) runGC(interval time.Duration, ratio float64) {
	defer close(l.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopGC:
			return
		case <-ticker.C:
			for {
				if err := l.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						l.logger.Warn("Event log GC failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

// Close stops GC and closes the database.
func (l *BadgerLog) Close() error {
	if l.stopGC != nil {
		close(l.stopGC)
		<-l.gcDone
	}
	return l.db.Close()
}

func idPrefix(id string) []byte {
	return []byte(keyPrefix + id + "/")
}

func eventKey(id string, ts int64) []byte {
	prefix := idPrefix(id)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts))
	return key
}

// lastTimestamp seeks to the final key of id.
func (l *BadgerLog) lastTimestamp(id string) (int64, error) {
	var last int64
	prefix := idPrefix(id)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			last = int64(binary.BigEndian.Uint64(key[len(prefix):]))
		}
		return nil
	})
	return last, err
}

func (l *BadgerLog) Append(ctx context.Context, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if err := validate(e); err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.seeded[e.PlanExecutionID] {
		last, err := l.lastTimestamp(e.PlanExecutionID)
		if err != nil {
			return Event{}, fmt.Errorf("read last event: %w", err)
		}
		if last > l.clock.last[e.PlanExecutionID] {
			l.clock.last[e.PlanExecutionID] = last
		}
		l.seeded[e.PlanExecutionID] = true
	}

	e.Timestamp = l.clock.next(e.PlanExecutionID)
	value, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(e.PlanExecutionID, e.Timestamp), value)
	})
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

func (l *BadgerLog) ReadSince(ctx context.Context, planExecutionID string, watermark int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := idPrefix(planExecutionID)
	start := watermark + 1
	if start < 0 {
		start = 0
	}
	var out []Event
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(eventKey(planExecutionID, start)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode event %x: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *BadgerLog) Latest(ctx context.Context, planExecutionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.lastTimestamp(planExecutionID)
}

func (l *BadgerLog) DeleteAll(ctx context.Context, planExecutionIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(planExecutionIDs) == 0 {
		return nil
	}
	prefixes := make([][]byte, 0, len(planExecutionIDs))
	for _, id := range planExecutionIDs {
		prefixes = append(prefixes, idPrefix(id))
	}
	if err := l.db.DropPrefix(prefixes...); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}

	l.mu.Lock()
	for _, id := range planExecutionIDs {
		delete(l.seeded, id)
	}
	l.mu.Unlock()
	return nil
}

var _ Log = (*BadgerLog)(nil)
