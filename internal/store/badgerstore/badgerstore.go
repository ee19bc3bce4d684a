// Package badgerstore persists experiences and checkpoints in an embedded
// BadgerDB. Keys embed a big-endian timestamp so prefix iteration yields
// records in time order.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gxo-labs/simloop/internal/store"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/dgraph-io/badger/v4"
)

const backend = "badger"

var (
	experiencePrefix = []byte("exp/")
	experienceIndex  = []byte("expidx/")
	checkpointPrefix = []byte("cp/")
)

// Config selects where the database lives.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Open opens the database. Path is created if missing unless InMemory is set.
func Open(cfg Config, log simlog.Logger) (*badger.DB, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, simerrors.NewConfigError("badger path is required for a persistent database", nil)
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, simerrors.NewStoreError(backend, "open", fmt.Errorf("create directory %s: %w", cfg.Path, err))
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log: log})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "open", err)
	}
	return db, nil
}

// badgerLogger adapts simlog.Logger to badger's logger. Badger's info output
// is demoted to debug.
type badgerLogger struct {
	log simlog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func timeKey(prefix []byte, nanos int64, id string) []byte {
	key := make([]byte, 0, len(prefix)+9+len(id))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(nanos)^(1<<63))
	key = append(key, '/')
	return append(key, id...)
}

func indexKey(id string) []byte {
	return append(append([]byte(nil), experienceIndex...), id...)
}

// ExperienceStore is a badger-backed collab.ExperienceStore.
type ExperienceStore struct {
	db *badger.DB
}

func NewExperienceStore(db *badger.DB) *ExperienceStore {
	return &ExperienceStore{db: db}
}

// Add upserts exp by id.
func (s *ExperienceStore) Add(_ context.Context, exp trial.Experience) error {
	if err := store.ValidateExperience(exp); err != nil {
		return err
	}
	data, err := json.Marshal(exp)
	if err != nil {
		return simerrors.NewStoreError(backend, "add", err)
	}
	primary := timeKey(experiencePrefix, exp.Timestamp.UnixNano(), exp.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(indexKey(exp.ID)); err == nil {
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(old); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(primary, data); err != nil {
			return err
		}
		return txn.Set(indexKey(exp.ID), primary)
	})
	if err != nil {
		return simerrors.NewStoreError(backend, "add", err)
	}
	return nil
}

// scan walks prefix in key order, or reversed, decoding up to limit values.
func scan[T any](db *badger.DB, prefix []byte, reverse bool, limit int) ([]T, error) {
	var out []T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if reverse {
			seek = append(append([]byte(nil), prefix...), 0xFF)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// GetRecent returns up to n experiences, newest first. n <= 0 returns all.
func (s *ExperienceStore) GetRecent(_ context.Context, n int) ([]trial.Experience, error) {
	out, err := scan[trial.Experience](s.db, experiencePrefix, true, n)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_recent", err)
	}
	return out, nil
}

// Export returns every experience, oldest first.
func (s *ExperienceStore) Export(_ context.Context) ([]trial.Experience, error) {
	out, err := scan[trial.Experience](s.db, experiencePrefix, false, 0)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "export", err)
	}
	return out, nil
}

func (s *ExperienceStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if err != nil {
			return err
		}
		primary, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(primary); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.NotFound("experience", id)
	}
	if err != nil {
		return simerrors.NewStoreError(backend, "delete", err)
	}
	return nil
}

func (s *ExperienceStore) GetStats(ctx context.Context) (trial.ExperienceStats, error) {
	all, err := s.Export(ctx)
	if err != nil {
		return trial.ExperienceStats{}, err
	}
	return trial.ComputeStats(all), nil
}

// Restore runs a value log GC pass; the database itself is already durable.
func (s *ExperienceStore) Restore(context.Context) error {
	if s.db.Opts().InMemory {
		return nil
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return simerrors.NewStoreError(backend, "restore", err)
	}
	return nil
}

func (s *ExperienceStore) Clear(context.Context) error {
	if err := s.db.DropPrefix(experiencePrefix, experienceIndex); err != nil {
		return simerrors.NewStoreError(backend, "clear", err)
	}
	return nil
}

// CheckpointLogger is a badger-backed collab.CheckpointLogger.
type CheckpointLogger struct {
	db *badger.DB
}

func NewCheckpointLogger(db *badger.DB) *CheckpointLogger {
	return &CheckpointLogger{db: db}
}

func (l *CheckpointLogger) Init(context.Context) error { return nil }

func (l *CheckpointLogger) LogCheckpoint(_ context.Context, cp trial.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return simerrors.NewValidationError("invalid checkpoint", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return simerrors.NewStoreError(backend, "log_checkpoint", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(timeKey(checkpointPrefix, cp.Timestamp.UnixNano(), cp.ID), data)
	})
	if err != nil {
		return simerrors.NewStoreError(backend, "log_checkpoint", err)
	}
	return nil
}

func (l *CheckpointLogger) GetLastCheckpoint(context.Context) (*trial.Checkpoint, error) {
	out, err := scan[trial.Checkpoint](l.db, checkpointPrefix, true, 1)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_last_checkpoint", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (l *CheckpointLogger) GetAllCheckpoints(context.Context) ([]trial.Checkpoint, error) {
	out, err := scan[trial.Checkpoint](l.db, checkpointPrefix, false, 0)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_all_checkpoints", err)
	}
	return out, nil
}

func (l *CheckpointLogger) Clear(context.Context) error {
	if err := l.db.DropPrefix(checkpointPrefix); err != nil {
		return simerrors.NewStoreError(backend, "clear", err)
	}
	return nil
}

var (
	_ collab.ExperienceStore  = (*ExperienceStore)(nil)
	_ collab.CheckpointLogger = (*CheckpointLogger)(nil)
)
