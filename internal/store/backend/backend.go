// Package backend opens the experience store and checkpoint logger named in
// the storage configuration, sharing one connection when both use the same
// backend.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/gxo-labs/simloop/internal/config"
	"github.com/gxo-labs/simloop/internal/secrets"
	"github.com/gxo-labs/simloop/internal/store"
	"github.com/gxo-labs/simloop/internal/store/badgerstore"
	"github.com/gxo-labs/simloop/internal/store/redisstore"
	"github.com/gxo-labs/simloop/internal/store/sqlstore"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	simsecrets "github.com/gxo-labs/simloop/pkg/simloop/v1/secrets"

	"github.com/dgraph-io/badger/v4"
	"gorm.io/gorm"
)

// Backends holds the opened persistence collaborators.
type Backends struct {
	Experiences collab.ExperienceStore
	Checkpoints collab.CheckpointLogger
	closers     []func() error
}

// Close releases every underlying connection.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Open builds the configured backends. On error, anything already opened is
// closed.
func Open(ctx context.Context, cfg config.StorageConfig, sp simsecrets.Provider, log simlog.Logger) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var (
		sqlDB    *gorm.DB
		badgerDB *badger.DB
	)
	openSQL := func() (*gorm.DB, error) {
		if sqlDB == nil {
			db, err := sqlstore.Open(cfg.SQLDSN, log)
			if err != nil {
				return nil, err
			}
			sqlDB = db
			b.closers = append(b.closers, func() error {
				raw, err := db.DB()
				if err != nil {
					return err
				}
				return raw.Close()
			})
		}
		return sqlDB, nil
	}
	openBadger := func() (*badger.DB, error) {
		if badgerDB == nil {
			db, err := badgerstore.Open(badgerstore.Config{
				Path:       cfg.BadgerPath,
				InMemory:   cfg.BadgerInMemory,
				SyncWrites: true,
			}, log)
			if err != nil {
				return nil, err
			}
			badgerDB = db
			b.closers = append(b.closers, db.Close)
		}
		return badgerDB, nil
	}

	switch kind := cfg.GetExperiences(); kind {
	case config.BackendMemory:
		b.Experiences = store.NewMemoryExperienceStore(0)
	case config.BackendSQL:
		db, err := openSQL()
		if err != nil {
			return nil, err
		}
		b.Experiences = sqlstore.NewExperienceStore(db)
	case config.BackendBadger:
		db, err := openBadger()
		if err != nil {
			return nil, err
		}
		b.Experiences = badgerstore.NewExperienceStore(db)
	default:
		return nil, simerrors.NewConfigError(fmt.Sprintf("unsupported experience backend %q", kind), nil)
	}

	switch kind := cfg.GetCheckpoints(); kind {
	case config.BackendMemory:
		b.Checkpoints = store.NewMemoryCheckpointLogger()
	case config.BackendSQL:
		db, err := openSQL()
		if err != nil {
			return nil, err
		}
		b.Checkpoints = sqlstore.NewCheckpointLogger(db)
	case config.BackendBadger:
		db, err := openBadger()
		if err != nil {
			return nil, err
		}
		b.Checkpoints = badgerstore.NewCheckpointLogger(db)
	case config.BackendRedis:
		opts := redisstore.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, KeyPrefix: cfg.GetRedisKeyPrefix()}
		if cfg.RedisPasswordEnv != "" {
			pw, err := secrets.Resolve(ctx, sp, nil, cfg.RedisPasswordEnv)
			if err != nil {
				return nil, err
			}
			opts.Password = pw
		}
		l := redisstore.NewCheckpointLogger(opts)
		b.closers = append(b.closers, l.Close)
		b.Checkpoints = l
	default:
		return nil, simerrors.NewConfigError(fmt.Sprintf("unsupported checkpoint backend %q", kind), nil)
	}

	log.Infof("Storage opened: experiences=%s checkpoints=%s", cfg.GetExperiences(), cfg.GetCheckpoints())
	return b, nil
}
