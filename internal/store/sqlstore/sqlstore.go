// Package sqlstore persists experiences and checkpoints through gorm. SQLite
// (pure Go), PostgreSQL and MySQL are supported; tables are created with
// AutoMigrate.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gxo-labs/simloop/internal/store"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const backend = "sql"

type experienceRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	TsNano    int64     `gorm:"index"`
	Timestamp time.Time `gorm:"index"`
	Strategy  string    `gorm:"size:64;index"`
	Outcome   string    `gorm:"size:32;index"`
	Success   bool      `gorm:"index"`
	Reward    float64
	Data      string `gorm:"type:text"`
}

func (experienceRecord) TableName() string { return "simloop_experiences" }

type checkpointRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	TsNano        int64  `gorm:"index"`
	Timestamp     time.Time
	SuccessCount  int
	TotalAttempts int
	Data          string `gorm:"type:text"`
}

func (checkpointRecord) TableName() string { return "simloop_checkpoints" }

// Dialector picks a gorm dialector from the DSN scheme: postgres:// and
// postgresql:// use PostgreSQL, mysql:// uses MySQL with the scheme
// stripped, sqlite:// or anything else is a SQLite path or URI.
func Dialector(dsn string) (gorm.Dialector, error) {
	switch {
	case dsn == "":
		return nil, simerrors.NewConfigError("sql dsn is required", nil)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	default:
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	}
}

// Open connects and migrates the schema.
func Open(dsn string, log simlog.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(gormWriter{log: log}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "open", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the simloop tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&experienceRecord{}, &checkpointRecord{}); err != nil {
		return simerrors.NewStoreError(backend, "migrate", err)
	}
	return nil
}

// gormWriter routes gorm's own logging into the simloop logger.
type gormWriter struct {
	log simlog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(format, args...)
}

// ExperienceStore is a gorm-backed collab.ExperienceStore. Recency is by
// experience timestamp.
type ExperienceStore struct {
	db *gorm.DB
}

// NewExperienceStore wraps an opened, migrated database.
func NewExperienceStore(db *gorm.DB) *ExperienceStore {
	return &ExperienceStore{db: db}
}

func toExperienceRecord(e trial.Experience) (experienceRecord, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return experienceRecord{}, err
	}
	return experienceRecord{
		ID:        e.ID,
		TsNano:    e.Timestamp.UnixNano(),
		Timestamp: e.Timestamp.UTC(),
		Strategy:  string(e.Strategy),
		Outcome:   string(e.Result.Outcome),
		Success:   e.Success,
		Reward:    e.Reward,
		Data:      string(data),
	}, nil
}

func decodeExperiences(recs []experienceRecord) ([]trial.Experience, error) {
	out := make([]trial.Experience, 0, len(recs))
	for _, r := range recs {
		var e trial.Experience
		if err := json.Unmarshal([]byte(r.Data), &e); err != nil {
			return nil, fmt.Errorf("decode experience %s: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Add upserts exp by id.
func (s *ExperienceStore) Add(ctx context.Context, exp trial.Experience) error {
	if err := store.ValidateExperience(exp); err != nil {
		return err
	}
	rec, err := toExperienceRecord(exp)
	if err != nil {
		return simerrors.NewStoreError(backend, "add", err)
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return simerrors.NewStoreError(backend, "add", err)
	}
	return nil
}

// GetRecent returns up to n experiences, newest first. n <= 0 returns all.
func (s *ExperienceStore) GetRecent(ctx context.Context, n int) ([]trial.Experience, error) {
	q := s.db.WithContext(ctx).Order("ts_nano DESC").Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	var recs []experienceRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, simerrors.NewStoreError(backend, "get_recent", err)
	}
	out, err := decodeExperiences(recs)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_recent", err)
	}
	return out, nil
}

// Export returns every experience, oldest first.
func (s *ExperienceStore) Export(ctx context.Context) ([]trial.Experience, error) {
	var recs []experienceRecord
	if err := s.db.WithContext(ctx).Order("ts_nano ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, simerrors.NewStoreError(backend, "export", err)
	}
	out, err := decodeExperiences(recs)
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "export", err)
	}
	return out, nil
}

func (s *ExperienceStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&experienceRecord{})
	if res.Error != nil {
		return simerrors.NewStoreError(backend, "delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.NotFound("experience", id)
	}
	return nil
}

// GetStats aggregates every stored experience.
func (s *ExperienceStore) GetStats(ctx context.Context) (trial.ExperienceStats, error) {
	all, err := s.Export(ctx)
	if err != nil {
		return trial.ExperienceStats{}, err
	}
	return trial.ComputeStats(all), nil
}

// Restore checks the connection; the database is the source of truth.
func (s *ExperienceStore) Restore(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return simerrors.NewStoreError(backend, "restore", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return simerrors.NewStoreError(backend, "restore", err)
	}
	return nil
}

func (s *ExperienceStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&experienceRecord{}).Error; err != nil {
		return simerrors.NewStoreError(backend, "clear", err)
	}
	return nil
}

// CheckpointLogger is a gorm-backed collab.CheckpointLogger.
type CheckpointLogger struct {
	db *gorm.DB
}

func NewCheckpointLogger(db *gorm.DB) *CheckpointLogger {
	return &CheckpointLogger{db: db}
}

// Init migrates the schema; it is safe to call repeatedly.
func (l *CheckpointLogger) Init(ctx context.Context) error {
	return Migrate(l.db.WithContext(ctx))
}

func (l *CheckpointLogger) LogCheckpoint(ctx context.Context, cp trial.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return simerrors.NewValidationError("invalid checkpoint", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return simerrors.NewStoreError(backend, "log_checkpoint", err)
	}
	rec := checkpointRecord{
		ID:            cp.ID,
		TsNano:        cp.Timestamp.UnixNano(),
		Timestamp:     cp.Timestamp.UTC(),
		SuccessCount:  cp.SuccessCount,
		TotalAttempts: cp.TotalAttempts,
		Data:          string(data),
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return simerrors.NewStoreError(backend, "log_checkpoint", err)
	}
	return nil
}

func (l *CheckpointLogger) GetLastCheckpoint(ctx context.Context) (*trial.Checkpoint, error) {
	var rec checkpointRecord
	err := l.db.WithContext(ctx).Order("ts_nano DESC").Order("id DESC").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_last_checkpoint", err)
	}
	var cp trial.Checkpoint
	if err := json.Unmarshal([]byte(rec.Data), &cp); err != nil {
		return nil, simerrors.NewStoreError(backend, "get_last_checkpoint", err)
	}
	return &cp, nil
}

func (l *CheckpointLogger) GetAllCheckpoints(ctx context.Context) ([]trial.Checkpoint, error) {
	var recs []checkpointRecord
	if err := l.db.WithContext(ctx).Order("ts_nano ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, simerrors.NewStoreError(backend, "get_all_checkpoints", err)
	}
	out := make([]trial.Checkpoint, 0, len(recs))
	for _, r := range recs {
		var cp trial.Checkpoint
		if err := json.Unmarshal([]byte(r.Data), &cp); err != nil {
			return nil, simerrors.NewStoreError(backend, "get_all_checkpoints", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (l *CheckpointLogger) Clear(ctx context.Context) error {
	if err := l.db.WithContext(ctx).Where("1 = 1").Delete(&checkpointRecord{}).Error; err != nil {
		return simerrors.NewStoreError(backend, "clear", err)
	}
	return nil
}

var (
	_ collab.ExperienceStore  = (*ExperienceStore)(nil)
	_ collab.CheckpointLogger = (*CheckpointLogger)(nil)
)
