// Package history persists a record of completed script executions in
// SQLite via GORM (pure Go, no CGO, WAL mode). The execution log files hold
// the transcripts; history holds the when/how-long/how-ended ledger across
// runs, which the per-run overwritten log files cannot.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run is one completed execution.
type Run struct {
	ID         uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	Script     string    `gorm:"index;not null" json:"script"`
	PID        int       `gorm:"not null" json:"pid"`
	StartedAt  time.Time `gorm:"not null" json:"started_at"`
	EndedAt    time.Time `gorm:"not null" json:"ended_at"`
	RuntimeSec float64   `gorm:"not null" json:"runtime_sec"`
	ExitReason string    `json:"exit_reason"` // "exit" or "io_error".
}

// Store records completed runs.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates a history store backed by the SQLite file at path.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	s := &Store{db: db, logger: slogger}
	if err := s.db.AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return s, nil
}

// Record inserts a completed run.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("recording run for %s: %w", run.Script, err)
	}
	return nil
}

// ForScript returns a script's most recent runs, newest first.
func (s *Store) ForScript(ctx context.Context, script string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []Run
	err := s.db.WithContext(ctx).
		Where("script = ?", script).
		Order("ended_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", script, err)
	}
	return runs, nil
}

// Recent returns the most recent runs across all scripts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []Run
	err := s.db.WithContext(ctx).
		Order("ended_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}
	return runs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
