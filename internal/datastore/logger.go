// Package datastore logger.go provides a slog backed GORM logger.
package datastore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flywheel-ml/flywheel/internal/logging"
)

// DefaultSlowQueryThreshold defines the duration after which a query is
// considered slow and logged at warn level.
const DefaultSlowQueryThreshold = 1 * time.Second

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger() gormlogger.Interface {
	return &slogGormLogger{
		logger:        logging.ForService("datastore"),
		slowThreshold: DefaultSlowQueryThreshold,
		level:         gormlogger.Warn,
	}
}

// slogGormLogger adapts slog to the gorm logger interface.
type slogGormLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
	level         gormlogger.LogLevel
}

func (l *slogGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, msg, "data", data)
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, msg, "data", data)
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, msg, "data", data)
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !isIgnorableTraceError(err):
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "query failed",
			"error", err, "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow query",
			"sql", sql, "rows", rows, "elapsed", elapsed, "threshold", l.slowThreshold)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.InfoContext(ctx, "query",
			"sql", sql, "rows", rows, "elapsed", elapsed)
	}
}

// isIgnorableTraceError filters expected lookup misses out of the error log.
func isIgnorableTraceError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
