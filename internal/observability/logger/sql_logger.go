package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// SQLLoggerConfig tunes what database traffic reaches the logs.
type SQLLoggerConfig struct {
	Level             gormlogger.LogLevel
	SlowThreshold     time.Duration
	SkipNotFoundError bool
}

func DefaultSQLLoggerConfig() SQLLoggerConfig {
	return SQLLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// SQLLogger routes gorm's logging through zap. Statement text is logged
// but bound parameters never are; amounts and account tokens must not
// land in log storage.
type SQLLogger struct {
	cfg SQLLoggerConfig
}

func NewSQLLogger(cfg SQLLoggerConfig) *SQLLogger {
	return &SQLLogger{cfg: cfg}
}

func (l *SQLLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *SQLLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, msg, data)
}

func (l *SQLLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, msg, data)
}

func (l *SQLLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, msg, data)
}

func (l *SQLLogger) message(ctx context.Context, level gormlogger.LogLevel, msg string, data []interface{}) {
	if l.cfg.Level < level {
		return
	}
	fields := []zap.Field{zap.String("component", "db")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	log := FromContext(ctx)
	switch level {
	case gormlogger.Error:
		log.Error(msg, fields...)
	case gormlogger.Warn:
		log.Warn(msg, fields...)
	default:
		log.Info(msg, fields...)
	}
}

// Trace reports completed statements: errors at error level, slow
// statements at warn, everything else only when the level is Info.
func (l *SQLLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.cfg.Level >= gormlogger.Error && (!errors.Is(err, gormlogger.ErrRecordNotFound) || !l.cfg.SkipNotFoundError):
		l.statement(ctx, fc, elapsed, err, gormlogger.Error)
	case l.cfg.SlowThreshold != 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		l.statement(ctx, fc, elapsed, nil, gormlogger.Warn)
	case l.cfg.Level >= gormlogger.Info:
		l.statement(ctx, fc, elapsed, nil, gormlogger.Info)
	}
}

// ParamsFilter drops bound values before gorm interpolates them into
// the statement text.
func (l *SQLLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	_ = ctx
	_ = params
	return sql, nil
}

func (l *SQLLogger) statement(ctx context.Context, fc func() (string, int64), elapsed time.Duration, err error, level gormlogger.LogLevel) {
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("component", "db"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("verb", sqlVerb(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	log := FromContext(ctx)
	switch level {
	case gormlogger.Error:
		log.Error("db.statement", fields...)
	case gormlogger.Warn:
		log.Warn("db.statement", fields...)
	default:
		log.Debug("db.statement", fields...)
	}
}

// sqlVerb pulls the leading verb out of a statement, skipping CTE
// prefixes.
func sqlVerb(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "OTHER"
}

var _ gormlogger.Interface = (*SQLLogger)(nil)
