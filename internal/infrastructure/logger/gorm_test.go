package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedGorm(level gormlogger.LogLevel, opts ...GormLoggerOption) (*GormLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level, opts...), logs
}

func query(sql string) func() (string, int64) {
	return func() (string, int64) { return sql, 1 }
}

func TestGormLogger_LogModeReturnsCopy(t *testing.T) {
	gl, _ := newObservedGorm(gormlogger.Info)
	changed := gl.LogMode(gormlogger.Silent).(*GormLogger)

	assert.Equal(t, gormlogger.Info, gl.logLevel)
	assert.Equal(t, gormlogger.Silent, changed.logLevel)
}

func TestGormLogger_Trace(t *testing.T) {
	const stmt = `UPDATE sourcing_sessions SET version = 3 WHERE id = 'x' AND version = 2`

	t.Run("errors include statement and context fields", func(t *testing.T) {
		gl, logs := newObservedGorm(gormlogger.Warn)
		ctx := WithSession(context.Background(), "sess-1")

		gl.Trace(ctx, time.Now(), query(stmt), errors.New("deadlock detected"))

		entries := logs.FilterMessage("SQL error").All()
		assert.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, stmt, fields["sql"])
		assert.Equal(t, "sess-1", fields["session_id"])
	})

	t.Run("record not found is silent", func(t *testing.T) {
		gl, logs := newObservedGorm(gormlogger.Info)
		gl.Trace(context.Background(), time.Now(), query(stmt), gormlogger.ErrRecordNotFound)
		assert.Zero(t, logs.Len())
	})

	t.Run("slow queries warn without statement unless enabled", func(t *testing.T) {
		gl, logs := newObservedGorm(gormlogger.Warn, WithSlowThreshold(time.Millisecond))
		gl.Trace(context.Background(), time.Now().Add(-time.Second), query(stmt), nil)

		entries := logs.FilterMessage("Slow SQL query").All()
		assert.Len(t, entries, 1)
		_, hasSQL := entries[0].ContextMap()["sql"]
		assert.False(t, hasSQL)
	})

	t.Run("info level logs every query", func(t *testing.T) {
		gl, logs := newObservedGorm(gormlogger.Info, WithFullSQL(true), WithSlowThreshold(0))
		gl.Trace(context.Background(), time.Now(), query(stmt), nil)

		entries := logs.FilterMessage("SQL query").All()
		assert.Len(t, entries, 1)
		assert.Equal(t, stmt, entries[0].ContextMap()["sql"])
	})

	t.Run("silent logs nothing", func(t *testing.T) {
		gl, logs := newObservedGorm(gormlogger.Silent)
		gl.Trace(context.Background(), time.Now(), query(stmt), errors.New("boom"))
		assert.Zero(t, logs.Len())
	})
}

func TestGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Info, GormLevel("debug"))
	assert.Equal(t, gormlogger.Warn, GormLevel("info"))
	assert.Equal(t, gormlogger.Error, GormLevel("error"))
}
