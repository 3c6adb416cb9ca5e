package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLogger_LogMode(t *testing.T) {
	gormLog := NewGormLogger(zap.NewNop(), gormlogger.Info)
	changed, ok := gormLog.LogMode(gormlogger.Warn).(*GormLogger)
	require.True(t, ok)

	assert.Equal(t, gormlogger.Info, gormLog.logLevel)
	assert.Equal(t, gormlogger.Warn, changed.logLevel)
}

func TestGormLogger_Trace(t *testing.T) {
	query := func() (string, int64) { return `UPDATE "customers" SET "module_count"=12 WHERE id = 'c1'`, 1 }

	t.Run("error is logged with request id", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Info)

		ctx, _ := WithRequestID(context.Background(), zap.NewNop(), "req-7")
		gormLog.Trace(ctx, time.Now(), query, errors.New("connection refused"))

		entries := logs.FilterMessage("SQL Error").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "req-7", entries[0].ContextMap()["request_id"])
		assert.Equal(t, "gorm", entries[0].LoggerName)
	})

	t.Run("store answers are logged at debug", func(t *testing.T) {
		for _, storeErr := range []error{gorm.ErrRecordNotFound, gorm.ErrDuplicatedKey} {
			core, logs := observer.New(zapcore.DebugLevel)
			gormLog := NewGormLogger(zap.New(core), gormlogger.Info)

			gormLog.Trace(context.Background(), time.Now(), query, storeErr)
			entries := logs.FilterMessage("SQL Rejected").All()
			require.Len(t, entries, 1)
			assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
			assert.Zero(t, logs.FilterMessage("SQL Error").Len())
		}
	})

	t.Run("store answers are dropped below info", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Warn)

		gormLog.Trace(context.Background(), time.Now(), query, gorm.ErrDuplicatedKey)
		assert.Zero(t, logs.Len())
	})

	t.Run("flush statements carry the record id", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Info)

		gormLog.Trace(WithRecordID(context.Background(), "c1"), time.Now(), query, nil)
		entries := logs.FilterMessage("SQL Query").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "c1", entries[0].ContextMap()["record_id"])
		assert.NotContains(t, entries[0].ContextMap(), "request_id")
	})

	t.Run("failed slow query is an error only", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Warn, WithSlowThreshold(time.Millisecond))

		gormLog.Trace(context.Background(), time.Now().Add(-time.Second), query, errors.New("timeout"))
		assert.Equal(t, 1, logs.FilterMessage("SQL Error").Len())
		assert.Zero(t, logs.FilterMessage("Slow SQL").Len())
	})

	t.Run("slow query warns", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Warn, WithSlowThreshold(time.Millisecond))

		gormLog.Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
		assert.Equal(t, 1, logs.FilterMessage("Slow SQL").Len())
	})

	t.Run("regular query at debug", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Info)

		gormLog.Trace(context.Background(), time.Now(), query, nil)
		entries := logs.FilterMessage("SQL Query").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	})

	t.Run("silent logs nothing", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		gormLog := NewGormLogger(zap.New(core), gormlogger.Silent)

		gormLog.Trace(context.Background(), time.Now(), query, errors.New("boom"))
		assert.Zero(t, logs.Len())
	})
}

func TestMapGormLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, MapGormLogLevel("silent"))
	assert.Equal(t, gormlogger.Error, MapGormLogLevel("error"))
	assert.Equal(t, gormlogger.Warn, MapGormLogLevel("warn"))
	assert.Equal(t, gormlogger.Info, MapGormLogLevel("debug"))
	assert.Equal(t, gormlogger.Warn, MapGormLogLevel("other"))
}
