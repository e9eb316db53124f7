package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func captureStdLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(old) })
	return &buf
}

// TestFormatValue 测试值格式化
func TestFormatValue(t *testing.T) {
	assert.Equal(t, "test", formatValue("test"))
	assert.Equal(t, "error message", formatValue(errors.New("error message")))
	assert.Equal(t, "123", formatValue(123))
	assert.Equal(t, "true", formatValue(true))
}

// TestParseLevel 测试日志级别解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestStdLogger_Levels 测试各级别输出与字段
func TestStdLogger_Levels(t *testing.T) {
	buf := captureStdLog(t)
	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Debug(ctx, "debug message", String("key", "value"))
	logger.Info(ctx, "info message", Int("count", 123))
	logger.Warn(ctx, "warn message", Bool("critical", true))
	logger.Error(ctx, "error message", Error(errors.New("test error")))

	out := buf.String()
	for _, want := range []string{
		"[DEBUG] test debug message key=value",
		"[INFO] test info message count=123",
		"[WARN] test warn message critical=true",
		"[ERROR] test error message error=test error",
	} {
		assert.Contains(t, out, want)
	}
}

// TestStdLogger_WithLevel 低于阈值的日志被丢弃
func TestStdLogger_WithLevel(t *testing.T) {
	buf := captureStdLog(t)
	logger := NewStdLogger("").WithLevel(WarnLevel)
	ctx := context.Background()

	logger.Debug(ctx, "hidden-debug")
	logger.Info(ctx, "hidden-info")
	logger.Warn(ctx, "shown-warn")

	out := buf.String()
	assert.NotContains(t, out, "hidden-debug")
	assert.NotContains(t, out, "hidden-info")
	assert.Contains(t, out, "shown-warn")
}

// TestStdLogger_WithFields_Immutable 测试WithFields不改变原Logger
func TestStdLogger_WithFields_Immutable(t *testing.T) {
	buf := captureStdLog(t)
	logger := NewStdLogger("test")

	child := logger.WithFields(String("component", "orm.session"))
	child.Info(context.Background(), "begin", String("uow", "1"))

	assert.Empty(t, logger.fields)
	assert.Len(t, child.(*StdLogger).fields, 1)
	assert.Contains(t, buf.String(), "component=orm.session uow=1")
}

// TestNoopLogger 测试NoopLogger
func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	ctx := context.Background()

	logger.Debug(ctx, "test")
	logger.Info(ctx, "test")
	logger.Warn(ctx, "test")
	logger.Error(ctx, "test")

	assert.Same(t, logger, logger.WithFields(String("key", "value")))
}

// TestMemoryLogger 测试内存日志记录器保存条目与字段
func TestMemoryLogger(t *testing.T) {
	logger := NewMemoryLogger()
	ctx := context.Background()

	child := logger.WithFields(String("component", "orm.session"))
	child.Debug(ctx, "flush", Int("inserts", 2))
	logger.Warn(ctx, "leak")

	entries := logger.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, DebugLevel, entries[0].Level)

	v, ok := entries[0].Field("component")
	require.True(t, ok)
	assert.Equal(t, "orm.session", v)

	v, ok = entries[0].Field("inserts")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	warns := logger.EntriesAt(WarnLevel)
	require.Len(t, warns, 1)
	assert.Equal(t, "leak", warns[0].Message)
}

// TestGlobalLogger 测试全局Logger
func TestGlobalLogger(t *testing.T) {
	original := GetLogger()
	defer SetLogger(original)

	testLogger := NewMemoryLogger()
	SetLogger(testLogger)
	assert.Same(t, testLogger, GetLogger())

	ComponentLogger("orm.store").Info(context.Background(), "ready")
	entries := testLogger.Entries()
	require.Len(t, entries, 1)
	v, _ := entries[0].Field("component")
	assert.Equal(t, "orm.store", v)
}

// TestZapLogger 测试 zap 日志记录器输出字段
func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core)).WithFields(String("component", "orm.session"))
	ctx := context.Background()

	logger.Debug(ctx, "flush", Int("inserts", 3), Int64("uow", 7), Bool("ok", true))
	logger.Warn(ctx, "close", Error(errors.New("boom")), Any("keys", []int{1, 2}))

	require.Equal(t, 2, logs.Len())

	first := logs.All()[0]
	assert.Equal(t, zapcore.DebugLevel, first.Level)
	ctxMap := first.ContextMap()
	assert.Equal(t, "orm.session", ctxMap["component"])
	assert.EqualValues(t, 3, ctxMap["inserts"])
	assert.EqualValues(t, 7, ctxMap["uow"])
	assert.Equal(t, true, ctxMap["ok"])

	second := logs.All()[1]
	assert.Equal(t, zapcore.WarnLevel, second.Level)
	assert.Equal(t, "boom", second.ContextMap()["error"])
}

// TestBuildZapLogger 测试按配置构建 zap 日志记录器
func TestBuildZapLogger(t *testing.T) {
	logger, err := BuildZapLogger(DebugLevel, "console")
	require.NoError(t, err)
	require.NotNil(t, logger.Zap())
	assert.True(t, logger.Zap().Core().Enabled(zapcore.DebugLevel))

	logger, err = BuildZapLogger(WarnLevel, "json")
	require.NoError(t, err)
	assert.False(t, logger.Zap().Core().Enabled(zapcore.InfoLevel))
}

// TestLoggerInterface 测试各实现满足 Logger 接口
func TestLoggerInterface(t *testing.T) {
	var _ Logger = (*StdLogger)(nil)
	var _ Logger = (*NoopLogger)(nil)
	var _ Logger = (*MemoryLogger)(nil)
	var _ Logger = (*ZapLogger)(nil)

	old := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(old)

	NewStdLogger("x").WithFields(Duration("took", 0)).Info(context.Background(), "ok")
}
