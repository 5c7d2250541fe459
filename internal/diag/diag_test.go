package diag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"langextract/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	require.NoError(t, w.WriteLine([]byte("first line that is very long")), "写入失败")
	require.NoError(t, w.WriteLine([]byte("second")), "第二次写入失败")
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2, "应存在轮转文件")
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
}

// 当前文件名与时间戳文件同时存在
func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")))
	}
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == currentLogName {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), "langextract-") && strings.HasSuffix(e.Name(), ".log") && !strings.Contains(e.Name(), "current") {
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent && hasRotated, "expect both current and rotated files")
}

// 触发默认 maxBytes 分支与 rotate 在 f==nil 分支
func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	require.NoError(t, w.WriteLine([]byte("a")))
	_ = w.f.Close()
	w.f = nil
	require.NoError(t, w.rotate())
	require.NoError(t, w.Close())
}

// UT-DIAG-02: 指标计数
func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("ut", "finish", "success"))
	IncOp("ut", "finish", "success")
	assert.Equal(t, before+1, testutil.ToFloat64(opTotal.WithLabelValues("ut", "finish", "success")))

	IncError("ut", string(CodeNetwork))
	assert.GreaterOrEqual(t, testutil.ToFloat64(errorTotal.WithLabelValues("ut", "network")), 1.0)
	ObserveDuration("ut", "finish", 12)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "langextract_op_total")
}

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrResponseInvalid, CodeProtocol},
		{fmt.Errorf("wrap: %w", contract.ErrResolution), CodeProtocol},
		{context.Canceled, CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{fmt.Errorf("%w: 429", contract.ErrRateLimited), CodeBudget},
		{contract.ErrChunking, CodeInvariant},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "分类错误: %v", c.err)
	}
	assert.True(t, Retryable(contract.ErrRateLimited))
	assert.True(t, Retryable(&net.DNSError{Err: "x"}))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(contract.ErrInvalidInput))
}

// UT-DIAG-04: Logger 事件字段与级别过滤
func TestLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewWithCore(core, "corr")
	timer := l.StartWith("chunk", "begin", "doc1", "3")
	timer.Finish("ok", 2)
	l.DebugStart("chunk", "hidden", "doc1", "3", nil)
	l.ErrorWithKV("llm", "network", "boom", nil, "doc1", "3", map[string]string{"http_status": "500"})
	l.Warn("resolve", "raw dump failed", nil)

	entries := logs.All()
	require.Len(t, entries, 4, "debug 事件应被过滤")
	start := entries[0].ContextMap()
	assert.Equal(t, "corr", start["corr_id"])
	assert.Equal(t, "start", start["stage"])
	assert.Equal(t, "doc1", start["doc_id"])
	assert.Equal(t, "3", start["chunk_id"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["count"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "network", entries[2].ContextMap()["code"])
	assert.Equal(t, zapcore.WarnLevel, entries[3].Level)
}

// nil 接收者与 Nop 均安全
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 0)
	l.Error("c", "code", "m", nil)
	start := time.Now()
	l.ErrorWith("c", "code", "m", &start, "d", "1")
	l.InfoFinish("c", "m", start, 1)
	assert.NotNil(t, l.Zap())
	assert.NoError(t, l.Close())
	assert.Equal(t, "", l.CorrID())

	n := NewNop()
	n.Start("c", "m").Finish("ok", 1)
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
}

// 文件 sink 写入路径
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, "logs", currentLogName))
	require.NoError(t, err, "log file not found")
	assert.Contains(t, string(b), `"corr_id":"corr"`)
	assert.Contains(t, string(b), `"stage":"finish"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warn "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("whatever"))
}
