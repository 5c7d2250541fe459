package diag

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化日志器：zap JSON 编码，默认写入 logs/ 下按大小轮转的文件。
// 事件词汇：comp（组件）/ stage（start|finish|error）/ code / dur_ms / count / doc_id / chunk_id / kv。
// nil *Logger 的所有方法均为 no-op。
type Logger struct {
	corrID string
	z      *zap.Logger
	sink   *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认路径 logs/，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewWithCore(zapcore.NewCore(jsonEncoder(), sink, parseLevel(level)), corrID)
	l.sink = sink
	return l
}

// NewWithCore 以自定义 zapcore.Core 构造（测试使用 observer）。
func NewWithCore(core zapcore.Core, corrID string) *Logger {
	z := zap.New(core)
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{corrID: corrID, z: z}
}

// NewNop 返回丢弃一切输出的日志器。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	return zapcore.NewJSONEncoder(cfg)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Zap 暴露底层 zap.Logger（供需要原生字段的组件使用）。
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Close 刷新并关闭文件 sink。
func (l *Logger) Close() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// event 为标准事件字段集合。
type event struct {
	comp    string
	stage   string
	code    string
	dur     time.Duration
	count   int64
	docID   string
	chunkID string
	kv      map[string]string
}

func (e event) fields() []zap.Field {
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", e.comp), zap.String("stage", e.stage))
	if e.code != "" {
		fs = append(fs, zap.String("code", e.code))
	}
	if e.dur > 0 {
		fs = append(fs, zap.Int64("dur_ms", e.dur.Milliseconds()))
	}
	if e.count != 0 {
		fs = append(fs, zap.Int64("count", e.count))
	}
	if e.docID != "" {
		fs = append(fs, zap.String("doc_id", e.docID))
	}
	if e.chunkID != "" {
		fs = append(fs, zap.String("chunk_id", e.chunkID))
	}
	if len(e.kv) > 0 {
		fs = append(fs, zap.Any("kv", e.kv))
	}
	return fs
}

func (l *Logger) log(lv zapcore.Level, msg string, ev event) {
	if l == nil || l.z == nil {
		return
	}
	if ce := l.z.Check(lv, msg); ce != nil {
		ce.Write(ev.fields()...)
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "start"})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 doc_id/chunk_id 的 start。
func (l *Logger) StartWith(comp, msg, docID, chunkID string) *Timer {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", docID: docID, chunkID: chunkID})
	return &Timer{l: l, comp: comp, docID: docID, chunkID: chunkID, t0: time.Now()}
}

// StartWithKV 记录带 doc_id/chunk_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, docID, chunkID string, kv map[string]string) *Timer {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", docID: docID, chunkID: chunkID, kv: kv})
	return &Timer{l: l, comp: comp, docID: docID, chunkID: chunkID, t0: time.Now()}
}

// Error 记录 error 事件并计入 error_total。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 doc_id/chunk_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, docID, chunkID string) {
	l.ErrorWithKV(comp, code, msg, durSince, docID, chunkID, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, docID, chunkID string, kv map[string]string) {
	var dur time.Duration
	if durSince != nil {
		dur = time.Since(*durSince)
	}
	IncError(comp, code)
	IncOp(comp, "error", "error")
	l.log(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, dur: dur, docID: docID, chunkID: chunkID, kv: kv})
}

// Warn 记录非致命告警（例如原始输出转储失败）。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.log(zapcore.WarnLevel, msg, event{comp: comp, stage: "warn", kv: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	d := time.Since(start)
	IncOp(comp, "finish", "success")
	ObserveDuration(comp, "finish", d.Milliseconds())
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "finish", dur: d, count: count})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, docID, chunkID string, kv map[string]string) {
	l.log(zapcore.DebugLevel, msg, event{comp: comp, stage: "start", docID: docID, chunkID: chunkID, kv: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l       *Logger
	comp    string
	docID   string
	chunkID string
	t0      time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0)
	IncOp(t.comp, "finish", "success")
	ObserveDuration(t.comp, "finish", d.Milliseconds())
	t.l.log(zapcore.InfoLevel, msg, event{comp: t.comp, stage: "finish", dur: d, count: count, docID: t.docID, chunkID: t.chunkID})
}
