package progress

import (
	"sync"

	"go.uber.org/zap"

	"langextract/internal/diag"
	"langextract/pkg/contract"
)

// Log 将进度事件写入结构化日志（comp=progress）。
type Log struct {
	l *diag.Logger
}

// NewLog 创建日志进度 sink；logger 为 nil 时为 no-op。
func NewLog(l *diag.Logger) *Log { return &Log{l: l} }

// Report 实现 contract.ProgressSink。
func (s *Log) Report(ev contract.ProgressEvent) {
	z := s.l.Zap().With(zap.String("comp", "progress"))
	switch e := ev.(type) {
	case contract.ProcessingStarted:
		z.Info("processing started", zap.String("doc_id", e.DocumentID), zap.Int("text_length", e.TextLength), zap.String("provider", e.Provider), zap.String("model", e.Model))
	case contract.ChunkingStarted:
		z.Info("chunking started", zap.Int("total_chars", e.TotalChars), zap.Int("chunk_count", e.ChunkCount), zap.String("strategy", e.Strategy))
	case contract.BatchProgress:
		z.Info("batch progress", zap.Int("pass", e.Pass), zap.Int("batch", e.BatchNumber), zap.Int("total_batches", e.TotalBatches), zap.Int("chunks_processed", e.ChunksProcessed), zap.Int("total_chunks", e.TotalChunks))
	case contract.ModelCall:
		z.Debug("model call", zap.Int("chunk_id", e.ChunkID), zap.String("provider", e.Provider), zap.String("model", e.Model), zap.Int("prompt_length", e.PromptLength))
	case contract.ModelResponse:
		z.Debug("model response", zap.Int("chunk_id", e.ChunkID), zap.Bool("success", e.Success), zap.Int("output_length", e.OutputLength))
	case contract.ValidationStarted:
		z.Debug("validation started", zap.Int("chunk_id", e.ChunkID), zap.Int("raw_output_length", e.RawOutputLength))
	case contract.ValidationCompleted:
		z.Debug("validation completed", zap.Int("chunk_id", e.ChunkID), zap.Int("extractions", e.ExtractionsFound), zap.Int("aligned", e.AlignedCount), zap.Int("errors", e.Errors), zap.Int("warnings", e.Warnings))
	case contract.AggregationStarted:
		z.Debug("aggregation started", zap.Int("chunk_count", e.ChunkCount))
	case contract.ProcessingCompleted:
		z.Info("processing completed", zap.String("doc_id", e.DocumentID), zap.Int("extractions", e.TotalExtractions), zap.Int("failed_chunks", e.FailedChunks), zap.Int64("dur_ms", e.Elapsed.Milliseconds()))
	case contract.RetryAttempt:
		z.Warn("retry attempt", zap.String("operation", e.Operation), zap.Int("chunk_id", e.ChunkID), zap.Int("attempt", e.Attempt), zap.Int("max_attempts", e.MaxAttempts), zap.Duration("delay", e.Delay), zap.String("reason", e.Reason))
	case contract.ErrorEvent:
		z.Error("progress error", zap.String("operation", e.Operation), zap.Int("chunk_id", e.ChunkID), zap.String("message", e.Message))
	case contract.DebugEvent:
		z.Debug("debug", zap.String("operation", e.Operation), zap.String("details", e.Details))
	}
}

// Multi 将事件依次分发给多个 sink。
type Multi []contract.ProgressSink

// Report 实现 contract.ProgressSink。
func (m Multi) Report(ev contract.ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Report(ev)
		}
	}
}

// Func 将函数适配为 sink；调用被串行化，函数本身无需并发安全。
type Func struct {
	mu sync.Mutex
	fn func(contract.ProgressEvent)
}

// NewFunc 创建函数 sink。
func NewFunc(fn func(contract.ProgressEvent)) *Func { return &Func{fn: fn} }

// Report 实现 contract.ProgressSink。
func (f *Func) Report(ev contract.ProgressEvent) {
	if f == nil || f.fn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn(ev)
}

// Recorder 记录全部事件（测试与调试用）。
type Recorder struct {
	mu     sync.Mutex
	events []contract.ProgressEvent
}

// Report 实现 contract.ProgressSink。
func (r *Recorder) Report(ev contract.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events 返回事件快照。
func (r *Recorder) Events() []contract.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contract.ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

var (
	_ contract.ProgressSink = (*Log)(nil)
	_ contract.ProgressSink = Multi(nil)
	_ contract.ProgressSink = (*Func)(nil)
	_ contract.ProgressSink = (*Recorder)(nil)
)
