package contract

import "time"

// ProgressEvent: 封闭的进度事件集合；仅本包内的类型实现该接口。
// 消费方使用 type switch 分派。
type ProgressEvent interface {
	progressEvent()
}

// ProcessingStarted: 单篇文档开始处理。
type ProcessingStarted struct {
	DocumentID string
	TextLength int
	Model      string
	Provider   string
}

// ChunkingStarted: 分块计划已生成。
type ChunkingStarted struct {
	TotalChars int
	ChunkCount int
	Strategy   string
}

// BatchProgress: 分块完成进度（按 batch_length 粒度上报）。
type BatchProgress struct {
	Pass            int
	BatchNumber     int
	TotalBatches    int
	ChunksProcessed int
	TotalChunks     int
}

// ModelCall: 即将调用模型。
type ModelCall struct {
	ChunkID      int
	Provider     string
	Model        string
	PromptLength int
}

// ModelResponse: 模型调用返回。
type ModelResponse struct {
	ChunkID      int
	Success      bool
	OutputLength int
}

// ValidationStarted: Resolver 开始处理原始输出。
type ValidationStarted struct {
	ChunkID         int
	RawOutputLength int
}

// ValidationCompleted: Resolver 与 Aligner 完成。
type ValidationCompleted struct {
	ChunkID          int
	ExtractionsFound int
	AlignedCount     int
	Errors           int
	Warnings         int
}

// AggregationStarted: 开始聚合分块结果。
type AggregationStarted struct {
	ChunkCount int
}

// ProcessingCompleted: 文档处理完成。
type ProcessingCompleted struct {
	DocumentID       string
	TotalExtractions int
	FailedChunks     int
	Elapsed          time.Duration
}

// RetryAttempt: 模型调用重试。
type RetryAttempt struct {
	Operation   string
	ChunkID     int
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Reason      string
}

// ErrorEvent: 非致命或致命错误的旁路通知。
type ErrorEvent struct {
	Operation string
	ChunkID   int
	Message   string
}

// DebugEvent: 调试细节（仅 debug 模式发出）。
type DebugEvent struct {
	Operation string
	Details   string
}

func (ProcessingStarted) progressEvent()   {}
func (ChunkingStarted) progressEvent()     {}
func (BatchProgress) progressEvent()       {}
func (ModelCall) progressEvent()           {}
func (ModelResponse) progressEvent()       {}
func (ValidationStarted) progressEvent()   {}
func (ValidationCompleted) progressEvent() {}
func (AggregationStarted) progressEvent()  {}
func (ProcessingCompleted) progressEvent() {}
func (RetryAttempt) progressEvent()        {}
func (ErrorEvent) progressEvent()          {}
func (DebugEvent) progressEvent()          {}

// ProgressSink: 事件消费能力。
// 约束：即发即忘，不得阻塞或使流水线失败；须并发安全（多个 worker 同时上报）。
type ProgressSink interface {
	Report(ev ProgressEvent)
}

// NopSink: 默认的空实现。
type NopSink struct{}

func (NopSink) Report(ProgressEvent) {}

// SinkOrNop 将 nil 归一为 NopSink。
func SinkOrNop(s ProgressSink) ProgressSink {
	if s == nil {
		return NopSink{}
	}
	return s
}
