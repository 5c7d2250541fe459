package contract

import (
	"context"
	"errors"
)

// Output: 模型返回的单条候选文本。
// 约束：原样返回，不做清洗/截断/归一化。
type Output struct {
	Text string
}

// InferParams: 推理参数（来自配置，不在调用点硬编码）。
type InferParams struct {
	Temperature     float64
	MaxOutputTokens int
	// UseSchemaConstraints: 请求上游以 JSON 模式输出（若实现支持）。
	UseSchemaConstraints bool
}

// LanguageModel: 以 prompt 列表为单位与大模型交互。
// 每个 prompt 对应返回一个批次（[]Output）；应尊重 ctx 取消并及时释放资源。
// 实现需并发安全：编排层在多个 worker 间共享同一实例。
type LanguageModel interface {
	Infer(ctx context.Context, prompts []string, p InferParams) ([][]Output, error)
}

// ModelInfo: 可选接口，提供模型标识用于进度事件与日志。
type ModelInfo interface {
	ModelID() string
	Provider() string
}

// 最小错误分类（用于上层重试策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)
