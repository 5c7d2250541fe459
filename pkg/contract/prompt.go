package contract

// PromptBuilder: 基于分块文本与附加上下文渲染确定性的 prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不隐式修改分块文本；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Render(chunkText, additionalContext string) (string, error)
	// EstimateOverheadTokens: 估算与分块无关的固定提示词开销（描述/示例/格式说明）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// ExampleSource: 可选接口，暴露 few-shot 示例，供编排层推导期望字段。
type ExampleSource interface {
	Examples() []ExampleData
}

// TokenEstimator: 文本→token 的近似估算函数。
type TokenEstimator func(s string) int
