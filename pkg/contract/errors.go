package contract

import "errors"

// 抽取流水线错误分类。
var (
	// ErrChunking: 无法产生分块计划（配置非法、分词失败），对整篇文档致命。
	ErrChunking = errors.New("chunking failed")
	// ErrModelCall: 模型调用失败（传输/上游），在分块路径上降级为失败分块。
	ErrModelCall = errors.New("model call failed")
	// ErrResolution: 模型输出经修复后仍无法解析为结构化数据。
	ErrResolution = errors.New("resolution failed")
	// ErrAlignment: 仅结构性错误（如非法 UTF-8）；单条对齐失败不报错。
	ErrAlignment = errors.New("alignment failed")
	// ErrAggregation: 无可用输出（例如全部分块失败），对调用方可见。
	ErrAggregation = errors.New("aggregation failed")
)

// Writer/路径/预算相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
