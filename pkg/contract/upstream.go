package contract

// UpstreamError 承载 HTTP 上游错误的最小诊断信息。
// 模型客户端实现该接口后，编排层会把状态码与消息片段写入结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
