package prompt

import "langextract/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// Counter: 精确计数能力（例如 BPE 分词器）。
type Counter interface {
	Count(s string) int
}

// EstimatorFor 优先使用精确计数；否则退回字节估算。
func EstimatorFor(c Counter, bytesPerToken int) contract.TokenEstimator {
	if c != nil {
		return c.Count
	}
	return MakeEstimator(bytesPerToken)
}

// RequestTokens 估算一次模型调用的 token 预算：prompt 估算 + 预期输出上限。
func RequestTokens(est contract.TokenEstimator, prompt string, maxOutputTokens int) int {
	if est == nil {
		est = MakeEstimator(0)
	}
	return est(prompt) + max(0, maxOutputTokens)
}

// 输出上限估算：每个期望字段预留 perFieldOutputTokens，且不低于 minOutputTokens。
const (
	perFieldOutputTokens = 200
	minOutputTokens      = 500
)

// MaxOutputTokens 依据期望字段数估算输出上限。
func MaxOutputTokens(fields []string) int {
	return max(len(fields)*perFieldOutputTokens, minOutputTokens)
}

// ExpectedFields 取示例中出现的抽取类别（按首次出现顺序去重）。
func ExpectedFields(examples []contract.ExampleData) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ex := range examples {
		for _, e := range ex.Extractions {
			if e.Class == "" {
				continue
			}
			if _, ok := seen[e.Class]; ok {
				continue
			}
			seen[e.Class] = struct{}{}
			out = append(out, e.Class)
		}
	}
	return out
}

// ExpectedFieldsOf 若 PromptBuilder 暴露示例则推导期望字段，否则返回 nil。
func ExpectedFieldsOf(pb contract.PromptBuilder) []string {
	if src, ok := pb.(contract.ExampleSource); ok {
		return ExpectedFields(src.Examples())
	}
	return nil
}
