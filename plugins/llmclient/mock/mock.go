package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"langextract/pkg/contract"
)

// Options: 离线调试配置（均可选）。
type Options struct {
	// Model: 仅用于进度事件/日志展示，默认 "mock-1"。
	Model string `json:"model,omitempty"`
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key,omitempty"`
	// ResponseMode: 响应模式。
	//  - "" / "capitalized": 取 prompt 中最后一个 "Q: " 与其后 "A:" 之间的文本，
	//    将每个首字母大写的单词作为一条抽取，类别为 Class；
	//  - "fixed": 原样返回 Response；
	//  - "echo": 原样回显 prompt。
	ResponseMode string `json:"response_mode,omitempty"`
	// Response: fixed 模式下的返回文本。
	Response string `json:"response,omitempty"`
	// Class: capitalized 模式下的抽取类别，默认 "entity"。
	Class string `json:"class,omitempty"`
	// Fence: 以 ```json 围栏包裹输出。
	Fence bool `json:"fence,omitempty"`
	// DelayMS: 每次调用的模拟延迟（毫秒），尊重 ctx 取消。
	DelayMS int `json:"delay_ms,omitempty"`
}

// Client: 无网络的 LanguageModel 实现，并发安全。
type Client struct {
	model    string
	mode     string
	response string
	class    string
	fence    bool
	delay    time.Duration
	calls    atomic.Int64
}

// New 构造 mock 客户端。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Model == "" {
		o.Model = "mock-1"
	}
	if o.APIKey == "" {
		o.APIKey = "MOCK_DEBUG_KEY"
	}
	if o.Class == "" {
		o.Class = "entity"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "capitalized"
	case "capitalized", "fixed", "echo":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	if o.DelayMS < 0 {
		return nil, fmt.Errorf("mock: %w: delay_ms must be >= 0", contract.ErrInvalidInput)
	}
	return &Client{
		model:    o.Model,
		mode:     mode,
		response: o.Response,
		class:    o.Class,
		fence:    o.Fence,
		delay:    time.Duration(o.DelayMS) * time.Millisecond,
	}, nil
}

func (c *Client) ModelID() string  { return c.model }
func (c *Client) Provider() string { return "mock" }

// Calls 返回累计调用的 prompt 数。
func (c *Client) Calls() int64 { return c.calls.Load() }

// Infer 实现 contract.LanguageModel：每个 prompt 返回一个候选。
func (c *Client) Infer(ctx context.Context, prompts []string, _ contract.InferParams) ([][]contract.Output, error) {
	out := make([][]contract.Output, 0, len(prompts))
	for _, p := range prompts {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		c.calls.Add(1)
		out = append(out, []contract.Output{{Text: c.reply(p)}})
	}
	return out, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) reply(prompt string) string {
	var body string
	switch c.mode {
	case "fixed":
		body = c.response
	case "echo":
		return prompt
	default:
		items := make([]map[string]string, 0)
		for _, w := range CapitalizedWords(Question(prompt)) {
			items = append(items, map[string]string{c.class: w})
		}
		b, _ := json.Marshal(map[string]any{"extractions": items})
		body = string(b)
	}
	if c.fence {
		return "```json\n" + body + "\n```"
	}
	return body
}

// Question 取最后一个 "Q: " 之后、紧随的 "A:" 之前的文本；无标记时返回整个 prompt。
func Question(prompt string) string {
	i := strings.LastIndex(prompt, "Q: ")
	if i < 0 {
		return prompt
	}
	q := prompt[i+len("Q: "):]
	if j := strings.LastIndex(q, "\nA:"); j >= 0 {
		q = q[:j]
	}
	return q
}

// CapitalizedWords 返回首字母大写的字母串（按出现顺序，不去重）。
func CapitalizedWords(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if r := []rune(f)[0]; unicode.IsUpper(r) {
			out = append(out, f)
		}
	}
	return out
}

var (
	_ contract.LanguageModel = (*Client)(nil)
	_ contract.ModelInfo     = (*Client)(nil)
)
