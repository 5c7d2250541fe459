package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"langextract/pkg/contract"
	"langextract/plugins/llmclient/mock"
)

// Options 定义可选项；其余字段透传给 mock。
type Options struct {
	mock.Options
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LanguageModel 实现：
// 第一次 Infer 返回 ErrRateLimited；
// 第二次返回无法解析的文本；
// 之后委托 mock 返回正常抽取。
type Client struct {
	inner   *mock.Client
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Model == "" {
		o.Model = "flaky-1"
	}
	b, err := json.Marshal(o.Options)
	if err != nil {
		return nil, err
	}
	inner, err := mock.New(b)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, logPath: o.LogPath}, nil
}

func (c *Client) ModelID() string  { return c.inner.ModelID() }
func (c *Client) Provider() string { return "flaky" }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Infer 实现 contract.LanguageModel。
func (c *Client) Infer(ctx context.Context, prompts []string, p contract.InferParams) ([][]contract.Output, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return nil, contract.ErrRateLimited
	case 2:
		c.log("invalid_json")
		out := make([][]contract.Output, len(prompts))
		for i := range out {
			out[i] = []contract.Output{{Text: "invalid"}}
		}
		return out, nil
	default:
		c.log("ok")
		return c.inner.Infer(ctx, prompts, p)
	}
}

var (
	_ contract.LanguageModel = (*Client)(nil)
	_ contract.ModelInfo     = (*Client)(nil)
)
