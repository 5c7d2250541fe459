package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"langextract/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// JSON 输出 MIME：仅 use_schema_constraints 时生效；为空则使用 application/json
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	// 默认把 key 放在 query（与官方 API 对齐）
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

// Client: generateContent 客户端，并发安全。
type Client struct {
	hc       *http.Client
	url      string // 完整路径（模型占位已展开）
	model    string
	apiKey   string
	inQuery  bool
	extraH   map[string]string
	extraQ   map[string]string
	respMIME string
	do       func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		p := strings.TrimLeft(path, "/")
		path = base + "/" + p
	}
	// 设置 HTTP 客户端超时：未配置则采用安全默认 60s
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 60
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		hc:       hc,
		url:      path,
		model:    opts.Model,
		apiKey:   key,
		inQuery:  *opts.APIKeyInQuery,
		extraH:   opts.ExtraHeaders,
		extraQ:   opts.ExtraQuery,
		respMIME: opts.ResponseMIMEType,
		do:       hc.Do,
	}, nil
}

// ModelID / Provider 实现 contract.ModelInfo。
func (c *Client) ModelID() string  { return c.model }
func (c *Client) Provider() string { return "gemini" }

// 请求/响应（最小字段）。
type gmPart struct {
	Text string `json:"text"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"response_mime_type,omitempty"`
}
type gmReq struct {
	Contents         []gmContent         `json:"contents"`
	GenerationConfig *gmGenerationConfig `json:"generationConfig,omitempty"`
}
type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) encode(prompt string, p contract.InferParams) ([]byte, error) {
	t := p.Temperature
	gc := &gmGenerationConfig{Temperature: &t, MaxOutputTokens: p.MaxOutputTokens}
	if p.UseSchemaConstraints {
		gc.ResponseMIMEType = c.respMIME
	}
	req := gmReq{
		Contents:         []gmContent{{Role: "user", Parts: []gmPart{{Text: prompt}}}},
		GenerationConfig: gc,
	}
	return json.Marshal(&req)
}

// Infer 实现 contract.LanguageModel：每个 prompt 顺序发起一次请求。
func (c *Client) Infer(ctx context.Context, prompts []string, p contract.InferParams) ([][]contract.Output, error) {
	out := make([][]contract.Output, 0, len(prompts))
	for _, pr := range prompts {
		text, err := c.generate(ctx, pr, p)
		if err != nil {
			return nil, err
		}
		out = append(out, []contract.Output{{Text: text}})
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, prompt string, p contract.InferParams) (string, error) {
	body, err := c.encode(prompt, p)
	if err != nil {
		return "", fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	// 构造 URL 并安全追加 query 参数
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k == "" {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.do(req)
	if err != nil {
		if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return "", upstreamError{status: resp.StatusCode, msg: msg}
		}
		return "", fmt.Errorf("gemini upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", contract.ErrResponseInvalid
	}
	// 多段文本按序拼接
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", contract.ErrResponseInvalid
	}
	return sb.String(), nil
}

var (
	_ contract.LanguageModel = (*Client)(nil)
	_ contract.ModelInfo     = (*Client)(nil)
)
