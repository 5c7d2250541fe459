package tiktoken

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"langextract/pkg/contract"
	"langextract/plugins/tokenizer/regex"
)

// Options 为 BPE 分词器的可选配置。
type Options struct {
	// Encoding: cl100k_base（默认）/ o200k_base / p50k_base / r50k_base。
	Encoding string `json:"encoding"`
}

func init() {
	// 使用内嵌词表，避免运行期联网下载。
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer 以 BPE token 为单位切分原文；跨 rune 的 BPE 片段会被合并，
// 保证 token 边界落在 rune 边界上。
type Tokenizer struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// New 创建 BPE 分词器。
func New(opts *Options) (*Tokenizer, error) {
	encoding := "cl100k_base"
	if opts != nil && opts.Encoding != "" {
		encoding = opts.Encoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer/tiktoken: get encoding %q: %w", encoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// Tokenize 实现 contract.Tokenizer。
func (t *Tokenizer) Tokenize(text string) ([]contract.Token, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: invalid UTF-8", contract.ErrInvalidInput)
	}
	if text == "" {
		return nil, nil
	}
	t.mu.Lock()
	ids := t.enc.Encode(text, nil, nil)
	pieces := make([]string, len(ids))
	for i, id := range ids {
		pieces[i] = t.enc.Decode([]int{id})
	}
	t.mu.Unlock()

	toks := make([]contract.Token, 0, len(pieces))
	start, pos := 0, 0
	for _, p := range pieces {
		pos += len(p)
		if pos > len(text) {
			return nil, fmt.Errorf("%w: bpe pieces exceed text length", contract.ErrInvariantViolation)
		}
		if pos < len(text) && !utf8.RuneStart(text[pos]) {
			continue
		}
		toks = append(toks, contract.Token{Start: start, End: pos, Kind: regex.Classify(text[start:pos])})
		start = pos
	}
	if start != len(text) {
		return nil, fmt.Errorf("%w: bpe pieces cover %d of %d bytes", contract.ErrInvariantViolation, start, len(text))
	}
	return toks, nil
}

// Count 返回 BPE token 数，用作 prompt 预算估算。
func (t *Tokenizer) Count(s string) int {
	if s == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(s, nil, nil))
}

var _ contract.Tokenizer = (*Tokenizer)(nil)
