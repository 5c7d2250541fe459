package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"langextract/pkg/contract"
	flaky "langextract/plugins/llmclient/flaky"
	gmi "langextract/plugins/llmclient/gemini"
	mock "langextract/plugins/llmclient/mock"
	oai "langextract/plugins/llmclient/openai"
	pst "langextract/plugins/prompt/structured"
	rfs "langextract/plugins/reader/filesystem"
	tre "langextract/plugins/tokenizer/regex"
	ttk "langextract/plugins/tokenizer/tiktoken"
	wfs "langextract/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: options: %w", contract.ErrInvalidInput, err)
	}
	return nil
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// NewTokenizer 工厂签名：接收原样 JSON Options。
type NewTokenizer func(raw json.RawMessage) (contract.Tokenizer, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLanguageModel 工厂签名：接收原样 JSON Options（由各客户端自行解码）。
type NewLanguageModel func(raw json.RawMessage) (contract.LanguageModel, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Tokenizer 工厂注册表。
var Tokenizer = map[string]NewTokenizer{
	// regex: 确定性正则分词（默认）
	"regex": func(raw json.RawMessage) (contract.Tokenizer, error) {
		var opts tre.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tre.New(&opts)
	},
	// tiktoken: BPE 分词（内嵌词表）
	"tiktoken": func(raw json.RawMessage) (contract.Tokenizer, error) {
		var opts ttk.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ttk.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// structured: few-shot Q/A 抽取 prompt
	"structured": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pst.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pst.New(&opts)
	},
}

// LanguageModel 工厂注册表。
var LanguageModel = map[string]NewLanguageModel{
	"openai": func(raw json.RawMessage) (contract.LanguageModel, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LanguageModel, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LanguageModel, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LanguageModel, error) { return flaky.New(raw) },
}

// Names 返回注册表键（排序），用于校验与帮助信息。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
