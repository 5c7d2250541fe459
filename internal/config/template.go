package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"langextract/internal/rate"
)

// DefaultTemplateConfig 返回一个可直接运行的模板：
// mock LLM + STDIN 输入 + ./out 输出，示例 prompt 抽取人名与地点。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Inputs = []string{"-"}
	cfg.LLM = "mock"
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: map[string]any{"model": "mock-1", "response_mode": "capitalized", "class": "entity"},
			Limits:  rate.Limits{RPM: 600, TPM: 100000, MaxTokensPerReq: 8192},
		},
		"openai": {
			Client: "openai",
			Options: map[string]any{
				"base_url":        "",
				"model":           "",
				"api_key_env":     "OPENAI_API_KEY",
				"timeout_seconds": 60,
			},
			Limits: rate.Limits{RPM: 60, TPM: 90000},
		},
		"gemini": {
			Client: "gemini",
			Options: map[string]any{
				"model":           "gemini-2.5-flash",
				"api_key_env":     "GOOGLE_API_KEY",
				"timeout_seconds": 60,
			},
			Limits: rate.Limits{RPM: 60, TPM: 250000},
		},
	}
	cfg.Prompt.Options = map[string]any{
		"description":  "Extract people and places mentioned in the text. Use exact text from the input.",
		"fence_output": false,
		"classes":      []string{"person", "place"},
		"examples": []map[string]any{{
			"text": "Ada Lovelace was born in London.",
			"extractions": []map[string]any{
				{"extraction_class": "person", "extraction_text": "Ada Lovelace"},
				{"extraction_class": "place", "extraction_text": "London"},
			},
		}},
	}
	cfg.Reader.Options = map[string]any{
		"exclude_dir_names": []string{".git", "node_modules", "vendor"},
		"extensions":        []string{".txt", ".md"},
	}
	return cfg
}

// MarshalTemplate 将配置编码为缩进 JSON；retry_delay 以时长字符串（如 "200ms"）输出。
func MarshalTemplate(cfg Config) ([]byte, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if ex, ok := m["extract"].(map[string]any); ok {
		ex["retry_delay"] = cfg.Extract.RetryDelay.String()
	}
	return json.MarshalIndent(m, "", "  ")
}

// ErrExists: 目标文件已存在（模板生成不覆盖）。
var ErrExists = errors.New("file exists")

// WriteTemplate 在 path 写出模板；已存在则返回 ErrExists。
func WriteTemplate(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	b, err := MarshalTemplate(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
