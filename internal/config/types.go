package config

import (
	"langextract/internal/align"
	"langextract/internal/chunking"
	"langextract/internal/pipeline"
	"langextract/internal/rate"
	"langextract/internal/resolve"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知键在解析期失败。
type Config struct {
	Inputs  []string `json:"inputs" mapstructure:"inputs"`
	Logging Logging  `json:"logging" mapstructure:"logging"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm" mapstructure:"llm"`
	Provider map[string]Provider `json:"provider" mapstructure:"provider"`

	Extract   pipeline.Settings `json:"extract" mapstructure:"extract"`
	Alignment align.Config      `json:"alignment" mapstructure:"alignment"`
	Chunking  chunking.Config   `json:"chunking" mapstructure:"chunking"`
	Resolver  resolve.Config    `json:"resolver" mapstructure:"resolver"`

	// 可插拔组件：名称 + 原样 Options 子树（传入 registry 工厂）。
	Tokenizer Component `json:"tokenizer" mapstructure:"tokenizer"`
	Prompt    Component `json:"prompt" mapstructure:"prompt"`
	Reader    Component `json:"reader" mapstructure:"reader"`

	Cache   Cache   `json:"cache" mapstructure:"cache"`
	Output  Output  `json:"output" mapstructure:"output"`
	Metrics Metrics `json:"metrics" mapstructure:"metrics"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level" mapstructure:"level"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string         `json:"client" mapstructure:"client"`
	Options map[string]any `json:"options" mapstructure:"options"`
	Limits  rate.Limits    `json:"limits" mapstructure:"limits"`
}

// Component: 注册表实现名与其 Options。
type Component struct {
	Name    string         `json:"name" mapstructure:"name"`
	Options map[string]any `json:"options" mapstructure:"options"`
}

// Cache: 模型响应缓存。
type Cache struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	TTLSeconds int  `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	Capacity   int  `json:"capacity" mapstructure:"capacity"`
}

// Output: 工件输出（文件系统 Writer）。
type Output struct {
	Dir  string `json:"dir" mapstructure:"dir"`
	Flat bool   `json:"flat" mapstructure:"flat"`
}

// Metrics: Prometheus 导出地址；为空不启动。
type Metrics struct {
	Addr string `json:"addr" mapstructure:"addr"`
}
