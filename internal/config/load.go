package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"

	"langextract/internal/align"
	"langextract/internal/pipeline"
	"langextract/internal/resolve"
	"langextract/pkg/contract"
)

// EnvPrefix: 环境变量前缀；键中的 "." 映射为 "_"（如 LANGEXTRACT_EXTRACT_MAX_WORKERS）。
const EnvPrefix = "LANGEXTRACT"

// DefaultConfigFile: 未显式指定时，若工作目录存在该文件则读取。
const DefaultConfigFile = "langextract.json"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由配置文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Logging:   Logging{Level: "info"},
		Extract:   pipeline.DefaultSettings(),
		Alignment: align.DefaultConfig(),
		Chunking:  pipeline.DefaultSettings().Chunking,
		Resolver:  resolve.Config{RawOutputDir: "raw_outputs"},
		Tokenizer: Component{Name: "regex"},
		Prompt:    Component{Name: "structured"},
		Reader:    Component{Name: "fs"},
		Cache:     Cache{TTLSeconds: 600},
		Output:    Output{Dir: "out"},
	}
}

// NewViper 创建已登记默认值与 ENV 规则的 viper 实例；CLI 旗标由调用方 BindPFlag。
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("inputs", []string{})
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("llm", "")

	e := d.Extract
	v.SetDefault("extract.max_char_buffer", e.MaxCharBuffer)
	v.SetDefault("extract.batch_length", e.BatchLength)
	v.SetDefault("extract.max_workers", e.MaxWorkers)
	v.SetDefault("extract.extraction_passes", e.ExtractionPasses)
	v.SetDefault("extract.enable_multipass", e.EnableMultipass)
	v.SetDefault("extract.multipass_min_extractions", e.MultipassMinExtractions)
	v.SetDefault("extract.multipass_quality_threshold", e.MultipassQualityThreshold)
	v.SetDefault("extract.debug", e.Debug)
	v.SetDefault("extract.additional_context", e.AdditionalContext)
	v.SetDefault("extract.temperature", e.Temperature)
	v.SetDefault("extract.max_output_tokens", e.MaxOutputTokens)
	v.SetDefault("extract.use_schema_constraints", e.UseSchemaConstraints)
	v.SetDefault("extract.expected_fields", []string{})
	v.SetDefault("extract.max_retries", e.MaxRetries)
	v.SetDefault("extract.retry_delay", e.RetryDelay.String())

	a := d.Alignment
	v.SetDefault("alignment.enable_fuzzy_alignment", a.EnableFuzzyAlignment)
	v.SetDefault("alignment.fuzzy_alignment_threshold", a.FuzzyAlignmentThreshold)
	v.SetDefault("alignment.accept_match_lesser", a.AcceptMatchLesser)
	v.SetDefault("alignment.case_sensitive", a.CaseSensitive)
	v.SetDefault("alignment.max_search_window", a.MaxSearchWindow)

	v.SetDefault("chunking.max_chunk_size", d.Chunking.MaxChunkSize)
	v.SetDefault("chunking.strategy", d.Chunking.Strategy)
	v.SetDefault("chunking.overlap", d.Chunking.Overlap)
	v.SetDefault("chunking.unit", d.Chunking.Unit)

	v.SetDefault("resolver.save_raw_outputs", d.Resolver.SaveRawOutputs)
	v.SetDefault("resolver.raw_output_dir", d.Resolver.RawOutputDir)

	v.SetDefault("tokenizer.name", d.Tokenizer.Name)
	v.SetDefault("prompt.name", d.Prompt.Name)
	v.SetDefault("reader.name", d.Reader.Name)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.flat", d.Output.Flat)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	return v
}

// ResolveConfigFile 按 显式路径 → LANGEXTRACT_CONFIG_FILE → ./langextract.json（若存在）选择配置文件。
func ResolveConfigFile(explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG_FILE")); s != "" {
		return s
	}
	if st, err := os.Stat(DefaultConfigFile); err == nil && !st.IsDir() {
		return DefaultConfigFile
	}
	return ""
}

// Load 读取配置文件（JSON/TOML/YAML，按扩展名），与默认值/ENV/已绑定旗标合并后严格解码。
// 优先级：CLI > ENV > 配置文件 > 默认值。
func Load(v *viper.Viper, path string) (Config, error) {
	var cfg Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("%w: config file %s not found", contract.ErrInvalidInput, path)
			}
			return cfg, fmt.Errorf("%w: read config %s: %w", contract.ErrInvalidInput, path, err)
		}
	}
	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: decode config: %w", contract.ErrInvalidInput, err)
	}
	return cfg, nil
}
