package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"langextract/internal/align"
	"langextract/internal/chunking"
	"langextract/internal/diag"
	"langextract/internal/pipeline"
	"langextract/internal/prompt"
	"langextract/internal/rate"
	"langextract/internal/resolve"
	"langextract/pkg/contract"
	"langextract/pkg/registry"
	"langextract/plugins/llmclient/cached"
)

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: config: %s", contract.ErrInvalidInput, fmt.Sprintf(format, a...))
}

// EffectiveProvider 返回 llm 对应的 provider 定义；未显式定义但名称为已注册客户端时，
// 视为 {client: llm}，便于 `--llm mock` 直接运行。
func EffectiveProvider(cfg Config) (Provider, error) {
	name := strings.TrimSpace(cfg.LLM)
	if name == "" {
		return Provider{}, invalid("llm not set")
	}
	if p, ok := cfg.Provider[name]; ok {
		if strings.TrimSpace(p.Client) == "" {
			return Provider{}, invalid("provider %q missing client", name)
		}
		return p, nil
	}
	if registry.LanguageModel[name] != nil {
		return Provider{Client: name}, nil
	}
	return Provider{}, invalid("provider %q not found", name)
}

// Validate 对边界与注册表名称做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return invalid("inputs empty")
	}
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return invalid("input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return invalid("'-' cannot be mixed with other roots")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("logging.level %q not in debug|info|warn|error", cfg.Logging.Level)
	}

	prov, err := EffectiveProvider(cfg)
	if err != nil {
		return err
	}
	if registry.LanguageModel[prov.Client] == nil {
		return invalid("llm client %q not registered (have %v)", prov.Client, registry.Names(registry.LanguageModel))
	}
	if l := prov.Limits; l.RPM < 0 || l.TPM < 0 || l.MaxTokensPerReq < 0 {
		return invalid("provider %q limits must be >= 0", cfg.LLM)
	}

	e := cfg.Extract
	switch {
	case e.MaxCharBuffer <= 0:
		return invalid("extract.max_char_buffer must be > 0")
	case e.BatchLength < 1:
		return invalid("extract.batch_length must be >= 1")
	case e.MaxWorkers < 1:
		return invalid("extract.max_workers must be >= 1")
	case e.ExtractionPasses < 1:
		return invalid("extract.extraction_passes must be >= 1")
	case e.MultipassMinExtractions < 1:
		return invalid("extract.multipass_min_extractions must be >= 1")
	case e.MultipassQualityThreshold < 0 || e.MultipassQualityThreshold > 1:
		return invalid("extract.multipass_quality_threshold must be within [0,1]")
	case e.Temperature < 0 || e.Temperature > 2:
		return invalid("extract.temperature must be within [0,2]")
	case e.MaxOutputTokens < 0:
		return invalid("extract.max_output_tokens must be >= 0")
	case e.MaxRetries < 0:
		return invalid("extract.max_retries must be >= 0")
	case e.RetryDelay < 0:
		return invalid("extract.retry_delay must be >= 0")
	}
	if mt := prov.Limits.MaxTokensPerReq; mt > 0 && e.MaxOutputTokens > mt {
		return invalid("extract.max_output_tokens(%d) exceeds provider.max_tokens_per_req(%d)", e.MaxOutputTokens, mt)
	}

	a := cfg.Alignment
	if a.FuzzyAlignmentThreshold <= 0 || a.FuzzyAlignmentThreshold > 1 {
		return invalid("alignment.fuzzy_alignment_threshold must be within (0,1]")
	}
	if a.MaxSearchWindow < 0 {
		return invalid("alignment.max_search_window must be >= 0")
	}
	c := cfg.Chunking
	if c.Strategy != chunking.StrategyFixed && c.Strategy != chunking.StrategySemantic {
		return invalid("chunking.strategy %q not in fixed|semantic", c.Strategy)
	}
	if c.Unit != chunking.UnitChars && c.Unit != chunking.UnitTokens {
		return invalid("chunking.unit %q not in chars|tokens", c.Unit)
	}
	if c.MaxChunkSize < 0 || c.Overlap < 0 {
		return invalid("chunking sizes must be >= 0")
	}

	if registry.Tokenizer[cfg.Tokenizer.Name] == nil {
		return invalid("tokenizer %q not registered (have %v)", cfg.Tokenizer.Name, registry.Names(registry.Tokenizer))
	}
	if registry.PromptBuilder[cfg.Prompt.Name] == nil {
		return invalid("prompt %q not registered (have %v)", cfg.Prompt.Name, registry.Names(registry.PromptBuilder))
	}
	if registry.Reader[cfg.Reader.Name] == nil {
		return invalid("reader %q not registered (have %v)", cfg.Reader.Name, registry.Names(registry.Reader))
	}
	if strings.TrimSpace(cfg.Output.Dir) == "" {
		return invalid("output.dir empty")
	}
	if cfg.Cache.TTLSeconds < 0 || cfg.Cache.Capacity < 0 {
		return invalid("cache.ttl_seconds/capacity must be >= 0")
	}
	return nil
}

// Assembly: 装配结果；Close 释放缓存等后台资源。
type Assembly struct {
	Annotator *pipeline.Annotator
	IO        pipeline.IO
	Model     contract.LanguageModel
	Gate      rate.Gate
	LimitKey  rate.LimitKey

	closers []func() error
}

// Close 依次释放资源，返回合并错误。
func (a *Assembly) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Assemble 按配置构造组件并创建 Annotator；严格 Options 解析在 registry（工厂）层进行。
func Assemble(cfg Config, sink contract.ProgressSink, logger *diag.Logger) (*Assembly, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	prov, _ := EffectiveProvider(cfg)

	tok, err := registry.Tokenizer[cfg.Tokenizer.Name](rawOf(cfg.Tokenizer.Options))
	if err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", cfg.Tokenizer.Name, err)
	}
	pb, err := registry.PromptBuilder[cfg.Prompt.Name](rawOf(cfg.Prompt.Options))
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", cfg.Prompt.Name, err)
	}
	rd, err := registry.Reader[cfg.Reader.Name](rawOf(cfg.Reader.Options))
	if err != nil {
		return nil, fmt.Errorf("reader %s: %w", cfg.Reader.Name, err)
	}
	wraw, _ := json.Marshal(map[string]any{"output_dir": cfg.Output.Dir, "flat": cfg.Output.Flat})
	wr, err := registry.Writer["fs"](wraw)
	if err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}

	popts := rawOf(prov.Options)
	model, err := registry.LanguageModel[prov.Client](popts)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", prov.Client, err)
	}
	asm := &Assembly{}
	if cfg.Cache.Enabled {
		cm, err := cached.Wrap(model, cached.Options{
			TTL:      time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			Capacity: uint64(cfg.Cache.Capacity),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		model = cm
		asm.closers = append(asm.closers, cm.Close)
	}

	// 限流分组键从 options 中派生 API Key；失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, popts)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{key: prov.Limits}, nil)

	res, err := resolve.New(cfg.Resolver, wr, logger)
	if err != nil {
		_ = asm.Close()
		return nil, fmt.Errorf("resolver: %w", err)
	}
	set := cfg.Extract
	set.Chunking = cfg.Chunking
	// 分词器具备精确计数（BPE）时用于预算估算。
	var counter prompt.Counter
	if c, ok := tok.(prompt.Counter); ok {
		counter = c
	}
	comp := pipeline.Components{
		Model:     model,
		Prompt:    pb,
		Tokenizer: tok,
		Aligner:   align.New(cfg.Alignment, tok),
		Resolver:  res,
		Estimator: prompt.EstimatorFor(counter, 0),
		Gate:      gate,
		LimitKey:  key,
		Sink:      sink,
	}
	ann, err := pipeline.New(comp, set, logger)
	if err != nil {
		_ = asm.Close()
		return nil, err
	}
	asm.Annotator = ann
	asm.IO = pipeline.IO{Reader: rd, Writer: wr, Inputs: append([]string(nil), cfg.Inputs...)}
	asm.Model = model
	asm.Gate = gate
	asm.LimitKey = key
	return asm, nil
}

// rawOf 将 viper 解出的 map 转为工厂所需的原样 JSON；空 map 返回 nil（使用默认选项）。
func rawOf(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
