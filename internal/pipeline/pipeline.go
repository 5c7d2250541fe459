package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"langextract/internal/aggregate"
	"langextract/internal/align"
	"langextract/internal/chunking"
	"langextract/internal/diag"
	"langextract/internal/prompt"
	"langextract/internal/rate"
	"langextract/internal/resolve"
	"langextract/pkg/contract"
)

// - 单点并发：仅此层管理并发；Chunker/Resolver/Aligner 均为同步组件。
// - 分块隔离：单个分块的模型/解析错误降级为失败结果，不取消兄弟分块。
// - 轮次串行：下一轮在上一轮全部排空后才开始。
// - 预算：进入模型前以 prompt 估算 + 输出上限向 Gate 申请配额。

// Components 聚合抽取所需的协作者。
// Model/Prompt 必填；Tokenizer 在未提供 Chunker 或 Aligner 时必填；其余可选。
type Components struct {
	Model     contract.LanguageModel
	Prompt    contract.PromptBuilder
	Tokenizer contract.Tokenizer
	Chunker   *chunking.Chunker
	Aligner   *align.Aligner
	Resolver  *resolve.Resolver
	// Estimator: 预算估算器；nil 时按 4 字节/token 估算。
	Estimator contract.TokenEstimator
	// 限流闸门（可选）：若非空，则在每次模型调用前调用 Gate.Wait
	Gate     rate.Gate
	LimitKey rate.LimitKey
	Sink     contract.ProgressSink
}

// Settings 编排期配置。
type Settings struct {
	// MaxCharBuffer: 文本字节数不超过该值时走直连路径。
	MaxCharBuffer int `json:"max_char_buffer" mapstructure:"max_char_buffer"`
	// BatchLength: 每完成多少个分块上报一次 BatchProgress（不限制提交）。
	BatchLength int `json:"batch_length" mapstructure:"batch_length"`
	MaxWorkers  int `json:"max_workers" mapstructure:"max_workers"`

	ExtractionPasses          int     `json:"extraction_passes" mapstructure:"extraction_passes"`
	EnableMultipass           bool    `json:"enable_multipass" mapstructure:"enable_multipass"`
	MultipassMinExtractions   int     `json:"multipass_min_extractions" mapstructure:"multipass_min_extractions"`
	MultipassQualityThreshold float64 `json:"multipass_quality_threshold" mapstructure:"multipass_quality_threshold"`

	Debug             bool   `json:"debug" mapstructure:"debug"`
	AdditionalContext string `json:"additional_context" mapstructure:"additional_context"`

	Temperature          float64 `json:"temperature" mapstructure:"temperature"`
	MaxOutputTokens      int     `json:"max_output_tokens" mapstructure:"max_output_tokens"`
	UseSchemaConstraints bool    `json:"use_schema_constraints" mapstructure:"use_schema_constraints"`
	// ExpectedFields 为空时由 PromptBuilder 的示例推导。
	ExpectedFields []string `json:"expected_fields" mapstructure:"expected_fields"`

	// MaxRetries: 模型/解析阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`

	// Chunking: MaxChunkSize 缺省取 MaxCharBuffer；由配置的 chunking 段单独装配。
	Chunking chunking.Config `json:"-" mapstructure:"-"`
}

// DefaultSettings 返回默认编排配置。
func DefaultSettings() Settings {
	return Settings{
		MaxCharBuffer:             1000,
		BatchLength:               10,
		MaxWorkers:                10,
		ExtractionPasses:          1,
		MultipassMinExtractions:   1,
		MultipassQualityThreshold: 0.3,
		Temperature:               0.5,
		MaxRetries:                2,
		RetryDelay:                200 * time.Millisecond,
		Chunking:                  chunking.Config{Strategy: chunking.StrategySemantic, Unit: chunking.UnitChars},
	}
}

// Annotator 执行单篇文档的抽取编排。并发安全：可对多篇文档并发调用 Annotate。
type Annotator struct {
	comp     Components
	set      Settings
	logger   *diag.Logger
	sink     contract.ProgressSink
	est      contract.TokenEstimator
	fields   []string
	params   contract.InferParams
	provider string
	model    string
}

// New 校验组件并补齐默认值。
func New(comp Components, set Settings, logger *diag.Logger) (*Annotator, error) {
	if err := sanity(comp, &set); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	if comp.Chunker == nil {
		cc := set.Chunking
		if cc.MaxChunkSize <= 0 {
			cc.MaxChunkSize = set.MaxCharBuffer
		}
		ch, err := chunking.New(comp.Tokenizer, cc)
		if err != nil {
			return nil, fmt.Errorf("chunker: %w", err)
		}
		comp.Chunker = ch
	}
	if comp.Aligner == nil {
		comp.Aligner = align.New(align.DefaultConfig(), comp.Tokenizer)
	}
	if comp.Resolver == nil {
		r, err := resolve.New(resolve.Config{}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("resolver: %w", err)
		}
		comp.Resolver = r
	}
	a := &Annotator{comp: comp, set: set, logger: logger, sink: contract.SinkOrNop(comp.Sink), est: comp.Estimator}
	if a.est == nil {
		a.est = prompt.MakeEstimator(0)
	}
	a.fields = set.ExpectedFields
	if len(a.fields) == 0 {
		a.fields = prompt.ExpectedFieldsOf(comp.Prompt)
	}
	maxOut := set.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = prompt.MaxOutputTokens(a.fields)
	}
	a.params = contract.InferParams{Temperature: set.Temperature, MaxOutputTokens: maxOut, UseSchemaConstraints: set.UseSchemaConstraints}
	if mi, ok := comp.Model.(contract.ModelInfo); ok {
		a.provider, a.model = mi.Provider(), mi.ModelID()
	}
	return a, nil
}

func sanity(c Components, s *Settings) error {
	if c.Model == nil || c.Prompt == nil {
		return fmt.Errorf("%w: pipeline: missing components", contract.ErrInvalidInput)
	}
	if c.Tokenizer == nil && (c.Chunker == nil || c.Aligner == nil) {
		return fmt.Errorf("%w: pipeline: tokenizer required", contract.ErrInvalidInput)
	}
	if s.MaxCharBuffer <= 0 {
		s.MaxCharBuffer = 1000
	}
	if s.BatchLength < 1 {
		s.BatchLength = 1
	}
	if s.MaxWorkers < 1 {
		s.MaxWorkers = 1
	}
	if s.ExtractionPasses < 1 {
		s.ExtractionPasses = 1
	}
	if s.MultipassMinExtractions < 1 {
		s.MultipassMinExtractions = 1
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", contract.ErrInvalidInput)
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 200 * time.Millisecond
	}
	if s.MultipassQualityThreshold < 0 || s.MultipassQualityThreshold > 1 {
		return fmt.Errorf("%w: multipass_quality_threshold must be within [0,1]", contract.ErrInvalidInput)
	}
	return nil
}

// Settings 返回补齐默认值后的配置。
func (a *Annotator) Settings() Settings { return a.set }

// Annotate 抽取单篇文档：
//   - len(text) <= MaxCharBuffer：直连路径，解析失败时兜底为单条 raw_response，模型失败返回 ErrModelCall；
//   - 否则分块并发处理，失败分块记入 Failures；全部失败返回 ErrAggregation。
func (a *Annotator) Annotate(ctx context.Context, doc contract.Document) (contract.AnnotatedDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.AdditionalContext == "" {
		doc.AdditionalContext = a.set.AdditionalContext
	}
	start := time.Now()
	a.sink.Report(contract.ProcessingStarted{DocumentID: doc.ID, TextLength: len(doc.Text), Model: a.model, Provider: a.provider})
	timer := a.logger.StartWithKV("annotator", "annotate", doc.ID, "", map[string]string{
		"text_length": fmt.Sprintf("%d", len(doc.Text)),
	})

	var (
		out contract.AnnotatedDocument
		err error
	)
	switch {
	case strings.TrimSpace(doc.Text) == "":
		a.debug("annotate", "empty text, skipping model call")
		out = contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text, Extractions: []contract.Extraction{}}
	case len(doc.Text) <= a.set.MaxCharBuffer:
		out, err = a.direct(ctx, doc)
	default:
		a.debug("chunking", fmt.Sprintf("text length (%d bytes) exceeds buffer limit (%d bytes), using %s chunking", len(doc.Text), a.set.MaxCharBuffer, a.comp.Chunker.Strategy()))
		out, err = a.chunked(ctx, doc)
	}
	if err != nil {
		code := diag.Classify(err)
		a.logger.ErrorWith("annotator", string(code), "annotate failed", &start, doc.ID, "")
		a.sink.Report(contract.ErrorEvent{Operation: "annotate", ChunkID: -1, Message: err.Error()})
		return out, fmt.Errorf("annotate %s: %w", doc.ID, err)
	}
	timer.Finish("annotate", int64(len(out.Extractions)))
	a.sink.Report(contract.ProcessingCompleted{DocumentID: doc.ID, TotalExtractions: len(out.Extractions), FailedChunks: len(out.Failures), Elapsed: time.Since(start)})
	return out, nil
}

// direct: 整篇作为 0 号分块处理。
func (a *Annotator) direct(ctx context.Context, doc contract.Document) (contract.AnnotatedDocument, error) {
	whole := contract.Chunk{ID: 0, DocumentID: doc.ID, Text: doc.Text, CharLength: len(doc.Text)}
	chunks := []contract.Chunk{whole}
	st := a.runPasses(ctx, doc, chunks)
	if err := ctx.Err(); err != nil {
		return contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}, err
	}
	if !st.ok[0] {
		if !errors.Is(st.errs[0], contract.ErrResolution) {
			return contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}, st.errs[0]
		}
		// 解析失败：整段响应兜底为一条抽取
		fb := resolve.RawFallback(st.raws[0])
		fb.Pass = 1
		a.logger.Warn("annotator", "resolution failed, raw fallback", map[string]string{"doc_id": doc.ID, "error": st.errs[0].Error()})
		st.acc[0] = []contract.Extraction{fb}
		st.ok[0], st.errs[0] = true, nil
	}
	return a.aggregate(doc, chunks, st)
}

func (a *Annotator) chunked(ctx context.Context, doc contract.Document) (contract.AnnotatedDocument, error) {
	ctimer := a.logger.StartWith("chunker", "chunk", doc.ID, "")
	chunks, err := a.comp.Chunker.Chunk(doc)
	if err != nil {
		return contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}, err
	}
	ctimer.Finish("chunk", int64(len(chunks)))
	a.sink.Report(contract.ChunkingStarted{TotalChars: len(doc.Text), ChunkCount: len(chunks), Strategy: a.comp.Chunker.Strategy()})
	if len(chunks) == 0 {
		return contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}, nil
	}
	st := a.runPasses(ctx, doc, chunks)
	if err := ctx.Err(); err != nil {
		return contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}, err
	}
	return a.aggregate(doc, chunks, st)
}

func (a *Annotator) aggregate(doc contract.Document, chunks []contract.Chunk, st *passState) (contract.AnnotatedDocument, error) {
	a.sink.Report(contract.AggregationStarted{ChunkCount: len(chunks)})
	results := make([]contract.ChunkResult, len(chunks))
	for i, ch := range chunks {
		if st.ok[i] {
			results[i] = contract.ChunkSuccess(ch, st.acc[i], st.durs[i])
		} else {
			results[i] = contract.ChunkFailed(ch, st.errs[i], st.durs[i])
		}
		if a.set.Debug {
			a.debug("chunk_result", fmt.Sprintf("chunk %d: %d extractions, ok=%v", ch.ID, len(st.acc[i]), st.ok[i]))
		}
	}
	atimer := a.logger.StartWith("aggregator", "aggregate", doc.ID, "")
	out, err := aggregate.Aggregate(results, chunks, doc)
	if err != nil {
		return out, err
	}
	atimer.Finish("aggregate", int64(len(out.Extractions)))
	return out, nil
}

// debug: 仅在 Debug 模式下上报 Debug 事件。
func (a *Annotator) debug(op, details string) {
	if a.set.Debug {
		a.sink.Report(contract.DebugEvent{Operation: op, Details: details})
	}
}
