package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langextract/internal/diag"
	"langextract/internal/progress"
	"langextract/internal/rate"
	"langextract/internal/resolve"
	"langextract/pkg/contract"
	"langextract/plugins/tokenizer/regex"
)

// 通用桩件 ----------------------------------------------------

const textMark = "\n<<<\n"

// stubPrompt: 附加上下文 + 标记 + 分块文本。
type stubPrompt struct{ fail bool }

func (s stubPrompt) Render(chunkText, addl string) (string, error) {
	if s.fail {
		return "", errors.New("template broken")
	}
	return addl + textMark + chunkText, nil
}
func (stubPrompt) EstimateOverheadTokens(est contract.TokenEstimator) int { return 0 }

// scriptModel 按分块文本与调用序号返回脚本化响应，并记录并发峰值。
type scriptModel struct {
	delay time.Duration
	reply func(text string, call int) (string, error)

	mu      sync.Mutex
	calls   map[string]int
	prompts []string
	total   int

	inflight atomic.Int32
	peak     atomic.Int32
}

func newScriptModel(reply func(text string, call int) (string, error)) *scriptModel {
	return &scriptModel{reply: reply, calls: map[string]int{}}
}

func (m *scriptModel) Infer(ctx context.Context, prompts []string, p contract.InferParams) ([][]contract.Output, error) {
	cur := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		old := m.peak.Load()
		if cur <= old || m.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	text := strings.TrimSpace(prompts[0][strings.Index(prompts[0], textMark)+len(textMark):])
	m.mu.Lock()
	m.calls[text]++
	n := m.calls[text]
	m.total++
	m.prompts = append(m.prompts, prompts[0])
	m.mu.Unlock()
	out, err := m.reply(text, n)
	if err != nil {
		return nil, err
	}
	return [][]contract.Output{{{Text: out}}}, nil
}

func (m *scriptModel) Provider() string { return "script" }
func (m *scriptModel) ModelID() string  { return "v1" }

func (m *scriptModel) callsFor(text string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[text]
}

// wordsReply: 每个分块按空白切词，逐词返回 {"word": w}。
func wordsReply(text string, _ int) (string, error) {
	var items []string
	for _, w := range strings.Fields(text) {
		items = append(items, fmt.Sprintf(`{"word": %q}`, w))
	}
	return "[" + strings.Join(items, ",") + "]", nil
}

func newAnnotator(t *testing.T, m contract.LanguageModel, set Settings, sink contract.ProgressSink) *Annotator {
	t.Helper()
	tok, err := regex.New(nil)
	require.NoError(t, err)
	set.RetryDelay = time.Millisecond
	a, err := New(Components{Model: m, Prompt: stubPrompt{}, Tokenizer: tok, Sink: sink}, set, diag.NewNop())
	require.NoError(t, err)
	return a
}

// fixedSettings: MaxCharBuffer=size，定长分块（无重叠）。
func fixedSettings(size int) Settings {
	set := DefaultSettings()
	set.MaxCharBuffer = size
	set.MaxRetries = 0
	set.Chunking.Strategy = "fixed"
	return set
}

// UT-PIP-01: 直连路径精确对齐。
func TestAnnotateDirect(t *testing.T) {
	m := newScriptModel(func(string, int) (string, error) {
		return "```json\n[{\"person\": \"Alice\"}, {\"person\": \"Bob\"}]\n```", nil
	})
	rec := &progress.Recorder{}
	a := newAnnotator(t, m, DefaultSettings(), rec)

	doc, err := a.Annotate(context.Background(), contract.Document{ID: "d1", Text: "Alice met Bob."})
	require.NoError(t, err)
	require.Len(t, doc.Extractions, 2)
	assert.Equal(t, "d1", doc.DocumentID)
	assert.Equal(t, &contract.CharInterval{Start: 0, End: 5}, doc.Extractions[0].Interval)
	assert.Equal(t, &contract.CharInterval{Start: 10, End: 13}, doc.Extractions[1].Interval)
	assert.Equal(t, contract.AlignExact, doc.Extractions[1].Status.Kind)
	assert.Equal(t, 1, m.total)

	evs := rec.Events()
	require.NotEmpty(t, evs)
	assert.IsType(t, contract.ProcessingStarted{}, evs[0])
	assert.Equal(t, contract.ProcessingStarted{DocumentID: "d1", TextLength: 14, Model: "v1", Provider: "script"}, evs[0])
	assert.IsType(t, contract.ProcessingCompleted{}, evs[len(evs)-1])
}

// UT-PIP-02: 直连路径解析失败兜底为 raw_response。
func TestAnnotateDirectRawFallback(t *testing.T) {
	m := newScriptModel(func(string, int) (string, error) { return "not json at all", nil })
	a := newAnnotator(t, m, DefaultSettings(), nil)

	doc, err := a.Annotate(context.Background(), contract.Document{Text: "Alice met Bob."})
	require.NoError(t, err)
	require.Len(t, doc.Extractions, 1)
	assert.Equal(t, resolve.RawResponseClass, doc.Extractions[0].Class)
	assert.Equal(t, "not json at all", doc.Extractions[0].Text)
	assert.NotEmpty(t, doc.DocumentID, "应分配文档 ID")
	assert.Equal(t, 3, m.total, "解析失败应按 MaxRetries 重问模型")
}

// UT-PIP-03: 直连路径模型失败返回 ErrModelCall。
func TestAnnotateDirectModelFailure(t *testing.T) {
	m := newScriptModel(func(string, int) (string, error) { return "", errors.New("boom") })
	a := newAnnotator(t, m, DefaultSettings(), nil)
	_, err := a.Annotate(context.Background(), contract.Document{Text: "Alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrModelCall)
	assert.Equal(t, 1, m.total, "不可重试错误不应重试")
}

// UT-PIP-04: 5 个分块，3 号失败：其余 4 块的抽取保留，失败记录在案，不返回错误。
func TestAnnotatePartialFailure(t *testing.T) {
	m := newScriptModel(func(text string, n int) (string, error) {
		if text == "gamma" {
			return "", errors.New("upstream exploded")
		}
		return wordsReply(text, n)
	})
	rec := &progress.Recorder{}
	set := fixedSettings(6)
	set.BatchLength = 2
	a := newAnnotator(t, m, set, rec)

	doc, err := a.Annotate(context.Background(), contract.Document{ID: "d", Text: "alpha bravo delta gamma omega"})
	require.NoError(t, err)
	require.Len(t, doc.Extractions, 4)
	require.Len(t, doc.Failures, 1)
	assert.Equal(t, 3, doc.Failures[0].ChunkID)
	assert.Contains(t, doc.Failures[0].Error, "upstream exploded")

	var words []string
	for _, e := range doc.Extractions {
		words = append(words, e.Text)
	}
	assert.Equal(t, []string{"alpha", "bravo", "delta", "omega"}, words)
	assert.Equal(t, &contract.CharInterval{Start: 6, End: 11}, doc.Extractions[1].Interval)
	assert.Equal(t, 1, doc.Extractions[1].ChunkID)

	var batches []contract.BatchProgress
	for _, ev := range rec.Events() {
		if bp, ok := ev.(contract.BatchProgress); ok {
			batches = append(batches, bp)
		}
	}
	require.Len(t, batches, 3, "BatchLength=2 时 5 个分块应上报 3 次")
	assert.Contains(t, batches, contract.BatchProgress{Pass: 1, BatchNumber: 3, TotalBatches: 3, ChunksProcessed: 5, TotalChunks: 5})
}

// UT-PIP-05: 全部分块失败返回 ErrAggregation。
func TestAnnotateAllChunksFail(t *testing.T) {
	m := newScriptModel(func(string, int) (string, error) { return "", errors.New("down") })
	a := newAnnotator(t, m, fixedSettings(6), nil)
	doc, err := a.Annotate(context.Background(), contract.Document{Text: "alpha bravo delta"})
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrAggregation)
	assert.Len(t, doc.Failures, 3)
}

// UT-PIP-06: max_workers=2，10 个分块：并发不超过 2，每块结果恰好一次。
func TestAnnotateConcurrencyBound(t *testing.T) {
	m := newScriptModel(wordsReply)
	m.delay = 20 * time.Millisecond
	set := fixedSettings(6)
	set.MaxWorkers = 2
	a := newAnnotator(t, m, set, nil)

	text := "alpha bravo delta gamma omega sigma kappa theta zetas lamda"
	doc, err := a.Annotate(context.Background(), contract.Document{Text: text})
	require.NoError(t, err)
	assert.LessOrEqual(t, m.peak.Load(), int32(2))
	assert.Equal(t, 10, m.total)
	require.Len(t, doc.Extractions, 10)
	for i, e := range doc.Extractions {
		assert.Equal(t, i, e.ChunkID)
		assert.Equal(t, strings.Fields(text)[i], e.Text)
	}
}

// UT-PIP-07: 多轮：首轮 0 条的分块在次轮得到 2 条，最终计入；达标分块不再重投。
func TestAnnotateMultipassAccumulation(t *testing.T) {
	m := newScriptModel(func(text string, n int) (string, error) {
		if text == "alpha bravo" && n == 1 {
			return "[]", nil
		}
		return wordsReply(text, n)
	})
	set := fixedSettings(12)
	set.EnableMultipass = true
	set.ExtractionPasses = 3
	set.MultipassMinExtractions = 1
	a := newAnnotator(t, m, set, nil)

	doc, err := a.Annotate(context.Background(), contract.Document{Text: "alpha bravo delta gamma"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.callsFor("alpha bravo"))
	assert.Equal(t, 1, m.callsFor("delta gamma"))
	require.Len(t, doc.Extractions, 4)
	assert.Equal(t, 2, doc.Extractions[0].Pass)
	assert.Equal(t, 1, doc.Extractions[2].Pass)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Contains(t, m.prompts[len(m.prompts)-1], "extraction pass 2", "重投应附加提示")
}

// UT-PIP-08: 非 multipass 的多轮重跑全部分块，跨轮重复折叠为一条。
func TestAnnotatePassesDedup(t *testing.T) {
	m := newScriptModel(wordsReply)
	set := DefaultSettings()
	set.ExtractionPasses = 2
	a := newAnnotator(t, m, set, nil)

	doc, err := a.Annotate(context.Background(), contract.Document{Text: "alpha bravo"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.total)
	require.Len(t, doc.Extractions, 2)
	assert.Equal(t, 1, doc.Extractions[0].Pass, "重复时保留先出现者")
}

// UT-PIP-09: 可重试的模型错误与解析失败均会重试，并上报 RetryAttempt。
func TestAnnotateRetry(t *testing.T) {
	m := newScriptModel(func(text string, n int) (string, error) {
		switch n {
		case 1:
			return "", fmt.Errorf("429: %w", contract.ErrRateLimited)
		case 2:
			return "garbage", nil
		default:
			return wordsReply(text, n)
		}
	})
	rec := &progress.Recorder{}
	set := DefaultSettings()
	set.MaxRetries = 2
	a := newAnnotator(t, m, set, rec)

	doc, err := a.Annotate(context.Background(), contract.Document{Text: "alpha"})
	require.NoError(t, err)
	require.Len(t, doc.Extractions, 1)
	assert.Equal(t, 3, m.total)

	var ops []string
	for _, ev := range rec.Events() {
		if r, ok := ev.(contract.RetryAttempt); ok {
			ops = append(ops, r.Operation)
			assert.Equal(t, 3, r.MaxAttempts)
		}
	}
	assert.Equal(t, []string{"model_call", "resolve"}, ops)
}

// UT-PIP-10: Gate 以 prompt 估算 + 输出上限申请配额；超过单请求上限时失败且不重试。
func TestAnnotateGate(t *testing.T) {
	m := newScriptModel(wordsReply)
	set := DefaultSettings()
	set.MaxOutputTokens = 100
	tok, err := regex.New(nil)
	require.NoError(t, err)
	g := rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {RPM: 600, TPM: 100000, MaxTokensPerReq: 50}}, nil)
	a, err := New(Components{Model: m, Prompt: stubPrompt{}, Tokenizer: tok, Gate: g, LimitKey: "k"}, set, nil)
	require.NoError(t, err)

	_, err = a.Annotate(context.Background(), contract.Document{Text: "alpha"})
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrModelCall)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Equal(t, 0, m.total)
}

// UT-PIP-11: 空文本不调用模型；缺少组件时构造失败。
func TestAnnotateEmptyAndSanity(t *testing.T) {
	m := newScriptModel(wordsReply)
	a := newAnnotator(t, m, DefaultSettings(), nil)
	doc, err := a.Annotate(context.Background(), contract.Document{Text: "  \n"})
	require.NoError(t, err)
	assert.Empty(t, doc.Extractions)
	assert.Equal(t, 0, m.total)

	_, err = New(Components{Prompt: stubPrompt{}}, DefaultSettings(), nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	tok, _ := regex.New(nil)
	bad := DefaultSettings()
	bad.MaxRetries = -1
	_, err = New(Components{Model: m, Prompt: stubPrompt{}, Tokenizer: tok}, bad, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// UT-PIP-12: 渲染失败降级为失败分块；取消时尽快返回。
func TestAnnotateRenderFailureAndCancel(t *testing.T) {
	tok, _ := regex.New(nil)
	m := newScriptModel(wordsReply)
	a, err := New(Components{Model: m, Prompt: stubPrompt{fail: true}, Tokenizer: tok}, fixedSettings(6), nil)
	require.NoError(t, err)
	_, err = a.Annotate(context.Background(), contract.Document{Text: "alpha bravo"})
	assert.ErrorIs(t, err, contract.ErrAggregation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := newAnnotator(t, m, fixedSettings(6), nil)
	_, err = b.Annotate(ctx, contract.Document{Text: "alpha bravo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.total)
}

// UT-PIP-13: multipass 下未重复的未对齐抽取与单轮结果一致；仅跨轮重复的低质量抽取被阈值过滤。
func TestAnnotateMultipassKeepsUnaligned(t *testing.T) {
	const text = "Alice met Bob yesterday."
	reply := func(string, int) (string, error) {
		return `[{"person": "Alice"}, {"summary": "zzz qqq xxx"}]`, nil
	}

	single := newAnnotator(t, newScriptModel(reply), DefaultSettings(), nil)
	want, err := single.Annotate(context.Background(), contract.Document{Text: text})
	require.NoError(t, err)
	require.Len(t, want.Extractions, 2)

	set := DefaultSettings()
	set.EnableMultipass = true
	set.ExtractionPasses = 2
	m := newScriptModel(reply)
	got, err := newAnnotator(t, m, set, nil).Annotate(context.Background(), contract.Document{Text: text})
	require.NoError(t, err)
	assert.Equal(t, 1, m.total, "首轮已达下限，不再重投")
	require.Len(t, got.Extractions, 2, "开启 multipass 不应丢失单轮保留的抽取")
	assert.Equal(t, "zzz qqq xxx", got.Extractions[1].Text)
	assert.Equal(t, contract.AlignNone, got.Extractions[1].Status.Kind)

	// 下限 3 迫使重投：第二轮结果全部与首轮重复，未对齐的重复项低于阈值被过滤
	set.MultipassMinExtractions = 3
	m = newScriptModel(reply)
	got, err = newAnnotator(t, m, set, nil).Annotate(context.Background(), contract.Document{Text: text})
	require.NoError(t, err)
	assert.Equal(t, 2, m.total)
	require.Len(t, got.Extractions, 1)
	assert.Equal(t, "Alice", got.Extractions[0].Text)
	assert.Equal(t, contract.AlignExact, got.Extractions[0].Status.Kind)
}
