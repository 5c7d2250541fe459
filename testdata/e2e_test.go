package testdata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "langextract/internal/config"
	"langextract/internal/diag"
	"langextract/internal/pipeline"
	"langextract/internal/rate"
	"langextract/pkg/contract"
)

const sample = "pioneers.txt"

// baseConfig 构造以 mock 模型运行的最小配置。
func baseConfig(t *testing.T, outDir string) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{filepath.Join("files", sample)}
	cfg.Output.Dir = outDir
	cfg.Logging.Level = "error"
	cfg.Extract.RetryDelay = time.Millisecond
	return cfg
}

func runPipeline(t *testing.T, cfg cfgpkg.Config) (pipeline.Summary, error) {
	t.Helper()
	asm, err := cfgpkg.Assemble(cfg, nil, diag.NewNop())
	require.NoError(t, err)
	defer asm.Close()
	return pipeline.Run(context.Background(), asm.IO, asm.Annotator, diag.NewNop())
}

func readResult(t *testing.T, outDir string) contract.AnnotatedDocument {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(outDir, "files", sample+".json"))
	require.NoError(t, err)
	var doc contract.AnnotatedDocument
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

// assertGrounded: 每条已对齐抽取的区间切片与抽取文本（忽略大小写）一致。
func assertGrounded(t *testing.T, doc contract.AnnotatedDocument) {
	t.Helper()
	for _, e := range doc.Extractions {
		if e.Interval == nil {
			continue
		}
		require.True(t, e.Interval.Start >= 0 && e.Interval.End <= len(doc.Text), "区间越界: %+v", e.Interval)
		assert.True(t, strings.EqualFold(doc.Text[e.Interval.Start:e.Interval.End], e.Text),
			"区间 [%d,%d) 与 %q 不一致", e.Interval.Start, e.Interval.End, e.Text)
	}
}

func TestE2EDirect(t *testing.T) {
	out := t.TempDir()
	cfg := baseConfig(t, out)
	cfg.Extract.MaxCharBuffer = 1 << 20
	sum, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Documents)

	doc := readResult(t, out)
	require.NotEmpty(t, doc.Extractions)
	assertGrounded(t, doc)
	for _, e := range doc.Extractions {
		assert.Equal(t, 0, e.ChunkID, "直连路径只有 0 号分块")
		assert.Equal(t, "entity", e.Class)
	}
	_, err = os.Stat(filepath.Join(out, "files", sample+".jsonl"))
	assert.NoError(t, err)
}

func TestE2EChunkedOverlap(t *testing.T) {
	out := t.TempDir()
	cfg := baseConfig(t, out)
	cfg.Extract.MaxCharBuffer = 200
	cfg.Extract.MaxWorkers = 4
	cfg.Chunking.Overlap = 40
	_, err := runPipeline(t, cfg)
	require.NoError(t, err)

	doc := readResult(t, out)
	assert.Empty(t, doc.Failures)
	assertGrounded(t, doc)
	maxChunk := 0
	for _, e := range doc.Extractions {
		maxChunk = max(maxChunk, e.ChunkID)
	}
	assert.Greater(t, maxChunk, 1, "应切分为多个分块")
	// 相邻分块在共享区间内不得保留相交的抽取
	for i, x := range doc.Extractions {
		for _, y := range doc.Extractions[i+1:] {
			if x.Interval == nil || y.Interval == nil || y.ChunkID != x.ChunkID+1 {
				continue
			}
			assert.False(t, x.Interval.Overlaps(*y.Interval), "重叠区重复: %q@%d 与 %q@%d", x.Text, x.ChunkID, y.Text, y.ChunkID)
		}
	}
	// 输出按分块顺序排列
	for i := 1; i < len(doc.Extractions); i++ {
		assert.LessOrEqual(t, doc.Extractions[i-1].ChunkID, doc.Extractions[i].ChunkID)
	}
}

func TestE2EMultiPassStable(t *testing.T) {
	one, two := t.TempDir(), t.TempDir()
	cfg := baseConfig(t, one)
	cfg.Extract.MaxCharBuffer = 300
	_, err := runPipeline(t, cfg)
	require.NoError(t, err)

	cfg = baseConfig(t, two)
	cfg.Extract.MaxCharBuffer = 300
	cfg.Extract.ExtractionPasses = 3
	_, err = runPipeline(t, cfg)
	require.NoError(t, err)

	// 确定性模型：后续轮次的结果全部与首轮重复
	assert.Len(t, readResult(t, two).Extractions, len(readResult(t, one).Extractions))
}

func TestE2ERetry(t *testing.T) {
	out := t.TempDir()
	logPath := filepath.Join(out, "flaky.log")
	cfg := baseConfig(t, out)
	cfg.LLM = "flaky"
	cfg.Extract.MaxCharBuffer = 1 << 20
	cfg.Extract.MaxRetries = 2
	cfg.Provider["flaky"] = cfgpkg.Provider{
		Client:  "flaky",
		Options: map[string]any{"log_path": logPath},
	}
	_, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, readResult(t, out).Extractions)

	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "rate_limited", lines[0])
	assert.Equal(t, "invalid_json", lines[1])
}

func TestE2ERawFallback(t *testing.T) {
	out := t.TempDir()
	cfg := baseConfig(t, out)
	cfg.Extract.MaxCharBuffer = 1 << 20
	cfg.Extract.MaxRetries = 0
	cfg.Resolver.SaveRawOutputs = true
	cfg.Provider["mock"] = cfgpkg.Provider{
		Client:  "mock",
		Options: map[string]any{"response_mode": "fixed", "response": "no structured output here"},
	}
	_, err := runPipeline(t, cfg)
	require.NoError(t, err)
	doc := readResult(t, out)
	require.Len(t, doc.Extractions, 1, "解析失败兜底为单条抽取")
	assert.Equal(t, "no structured output here", doc.Extractions[0].Text)
	entries, err := os.ReadDir(filepath.Join(out, cfg.Resolver.RawOutputDir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "原始响应应落盘")
}

func TestE2EBudgetExceeded(t *testing.T) {
	out := t.TempDir()
	cfg := baseConfig(t, out)
	cfg.Extract.MaxCharBuffer = 1 << 20
	cfg.Provider["mock"] = cfgpkg.Provider{
		Client: "mock",
		Limits: rate.Limits{MaxTokensPerReq: 10},
	}
	sum, err := runPipeline(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrModelCall), "got %v", err)
	assert.Equal(t, 1, sum.Failed)
	_, err = os.Stat(filepath.Join(out, "files", sample+".json"))
	assert.True(t, os.IsNotExist(err), "失败文档不应写出")
}
