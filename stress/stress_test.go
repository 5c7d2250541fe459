package stress

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgpkg "langextract/internal/config"
	"langextract/internal/diag"
	"langextract/internal/pipeline"
)

// baseConfig 构造 mock 模型的分块运行配置。
func baseConfig(input, outDir string, workers int) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{input}
	cfg.Output.Dir = outDir
	cfg.Logging.Level = "error"
	cfg.Extract.MaxCharBuffer = 160
	cfg.Extract.MaxWorkers = workers
	cfg.Chunking.Overlap = 20
	cfg.Provider["mock"] = cfgpkg.Provider{
		Client:  "mock",
		Options: map[string]any{"response_mode": "capitalized", "delay_ms": 2},
	}
	return cfg
}

// runPipeline 执行完整流水线。
func runPipeline(cfg cfgpkg.Config) (pipeline.Summary, error) {
	asm, err := cfgpkg.Assemble(cfg, nil, diag.NewNop())
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer asm.Close()
	return pipeline.Run(context.Background(), asm.IO, asm.Annotator, diag.NewNop())
}

// TestStress 在不同 max_workers 下运行流水线并记录延迟统计；抽取数不随并发度变化。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress")
	}
	src, err := os.ReadFile(filepath.Join("..", "testdata", "files", "pioneers.txt"))
	require.NoError(t, err)
	dataDir := t.TempDir()
	in := filepath.Join(dataDir, "input.txt")
	require.NoError(t, os.WriteFile(in, []byte(strings.Repeat(string(src)+"\n", 20)), 0o644))

	baseline := -1
	for _, workers := range []int{1, 8, 16, 32, 64} {
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			const runs = 3
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				start := time.Now()
				sum, err := runPipeline(baseConfig(in, t.TempDir(), workers))
				dur := time.Since(start)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				if baseline < 0 {
					baseline = sum.Extractions
				}
				if sum.Extractions != baseline {
					t.Errorf("run %d: %d extractions, want %d", i, sum.Extractions, baseline)
				}
				latencies = append(latencies, dur)
			}
			if len(latencies) == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := max(int(math.Ceil(float64(len(latencies))*0.95))-1, 0)
			t.Logf("workers=%d 成功率%.2f 平均%v 95%%延迟%v", workers, float64(len(latencies))/runs, avg, latencies[idx])
		})
	}
}
