package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"langextract/internal/aggregate"
	"langextract/internal/resolve"
	"langextract/pkg/contract"
)

// passState: 每分块跨轮累积的状态，按分块下标持有，由单个 goroutine 在轮次之间合并。
type passState struct {
	acc  [][]contract.Extraction
	// dup[i]: acc[i] 中在后续轮次吸收过重复候选的下标
	dup  []map[int]bool
	ok   []bool
	errs []error
	raws []string
	durs []time.Duration
}

// passOutcome: 单分块单轮结果，写入按下标分配的槽位。
type passOutcome struct {
	exts []contract.Extraction
	raw  string
	err  error
	dur  time.Duration
}

// runPasses 依次执行各轮；轮内并发，轮间串行。
func (a *Annotator) runPasses(ctx context.Context, doc contract.Document, chunks []contract.Chunk) *passState {
	n := len(chunks)
	st := &passState{
		acc:  make([][]contract.Extraction, n),
		dup:  make([]map[int]bool, n),
		ok:   make([]bool, n),
		errs: make([]error, n),
		raws: make([]string, n),
		durs: make([]time.Duration, n),
	}
	for pass := 1; pass <= a.set.ExtractionPasses; pass++ {
		todo := a.selectChunks(pass, st)
		if len(todo) == 0 {
			a.debug("multipass", fmt.Sprintf("pass %d: all chunks reached %d extractions", pass, a.set.MultipassMinExtractions))
			break
		}
		if err := ctx.Err(); err != nil {
			for _, i := range todo {
				if !st.ok[i] && st.errs[i] == nil {
					st.errs[i] = err
				}
			}
			break
		}
		addl := doc.AdditionalContext
		if pass > 1 && a.set.EnableMultipass {
			addl = guidance(addl, pass)
		}
		sel := make([]contract.Chunk, len(todo))
		for k, i := range todo {
			sel[k] = chunks[i]
		}
		outs := a.dispatch(ctx, doc.ID, sel, addl, pass)
		for k, i := range todo {
			o := outs[k]
			st.durs[i] += o.dur
			if o.err != nil {
				// 已成功过的分块不因后续轮次失败而降级
				if !st.ok[i] {
					st.errs[i], st.raws[i] = o.err, o.raw
				}
				continue
			}
			st.ok[i], st.errs[i] = true, nil
			merged, hits := mergeExtractions(st.acc[i], o.exts)
			st.acc[i] = merged
			if pass > 1 && len(hits) > 0 {
				if st.dup[i] == nil {
					st.dup[i] = map[int]bool{}
				}
				for _, j := range hits {
					st.dup[i][j] = true
				}
			}
		}
	}
	if a.set.EnableMultipass {
		for i := range st.acc {
			st.acc[i] = filterQuality(st.acc[i], st.dup[i], a.set.MultipassQualityThreshold)
		}
	}
	return st
}

// selectChunks: 首轮全部；之后多轮模式仅重投累计抽取不足的分块，否则全部重跑。
func (a *Annotator) selectChunks(pass int, st *passState) []int {
	out := make([]int, 0, len(st.acc))
	for i := range st.acc {
		if pass > 1 && a.set.EnableMultipass && len(st.acc[i]) >= a.set.MultipassMinExtractions {
			continue
		}
		out = append(out, i)
	}
	return out
}

// dispatch 以 errgroup 限制并发（MaxWorkers）执行一轮；结果写入与输入同序的槽位。
// 任务函数从不返回错误，兄弟分块互不取消。
func (a *Annotator) dispatch(ctx context.Context, docID string, chunks []contract.Chunk, addl string, pass int) []passOutcome {
	outs := make([]passOutcome, len(chunks))
	total := len(chunks)
	totalBatches := (total + a.set.BatchLength - 1) / a.set.BatchLength
	var done atomic.Int64

	var g errgroup.Group
	g.SetLimit(a.set.MaxWorkers)
	for i, ch := range chunks {
		g.Go(func() error {
			t0 := time.Now()
			exts, raw, err := a.process(ctx, docID, ch, addl, pass)
			outs[i] = passOutcome{exts: exts, raw: raw, err: err, dur: time.Since(t0)}
			if err != nil {
				a.sink.Report(contract.ErrorEvent{Operation: "chunk", ChunkID: ch.ID, Message: err.Error()})
			}
			n := int(done.Add(1))
			if n%a.set.BatchLength == 0 || n == total {
				a.sink.Report(contract.BatchProgress{
					Pass:            pass,
					BatchNumber:     (n + a.set.BatchLength - 1) / a.set.BatchLength,
					TotalBatches:    totalBatches,
					ChunksProcessed: n,
					TotalChunks:     total,
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// guidance: 多轮重投时附加的提示。
func guidance(addl string, pass int) string {
	g := fmt.Sprintf("This is extraction pass %d. Earlier passes found few or no extractions in this text; "+
		"look carefully for entities that may have been missed and return every relevant item.", pass)
	if strings.TrimSpace(addl) == "" {
		return g
	}
	return addl + "\n\n" + g
}

// mergeExtractions 合并跨轮抽取：同类别、文本归一后相同、区间相等或相交（任一方未对齐时仅比较类别与文本）视为重复，
// 保留置信度更高者（相同时保留先出现者）。hits 为发生重复的 kept 下标。
func mergeExtractions(kept, incoming []contract.Extraction) ([]contract.Extraction, []int) {
	var hits []int
	for _, e := range incoming {
		dup := -1
		for j := range kept {
			if isDuplicate(kept[j], e) {
				dup = j
				break
			}
		}
		if dup < 0 {
			kept = append(kept, e)
			continue
		}
		hits = append(hits, dup)
		if confidence(e.Status) > confidence(kept[dup].Status) {
			kept[dup] = e
		}
	}
	return kept, hits
}

func isDuplicate(x, y contract.Extraction) bool {
	if x.Class != y.Class || aggregate.NormalizeText(x.Text) != aggregate.NormalizeText(y.Text) {
		return false
	}
	if x.Interval == nil || y.Interval == nil {
		return true
	}
	return *x.Interval == *y.Interval || x.Interval.Overlaps(*y.Interval)
}

// 置信度：None < 任一被接受的 Fuzzy（随分数单调，Lesser 打折）< Exact。
const (
	confNone      = 0.25
	confFuzzySpan = 0.7
	lesserPenalty = 0.9
)

// confidence: Exact=1；Fuzzy=0.25+0.7×score（Lesser 再乘 0.9）；None=0.25。
func confidence(s contract.AlignmentStatus) float64 {
	switch s.Kind {
	case contract.AlignExact:
		return 1
	case contract.AlignFuzzy:
		score := min(max(s.Score, 0), 1)
		if s.Lesser {
			score *= lesserPenalty
		}
		return confNone + confFuzzySpan*score
	default:
		return confNone
	}
}

// quality = confidence × 长度因子；长度因子 = min(1, 去空白后 rune 数 / 3)。
func quality(e contract.Extraction) float64 {
	n := len([]rune(strings.TrimSpace(e.Text)))
	return confidence(e.Status) * min(1, float64(n)/3)
}

// filterQuality 仅对跨轮累积出重复的抽取（dup 标记）按阈值过滤；
// 未重复的抽取与 raw_response 兜底原样保留。
func filterQuality(exts []contract.Extraction, dup map[int]bool, threshold float64) []contract.Extraction {
	if threshold <= 0 || len(dup) == 0 {
		return exts
	}
	out := exts[:0]
	for j, e := range exts {
		if !dup[j] || e.Class == resolve.RawResponseClass || quality(e) >= threshold {
			out = append(out, e)
		}
	}
	return out
}
