package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"langextract/pkg/contract"
)

// Aggregate 合并各分块结果为最终文档：
//   - 按 chunk id 排序；失败分块记入 Failures，不贡献抽取；
//   - 后一分块中落在共享区间内的抽取，若前一分块已有区间相交的抽取则丢弃（不区分类别，编号小者优先）；
//   - 后一分块中未对齐的抽取，若前一分块存在同类别同文本者则丢弃；
//   - 无结果返回空文档；全部失败返回 ErrAggregation。
func Aggregate(results []contract.ChunkResult, chunks []contract.Chunk, doc contract.Document) (contract.AnnotatedDocument, error) {
	out := contract.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}
	if len(results) == 0 {
		return out, nil
	}
	sorted := make([]contract.ChunkResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChunkID < sorted[j].ChunkID })

	byID := make(map[int]contract.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	kept := make(map[int][]contract.Extraction, len(sorted))
	var errs []error
	ok := 0
	exts := make([]contract.Extraction, 0)
	for _, r := range sorted {
		if !r.OK() {
			out.Failures = append(out.Failures, contract.ChunkFailure{ChunkID: r.ChunkID, Error: r.Err})
			errs = append(errs, fmt.Errorf("chunk %d: %s", r.ChunkID, r.Err))
			continue
		}
		ok++
		ch, known := byID[r.ChunkID]
		for _, e := range r.Extractions {
			e = contract.CloneExtraction(e)
			e.ChunkID = r.ChunkID
			if known && ch.HasOverlap && ch.Overlap != nil && duplicatesPrevious(e, *ch.Overlap, kept[ch.Overlap.PrevChunkID]) {
				continue
			}
			kept[r.ChunkID] = append(kept[r.ChunkID], e)
			exts = append(exts, e)
		}
	}
	if ok == 0 {
		return out, fmt.Errorf("%w: all %d chunks failed: %w", contract.ErrAggregation, len(sorted), errors.Join(errs...))
	}
	out.Extractions = exts
	return out, nil
}

// duplicatesPrevious 判断 e 是否与前一分块保留的抽取在共享区间内重复。
func duplicatesPrevious(e contract.Extraction, ov contract.OverlapInfo, prev []contract.Extraction) bool {
	if e.Interval == nil {
		for _, p := range prev {
			if p.Interval == nil && p.Class == e.Class && NormalizeText(p.Text) == NormalizeText(e.Text) {
				return true
			}
		}
		return false
	}
	if !ov.Span().Contains(*e.Interval) {
		return false
	}
	for _, p := range prev {
		if p.Interval != nil && p.Interval.Overlaps(*e.Interval) {
			return true
		}
	}
	return false
}

// NormalizeText 用于重复判定：折叠空白并转小写。
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
