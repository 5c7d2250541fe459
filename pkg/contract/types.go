package contract

import "time"

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Document: 顶层工作单元。构造后只读。
// ID 可为空（编排层会分配 uuid）；AdditionalContext 透传给 PromptBuilder。
type Document struct {
	ID                string `json:"id,omitempty"`
	Text              string `json:"text"`
	AdditionalContext string `json:"additional_context,omitempty"`
}

// CharInterval: 半开区间 [Start, End)，单位为 UTF-8 字节偏移，且落在 rune 边界上。
type CharInterval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len 返回区间长度。
func (c CharInterval) Len() int { return c.End - c.Start }

// Overlaps 判断两个区间是否相交（端点相接不算）。
func (c CharInterval) Overlaps(o CharInterval) bool {
	return c.Start < o.End && o.Start < c.End
}

// Contains 判断 o 是否完整落在 c 内。
func (c CharInterval) Contains(o CharInterval) bool {
	return c.Start <= o.Start && o.End <= c.End
}

// AlignKind: 对齐状态标签。
type AlignKind string

const (
	AlignNone  AlignKind = "none"
	AlignExact AlignKind = "exact"
	AlignFuzzy AlignKind = "fuzzy"
)

// AlignmentStatus: 对齐结果。
// Score 仅对 Fuzzy 有意义（0..1）；Lesser 表示低于阈值但经 accept_match_lesser 放行。
type AlignmentStatus struct {
	Kind   AlignKind `json:"kind"`
	Score  float64   `json:"score,omitempty"`
	Lesser bool      `json:"lesser,omitempty"`
}

// Exact / Fuzzy / Unaligned: 状态构造器。
func Exact() AlignmentStatus              { return AlignmentStatus{Kind: AlignExact, Score: 1} }
func Fuzzy(score float64) AlignmentStatus { return AlignmentStatus{Kind: AlignFuzzy, Score: score} }
func Unaligned() AlignmentStatus          { return AlignmentStatus{Kind: AlignNone} }

// Aligned 表示已获得区间（Exact 或被接受的 Fuzzy）。
func (s AlignmentStatus) Aligned() bool { return s.Kind == AlignExact || s.Kind == AlignFuzzy }

// Extraction: 结构化抽取记录。
// 约束：
//  1. 由 Resolver 创建（Interval 为空），由 Aligner 原地回填 Interval/Status；
//  2. Text 创建后不可变；
//  3. Pass/ChunkID 为来源信息，供多轮去重与聚合裁决使用。
type Extraction struct {
	Class      string            `json:"extraction_class"`
	Text       string            `json:"extraction_text"`
	Interval   *CharInterval     `json:"char_interval,omitempty"`
	Status     AlignmentStatus   `json:"alignment_status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Pass       int               `json:"pass,omitempty"`
	ChunkID    int               `json:"chunk_id"`
}

// OverlapInfo: 与前一分块共享的绝对区间（后一分块持有）。
type OverlapInfo struct {
	PrevChunkID int `json:"prev_chunk_id"`
	Start       int `json:"start"`
	End         int `json:"end"`
}

// Span 返回共享区间。
func (o OverlapInfo) Span() CharInterval { return CharInterval{Start: o.Start, End: o.End} }

// Chunk: 文档的连续子区间。
// 约束：
//  1. ID 自 0 稠密递增，作为稳定排序键；
//  2. Text 为拷贝（跨并发边界）；
//  3. CharOffset 为在原文中的绝对起点，CharLength == len(Text)；
//  4. 边界只落在 token 边界上。
type Chunk struct {
	ID         int          `json:"id"`
	DocumentID string       `json:"document_id,omitempty"`
	Text       string       `json:"text"`
	CharOffset int          `json:"char_offset"`
	CharLength int          `json:"char_length"`
	HasOverlap bool         `json:"has_overlap"`
	Overlap    *OverlapInfo `json:"overlap_info,omitempty"`
}

// Interval 返回分块在原文中的区间。
func (c Chunk) Interval() CharInterval {
	return CharInterval{Start: c.CharOffset, End: c.CharOffset + c.CharLength}
}

// ChunkResult: 每分块每轮的一次结果（成功或失败），生成后只读。
type ChunkResult struct {
	ChunkID        int           `json:"chunk_id"`
	Extractions    []Extraction  `json:"extractions,omitempty"`
	Err            string        `json:"error,omitempty"`
	CharOffset     int           `json:"char_offset"`
	CharLength     int           `json:"char_length"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// OK 表示该分块成功。
func (r ChunkResult) OK() bool { return r.Err == "" }

// ChunkSuccess 构造成功结果。
func ChunkSuccess(c Chunk, exts []Extraction, d time.Duration) ChunkResult {
	return ChunkResult{ChunkID: c.ID, Extractions: exts, CharOffset: c.CharOffset, CharLength: c.CharLength, ProcessingTime: d}
}

// ChunkFailed 构造失败结果；err 为空时使用占位描述。
func ChunkFailed(c Chunk, err error, d time.Duration) ChunkResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ChunkResult{ChunkID: c.ID, Err: msg, CharOffset: c.CharOffset, CharLength: c.CharLength, ProcessingTime: d}
}

// ChunkFailure: 聚合结果中记录的非致命分块失败。
type ChunkFailure struct {
	ChunkID int    `json:"chunk_id"`
	Error   string `json:"error"`
}

// AnnotatedDocument: 终态工件，持有全部 Extraction。
// Extractions 为 nil 表示“无抽取列表”；Failures 记录被降级的分块。
type AnnotatedDocument struct {
	DocumentID  string         `json:"document_id,omitempty"`
	Text        string         `json:"text"`
	Extractions []Extraction   `json:"extractions"`
	Failures    []ChunkFailure `json:"failures,omitempty"`
}

// ExtractionCount 返回抽取条数。
func (d AnnotatedDocument) ExtractionCount() int { return len(d.Extractions) }

// IssueKind: 校验问题分类。
type IssueKind string

const (
	IssueRepair       IssueKind = "repair"
	IssueMissingField IssueKind = "missing_field"
	IssueSchema       IssueKind = "schema"
	IssueNoClass      IssueKind = "no_class"
	IssueRawOutput    IssueKind = "raw_output"
)

// ValidationIssue: 单条错误/警告。Index 为对象序号（-1 表示整体）。
type ValidationIssue struct {
	Kind    IssueKind `json:"kind"`
	Field   string    `json:"field,omitempty"`
	Index   int       `json:"index"`
	Message string    `json:"message"`
}

// ValidationResult: 单次 Resolver 调用的校验报告（临时对象）。
type ValidationResult struct {
	Errors        []ValidationIssue `json:"errors,omitempty"`
	Warnings      []ValidationIssue `json:"warnings,omitempty"`
	RawOutputFile string            `json:"raw_output_file,omitempty"`
}

// Count 返回某类问题在 errors+warnings 中的数量。
func (v ValidationResult) Count(kind IssueKind) int {
	n := 0
	for _, is := range v.Errors {
		if is.Kind == kind {
			n++
		}
	}
	for _, is := range v.Warnings {
		if is.Kind == kind {
			n++
		}
	}
	return n
}

// ExampleData: few-shot 示例（文本 + 期望抽取）。
type ExampleData struct {
	Text        string       `json:"text"`
	Extractions []Extraction `json:"extractions"`
}
