package align

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"langextract/pkg/contract"
)

// Config 对齐配置。
type Config struct {
	EnableFuzzyAlignment    bool    `json:"enable_fuzzy_alignment" mapstructure:"enable_fuzzy_alignment"`
	FuzzyAlignmentThreshold float64 `json:"fuzzy_alignment_threshold" mapstructure:"fuzzy_alignment_threshold"`
	AcceptMatchLesser       bool    `json:"accept_match_lesser" mapstructure:"accept_match_lesser"`
	CaseSensitive           bool    `json:"case_sensitive" mapstructure:"case_sensitive"`
	MaxSearchWindow         int     `json:"max_search_window" mapstructure:"max_search_window"`
}

// DefaultConfig 返回默认对齐配置。
func DefaultConfig() Config {
	return Config{
		EnableFuzzyAlignment:    true,
		FuzzyAlignmentThreshold: 0.4,
		AcceptMatchLesser:       true,
		CaseSensitive:           false,
		MaxSearchWindow:         100,
	}
}

// lesserFactor: accept_match_lesser 放行的下限为 threshold*lesserFactor。
const lesserFactor = 0.75

// Aligner 将抽取文本定位回原文区间。无状态，并发安全。
type Aligner struct {
	cfg    Config
	tok    contract.Tokenizer
	params *levenshtein.Params
}

// New 创建 Aligner。tok 为 nil 时仅执行精确匹配。
func New(cfg Config, tok contract.Tokenizer) *Aligner {
	if cfg.MaxSearchWindow < 0 {
		cfg.MaxSearchWindow = 0
	}
	return &Aligner{cfg: cfg, tok: tok, params: levenshtein.NewParams()}
}

// AlignChunk 以分块在原文中的偏移为基准对齐。
func (a *Aligner) AlignChunk(exts []contract.Extraction, ch contract.Chunk) (int, error) {
	return a.Align(exts, ch.Text, ch.CharOffset)
}

// Align 原地回填 Interval/Status，返回已对齐条数（Exact 与被接受的 Fuzzy）。
// 单条失败不报错（状态为 None）；仅源文本非法或 baseOffset 为负时返回 ErrAlignment。
func (a *Aligner) Align(exts []contract.Extraction, source string, baseOffset int) (int, error) {
	if baseOffset < 0 {
		return 0, fmt.Errorf("%w: negative base offset %d", contract.ErrAlignment, baseOffset)
	}
	if !utf8.ValidString(source) {
		return 0, fmt.Errorf("%w: source is not valid UTF-8", contract.ErrAlignment)
	}
	src := newFolded(source, !a.cfg.CaseSensitive)
	var cands *candidates
	aligned := 0
	for i := range exts {
		e := &exts[i]
		e.Interval = nil
		e.Status = contract.Unaligned()
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		if iv, ok := a.exact(src, source, e.Text); ok {
			e.Interval = &contract.CharInterval{Start: baseOffset + iv.Start, End: baseOffset + iv.End}
			e.Status = contract.Exact()
			aligned++
			continue
		}
		if !a.cfg.EnableFuzzyAlignment || a.tok == nil {
			continue
		}
		if cands == nil {
			c, err := a.sourceCandidates(source)
			if err != nil {
				// 分词失败仅使模糊匹配不可用
				cands = &candidates{}
			} else {
				cands = c
			}
		}
		iv, score, ok := a.fuzzy(cands, source, e.Text)
		if !ok {
			continue
		}
		switch {
		case score >= a.cfg.FuzzyAlignmentThreshold:
			e.Status = contract.Fuzzy(score)
		case a.cfg.AcceptMatchLesser && score >= a.cfg.FuzzyAlignmentThreshold*lesserFactor:
			e.Status = contract.Fuzzy(score)
			e.Status.Lesser = true
		default:
			continue
		}
		e.Interval = &contract.CharInterval{Start: baseOffset + iv.Start, End: baseOffset + iv.End}
		aligned++
	}
	return aligned, nil
}

// exact: 先在原文中找逐字节相同的首次出现；大小写不敏感时再退回折叠后查找。
func (a *Aligner) exact(src folded, source, text string) (contract.CharInterval, bool) {
	if idx := strings.Index(source, text); idx >= 0 {
		return contract.CharInterval{Start: idx, End: idx + len(text)}, true
	}
	if a.cfg.CaseSensitive {
		return contract.CharInterval{}, false
	}
	return src.find(fold(text, true))
}

// candidates: 源文本中非空白 token 的下标视图。
type candidates struct {
	toks []contract.Token
}

func (a *Aligner) sourceCandidates(source string) (*candidates, error) {
	all, err := a.tok.Tokenize(source)
	if err != nil {
		return nil, err
	}
	words := make([]contract.Token, 0, len(all))
	for _, t := range all {
		if t.Kind != contract.TokenSpace {
			words = append(words, t)
		}
	}
	return &candidates{toks: words}, nil
}

// fuzzy 在源 token 连续片段中寻找与 text 最相似的一段：
// 片段 token 数与 text 的 token 数相差不超过 slack，字节跨度不超过搜索窗口；
// 窗口起点逐 token 推进，开销随源 token 数线性增长；取最高分，同分取最靠前者。
func (a *Aligner) fuzzy(c *candidates, source, text string) (contract.CharInterval, float64, bool) {
	if len(c.toks) == 0 {
		return contract.CharInterval{}, 0, false
	}
	target := normalize(text, !a.cfg.CaseSensitive)
	n := a.countWords(text)
	if n == 0 {
		return contract.CharInterval{}, 0, false
	}
	slack := max(1, n/4)
	lo, hi := max(1, n-slack), n+slack
	window := max(a.cfg.MaxSearchWindow, 2*len(text))

	best := -1.0
	var bestIv contract.CharInterval
	for s := 0; s < len(c.toks); s++ {
		for l := lo; l <= hi && s+l <= len(c.toks); l++ {
			iv := contract.SpanOf(c.toks, s, s+l)
			if iv.Len() > window {
				break
			}
			score := levenshtein.Similarity(normalize(source[iv.Start:iv.End], !a.cfg.CaseSensitive), target, a.params)
			if score > best {
				best, bestIv = score, iv
			}
		}
	}
	if best < 0 {
		return contract.CharInterval{}, 0, false
	}
	return bestIv, best, true
}

func (a *Aligner) countWords(text string) int {
	toks, err := a.tok.Tokenize(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	n := 0
	for _, t := range toks {
		if t.Kind != contract.TokenSpace {
			n++
		}
	}
	return n
}

// normalize: 折叠空白为单个空格并去首尾；大小写不敏感时转小写。
func normalize(s string, lower bool) string {
	s = strings.Join(strings.Fields(s), " ")
	if lower {
		s = strings.ToLower(s)
	}
	return s
}

// fold: 逐 rune 小写（与 newFolded 使用相同规则，保证可比）。
func fold(s string, lower bool) string {
	if !lower {
		return s
	}
	return strings.Map(unicode.ToLower, s)
}

// folded: 折叠后的源文本及其到原文字节偏移的映射。
type folded struct {
	text string
	// orig[k]: 折叠文本第 k 字节所属 rune 在原文中的起点；orig[len(text)] == len(原文)。
	orig []int
}

func newFolded(s string, lower bool) folded {
	if !lower {
		return folded{text: s}
	}
	var sb strings.Builder
	sb.Grow(len(s))
	orig := make([]int, 0, len(s)+1)
	for i, r := range s {
		n, _ := sb.WriteRune(unicode.ToLower(r))
		for k := 0; k < n; k++ {
			orig = append(orig, i)
		}
	}
	orig = append(orig, len(s))
	return folded{text: sb.String(), orig: orig}
}

// find 返回 needle 首次出现位置对应的原文区间。
func (f folded) find(needle string) (contract.CharInterval, bool) {
	idx := strings.Index(f.text, needle)
	if idx < 0 {
		return contract.CharInterval{}, false
	}
	end := idx + len(needle)
	if f.orig == nil {
		return contract.CharInterval{Start: idx, End: end}, true
	}
	return contract.CharInterval{Start: f.orig[idx], End: f.orig[end]}, true
}
