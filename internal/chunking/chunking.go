package chunking

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"langextract/pkg/contract"
)

// 分块策略。
const (
	StrategyFixed    = "fixed"
	StrategySemantic = "semantic"
)

// 尺寸单位：chars 为 UTF-8 字节；tokens 为非空白 token 计数。
const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// Config 分块配置。
type Config struct {
	MaxChunkSize int    `json:"max_chunk_size" mapstructure:"max_chunk_size"`
	Strategy     string `json:"strategy" mapstructure:"strategy"`
	Overlap      int    `json:"overlap" mapstructure:"overlap"`
	Unit         string `json:"unit" mapstructure:"unit"`
}

// Chunker 将文档切分为 token 边界对齐的连续分块。纯函数，无副作用，并发安全。
type Chunker struct {
	tok      contract.Tokenizer
	size     int
	overlap  int
	semantic bool
	byTokens bool
}

// New 校验配置并创建 Chunker。
func New(tok contract.Tokenizer, cfg Config) (*Chunker, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: tokenizer is nil", contract.ErrChunking)
	}
	if cfg.MaxChunkSize < 0 {
		return nil, fmt.Errorf("%w: max_chunk_size must be >= 0, got %d", contract.ErrChunking, cfg.MaxChunkSize)
	}
	if cfg.Overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must be >= 0, got %d", contract.ErrChunking, cfg.Overlap)
	}
	if cfg.MaxChunkSize > 0 && cfg.Overlap >= cfg.MaxChunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be < max_chunk_size %d", contract.ErrChunking, cfg.Overlap, cfg.MaxChunkSize)
	}
	c := &Chunker{tok: tok, size: cfg.MaxChunkSize, overlap: cfg.Overlap}
	switch strings.ToLower(cfg.Strategy) {
	case "", StrategyFixed:
	case StrategySemantic:
		c.semantic = true
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", contract.ErrChunking, cfg.Strategy)
	}
	switch strings.ToLower(cfg.Unit) {
	case "", UnitChars:
	case UnitTokens:
		c.byTokens = true
	default:
		return nil, fmt.Errorf("%w: unknown unit %q", contract.ErrChunking, cfg.Unit)
	}
	return c, nil
}

// Strategy 返回生效的策略名（用于进度事件）。
func (c *Chunker) Strategy() string {
	if c.semantic {
		return StrategySemantic
	}
	return StrategyFixed
}

// Chunk 产生分块序列：
// - MaxChunkSize 为 0 或文本为空时返回空序列；
// - 分块连续覆盖全文（允许与前一块重叠），边界只落在 token 边界；
// - 单个超预算 token 独占一个分块。
func (c *Chunker) Chunk(doc contract.Document) ([]contract.Chunk, error) {
	text := doc.Text
	if c.size == 0 || text == "" {
		return nil, nil
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: invalid UTF-8", contract.ErrChunking)
	}
	toks, err := c.tok.Tokenize(text)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenize: %v", contract.ErrChunking, err)
	}
	if err := contract.ValidateTokens(text, toks); err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrChunking, err)
	}

	n := len(toks)
	var chunks []contract.Chunk
	start, prevEnd := 0, 0
	for start < n {
		end := c.fixedEnd(toks, start)
		if end <= prevEnd {
			// 重叠部分已占满预算：放弃本块重叠
			start = prevEnd
			end = c.fixedEnd(toks, start)
		}
		if c.semantic && end < n {
			if b := semanticEnd(text, toks, max(start, prevEnd), end); b > 0 {
				end = b
			}
		}
		ch := contract.Chunk{
			ID:         len(chunks),
			DocumentID: doc.ID,
			CharOffset: toks[start].Start,
		}
		ch.Text = strings.Clone(text[ch.CharOffset:toks[end-1].End])
		ch.CharLength = len(ch.Text)
		if start < prevEnd {
			ch.HasOverlap = true
			ch.Overlap = &contract.OverlapInfo{PrevChunkID: ch.ID - 1, Start: toks[start].Start, End: toks[prevEnd-1].End}
		}
		chunks = append(chunks, ch)
		if end == n {
			break
		}
		prevEnd = end
		start = c.overlapStart(toks, start, end)
	}
	if err := contract.ValidateCoverage(text, chunks); err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrChunking, err)
	}
	return chunks, nil
}

// cost: 单个 token 的预算占用。
func (c *Chunker) cost(t contract.Token) int {
	if c.byTokens {
		if t.Kind == contract.TokenSpace {
			return 0
		}
		return 1
	}
	return t.End - t.Start
}

// fixedEnd: 自 start 贪心累加，返回不超预算的最远终点（半开）；至少包含一个 token。
func (c *Chunker) fixedEnd(toks []contract.Token, start int) int {
	used := 0
	i := start
	for i < len(toks) {
		w := c.cost(toks[i])
		if used+w > c.size && i > start {
			break
		}
		used += w
		i++
		if used > c.size {
			break
		}
	}
	return i
}

// overlapStart: 下一块的起点为最早的 j，使 [j,end) 的占用不超过 Overlap；
// 跳过前导空白，且严格大于 start。
func (c *Chunker) overlapStart(toks []contract.Token, start, end int) int {
	if c.overlap == 0 {
		return end
	}
	j := end
	used := 0
	for j-1 > start {
		w := c.cost(toks[j-1])
		if used+w > c.overlap {
			break
		}
		used += w
		j--
	}
	for j < end && toks[j].Kind == contract.TokenSpace {
		j++
	}
	return j
}

// 边界等级：段落 > 标题 > 句末。
const (
	boundaryNone = iota
	boundarySentence
	boundaryHeading
	boundaryParagraph
)

// semanticEnd 在 (lo, end] 内寻找最佳语义边界（等级最高者中最靠后的一个）；无则返回 0。
func semanticEnd(text string, toks []contract.Token, lo, end int) int {
	best, at := boundaryNone, 0
	for b := end; b > lo; b-- {
		k := boundaryAt(text, toks, b)
		if k > best {
			best, at = k, b
		}
	}
	return at
}

// boundaryAt 判定在 token b 之前切分属于哪类边界。
func boundaryAt(text string, toks []contract.Token, b int) int {
	prev := toks[b-1]
	prevText := text[prev.Start:prev.End]
	if prev.Kind == contract.TokenSpace && strings.Count(prevText, "\n") >= 2 {
		return boundaryParagraph
	}
	if b < len(toks) && strings.HasPrefix(text[toks[b].Start:], "#") && strings.HasSuffix(prevText, "\n") {
		return boundaryHeading
	}
	if prev.Kind == contract.TokenSpace && b >= 2 {
		before := text[toks[b-2].Start:toks[b-2].End]
		r, _ := utf8.DecodeLastRuneInString(before)
		if isTerminator(r) {
			return boundarySentence
		}
	}
	if r, _ := utf8.DecodeLastRuneInString(prevText); isFullWidthTerminator(r) {
		return boundarySentence
	}
	return boundaryNone
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || isFullWidthTerminator(r)
}

func isFullWidthTerminator(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}
