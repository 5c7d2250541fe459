package contract

import (
	"fmt"
	"unicode/utf8"
)

// 校验库函数（纯函数，无 I/O）：
// - ValidateTokens:   token 区间须按序无缝铺满文本，且落在 rune 边界
// - ValidateCoverage: 分块须连续覆盖全文（允许与前一块重叠），ID 稠密递增
func ValidateTokens(text string, toks []Token) error {
	pos := 0
	for i, t := range toks {
		if t.Start != pos || t.End <= t.Start || t.End > len(text) {
			return fmt.Errorf("%w: token %d [%d,%d) does not tile at %d", ErrInvariantViolation, i, t.Start, t.End, pos)
		}
		if !runeBoundary(text, t.Start) || !runeBoundary(text, t.End) {
			return fmt.Errorf("%w: token %d splits a rune", ErrInvariantViolation, i)
		}
		pos = t.End
	}
	if pos != len(text) {
		return fmt.Errorf("%w: tokens cover %d of %d bytes", ErrInvariantViolation, pos, len(text))
	}
	return nil
}

func ValidateCoverage(text string, chunks []Chunk) error {
	if len(text) == 0 {
		if len(chunks) != 0 {
			return fmt.Errorf("%w: chunks for empty text", ErrInvariantViolation)
		}
		return nil
	}
	covered := 0
	for i, c := range chunks {
		if c.ID != i {
			return fmt.Errorf("%w: chunk id %d at position %d", ErrInvariantViolation, c.ID, i)
		}
		if c.CharLength != len(c.Text) || c.CharOffset < 0 || c.CharOffset+c.CharLength > len(text) {
			return fmt.Errorf("%w: chunk %d out of range", ErrInvariantViolation, i)
		}
		if text[c.CharOffset:c.CharOffset+c.CharLength] != c.Text {
			return fmt.Errorf("%w: chunk %d text mismatch", ErrInvariantViolation, i)
		}
		if c.CharOffset > covered || c.CharOffset+c.CharLength <= covered {
			return fmt.Errorf("%w: chunk %d leaves a gap or makes no progress at %d", ErrInvariantViolation, i, covered)
		}
		if c.CharOffset < covered {
			if !c.HasOverlap || c.Overlap == nil || c.Overlap.Start != c.CharOffset || c.Overlap.End != covered {
				return fmt.Errorf("%w: chunk %d overlaps without overlap info", ErrInvariantViolation, i)
			}
		}
		covered = c.CharOffset + c.CharLength
	}
	if covered != len(text) {
		return fmt.Errorf("%w: chunks cover %d of %d bytes", ErrInvariantViolation, covered, len(text))
	}
	return nil
}

func runeBoundary(s string, i int) bool {
	return i == 0 || i == len(s) || utf8.RuneStart(s[i])
}

// CloneExtraction: 跨所有者移交时深拷贝（Interval 与 Attributes）。
func CloneExtraction(e Extraction) Extraction {
	out := e
	out.Class = cloneString(e.Class)
	out.Text = cloneString(e.Text)
	if e.Interval != nil {
		iv := *e.Interval
		out.Interval = &iv
	}
	out.Attributes = cloneAttrs(e.Attributes)
	return out
}

// CloneExtractions 逐条深拷贝；nil 保持 nil。
func CloneExtractions(in []Extraction) []Extraction {
	if in == nil {
		return nil
	}
	out := make([]Extraction, len(in))
	for i := range in {
		out[i] = CloneExtraction(in[i])
	}
	return out
}

// cloneString: 强制拷贝字符串，避免底层共享导致生命周期耦合。
func cloneString(s string) string {
	if s == "" {
		return ""
	}
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}

// cloneAttrs: 复制属性映射，避免引用共享导致意外修改。
func cloneAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[cloneString(k)] = cloneString(v)
	}
	return out
}
