package resolve

import (
	"strings"
)

// stripFences 取第一个 ``` 围栏块的内容（语言标签可选）；未闭合时仅去掉开头标记。
func stripFences(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return s, false
	}
	rest := s[open+3:]
	// 跳过语言标签（到行尾）
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && isTag(rest[:nl]) {
		rest = rest[nl+1:]
	} else if isTag(rest) {
		rest = ""
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return strings.TrimSpace(rest[:end]), true
	}
	return strings.TrimSpace(rest), true
}

func isTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '+') {
			return false
		}
	}
	return true
}

// trimProse 去掉首个开括号之前、及其配对闭括号之后的说明文字；未闭合时仅去掉前缀。
func trimProse(s string) string {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	depth := 0
	sc := scanner{}
	for i := start; i < len(s); i++ {
		c := s[i]
		if !sc.inString {
			switch c {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
		sc.step(c)
	}
	return s[start:]
}

// dropTrailingCommas 删除字符串外、紧邻 ] 或 } 之前的逗号。
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	sc := scanner{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if sc.inString || c != ',' {
			sc.step(c)
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(s) && isSpace(s[j]) {
			j++
		}
		if j < len(s) && (s[j] == ']' || s[j] == '}') {
			continue
		}
		sc.step(c)
		b.WriteByte(c)
	}
	return b.String()
}

// balanceBrackets 闭合未结束的字符串，丢弃不匹配的闭括号，并补齐缺失的闭括号。
func balanceBrackets(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var stack []byte
	sc := scanner{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString {
			switch c {
			case '[', '{':
				stack = append(stack, c)
			case ']', '}':
				want := byte('[')
				if c == '}' {
					want = '{'
				}
				if len(stack) == 0 || stack[len(stack)-1] != want {
					continue
				}
				stack = stack[:len(stack)-1]
			}
		}
		sc.step(c)
		b.WriteByte(c)
	}
	if sc.inString {
		if sc.escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '[' {
			out += "]"
		} else {
			out += "}"
		}
	}
	return out
}

// scanner 跟踪 JSON 字符串/转义状态。
type scanner struct {
	inString bool
	escaped  bool
}

func (sc *scanner) step(c byte) {
	switch {
	case sc.escaped:
		sc.escaped = false
	case sc.inString && c == '\\':
		sc.escaped = true
	case c == '"':
		sc.inString = !sc.inString
	}
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
