package contract

// TokenKind: token 粗分类；仅 Space 对预算与对齐有特殊含义。
type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenNumber
	TokenPunct
	TokenSpace
)

// Token: 原文中的一个 token 区间（UTF-8 字节偏移，半开）。
type Token struct {
	Start int
	End   int
	Kind  TokenKind
}

// Tokenizer: 文本 → 有序 token 序列。
// 约束：
//  1. 每个输入字符恰好被一个 token 覆盖（无空洞、无重叠）；
//  2. token 边界落在 rune 边界上；
//  3. 纯函数，并发安全。
type Tokenizer interface {
	Tokenize(text string) ([]Token, error)
}

// SpanOf 返回 token 区间 [from, to) 对应的字符区间；空区间返回零值。
func SpanOf(tokens []Token, from, to int) CharInterval {
	if from < 0 || to > len(tokens) || from >= to {
		return CharInterval{}
	}
	return CharInterval{Start: tokens[from].Start, End: tokens[to-1].End}
}
