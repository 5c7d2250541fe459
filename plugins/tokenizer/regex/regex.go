package regex

import (
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"

	"langextract/pkg/contract"
)

// Options 为正则分词器的可选配置（最小必要）。
type Options struct {
	// Pattern: 自定义 token 正则。为空时使用默认规则：
	// 空白串 / 单个 CJK 字符 / 字母串 / 数字串（含内部 . ,）/ 单个其他字符。
	// 未被正则覆盖的字节按 rune 逐个补齐，保证铺满原文。
	Pattern string `json:"pattern"`
}

const (
	cjk    = `\p{Han}\p{Hiragana}\p{Katakana}`
	letter = `[^\P{L}` + cjk + `]`

	defaultPattern = `\s+|[` + cjk + `]|` + letter + `(?:` + letter + `|[\p{M}\p{Pc}'’])*|\p{N}+(?:[.,]\p{N}+)*|.`
)

var defaultRe = regexp.MustCompile(`(?s)` + defaultPattern)

// Tokenizer 基于正则的确定性分词器，并发安全。
type Tokenizer struct {
	re *regexp.Regexp
}

// New 创建正则分词器。
func New(opts *Options) (*Tokenizer, error) {
	if opts == nil || opts.Pattern == "" {
		return &Tokenizer{re: defaultRe}, nil
	}
	re, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("tokenizer/regex: compile pattern: %w", err)
	}
	return &Tokenizer{re: re}, nil
}

// Tokenize 实现 contract.Tokenizer。
func (t *Tokenizer) Tokenize(text string) ([]contract.Token, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: invalid UTF-8", contract.ErrInvalidInput)
	}
	locs := t.re.FindAllStringIndex(text, -1)
	toks := make([]contract.Token, 0, len(locs))
	pos := 0
	for _, loc := range locs {
		if loc[0] == loc[1] {
			continue
		}
		toks = fillGap(toks, text, pos, loc[0])
		toks = append(toks, contract.Token{Start: loc[0], End: loc[1], Kind: Classify(text[loc[0]:loc[1]])})
		pos = loc[1]
	}
	toks = fillGap(toks, text, pos, len(text))
	return toks, nil
}

// fillGap: 自定义正则遗漏的区间按 rune 逐个补齐。
func fillGap(toks []contract.Token, text string, from, to int) []contract.Token {
	for from < to {
		_, w := utf8.DecodeRuneInString(text[from:])
		toks = append(toks, contract.Token{Start: from, End: from + w, Kind: Classify(text[from : from+w])})
		from += w
	}
	return toks
}

// Classify 按首个非空白 rune 判定 token 类别；全空白为 TokenSpace。
func Classify(s string) contract.TokenKind {
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			continue
		case unicode.IsLetter(r) || unicode.IsMark(r):
			return contract.TokenWord
		case unicode.IsDigit(r) || unicode.IsNumber(r):
			return contract.TokenNumber
		default:
			return contract.TokenPunct
		}
	}
	return contract.TokenSpace
}

var _ contract.Tokenizer = (*Tokenizer)(nil)
