package resolve

import (
	"regexp"
	"strings"
)

// 数值串：可选货币符号、可选千分位、可选小数。
var (
	groupedNumberRe = regexp.MustCompile(`^([$€£¥]\s*)?-?\d{1,3}(,\d{3})+(\.\d+)?$`)
	currencyRe      = regexp.MustCompile(`^[$€£¥]\s*-?\d+(\.\d+)?$`)
)

// coerceString 归一化属性值：
// "$19.99" → "19.99"，"1,250" → "1250"，yes/no/true/false（不区分大小写）→ "true"/"false"；其余原样返回。
func coerceString(s string) string {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true", "yes":
		return "true"
	case "false", "no":
		return "false"
	}
	if groupedNumberRe.MatchString(t) || currencyRe.MatchString(t) {
		t = strings.TrimLeft(t, "$€£¥ \t")
		return strings.ReplaceAll(t, ",", "")
	}
	return s
}

// coerceValue 将 JSON 值转为属性字符串：标量归一化；null → ""；嵌套值为紧凑 JSON。
func coerceValue(v *value) string {
	switch v.kind {
	case kindNull:
		return ""
	case kindBool, kindNumber:
		return v.text()
	case kindString:
		return coerceString(v.str)
	default:
		return v.compact()
	}
}
