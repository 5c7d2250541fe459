package resolve

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// kind: JSON 值类别。
type kind int

const (
	kindNull kind = iota
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

// member: 对象成员（保留源顺序）。
type member struct {
	key string
	val *value
}

// value: 保序 JSON 值；数字保留原始字面量。
type value struct {
	kind kind
	str  string // string 内容或 number 字面量
	b    bool
	arr  []*value
	obj  []member
}

func (v *value) scalar() bool {
	return v.kind == kindString || v.kind == kindNumber || v.kind == kindBool
}

// get 返回首个同名成员。
func (v *value) get(key string) (*value, bool) {
	for _, m := range v.obj {
		if m.key == key {
			return m.val, true
		}
	}
	return nil, false
}

// text 返回标量的文本形式（数字保留字面量）。
func (v *value) text() string {
	switch v.kind {
	case kindString, kindNumber:
		return v.str
	case kindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// compact 以紧凑 JSON 输出（保持成员顺序）。
func (v *value) compact() string {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.String()
}

func (v *value) encode(buf *bytes.Buffer) {
	switch v.kind {
	case kindNull:
		buf.WriteString("null")
	case kindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case kindNumber:
		buf.WriteString(v.str)
	case kindString:
		b, _ := json.Marshal(v.str)
		buf.Write(b)
	case kindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			e.encode(buf)
		}
		buf.WriteByte(']')
	case kindObject:
		buf.WriteByte('{')
		for i, m := range v.obj {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(m.key)
			buf.Write(k)
			buf.WriteByte(':')
			m.val.encode(buf)
		}
		buf.WriteByte('}')
	}
}

// toAny 转为 encoding/json 的通用表示，供 schema 校验。
func (v *value) toAny() any {
	switch v.kind {
	case kindBool:
		return v.b
	case kindNumber:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return v.str
		}
		return f
	case kindString:
		return v.str
	case kindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.toAny()
		}
		return out
	case kindObject:
		out := make(map[string]any, len(v.obj))
		for _, m := range v.obj {
			out[m.key] = m.val.toAny()
		}
		return out
	default:
		return nil
	}
}

// parseOrdered 以 token 流解码单个 JSON 值，保留对象键顺序；尾随非空白内容视为错误。
func parseOrdered(s string) (*value, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after top-level value at offset %d", dec.InputOffset())
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (*value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return fromToken(dec, tok)
}

func fromToken(dec *json.Decoder, tok json.Token) (*value, error) {
	switch t := tok.(type) {
	case nil:
		return &value{kind: kindNull}, nil
	case bool:
		return &value{kind: kindBool, b: t}, nil
	case json.Number:
		return &value{kind: kindNumber, str: t.String()}, nil
	case string:
		return &value{kind: kindString, str: t}, nil
	case json.Delim:
		switch t {
		case '[':
			v := &value{kind: kindArray}
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				v.arr = append(v.arr, e)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return v, nil
		case '{':
			v := &value{kind: kindObject}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string: %v", kt)
				}
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				v.obj = append(v.obj, member{key: key, val: e})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}
