package resolve

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langextract/internal/diag"
	"langextract/pkg/contract"
)

// memWriter: 内存 Writer，记录写入的工件。
type memWriter struct {
	mu    sync.Mutex
	files map[contract.ArtifactID]string
	err   error
}

func (w *memWriter) Write(_ context.Context, id contract.ArtifactID, r io.Reader) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files == nil {
		w.files = map[contract.ArtifactID]string{}
	}
	w.files[id] = string(b)
	return nil
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(Config{}, nil, diag.NewNop())
	require.NoError(t, err)
	return r
}

// UT-RES-01: 往返：N 个对象 → N 条抽取，文本保持不变，顺序按源顺序。
func TestResolveRoundTrip(t *testing.T) {
	raw := `[{"medication": "Aspirin", "dosage": "100mg"},
	         {"medication": "Ibuprofen  200", "dosage": "$19.99"},
	         {"medication": "Ünïcode text", "route": "oral"}]`
	exts, res, err := newResolver(t).ValidateAndParse(context.Background(), raw, []string{"medication", "dosage"})
	require.NoError(t, err)
	require.Len(t, exts, 3)
	assert.Equal(t, "Aspirin", exts[0].Text)
	assert.Equal(t, "Ibuprofen  200", exts[1].Text, "抽取文本不得被归一化")
	assert.Equal(t, "Ünïcode text", exts[2].Text)
	for _, e := range exts {
		assert.Equal(t, "medication", e.Class)
		assert.Nil(t, e.Interval)
	}
	assert.Equal(t, "100mg", exts[0].Attributes["dosage"])
	assert.Equal(t, "19.99", exts[1].Attributes["dosage"])
	assert.Equal(t, 1, res.Count(contract.IssueMissingField), "第三个对象缺少 dosage")
	assert.Empty(t, res.Errors)
}

// UT-RES-02: 尾逗号修复：一条抽取 + 一条 repair 告警。
func TestResolveTrailingComma(t *testing.T) {
	exts, res, err := newResolver(t).ValidateAndParse(context.Background(), `[{"name": "Aspirin",}]`, []string{"name"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "Aspirin", exts[0].Text)
	assert.Equal(t, 1, res.Count(contract.IssueRepair))
}

// UT-RES-03: 类型归一只作用于属性。
func TestResolveCoercion(t *testing.T) {
	raw := `[{"product": "$19.99 widget", "price": "$19.99", "qty": "1,250", "in_stock": "yes", "sale": "No", "note": null, "n": 3.50, "flag": true}]`
	exts, _, err := newResolver(t).ValidateAndParse(context.Background(), raw, []string{"product"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	a := exts[0].Attributes
	assert.Equal(t, "19.99", a["price"])
	assert.Equal(t, "1250", a["qty"])
	assert.Equal(t, "true", a["in_stock"])
	assert.Equal(t, "false", a["sale"])
	assert.Equal(t, "", a["note"])
	assert.Equal(t, "3.50", a["n"], "JSON 数字保留字面量")
	assert.Equal(t, "true", a["flag"])
	assert.Equal(t, "$19.99 widget", exts[0].Text)
}

// UT-RES-04: 围栏剥离：首个围栏块生效，支持语言标签与未闭合围栏。
func TestResolveFences(t *testing.T) {
	r := newResolver(t)
	raw := "Here you go:\n```json\n[{\"drug\": \"A\"}]\n```\nand another\n```\n[{\"drug\": \"B\"}]\n```"
	exts, _, err := r.ValidateAndParse(context.Background(), raw, []string{"drug"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "A", exts[0].Text)

	exts, _, err = r.ValidateAndParse(context.Background(), "```json\n[{\"drug\": \"C\"}]", []string{"drug"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "C", exts[0].Text)
}

// UT-RES-05: 外围说明文字与缺失闭括号修复。
func TestResolveProseAndBrackets(t *testing.T) {
	r := newResolver(t)
	exts, res, err := r.ValidateAndParse(context.Background(), `Sure! [{"drug": "A"}, {"drug": "B"}] Hope this helps.`, []string{"drug"})
	require.NoError(t, err)
	assert.Len(t, exts, 2)
	assert.Equal(t, 1, res.Count(contract.IssueRepair))

	exts, res, err = r.ValidateAndParse(context.Background(), `[{"drug": "A"}, {"drug": "B"`, []string{"drug"})
	require.NoError(t, err)
	assert.Len(t, exts, 2)
	assert.Equal(t, 1, res.Count(contract.IssueRepair))

	exts, _, err = r.ValidateAndParse(context.Background(), `[{"drug": "A"}, {"drug": "unterminated`, []string{"drug"})
	require.NoError(t, err)
	require.Len(t, exts, 2)
	assert.Equal(t, "unterminated", exts[1].Text)
}

// UT-RES-06: 形态：{"extractions": [...]} 与单对象。
func TestResolveShapes(t *testing.T) {
	r := newResolver(t)
	raw := `{"extractions": [{"extraction_class": "person", "extraction_text": "Ann", "attributes": {"role": "doctor"}, "extraction_index": 1}]}`
	exts, res, err := r.ValidateAndParse(context.Background(), raw, nil)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "person", exts[0].Class)
	assert.Equal(t, "Ann", exts[0].Text)
	assert.Equal(t, map[string]string{"role": "doctor"}, exts[0].Attributes)
	assert.Equal(t, 0, res.Count(contract.IssueRepair))

	exts, res, err = r.ValidateAndParse(context.Background(), `{"person": "Bob"}`, []string{"person"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, 1, res.Count(contract.IssueRepair), "单对象包装应记录告警")
}

// UT-RES-07: 类别选择：首个期望字段；无期望字段时退到首个标量字段并告警；<class>_attributes 展开。
func TestResolveClassSelection(t *testing.T) {
	r := newResolver(t)
	raw := `[{"note": "x", "condition": "flu", "condition_attributes": {"severity": "mild", "codes": [1,2]}},
	         {"meta": {"a": 1}, "name": "Zed"}]`
	exts, res, err := r.ValidateAndParse(context.Background(), raw, []string{"condition"})
	require.NoError(t, err)
	require.Len(t, exts, 2)
	assert.Equal(t, "condition", exts[0].Class)
	assert.Equal(t, "flu", exts[0].Text)
	assert.Equal(t, "mild", exts[0].Attributes["severity"])
	assert.Equal(t, "[1,2]", exts[0].Attributes["codes"])
	assert.Equal(t, "x", exts[0].Attributes["note"])

	assert.Equal(t, "name", exts[1].Class)
	assert.Equal(t, `{"a":1}`, exts[1].Attributes["meta"])
	assert.Equal(t, 1, res.Count(contract.IssueNoClass))
	assert.Equal(t, 1, res.Count(contract.IssueMissingField))
}

// UT-RES-08: schema 不通过的条目被跳过并记录错误。
func TestResolveSchemaErrors(t *testing.T) {
	raw := `["just a string", {"extraction_class": "x"}, {}, {"drug": "ok"}]`
	exts, res, err := newResolver(t).ValidateAndParse(context.Background(), raw, []string{"drug"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "ok", exts[0].Text)
	assert.Equal(t, 3, res.Count(contract.IssueSchema))
	assert.Equal(t, 0, res.Errors[0].Index)
}

// UT-RES-09: 无法修复与标量顶层返回 ErrResolution。
func TestResolveUnrecoverable(t *testing.T) {
	r := newResolver(t)
	for _, raw := range []string{"no json here at all", "42", `"str"`, `[{"a" 1}]`} {
		_, _, err := r.ValidateAndParse(context.Background(), raw, nil)
		assert.True(t, errors.Is(err, contract.ErrResolution), "应失败: %q -> %v", raw, err)
	}
}

// UT-RES-10: 原始输出转储：成功记录路径；失败仅告警。
func TestResolveRawDump(t *testing.T) {
	w := &memWriter{}
	r, err := New(Config{SaveRawOutputs: true, RawOutputDir: "raw"}, w, diag.NewNop())
	require.NoError(t, err)
	raw := `[{"drug": "A"}]`
	_, res, err := r.ValidateAndParse(context.Background(), raw, []string{"drug"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.RawOutputFile, "raw/raw-"))
	assert.Equal(t, raw, w.files[contract.ArtifactID(res.RawOutputFile)])

	bad := &memWriter{err: errors.New("disk full")}
	r, err = New(Config{SaveRawOutputs: true}, bad, diag.NewNop())
	require.NoError(t, err)
	exts, res, err := r.ValidateAndParse(context.Background(), raw, []string{"drug"})
	require.NoError(t, err, "转储失败不应阻断")
	assert.Len(t, exts, 1)
	assert.Equal(t, 1, res.Count(contract.IssueRawOutput))

	_, err = New(Config{SaveRawOutputs: true}, nil, nil)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

// UT-RES-11: 修复函数单元行为。
func TestRepairHelpers(t *testing.T) {
	assert.Equal(t, `[1,2]`, dropTrailingCommas(`[1,2,]`))
	assert.Equal(t, `{"a":"x,}"}`, dropTrailingCommas(`{"a":"x,}",}`), "字符串内的逗号不动")
	assert.Equal(t, `[{"a":1}]`, balanceBrackets(`[{"a":1}`))
	assert.Equal(t, `[1]`, balanceBrackets(`[1]]`))
	assert.Equal(t, `["ab"]`, balanceBrackets(`["ab`))
	assert.Equal(t, `{"a":1}`, trimProse(`ok {"a":1} bye`))
	s, ok := stripFences("no fence")
	assert.False(t, ok)
	assert.Equal(t, "no fence", s)
}

func TestRawFallback(t *testing.T) {
	e := RawFallback("not json")
	assert.Equal(t, RawResponseClass, e.Class)
	assert.Equal(t, contract.AlignNone, e.Status.Kind)
}
