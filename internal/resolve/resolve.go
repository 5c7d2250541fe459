package resolve

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"langextract/internal/diag"
	"langextract/pkg/contract"
)

// RawResponseClass: 直连路径解析失败时兜底抽取的类别名。
const RawResponseClass = "raw_response"

// Config 解析器配置。
type Config struct {
	// SaveRawOutputs: 通过 Writer 转储未经修改的模型原始输出。
	SaveRawOutputs bool `json:"save_raw_outputs" mapstructure:"save_raw_outputs"`
	// RawOutputDir: 转储工件的相对目录（位于 Writer 输出根下）。
	RawOutputDir string `json:"raw_output_dir" mapstructure:"raw_output_dir"`
}

// Resolver 将模型原始输出解析为 Extraction 列表。并发安全。
type Resolver struct {
	cfg    Config
	w      contract.Writer
	logger *diag.Logger
	schema *jsonschema.Schema
}

// New 创建 Resolver；开启原始输出转储时 Writer 不可为空。
func New(cfg Config, w contract.Writer, logger *diag.Logger) (*Resolver, error) {
	if cfg.SaveRawOutputs && w == nil {
		return nil, fmt.Errorf("%w: save_raw_outputs requires a writer", contract.ErrInvalidInput)
	}
	if cfg.RawOutputDir == "" {
		cfg.RawOutputDir = "raw_outputs"
	}
	s, err := compileItemSchema()
	if err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, w: w, logger: logger, schema: s}, nil
}

// ValidateAndParse 解析原始输出：
//  1. 可选转储原文；
//  2. 去围栏；
//  3. 严格解析，失败后依次尝试：去掉外围说明文字 → 删除尾逗号 → 括号配平，每步后重试；
//  4. 形态归一（数组 / {"extractions": [...]} / 单对象）；
//  5. 逐条 schema 校验与字段映射，属性值做类型归一。
//
// 告警从不阻断；仍无法解析时返回 ErrResolution。
func (r *Resolver) ValidateAndParse(ctx context.Context, raw string, expected []string) ([]contract.Extraction, contract.ValidationResult, error) {
	var res contract.ValidationResult
	if r.cfg.SaveRawOutputs {
		r.dumpRaw(ctx, raw, &res)
	}
	if err := ctx.Err(); err != nil {
		return nil, res, err
	}

	body, _ := stripFences(raw)
	root, err := r.parseWithRepairs(body, &res)
	if err != nil {
		return nil, res, err
	}

	var items []*value
	switch root.kind {
	case kindArray:
		items = root.arr
	case kindObject:
		if ex, ok := root.get("extractions"); ok && ex.kind == kindArray {
			items = ex.arr
		} else {
			items = []*value{root}
			res.Warnings = append(res.Warnings, contract.ValidationIssue{Kind: contract.IssueRepair, Index: -1, Message: "wrapped single object into a list"})
		}
	default:
		return nil, res, fmt.Errorf("%w: top-level value is a scalar", contract.ErrResolution)
	}

	exts := make([]contract.Extraction, 0, len(items))
	for i, it := range items {
		if err := r.schema.Validate(it.toAny()); err != nil {
			res.Errors = append(res.Errors, contract.ValidationIssue{Kind: contract.IssueSchema, Index: i, Message: firstLine(err.Error())})
			continue
		}
		e, ok := mapItem(it, i, expected, &res)
		if ok {
			exts = append(exts, e)
		}
	}
	return exts, res, nil
}

// parseWithRepairs 严格解析；失败时按固定顺序修复并重试。仅实际改动文本的修复计入告警。
func (r *Resolver) parseWithRepairs(body string, res *contract.ValidationResult) (*value, error) {
	v, err := parseOrdered(body)
	if err == nil {
		return v, nil
	}
	repairs := []struct {
		name string
		fn   func(string) string
	}{
		{"trimmed text outside the outermost brackets", trimProse},
		{"removed trailing commas", dropTrailingCommas},
		{"balanced brackets", balanceBrackets},
	}
	cur := body
	for _, rp := range repairs {
		next := rp.fn(cur)
		if next == cur {
			continue
		}
		cur = next
		res.Warnings = append(res.Warnings, contract.ValidationIssue{Kind: contract.IssueRepair, Index: -1, Message: rp.name})
		if v, err = parseOrdered(cur); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", contract.ErrResolution, err)
}

// mapItem 将单个对象映射为一条 Extraction。
func mapItem(it *value, idx int, expected []string, res *contract.ValidationResult) (contract.Extraction, bool) {
	attrs := map[string]string{}
	if cls, ok := it.get("extraction_class"); ok && cls.kind == kindString {
		e := contract.Extraction{Class: cls.str}
		if txt, ok := it.get("extraction_text"); ok {
			e.Text = txt.text()
		}
		for _, m := range it.obj {
			switch m.key {
			case "extraction_class", "extraction_text", "extraction_index":
			case "attributes", e.Class + "_attributes":
				flatten(attrs, m.val)
			default:
				attrs[m.key] = coerceValue(m.val)
			}
		}
		e.Attributes = nilIfEmpty(attrs)
		return e, true
	}

	classKey := ""
	for _, m := range it.obj {
		if m.val.scalar() && containsFold(expected, m.key) {
			classKey = m.key
			break
		}
	}
	if classKey == "" {
		for _, m := range it.obj {
			if m.val.scalar() {
				classKey = m.key
				break
			}
		}
		if classKey == "" {
			res.Errors = append(res.Errors, contract.ValidationIssue{Kind: contract.IssueNoClass, Index: idx, Message: "object has no scalar field"})
			return contract.Extraction{}, false
		}
		res.Warnings = append(res.Warnings, contract.ValidationIssue{Kind: contract.IssueNoClass, Field: classKey, Index: idx, Message: "no expected field present; using first scalar field as class"})
	}
	for _, f := range expected {
		if !hasKeyFold(it, f) {
			res.Warnings = append(res.Warnings, contract.ValidationIssue{Kind: contract.IssueMissingField, Field: f, Index: idx, Message: "expected field missing"})
		}
	}

	cv, _ := it.get(classKey)
	e := contract.Extraction{Class: classKey, Text: cv.text()}
	for _, m := range it.obj {
		switch m.key {
		case classKey, "extraction_index":
		case classKey + "_attributes", "attributes":
			flatten(attrs, m.val)
		default:
			attrs[m.key] = coerceValue(m.val)
		}
	}
	e.Attributes = nilIfEmpty(attrs)
	return e, true
}

// flatten 将属性对象展开到 attrs；非对象值整体作为 JSON 保存。
func flatten(attrs map[string]string, v *value) {
	switch v.kind {
	case kindObject:
		for _, m := range v.obj {
			attrs[m.key] = coerceValue(m.val)
		}
	case kindNull:
	default:
		attrs["attributes"] = coerceValue(v)
	}
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

func hasKeyFold(v *value, key string) bool {
	for _, m := range v.obj {
		if strings.EqualFold(m.key, key) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// dumpRaw 通过 Writer 转储原文；失败仅记告警。
func (r *Resolver) dumpRaw(ctx context.Context, raw string, res *contract.ValidationResult) {
	name := fmt.Sprintf("raw-%s-%s.txt", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	id := contract.ArtifactID(path.Join(r.cfg.RawOutputDir, name))
	if err := r.w.Write(ctx, id, strings.NewReader(raw)); err != nil {
		res.Warnings = append(res.Warnings, contract.ValidationIssue{Kind: contract.IssueRawOutput, Index: -1, Message: err.Error()})
		r.logger.Warn("resolve", "raw output dump failed", map[string]string{"artifact": string(id), "code": string(diag.Classify(err))})
		return
	}
	res.RawOutputFile = string(id)
	if loc, ok := r.w.(contract.Locator); ok {
		if p, err := loc.Locate(id); err == nil {
			res.RawOutputFile = p
		}
	}
}

// RawFallback 构造直连路径的兜底抽取：整段响应作为一条 raw_response。
func RawFallback(raw string) contract.Extraction {
	return contract.Extraction{Class: RawResponseClass, Text: raw, Status: contract.Unaligned()}
}
