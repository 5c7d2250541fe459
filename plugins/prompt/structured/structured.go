package structured

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"

	"langextract/pkg/contract"
)

// Options 为 few-shot 抽取 PromptBuilder 的配置。
// - Description / DescriptionPath: 任务描述（二选一，均为空时使用内置默认描述）。
// - Examples / ExamplesPath: few-shot 示例（ExamplesPath 指向 JSON 数组文件）。
type Options struct {
	Description     string                 `json:"description"`
	DescriptionPath string                 `json:"description_path"`
	Examples        []contract.ExampleData `json:"examples"`
	ExamplesPath    string                 `json:"examples_path"`
	// FenceOutput: 要求模型以 ```json 围栏输出。
	FenceOutput bool `json:"fence_output"`
	// Classes: 允许的抽取类别；为空时不约束。
	Classes []string `json:"classes"`
	// InlineTemplate: 覆盖整体布局模板（text/template）。
	InlineTemplate string `json:"inline_template"`
}

// Builder: Q/A 形式的确定性 prompt。
// 运行期不做 I/O；描述、示例与模板在构造期加载。
type Builder struct {
	tpl      *template.Template
	desc     string
	examples []contract.ExampleData
	answers  []string
	classes  []string
	fence    bool
}

type exampleView struct {
	Text   string
	Answer string
}

type view struct {
	Description string
	Classes     string
	Examples    []exampleView
	Format      string
	Context     string
	Question    string
}

// New 创建抽取 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}

	desc := defaultDescription
	if o.Description != "" {
		desc = o.Description
	} else if o.DescriptionPath != "" {
		b, err := os.ReadFile(o.DescriptionPath)
		if err != nil {
			return nil, fmt.Errorf("description read: %w", err)
		}
		desc = string(b)
	}

	examples := o.Examples
	if len(examples) == 0 && o.ExamplesPath != "" {
		b, err := os.ReadFile(o.ExamplesPath)
		if err != nil {
			return nil, fmt.Errorf("examples read: %w", err)
		}
		if err := json.Unmarshal(b, &examples); err != nil {
			return nil, fmt.Errorf("examples parse: %w: %w", contract.ErrInvalidInput, err)
		}
	}

	src := defaultTemplate
	if o.InlineTemplate != "" {
		src = o.InlineTemplate
	}
	tpl, err := template.New("prompt").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("prompt template parse: %w", err)
	}

	b := &Builder{tpl: tpl, desc: strings.TrimSpace(desc), examples: examples, classes: o.Classes, fence: o.FenceOutput}
	for i, ex := range examples {
		for _, e := range ex.Extractions {
			if strings.TrimSpace(e.Class) == "" {
				return nil, fmt.Errorf("prompt: %w: example %d has an extraction without class", contract.ErrInvalidInput, i)
			}
			if len(b.classes) > 0 && !slices.Contains(b.classes, e.Class) {
				return nil, fmt.Errorf("prompt: %w: example %d uses class %q outside classes", contract.ErrInvalidInput, i, e.Class)
			}
		}
		b.answers = append(b.answers, b.fenced(answerJSON(ex.Extractions)))
	}
	return b, nil
}

// Render 实现 contract.PromptBuilder：描述 → 示例 → 附加上下文 → 当前问题。
func (b *Builder) Render(chunkText, additionalContext string) (string, error) {
	if strings.TrimSpace(chunkText) == "" {
		return "", fmt.Errorf("prompt: %w: empty chunk text", contract.ErrInvalidInput)
	}
	return b.render(chunkText, additionalContext)
}

func (b *Builder) render(chunkText, additionalContext string) (string, error) {
	v := view{
		Description: b.desc,
		Classes:     strings.Join(b.classes, ", "),
		Format:      b.format(),
		Context:     strings.TrimSpace(additionalContext),
		Question:    chunkText,
	}
	for i, ex := range b.examples {
		v.Examples = append(v.Examples, exampleView{Text: ex.Text, Answer: b.answers[i]})
	}
	var buf bytes.Buffer
	if err := b.tpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("prompt render: %w: %w", contract.ErrInvalidInput, err)
	}
	return buf.String(), nil
}

// Examples 实现 contract.ExampleSource。
func (b *Builder) Examples() []contract.ExampleData { return b.examples }

// EstimateOverheadTokens: 估算与分块无关的固定开销（描述/示例/格式说明）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	s, err := b.render("", "")
	if err != nil {
		return 0
	}
	return estimate(s)
}

func (b *Builder) format() string {
	f := `Return JSON of the form {"extractions": [{"<class>": "<exact text from the input>", "<class>_attributes": {...}}]}. ` +
		"Use exact text spans from the input, in order of appearance, and do not paraphrase."
	if b.fence {
		return f + " Wrap the JSON in a ```json code fence."
	}
	return f + " Return only the JSON, without markdown fences or commentary."
}

func (b *Builder) fenced(s string) string {
	if b.fence {
		return "```json\n" + s + "\n```"
	}
	return s
}

// answerJSON 以 {"extractions":[{"<class>": text, "<class>_attributes": {...}}]} 形式输出，键序固定。
func answerJSON(exts []contract.Extraction) string {
	var sb strings.Builder
	sb.WriteString(`{"extractions": [`)
	for i, e := range exts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('{')
		sb.Write(mustJSON(e.Class))
		sb.WriteString(": ")
		sb.Write(mustJSON(e.Text))
		if len(e.Attributes) > 0 {
			sb.WriteString(", ")
			sb.Write(mustJSON(e.Class + "_attributes"))
			sb.WriteString(": ")
			sb.Write(mustJSON(e.Attributes))
		}
		sb.WriteByte('}')
	}
	sb.WriteString("]}")
	return sb.String()
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

const defaultDescription = `Extract the entities mentioned in the text. Use the exact wording from the text for each extraction.`

const defaultTemplate = `{{.Description}}
{{- if .Classes}}

Allowed classes: {{.Classes}}
{{- end}}

{{.Format}}
{{- if .Examples}}

Examples
{{- range .Examples}}

Q: {{.Text}}
A: {{.Answer}}
{{- end}}
{{- end}}
{{- if .Context}}

{{.Context}}
{{- end}}

Q: {{.Question}}
A: `

// 静态接口断言
var (
	_ contract.PromptBuilder = (*Builder)(nil)
	_ contract.ExampleSource = (*Builder)(nil)
)
