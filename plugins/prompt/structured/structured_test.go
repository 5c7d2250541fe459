package structured

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langextract/internal/prompt"
	"langextract/pkg/contract"
)

func romeo() []contract.ExampleData {
	return []contract.ExampleData{{
		Text: "ROMEO. But soft! What light through yonder window breaks?",
		Extractions: []contract.Extraction{
			{Class: "character", Text: "ROMEO", Attributes: map[string]string{"emotional_state": "wonder"}},
			{Class: "emotion", Text: "But soft!"},
		},
	}}
}

// UT-PRM-01: 默认布局：描述、示例、上下文、问题依序出现
func TestRenderLayout(t *testing.T) {
	b, err := New(&Options{Description: "Extract characters.", Examples: romeo(), Classes: []string{"character", "emotion"}})
	require.NoError(t, err)
	p, err := b.Render("Juliet appears.", "Play: Romeo and Juliet")
	require.NoError(t, err)

	iDesc := strings.Index(p, "Extract characters.")
	iCls := strings.Index(p, "Allowed classes: character, emotion")
	iEx := strings.Index(p, "Q: ROMEO. But soft!")
	iAns := strings.Index(p, `A: {"extractions": [{"character": "ROMEO", "character_attributes": {"emotional_state":"wonder"}}, {"emotion": "But soft!"}]}`)
	iCtx := strings.Index(p, "Play: Romeo and Juliet")
	iQ := strings.Index(p, "Q: Juliet appears.\nA: ")
	for _, i := range []int{iDesc, iCls, iEx, iAns, iCtx, iQ} {
		require.GreaterOrEqual(t, i, 0, "缺少片段：\n%s", p)
	}
	assert.True(t, iDesc < iCls && iCls < iEx && iEx < iAns && iAns < iCtx && iCtx < iQ, "顺序错误：\n%s", p)
	assert.True(t, strings.HasSuffix(p, "A: "))
	assert.Contains(t, p, "without markdown fences")

	// 确定性
	p2, err := b.Render("Juliet appears.", "Play: Romeo and Juliet")
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

// UT-PRM-02: fence_output 时示例答案带围栏
func TestFenceOutput(t *testing.T) {
	b, err := New(&Options{Examples: romeo(), FenceOutput: true})
	require.NoError(t, err)
	p, err := b.Render("x", "")
	require.NoError(t, err)
	assert.Contains(t, p, "A: ```json\n{\"extractions\"")
	assert.Contains(t, p, "Wrap the JSON in a ```json code fence.")
	assert.NotContains(t, p, "\n\n\n", "空上下文不应留空段")
}

// UT-PRM-03: 示例与期望字段
func TestExamplesAndExpectedFields(t *testing.T) {
	b, err := New(&Options{Examples: romeo()})
	require.NoError(t, err)
	assert.Equal(t, []string{"character", "emotion"}, prompt.ExpectedFieldsOf(b))

	est := b.EstimateOverheadTokens(func(s string) int { return len(s) })
	assert.Greater(t, est, len("Extract the entities"))
	assert.Equal(t, 0, b.EstimateOverheadTokens(nil))
}

// UT-PRM-04: 非法输入
func TestInvalid(t *testing.T) {
	_, err := New(&Options{Examples: romeo(), Classes: []string{"character"}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New(&Options{Examples: []contract.ExampleData{{Text: "a", Extractions: []contract.Extraction{{Text: "a"}}}}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New(&Options{InlineTemplate: "{{.Nope"})
	assert.Error(t, err)

	b, err := New(nil)
	require.NoError(t, err)
	_, err = b.Render("  \n", "")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// UT-PRM-05: 从文件加载描述与示例
func TestFromFiles(t *testing.T) {
	dir := t.TempDir()
	dp := filepath.Join(dir, "desc.txt")
	ep := filepath.Join(dir, "examples.json")
	require.NoError(t, os.WriteFile(dp, []byte("Find medications.\n"), 0o644))
	require.NoError(t, os.WriteFile(ep, []byte(`[{"text":"Take aspirin.","extractions":[{"extraction_class":"medication","extraction_text":"aspirin"}]}]`), 0o644))

	b, err := New(&Options{DescriptionPath: dp, ExamplesPath: ep})
	require.NoError(t, err)
	p, err := b.Render("Patient takes ibuprofen.", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, "Find medications.\n"))
	assert.Contains(t, p, `{"extractions": [{"medication": "aspirin"}]}`)

	_, err = New(&Options{ExamplesPath: filepath.Join(dir, "missing.json")})
	assert.Error(t, err)
	require.NoError(t, os.WriteFile(ep, []byte(`{`), 0o644))
	_, err = New(&Options{ExamplesPath: ep})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
