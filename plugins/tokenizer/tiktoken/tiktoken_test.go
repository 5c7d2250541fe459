package tiktoken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langextract/pkg/contract"
)

// UT-BPE-01: BPE 切分铺满原文，多字节字符不被拆开。
func TestTokenizeTiles(t *testing.T) {
	tk, err := New(nil)
	require.NoError(t, err)
	for _, text := range []string{"Hello world, this is a test.", "患者服用阿司匹林 100mg。", "emoji 🎉🎉 end"} {
		toks, err := tk.Tokenize(text)
		require.NoError(t, err)
		require.NoError(t, contract.ValidateTokens(text, toks), text)
		assert.NotEmpty(t, toks)
	}
}

// UT-BPE-02: Count 与空串。
func TestCount(t *testing.T) {
	tk, err := New(&Options{Encoding: "cl100k_base"})
	require.NoError(t, err)
	assert.Equal(t, 0, tk.Count(""))
	assert.Greater(t, tk.Count("hello world"), 0)
	_, err = New(&Options{Encoding: "nope"})
	assert.Error(t, err)
}
