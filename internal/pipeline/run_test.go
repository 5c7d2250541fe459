package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langextract/pkg/contract"
)

type mapReader map[contract.FileID]string

func (m mapReader) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.ReadCloser) error) error {
	for _, r := range roots {
		if err := yield(contract.FileID(r), io.NopCloser(strings.NewReader(m[contract.FileID(r)]))); err != nil {
			return err
		}
	}
	return nil
}

type memWriter struct {
	mu   sync.Mutex
	out  map[contract.ArtifactID]string
	fail string
}

func (w *memWriter) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if w.fail != "" && strings.HasSuffix(string(id), w.fail) {
		return errors.New("disk full")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		w.out = map[contract.ArtifactID]string{}
	}
	w.out[id] = string(b)
	return nil
}

// UT-RUN-01: 每篇文档写出 .json 与 .jsonl；单篇失败不影响其余文件。
func TestRunWritesArtifacts(t *testing.T) {
	m := newScriptModel(func(text string, n int) (string, error) {
		if strings.HasPrefix(text, "broken") {
			return "", errors.New("nope")
		}
		return wordsReply(text, n)
	})
	a := newAnnotator(t, m, DefaultSettings(), nil)
	w := &memWriter{}
	in := mapReader{"a.txt": "alpha bravo", "b.txt": "broken doc", "c.txt": "delta"}

	sum, err := Run(context.Background(), IO{Reader: in, Writer: w, Inputs: []string{"a.txt", "b.txt", "c.txt"}}, a, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrModelCall)
	assert.Equal(t, Summary{Documents: 3, Failed: 1, Extractions: 3}, sum)

	var doc contract.AnnotatedDocument
	require.NoError(t, json.Unmarshal([]byte(w.out["a.txt.json"]), &doc))
	assert.Equal(t, "a.txt", doc.DocumentID)
	require.Len(t, doc.Extractions, 2)
	assert.Equal(t, "bravo", doc.Extractions[1].Text)

	sc := bufio.NewScanner(strings.NewReader(w.out["a.txt.jsonl"]))
	var rows []map[string]any
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, "a.txt", rows[0]["document_id"])
	assert.Equal(t, "alpha", rows[0]["extraction_text"])

	_, ok := w.out["b.txt.json"]
	assert.False(t, ok, "失败文档不写出")
	assert.Contains(t, w.out, contract.ArtifactID("c.txt.jsonl"))
}

// UT-RUN-02: Writer 错误立即返回；参数校验。
func TestRunWriterErrorAndSanity(t *testing.T) {
	a := newAnnotator(t, newScriptModel(wordsReply), DefaultSettings(), nil)
	w := &memWriter{fail: ".jsonl"}
	_, err := Run(context.Background(), IO{Reader: mapReader{"a": "alpha"}, Writer: w, Inputs: []string{"a", "b"}}, a, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = Run(context.Background(), IO{Reader: mapReader{}, Writer: w}, a, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = Run(context.Background(), IO{Writer: w, Inputs: []string{"x"}}, a, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestArtifactStem(t *testing.T) {
	assert.Equal(t, "docs/a.txt", artifactStem("docs/a.txt"))
	assert.Equal(t, "a.txt", artifactStem("/home/u/docs/a.txt"))
	assert.Equal(t, "a.txt", artifactStem("../a.txt"))
	assert.Equal(t, "a.txt", artifactStem("C:/docs/a.txt"))
	assert.Equal(t, "stdin", artifactStem("stdin"))
}
