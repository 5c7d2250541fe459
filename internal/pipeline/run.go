package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"langextract/internal/diag"
	"langextract/pkg/contract"
)

// IO 文件级输入输出。
type IO struct {
	Reader contract.Reader
	Writer contract.Writer
	Inputs []string
}

// Summary 汇总一次文件级运行。
type Summary struct {
	Documents   int
	Failed      int
	Extractions int
}

// jsonlRow: JSONL 边车的一行（一条抽取）。
type jsonlRow struct {
	DocumentID string `json:"document_id"`
	contract.Extraction
}

// Run 遍历输入文件，逐篇抽取并写出 <file>.json 与 <file>.jsonl。
// 单篇失败记录后继续处理其余文件，结束时返回合并错误；Reader/Writer 错误立即返回。
func Run(ctx context.Context, fio IO, a *Annotator, logger *diag.Logger) (Summary, error) {
	var sum Summary
	if fio.Reader == nil || fio.Writer == nil || a == nil {
		return sum, fmt.Errorf("%w: pipeline: missing reader/writer/annotator", contract.ErrInvalidInput)
	}
	if len(fio.Inputs) == 0 {
		return sum, fmt.Errorf("%w: pipeline: empty inputs", contract.ErrInvalidInput)
	}
	var docErrs []error
	rtimer := logger.Start("reader", "iterate")
	err := fio.Reader.Iterate(ctx, fio.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			logger.ErrorWith("reader", string(diag.Classify(err)), "read failed", nil, string(fid), "")
			return fmt.Errorf("read %s: %w", fid, err)
		}
		if !utf8.Valid(b) {
			b = bytes.ToValidUTF8(b, []byte("�"))
			logger.Warn("reader", "invalid utf-8 replaced", map[string]string{"doc_id": string(fid)})
		}
		sum.Documents++
		doc, aerr := a.Annotate(ctx, contract.Document{ID: string(fid), Text: string(b)})
		if aerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum.Failed++
			docErrs = append(docErrs, aerr)
			return nil
		}
		sum.Extractions += len(doc.Extractions)
		return writeDocument(ctx, fio.Writer, fid, doc, logger)
	})
	if err != nil {
		logger.Error("reader", string(diag.Classify(err)), "iterate failed", nil)
		return sum, fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(sum.Documents))
	if len(docErrs) > 0 {
		return sum, fmt.Errorf("%d of %d documents failed: %w", sum.Failed, sum.Documents, errors.Join(docErrs...))
	}
	return sum, nil
}

// writeDocument 写出结果文档，并以管道流式写出 JSONL 边车。
func writeDocument(ctx context.Context, w contract.Writer, fid contract.FileID, doc contract.AnnotatedDocument, logger *diag.Logger) error {
	wtimer := logger.StartWith("writer", "write", string(fid), "")
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", fid, err)
	}
	if err := w.Write(ctx, contract.ArtifactID(artifactStem(fid)+".json"), &buf); err != nil {
		logger.ErrorWith("writer", string(diag.Classify(err)), "write failed", nil, string(fid), "")
		return fmt.Errorf("writer write: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetEscapeHTML(false)
		for _, e := range doc.Extractions {
			if err := enc.Encode(jsonlRow{DocumentID: doc.DocumentID, Extraction: e}); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.Close()
	}()
	if err := w.Write(ctx, contract.ArtifactID(artifactStem(fid)+".jsonl"), pr); err != nil {
		_ = pr.CloseWithError(err)
		logger.ErrorWith("writer", string(diag.Classify(err)), "write failed", nil, string(fid), "")
		return fmt.Errorf("writer write(jsonl): %w", err)
	}
	wtimer.Finish("write", int64(len(doc.Extractions)))
	return nil
}

// artifactStem: 相对输入路径保留层级；绝对路径或父级逃逸时退化为基名。
func artifactStem(fid contract.FileID) string {
	s := string(fid)
	if path.IsAbs(s) || s == ".." || strings.HasPrefix(s, "../") || strings.Contains(s, ":") {
		return path.Base(s)
	}
	return s
}
