package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"langextract/internal/diag"
	"langextract/internal/prompt"
	"langextract/internal/rate"
	"langextract/pkg/contract"
)

const previewRunes = 200

// process 处理单个分块的一轮：渲染 → (Gate) → 模型调用 → 解析 → 对齐。
// 模型可重试错误与解析失败按 MaxRetries 重试；返回最后一次响应原文供直连兜底。
func (a *Annotator) process(ctx context.Context, docID string, ch contract.Chunk, addl string, pass int) ([]contract.Extraction, string, error) {
	cid := fmt.Sprintf("%d", ch.ID)
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	pbtimer := a.logger.StartWith("prompt_builder", "render", docID, cid)
	p, err := a.comp.Prompt.Render(ch.Text, addl)
	if err != nil {
		a.logger.ErrorWith("prompt_builder", string(diag.Classify(err)), "render failed", nil, docID, cid)
		return nil, "", fmt.Errorf("render prompt: %w", err)
	}
	pbtimer.Finish("render", int64(len(p)))
	if a.set.Debug {
		a.debug("prompt", fmt.Sprintf("chunk %d pass %d: %s", ch.ID, pass, preview(p)))
	}

	tokens := prompt.RequestTokens(a.est, p, a.params.MaxOutputTokens)
	attempts := a.set.MaxRetries + 1
	var (
		lastErr error
		lastRaw string
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if a.comp.Gate != nil {
			a.logger.DebugStart("gate", "ask", docID, cid, map[string]string{
				"requests": "1",
				"tokens":   fmt.Sprintf("%d", tokens),
				"attempt":  fmt.Sprintf("%d", attempt),
			})
			if err := a.comp.Gate.Wait(ctx, rate.Ask{Key: a.comp.LimitKey, Requests: 1, Tokens: tokens}); err != nil {
				a.logger.ErrorWith("gate", string(diag.Classify(err)), "wait failed", nil, docID, cid)
				// Gate 错误不重试（通常为取消或输入非法）
				return nil, lastRaw, fmt.Errorf("%w: gate: %w", contract.ErrModelCall, err)
			}
		}

		raw, err := a.infer(ctx, docID, ch, p, tokens, attempt)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", contract.ErrModelCall, err)
			if attempt < attempts && diag.Retryable(err) && a.retry(ctx, "model_call", ch.ID, attempt, attempts, err) {
				continue
			}
			return nil, lastRaw, lastErr
		}
		lastRaw = raw

		exts, err := a.resolveAndAlign(ctx, docID, ch, raw, pass)
		if err != nil {
			lastErr = err
			if ctx.Err() == nil && errors.Is(err, contract.ErrResolution) && attempt < attempts && a.retry(ctx, "resolve", ch.ID, attempt, attempts, err) {
				continue
			}
			return nil, lastRaw, lastErr
		}
		return exts, raw, nil
	}
	return nil, lastRaw, lastErr
}

// infer 执行一次模型调用，返回首个候选文本。
func (a *Annotator) infer(ctx context.Context, docID string, ch contract.Chunk, p string, tokens, attempt int) (string, error) {
	cid := fmt.Sprintf("%d", ch.ID)
	a.sink.Report(contract.ModelCall{ChunkID: ch.ID, Provider: a.provider, Model: a.model, PromptLength: len(p)})
	t0 := time.Now()
	lltimer := a.logger.StartWithKV("llm_client", "invoke", docID, cid, map[string]string{
		"tokens":  fmt.Sprintf("%d", tokens),
		"attempt": fmt.Sprintf("%d", attempt),
	})
	batches, err := a.comp.Model.Infer(ctx, []string{p}, a.params)
	if err == nil && (len(batches) == 0 || len(batches[0]) == 0) {
		err = fmt.Errorf("%w: empty response", contract.ErrResponseInvalid)
	}
	if err != nil {
		code := string(diag.Classify(err))
		// 若为上游 HTTP 错误，附带状态码/消息
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				kv["upstream_msg"] = preview(m)
			}
			a.logger.ErrorWithKV("llm_client", code, "invoke failed", &t0, docID, cid, kv)
		} else {
			a.logger.ErrorWith("llm_client", code, "invoke failed", &t0, docID, cid)
		}
		a.sink.Report(contract.ModelResponse{ChunkID: ch.ID, Success: false})
		return "", err
	}
	raw := batches[0][0].Text
	lltimer.Finish("invoke", int64(tokens))
	a.sink.Report(contract.ModelResponse{ChunkID: ch.ID, Success: true, OutputLength: len(raw)})
	if a.set.Debug {
		a.debug("model_response", fmt.Sprintf("chunk %d: %s", ch.ID, preview(raw)))
	}
	return raw, nil
}

// resolveAndAlign 解析并对齐；对齐以分块偏移为基准。
func (a *Annotator) resolveAndAlign(ctx context.Context, docID string, ch contract.Chunk, raw string, pass int) ([]contract.Extraction, error) {
	cid := fmt.Sprintf("%d", ch.ID)
	a.sink.Report(contract.ValidationStarted{ChunkID: ch.ID, RawOutputLength: len(raw)})
	rtimer := a.logger.StartWith("resolver", "resolve", docID, cid)
	exts, vr, err := a.comp.Resolver.ValidateAndParse(ctx, raw, a.fields)
	if err != nil {
		a.logger.ErrorWith("resolver", string(diag.Classify(err)), "resolve failed", nil, docID, cid)
		a.sink.Report(contract.ValidationCompleted{ChunkID: ch.ID, Errors: len(vr.Errors) + 1, Warnings: len(vr.Warnings)})
		return nil, fmt.Errorf("chunk %d: %w", ch.ID, err)
	}
	rtimer.Finish("resolve", int64(len(exts)))
	for i := range exts {
		exts[i].ChunkID = ch.ID
		exts[i].Pass = pass
	}
	aligned, err := a.comp.Aligner.AlignChunk(exts, ch)
	if err != nil {
		a.logger.ErrorWith("aligner", string(diag.Classify(err)), "align failed", nil, docID, cid)
		return nil, fmt.Errorf("chunk %d: %w", ch.ID, err)
	}
	a.sink.Report(contract.ValidationCompleted{ChunkID: ch.ID, ExtractionsFound: len(exts), AlignedCount: aligned, Errors: len(vr.Errors), Warnings: len(vr.Warnings)})
	if a.set.Debug {
		for _, is := range vr.Errors {
			a.debug("validation", fmt.Sprintf("chunk %d error[%s] #%d %s: %s", ch.ID, is.Kind, is.Index, is.Field, is.Message))
		}
		for _, is := range vr.Warnings {
			a.debug("validation", fmt.Sprintf("chunk %d warning[%s] #%d %s: %s", ch.ID, is.Kind, is.Index, is.Field, is.Message))
		}
	}
	return exts, nil
}

// retry 上报重试事件并等待 RetryDelay；ctx 取消时返回 false。
func (a *Annotator) retry(ctx context.Context, op string, chunkID, attempt, attempts int, err error) bool {
	a.sink.Report(contract.RetryAttempt{
		Operation:   op,
		ChunkID:     chunkID,
		Attempt:     attempt + 1,
		MaxAttempts: attempts,
		Delay:       a.set.RetryDelay,
		Reason:      err.Error(),
	})
	return sleepWithCtx(ctx, a.set.RetryDelay) == nil
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// preview 截取前 200 个字符（按 rune）。
func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "..."
}
