package cached

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"langextract/internal/diag"
	"langextract/pkg/contract"
)

// DefaultTTL 为缓存条目的默认存活时间。
const DefaultTTL = 10 * time.Minute

// Options: 缓存参数。
type Options struct {
	TTL      time.Duration
	Capacity uint64 // 0 表示不限
}

// Model 以 prompt 哈希缓存模型响应；仅缓存成功结果。
// 相同键的并发请求经 singleflight 合并为一次上游调用。
type Model struct {
	inner  contract.LanguageModel
	id     string
	cache  *ttlcache.Cache[uint64, string]
	sf     singleflight.Group
	logger *diag.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Wrap 包装 inner；调用方负责 Close。
func Wrap(inner contract.LanguageModel, o Options, logger *diag.Logger) (*Model, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached: %w: nil model", contract.ErrInvalidInput)
	}
	if o.TTL < 0 {
		return nil, fmt.Errorf("cached: %w: ttl must be >= 0", contract.ErrInvalidInput)
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	opts := []ttlcache.Option[uint64, string]{ttlcache.WithTTL[uint64, string](o.TTL)}
	if o.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[uint64, string](o.Capacity))
	}
	m := &Model{inner: inner, cache: ttlcache.New(opts...), logger: logger}
	if mi, ok := inner.(contract.ModelInfo); ok {
		m.id = mi.Provider() + "/" + mi.ModelID()
	}
	go m.cache.Start()
	return m, nil
}

// ModelID / Provider 透传被包装模型的信息。
func (m *Model) ModelID() string {
	if mi, ok := m.inner.(contract.ModelInfo); ok {
		return mi.ModelID()
	}
	return ""
}

func (m *Model) Provider() string {
	if mi, ok := m.inner.(contract.ModelInfo); ok {
		return mi.Provider()
	}
	return ""
}

// Stats 返回命中/未命中次数。
func (m *Model) Stats() (hits, misses uint64) { return m.hits.Load(), m.misses.Load() }

// Close 停止过期清理协程。
func (m *Model) Close() error {
	m.cache.Stop()
	return nil
}

// Infer 逐个 prompt 查询缓存，未命中时调用 inner。
func (m *Model) Infer(ctx context.Context, prompts []string, p contract.InferParams) ([][]contract.Output, error) {
	out := make([][]contract.Output, len(prompts))
	for i, prompt := range prompts {
		key := m.key(prompt, p)
		if item := m.cache.Get(key); item != nil {
			m.hits.Add(1)
			diag.IncOp("llm_cache", "lookup", "hit")
			m.logger.Zap().Debug("cache hit", zap.String("comp", "llm_cache"), zap.Uint64("key", key))
			out[i] = []contract.Output{{Text: item.Value()}}
			continue
		}
		v, err, shared := m.sf.Do(strconv.FormatUint(key, 16), func() (any, error) {
			m.misses.Add(1)
			diag.IncOp("llm_cache", "lookup", "miss")
			res, err := m.inner.Infer(ctx, []string{prompt}, p)
			if err != nil {
				return nil, err
			}
			if len(res) == 0 || len(res[0]) == 0 {
				return nil, fmt.Errorf("%w: empty response", contract.ErrResponseInvalid)
			}
			text := res[0][0].Text
			m.cache.Set(key, text, ttlcache.DefaultTTL)
			return text, nil
		})
		if err != nil {
			return nil, err
		}
		if shared {
			m.logger.Zap().Debug("cache singleflight shared", zap.String("comp", "llm_cache"), zap.Uint64("key", key))
		}
		out[i] = []contract.Output{{Text: v.(string)}}
	}
	return out, nil
}

// key: xxhash(模型标识 | 推理参数 | prompt)。
func (m *Model) key(prompt string, p contract.InferParams) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(m.id)
	_, _ = h.WriteString("|")
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(p.Temperature))
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(p.MaxOutputTokens))
	_, _ = h.Write(buf[:])
	if p.UseSchemaConstraints {
		_, _ = h.WriteString("s")
	}
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(prompt)
	return h.Sum64()
}

var (
	_ contract.LanguageModel = (*Model)(nil)
	_ contract.ModelInfo     = (*Model)(nil)
)
