package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"langextract/pkg/contract"
)

// LimitKey: 限流分组键（provider + 凭据摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm" mapstructure:"rpm"`                               // requests per minute
	TPM             int `json:"tpm" mapstructure:"tpm"`                               // tokens per minute
	MaxTokensPerReq int `json:"max_tokens_per_req" mapstructure:"max_tokens_per_req"` // 单次请求 token 上限（输入+预期输出）
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。编排层在每次模型调用前申请。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度为一个令牌桶：容量为每分钟额度，匀速回填。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	req *rate.Limiter // nil 表示该维度关闭
	tok *rate.Limiter
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = rate.NewLimiter(rate.Limit(float64(lim.RPM)/60.0), lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = rate.NewLimiter(rate.Limit(float64(lim.TPM)/60.0), lim.TPM)
	}
	return e
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("%w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("%w: %d tokens exceed per-request cap %d", contract.ErrInvalidInput, a.Tokens, e.lim.MaxTokensPerReq)
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return fmt.Errorf("%w: %d requests exceed rpm %d", contract.ErrInvalidInput, a.Requests, e.req.Burst())
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return fmt.Errorf("%w: %d tokens exceed tpm %d", contract.ErrInvalidInput, a.Tokens, e.tok.Burst())
	}
	return nil
}

// reserve 同时预订两个维度；返回需要等待的时长与撤销函数。
func (e *entry) reserve(now time.Time, a Ask) (time.Duration, func()) {
	var rs []*rate.Reservation
	var delay time.Duration
	if e.req != nil {
		r := e.req.ReserveN(now, a.Requests)
		rs = append(rs, r)
		delay = max(delay, r.DelayFrom(now))
	}
	if e.tok != nil && a.Tokens > 0 {
		r := e.tok.ReserveN(now, a.Tokens)
		rs = append(rs, r)
		delay = max(delay, r.DelayFrom(now))
	}
	return delay, func() {
		for _, r := range rs {
			r.CancelAt(now)
		}
	}
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	delay, cancel := e.reserve(g.clk(), a)
	if delay > 0 {
		cancel()
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	delay, cancel := e.reserve(g.clk(), a)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	if e.req != nil {
		rpmAvail = max(0, int(e.req.TokensAt(now)))
	}
	if e.tok != nil {
		tpmAvail = max(0, int(e.tok.TokensAt(now)))
	}
	return
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
