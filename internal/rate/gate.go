package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"dockoreksi/pkg/contract"
)

// LimitKey: 限流分组键（client + sha256(api key)）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度是一个每分钟回满的令牌桶，突发上限等于分钟额度。
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
	mu  sync.Mutex
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	return &entry{lim: lim, req: perMinute(lim.RPM), tok: perMinute(lim.TPM)}
}

func perMinute(n int) *xrate.Limiter {
	if n <= 0 {
		return nil
	}
	return xrate.NewLimiter(xrate.Limit(float64(n)/60.0), n)
}

// 未配置的 key 视为不限额。
func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("ask %d tokens over per-request cap %d: %w", a.Tokens, e.lim.MaxTokensPerReq, contract.ErrBudgetExceeded)
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return fmt.Errorf("ask %d tokens over tpm %d: %w", a.Tokens, e.tok.Burst(), contract.ErrBudgetExceeded)
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return fmt.Errorf("ask %d requests over rpm %d: %w", a.Requests, e.req.Burst(), contract.ErrBudgetExceeded)
	}
	return nil
}

func fits(l *xrate.Limiter, now time.Time, n int) bool {
	return l == nil || n <= 0 || l.TokensAt(now) >= float64(n)
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !fits(e.req, now, a.Requests) || !fits(e.tok, now, a.Tokens) {
		return false
	}
	if e.req != nil {
		e.req.AllowN(now, a.Requests)
	}
	if e.tok != nil && a.Tokens > 0 {
		e.tok.AllowN(now, a.Tokens)
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
	now := g.clk()
	e.mu.Lock()
	var rs []*xrate.Reservation
	if e.req != nil {
		rs = append(rs, e.req.ReserveN(now, a.Requests))
	}
	if e.tok != nil && a.Tokens > 0 {
		rs = append(rs, e.tok.ReserveN(now, a.Tokens))
	}
	e.mu.Unlock()

	var wait time.Duration
	for _, r := range rs {
		if d := r.DelayFrom(now); d > wait {
			wait = d
		}
	}
	if wait <= 0 {
		return nil
	}
	if err := sleepCtx(ctx, wait); err != nil {
		// 归还未用额度
		at := g.clk()
		for _, r := range rs {
			r.CancelAt(at)
		}
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req != nil {
		rpmAvail = clampTokens(e.req.TokensAt(now))
	}
	if e.tok != nil {
		tpmAvail = clampTokens(e.tok.TokensAt(now))
	}
	return rpmAvail, tpmAvail
}

func clampTokens(v float64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
