// Package capital supplies capital snapshots to the policy engine.
//
// Import Path: goldclear.io/clearing/internal/capital
package capital

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/policy"
)

var (
	// ErrUnavailable means no snapshot could be obtained.
	ErrUnavailable = errors.New("capital snapshot unavailable")
	// ErrStale means the newest snapshot is older than the allowed age.
	ErrStale = errors.New("capital snapshot stale")
)

// Provider returns the current capital position.
type Provider interface {
	Snapshot(ctx context.Context) (policy.CapitalSnapshot, error)
}

// StaticProvider serves a fixed snapshot. Used in development and tests.
type StaticProvider struct {
	mu   sync.RWMutex
	snap policy.CapitalSnapshot
}

// NewStaticProvider creates a StaticProvider from dollar amounts.
func NewStaticProvider(base, exposure, hardstop decimal.Decimal) *StaticProvider {
	p := &StaticProvider{}
	p.Set(base, exposure, hardstop)
	return p
}

// Set replaces the served snapshot.
func (p *StaticProvider) Set(base, exposure, hardstop decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = Derive(base, exposure, hardstop, time.Time{})
}

// Snapshot implements Provider. AsOf is always the call time.
func (p *StaticProvider) Snapshot(context.Context) (policy.CapitalSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.snap
	s.AsOf = time.Now().UTC()
	return s, nil
}

// Derive fills the ratio fields of a snapshot from its raw amounts.
func Derive(base, exposure, hardstop decimal.Decimal, asOf time.Time) policy.CapitalSnapshot {
	s := policy.CapitalSnapshot{
		CapitalBase:           base,
		GrossExposureNotional: exposure,
		HardstopLimit:         hardstop,
		BreachLevel:           policy.BreachNone,
		AsOf:                  asOf,
	}
	if base.IsPositive() {
		s.ECR = exposure.Div(base)
	}
	if hardstop.IsPositive() {
		s.HardstopUtilization = exposure.Div(hardstop)
		switch {
		case exposure.GreaterThanOrEqual(hardstop):
			s.BreachLevel = policy.BreachHardstop
		case s.HardstopUtilization.GreaterThanOrEqual(decimal.RequireFromString("0.90")):
			s.BreachLevel = policy.BreachCritical
		case s.HardstopUtilization.GreaterThanOrEqual(decimal.RequireFromString("0.80")):
			s.BreachLevel = policy.BreachWarning
		}
	}
	return s
}

// FreshProvider caches a source snapshot for at most maxAge and collapses
// concurrent refreshes into a single source call. A refresh is detached from
// the caller that started it and bounded by fetchTimeout.
type FreshProvider struct {
	source       Provider
	maxAge       time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	cached    policy.CapitalSnapshot
	fetchedAt time.Time
}

// NewFreshProvider wraps source. maxAge <= 0 defaults to 5s and
// fetchTimeout <= 0 to 2s.
func NewFreshProvider(source Provider, maxAge, fetchTimeout time.Duration) *FreshProvider {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Second
	}
	return &FreshProvider{source: source, maxAge: maxAge, fetchTimeout: fetchTimeout, now: time.Now}
}

// Snapshot implements Provider. A snapshot whose AsOf is older than maxAge
// is rejected with ErrStale. The caller stops waiting when ctx ends; the
// shared refresh keeps running for the other callers.
func (p *FreshProvider) Snapshot(ctx context.Context) (policy.CapitalSnapshot, error) {
	now := p.now()

	p.mu.RLock()
	if !p.fetchedAt.IsZero() && now.Sub(p.fetchedAt) < p.maxAge {
		s := p.cached
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	refreshCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan("snapshot", func() (interface{}, error) {
		return p.refresh(refreshCtx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return policy.CapitalSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if res.Err != nil {
		logger.Warn("Capital snapshot refresh failed", zap.Error(res.Err))
		if errors.Is(res.Err, ErrStale) {
			return policy.CapitalSnapshot{}, res.Err
		}
		return policy.CapitalSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, res.Err)
	}
	return res.Val.(policy.CapitalSnapshot), nil
}

// refresh fetches from the source within fetchTimeout, even when the
// source ignores ctx.
func (p *FreshProvider) refresh(ctx context.Context) (policy.CapitalSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	type outcome struct {
		s   policy.CapitalSnapshot
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("capital source panic: %v", r)}
			}
		}()
		s, err := p.source.Snapshot(ctx)
		done <- outcome{s: s, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		return policy.CapitalSnapshot{}, fmt.Errorf("capital source: %w", ctx.Err())
	}
	if o.err != nil {
		return policy.CapitalSnapshot{}, o.err
	}
	if !o.s.AsOf.IsZero() && p.now().Sub(o.s.AsOf) > p.maxAge {
		return policy.CapitalSnapshot{}, fmt.Errorf("%w: as of %s", ErrStale, o.s.AsOf.Format(time.RFC3339))
	}
	p.mu.Lock()
	p.cached = o.s
	p.fetchedAt = p.now()
	p.mu.Unlock()
	return o.s, nil
}
