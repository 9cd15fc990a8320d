// Package rail routes settlement payouts across two payment rails.
//
// The low-cost rail (Moov) carries tickets up to the auto threshold and the
// high-assurance rail (Modern Treasury) carries the rest. In auto mode a
// failed first attempt is retried once on the other rail.
//
// Import Path: goldclear.io/clearing/internal/rail
package rail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/pkg/metrics"
)

// Mode selects how the router picks a rail.
type Mode string

const (
	ModeAuto           Mode = "auto"
	ModeMoov           Mode = "moov"
	ModeModernTreasury Mode = "modern_treasury"
)

var (
	// ErrRouteInFlight is returned when a payout for the same settlement is already being routed.
	ErrRouteInFlight = errors.New("payout already in flight for settlement")
	// ErrInvalidPayout is returned for requests that cannot be routed.
	ErrInvalidPayout = errors.New("invalid payout request")
)

// PayoutRequest asks for the buyer's escrowed funds to be paid out.
// SettlementID doubles as the adapter idempotency key.
type PayoutRequest struct {
	SettlementID     string `json:"settlement_id"`
	TotalAmountCents int64  `json:"total_amount_cents"`
	BuyerOrgID       string `json:"buyer_org_id"`
	SellerOrgID      string `json:"seller_org_id"`
	Currency         string `json:"currency"`
	Memo             string `json:"memo,omitempty"`
}

// Attempt records one adapter call.
type Attempt struct {
	Rail     domain.Rail   `json:"rail"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PayoutResult is the router's verdict. A failed payout is a result, not an error.
type PayoutResult struct {
	Success           bool        `json:"success"`
	Rail              domain.Rail `json:"rail,omitempty"`
	ExternalIDs       []string    `json:"external_ids,omitempty"`
	IsFallback        bool        `json:"is_fallback"`
	PlatformFeeCents  int64       `json:"platform_fee_cents"`
	SellerPayoutCents int64       `json:"seller_payout_cents"`
	Attempts          []Attempt   `json:"attempts"`
	Error             string      `json:"error,omitempty"`
}

// Config configures a Router.
type Config struct {
	Mode           Mode
	ThresholdCents int64
	AttemptTimeout time.Duration
	PlatformFeeBps int64
}

// DefaultConfig returns the production routing defaults.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeAuto,
		ThresholdCents: 25_000_000,
		AttemptTimeout: 20 * time.Second,
		PlatformFeeBps: 15,
	}
}

// Router selects and invokes payment rails. Safe for concurrent use across
// settlements; concurrent calls for one settlement are refused.
type Router struct {
	cfg           Config
	lowCost       Adapter
	highAssurance Adapter

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRouter creates a Router. lowCost serves moov mode and small auto
// tickets; highAssurance serves modern_treasury mode and large tickets.
func NewRouter(cfg Config, lowCost, highAssurance Adapter) (*Router, error) {
	if lowCost == nil || highAssurance == nil {
		return nil, fmt.Errorf("rail router requires both adapters")
	}
	switch cfg.Mode {
	case ModeAuto, ModeMoov, ModeModernTreasury:
	default:
		return nil, fmt.Errorf("unknown rail mode %q", cfg.Mode)
	}
	if cfg.ThresholdCents <= 0 {
		return nil, fmt.Errorf("rail threshold must be positive")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Router{
		cfg:           cfg,
		lowCost:       lowCost,
		highAssurance: highAssurance,
		inFlight:      make(map[string]struct{}),
	}, nil
}

// Plan returns the rails Route would try, in order.
func (r *Router) Plan(totalAmountCents int64) []Adapter {
	switch r.cfg.Mode {
	case ModeMoov:
		return []Adapter{r.lowCost}
	case ModeModernTreasury:
		return []Adapter{r.highAssurance}
	}
	if totalAmountCents <= r.cfg.ThresholdCents {
		return []Adapter{r.lowCost, r.highAssurance}
	}
	return []Adapter{r.highAssurance, r.lowCost}
}

// Route pays out req. It returns an error only for invalid or concurrent
// requests; rail failures are reported in the result.
func (r *Router) Route(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	if req.SettlementID == "" || req.TotalAmountCents <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: settlement id and positive amount required", ErrInvalidPayout)
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	if !r.acquire(req.SettlementID) {
		return PayoutResult{}, fmt.Errorf("%w: %s", ErrRouteInFlight, req.SettlementID)
	}
	defer r.release(req.SettlementID)

	fee := PlatformFee(req.TotalAmountCents, r.cfg.PlatformFeeBps)
	result := PayoutResult{
		PlatformFeeCents:  fee,
		SellerPayoutCents: req.TotalAmountCents - fee,
	}

	plan := r.Plan(req.TotalAmountCents)
	for i, adapter := range plan {
		res, att := r.attempt(ctx, adapter, req)
		result.Attempts = append(result.Attempts, att)
		if att.Success {
			result.Success = true
			result.Rail = adapter.Name()
			result.ExternalIDs = res.ExternalIDs
			result.IsFallback = i > 0
			if result.IsFallback {
				metrics.RailFallbacks.WithLabelValues(string(plan[0].Name()), string(adapter.Name())).Inc()
			}
			logger.Info("Payout routed",
				zap.String("settlement_id", req.SettlementID),
				zap.String("rail", string(result.Rail)),
				zap.Bool("fallback", result.IsFallback),
				zap.Int64("amount_cents", req.TotalAmountCents),
			)
			return result, nil
		}
		logger.Warn("Payout attempt failed",
			zap.String("settlement_id", req.SettlementID),
			zap.String("rail", string(adapter.Name())),
			zap.String("error", att.Error),
		)
	}

	result.Error = result.Attempts[len(result.Attempts)-1].Error
	return result, nil
}

func (r *Router) attempt(ctx context.Context, adapter Adapter, req PayoutRequest) (AdapterResult, Attempt) {
	name := adapter.Name()
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	type outcome struct {
		res AdapterResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("adapter panic: %v", p)}
			}
		}()
		res, err := adapter.Execute(attemptCtx, req)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	label := "success"
	select {
	case o = <-done:
		if o.err == nil && !o.res.Success {
			reason := o.res.Error
			if reason == "" {
				reason = "no reason given"
			}
			o.err = fmt.Errorf("%s declined payout: %s", name, reason)
		}
		if o.err != nil {
			label = "failure"
		}
	case <-attemptCtx.Done():
		o.err = fmt.Errorf("%s attempt: %w", name, attemptCtx.Err())
		label = "timeout"
	}

	elapsed := time.Since(start)
	metrics.RailAttempts.WithLabelValues(string(name), label).Inc()
	metrics.RailLatency.WithLabelValues(string(name)).Observe(elapsed.Seconds())

	att := Attempt{Rail: name, Success: o.err == nil, Duration: elapsed}
	if o.err != nil {
		att.Error = o.err.Error()
	}
	return o.res, att
}

func (r *Router) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[id]; busy {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Router) release(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// PlatformFee returns round-half-up(total × bps / 10000).
func PlatformFee(totalCents, bps int64) int64 {
	return decimal.NewFromInt(totalCents).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(10_000)).
		Round(0).
		IntPart()
}
