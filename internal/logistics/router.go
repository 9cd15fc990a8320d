// Package logistics books physical gold movements after funds have settled.
//
// Import Path: goldclear.io/clearing/internal/logistics
package logistics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/pkg/logger"
)

// Carrier identifies a secure logistics provider.
type Carrier string

const (
	CarrierBrinks    Carrier = "brinks"
	CarrierMalcaAmit Carrier = "malca_amit"
)

// ShipmentRequest describes the bars to move.
type ShipmentRequest struct {
	SettlementID    string          `json:"settlement_id"`
	OriginVaultHub  string          `json:"origin_vault_hub"`
	DeliveryAddress string          `json:"delivery_address"`
	WeightOz        decimal.Decimal `json:"weight_oz"`
	NotionalCents   int64           `json:"notional_cents"`
}

// Shipment is a booked movement.
type Shipment struct {
	ID          string  `json:"id"`
	Carrier     Carrier `json:"carrier"`
	TrackingRef string  `json:"tracking_ref"`
	Status      string  `json:"status"`
}

// Router books shipments. It is the collaborator called at DvP.
type Router interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error)
}

// CarrierClient is one carrier's booking API.
type CarrierClient interface {
	Name() Carrier
	Book(ctx context.Context, req ShipmentRequest) (Shipment, error)
}

// CarrierRouter sends high-value shipments to the armored carrier and the
// rest to the specialist courier.
type CarrierRouter struct {
	highValue          CarrierClient
	standard           CarrierClient
	highValueThreshold int64
	timeout            time.Duration
}

// NewCarrierRouter creates a CarrierRouter. Shipments whose notional is at or
// above thresholdCents go to highValue.
func NewCarrierRouter(highValue, standard CarrierClient, thresholdCents int64, timeout time.Duration) *CarrierRouter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CarrierRouter{
		highValue:          highValue,
		standard:           standard,
		highValueThreshold: thresholdCents,
		timeout:            timeout,
	}
}

// Select returns the carrier for a shipment.
func (r *CarrierRouter) Select(notionalCents int64) CarrierClient {
	if notionalCents >= r.highValueThreshold {
		return r.highValue
	}
	return r.standard
}

// CreateShipment implements Router.
func (r *CarrierRouter) CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error) {
	if req.DeliveryAddress == "" {
		return Shipment{}, fmt.Errorf("shipment for %s has no delivery address", req.SettlementID)
	}
	client := r.Select(req.NotionalCents)

	s, err := r.book(ctx, client, req)
	if err != nil {
		return Shipment{}, fmt.Errorf("%s book shipment: %w", client.Name(), err)
	}
	logger.Info("Shipment booked",
		zap.String("settlement_id", req.SettlementID),
		zap.String("carrier", string(s.Carrier)),
		zap.String("tracking_ref", s.TrackingRef),
	)
	return s, nil
}

// book bounds a booking by the router timeout even when the carrier ignores
// ctx. A carrier panic is returned as an error.
func (r *CarrierRouter) book(ctx context.Context, client CarrierClient, req ShipmentRequest) (Shipment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		s   Shipment
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("carrier panic: %v", p)}
			}
		}()
		s, err := client.Book(ctx, req)
		done <- outcome{s: s, err: err}
	}()

	select {
	case o := <-done:
		return o.s, o.err
	case <-ctx.Done():
		return Shipment{}, ctx.Err()
	}
}

// SandboxCarrier is an in-process carrier for development and tests.
type SandboxCarrier struct {
	name Carrier

	mu       sync.Mutex
	fail     bool
	bookings []ShipmentRequest
}

// NewSandboxCarrier creates a sandbox carrier.
func NewSandboxCarrier(name Carrier) *SandboxCarrier {
	return &SandboxCarrier{name: name}
}

// Name implements CarrierClient.
func (c *SandboxCarrier) Name() Carrier { return c.name }

// SetFailing toggles simulated booking failures.
func (c *SandboxCarrier) SetFailing(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// Book implements CarrierClient.
func (c *SandboxCarrier) Book(ctx context.Context, req ShipmentRequest) (Shipment, error) {
	if err := ctx.Err(); err != nil {
		return Shipment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return Shipment{}, fmt.Errorf("%s sandbox: booking desk unavailable", c.name)
	}
	c.bookings = append(c.bookings, req)
	return Shipment{
		ID:          uuid.NewString(),
		Carrier:     c.name,
		TrackingRef: fmt.Sprintf("%s-%d", c.name, len(c.bookings)),
		Status:      "booked",
	}, nil
}

// Bookings returns the number of accepted bookings.
func (c *SandboxCarrier) Bookings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bookings)
}
