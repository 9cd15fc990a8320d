package logistics

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCarrierRouter_SelectsByNotional(t *testing.T) {
	t.Parallel()

	brinks := NewSandboxCarrier(CarrierBrinks)
	malca := NewSandboxCarrier(CarrierMalcaAmit)
	r := NewCarrierRouter(brinks, malca, 100_000_000, time.Second)

	req := ShipmentRequest{
		SettlementID:    "stl-1",
		OriginVaultHub:  "ZRH-1",
		DeliveryAddress: "VAULT:LDN-2",
		WeightOz:        decimal.NewFromInt(400),
	}

	req.NotionalCents = 99_999_999
	s, err := r.CreateShipment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CarrierMalcaAmit, s.Carrier)

	req.NotionalCents = 100_000_000
	s, err = r.CreateShipment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CarrierBrinks, s.Carrier)

	assert.Equal(t, 1, brinks.Bookings())
	assert.Equal(t, 1, malca.Bookings())
}

func TestCarrierRouter_Failures(t *testing.T) {
	t.Parallel()

	brinks := NewSandboxCarrier(CarrierBrinks)
	brinks.SetFailing(true)
	r := NewCarrierRouter(brinks, NewSandboxCarrier(CarrierMalcaAmit), 1, time.Second)

	_, err := r.CreateShipment(context.Background(), ShipmentRequest{SettlementID: "stl-2", DeliveryAddress: "VAULT:X", NotionalCents: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brinks")

	_, err = r.CreateShipment(context.Background(), ShipmentRequest{SettlementID: "stl-3", NotionalCents: 10})
	require.Error(t, err)
}

// unresponsiveCarrier ignores ctx, like a carrier API stuck on a socket.
type unresponsiveCarrier struct {
	delay time.Duration
	panic bool
}

func (c unresponsiveCarrier) Name() Carrier { return CarrierBrinks }

func (c unresponsiveCarrier) Book(_ context.Context, _ ShipmentRequest) (Shipment, error) {
	if c.panic {
		panic("carrier sdk bug")
	}
	time.Sleep(c.delay)
	return Shipment{Carrier: CarrierBrinks, Status: "booked"}, nil
}

func TestCarrierRouter_TimeoutIgnoredByCarrier(t *testing.T) {
	t.Parallel()

	stuck := unresponsiveCarrier{delay: 2 * time.Second}
	r := NewCarrierRouter(stuck, stuck, 1, 100*time.Millisecond)

	start := time.Now()
	_, err := r.CreateShipment(context.Background(), ShipmentRequest{
		SettlementID: "stl-4", DeliveryAddress: "VAULT:X", NotionalCents: 10,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second)
}

func TestCarrierRouter_CarrierPanic(t *testing.T) {
	t.Parallel()

	r := NewCarrierRouter(unresponsiveCarrier{panic: true}, unresponsiveCarrier{panic: true}, 1, time.Second)

	_, err := r.CreateShipment(context.Background(), ShipmentRequest{
		SettlementID: "stl-5", DeliveryAddress: "VAULT:X", NotionalCents: 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier panic")
}
