package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantfall/gatekeeper/internal/ratelimit"
)

// GuardedGateway decorates an OrderGateway with a per-venue circuit
// breaker and request rate limiting. This is venue-connectivity
// protection only; capital-preservation decisions belong to the risk
// gate and are never made here.
type GuardedGateway struct {
	inner   OrderGateway
	breaker *gobreaker.CircuitBreaker
	limiter *ratelimit.Limiter
}

// NewGuardedGateway wraps gw. Breaker settings follow venue-adapter
// practice: trip on 3 consecutive failures or a >5% failure rate over a
// meaningful sample, probe again after a minute.
func NewGuardedGateway(gw OrderGateway, limiter *ratelimit.Limiter) *GuardedGateway {
	settings := gobreaker.Settings{
		Name:     gw.Name(),
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		IsSuccessful: func(err error) bool {
			// A venue-side order rejection is a valid answer, not a
			// connectivity failure; it must not open the breaker.
			return err == nil || errors.Is(err, ErrRejected) || errors.Is(err, ErrOrderNotFound)
		},
	}
	return &GuardedGateway{
		inner:   gw,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: limiter,
	}
}

func (g *GuardedGateway) Name() string { return g.inner.Name() }

func (g *GuardedGateway) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, g.inner.Name()); err != nil {
			return nil, err
		}
	}
	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("venue %s unavailable: %w", g.inner.Name(), err)
	}
	return out, err
}

func (g *GuardedGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	out, err := g.execute(ctx, func() (interface{}, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return OrderAck{}, err
	}
	return out.(OrderAck), nil
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	_, err := g.execute(ctx, func() (interface{}, error) {
		return nil, g.inner.CancelOrder(ctx, exchangeOrderID)
	})
	return err
}

func (g *GuardedGateway) ModifyOrder(ctx context.Context, exchangeOrderID string, price, size float64) (OrderAck, error) {
	out, err := g.execute(ctx, func() (interface{}, error) {
		return g.inner.ModifyOrder(ctx, exchangeOrderID, price, size)
	})
	if err != nil {
		return OrderAck{}, err
	}
	return out.(OrderAck), nil
}

func (g *GuardedGateway) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderStatus, error) {
	out, err := g.execute(ctx, func() (interface{}, error) {
		return g.inner.GetOrderStatus(ctx, exchangeOrderID)
	})
	if err != nil {
		return OrderStatus{}, err
	}
	return out.(OrderStatus), nil
}
