package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/thesis-rbk/Wassalha-sub003/circuitbreaker"
	"github.com/thesis-rbk/Wassalha-sub003/middleware"

	"go.uber.org/zap"
)

// Guarded wraps a Gateway with a circuit breaker and operation metrics.
// Only provider errors trip the breaker; a missing or wrong-state hold is a
// caller problem, not an outage.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGuarded(next Gateway, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Guarded {
	return &Guarded{next: next, breaker: breaker, logger: logger}
}

func (g *Guarded) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	var hold *Hold
	err := g.run(ctx, "create_hold", func() error {
		var err error
		hold, err = g.next.CreateHold(ctx, req)
		return err
	})
	return hold, err
}

func (g *Guarded) Capture(ctx context.Context, holdRef string) (HoldStatus, error) {
	var status HoldStatus
	err := g.run(ctx, "capture", func() error {
		var err error
		status, err = g.next.Capture(ctx, holdRef)
		return err
	})
	return status, err
}

func (g *Guarded) Cancel(ctx context.Context, holdRef string) (HoldStatus, error) {
	var status HoldStatus
	err := g.run(ctx, "cancel", func() error {
		var err error
		status, err = g.next.Cancel(ctx, holdRef)
		return err
	})
	return status, err
}

func (g *Guarded) run(ctx context.Context, operation string, fn func() error) error {
	var callErr error
	err := g.breaker.Execute(ctx, func() error {
		callErr = fn()
		if errors.Is(callErr, ErrHoldNotFound) || errors.Is(callErr, ErrUnexpectedState) {
			return nil
		}
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		middleware.RecordEscrowOperation(operation, "circuit_open")
		g.logger.Warn("Escrow circuit open", zap.String("operation", operation))
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if callErr != nil {
		middleware.RecordEscrowOperation(operation, "error")
		g.logger.Error("Escrow operation failed", zap.String("operation", operation), zap.Error(callErr))
		return callErr
	}
	middleware.RecordEscrowOperation(operation, "success")
	return nil
}
