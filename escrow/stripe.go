package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// Stripe places holds as manual-capture PaymentIntents, so funds are
// authorized on the buyer's card and only moved on Capture.
type Stripe struct {
	api    *client.API
	logger *zap.Logger
}

func NewStripe(secretKey string, logger *zap.Logger) *Stripe {
	return NewStripeWithBackends(secretKey, nil, logger)
}

// NewStripeWithBackends points the client at custom backends; nil uses the
// live Stripe API.
func NewStripeWithBackends(secretKey string, backends *stripe.Backends, logger *zap.Logger) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{api: api, logger: logger}
}

func (s *Stripe) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("process_id", req.ProcessID)
	params.AddMetadata("buyer_id", req.BuyerID)
	params.AddMetadata("seller_id", req.SellerID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	s.logger.Info("Stripe payment intent created",
		zap.String("payment_intent_id", pi.ID),
		zap.String("process_id", req.ProcessID),
		zap.String("status", string(pi.Status)),
	)

	return &Hold{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       holdStatus(pi.Status),
	}, nil
}

func (s *Stripe) Capture(ctx context.Context, holdRef string) (HoldStatus, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Capture(holdRef, params)
	if err != nil {
		if errors.Is(mapStripeError(err), ErrUnexpectedState) {
			// Already captured by an earlier attempt whose result we lost.
			if status, getErr := s.current(ctx, holdRef); getErr == nil && status == HoldStatusCaptured {
				return status, nil
			}
		}
		return "", mapStripeError(err)
	}
	return holdStatus(pi.Status), nil
}

func (s *Stripe) Cancel(ctx context.Context, holdRef string) (HoldStatus, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Cancel(holdRef, params)
	if err != nil {
		if errors.Is(mapStripeError(err), ErrUnexpectedState) {
			if status, getErr := s.current(ctx, holdRef); getErr == nil && status == HoldStatusCancelled {
				return status, nil
			}
		}
		return "", mapStripeError(err)
	}
	return holdStatus(pi.Status), nil
}

func (s *Stripe) current(ctx context.Context, holdRef string) (HoldStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(holdRef, params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return holdStatus(pi.Status), nil
}

func holdStatus(status stripe.PaymentIntentStatus) HoldStatus {
	switch status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return HoldStatusRequiresCapture
	case stripe.PaymentIntentStatusSucceeded:
		return HoldStatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return HoldStatusCancelled
	}
	return HoldStatusAwaitingPayment
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", ErrHoldNotFound, stripeErr.Msg)
	case stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
		return fmt.Errorf("%w: %s", ErrUnexpectedState, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %s", ErrProvider, stripeErr.Msg)
}
