// Package escrow hides the payment provider behind the three operations the
// process state machine depends on: place a hold, capture it, cancel it.
package escrow

import (
	"context"
	"errors"
	"math"
)

type HoldStatus string

const (
	HoldStatusRequiresCapture HoldStatus = "requires_capture"
	HoldStatusAwaitingPayment HoldStatus = "awaiting_payment"
	HoldStatusCaptured        HoldStatus = "captured"
	HoldStatusCancelled       HoldStatus = "cancelled"
)

var (
	ErrHoldNotFound    = errors.New("escrow hold not found")
	ErrUnexpectedState = errors.New("escrow hold in unexpected state")
	ErrProvider        = errors.New("escrow provider error")
)

type HoldRequest struct {
	OrderID        string
	ProcessID      string
	AmountMinor    int64
	Currency       string
	BuyerID        string
	SellerID       string
	IdempotencyKey string
}

type Hold struct {
	Ref          string
	ClientSecret string
	Status       HoldStatus
}

// Gateway is the narrow contract of the escrow provider. Capture and Cancel
// must be safe to repeat on a hold that already reached the requested state.
type Gateway interface {
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	Capture(ctx context.Context, holdRef string) (HoldStatus, error)
	Cancel(ctx context.Context, holdRef string) (HoldStatus, error)
}

// ToMinorUnits converts a decimal amount to the provider's integer unit.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
