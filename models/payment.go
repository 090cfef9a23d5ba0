package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusRefund     PaymentStatus = "REFUND"
	PaymentStatusFailed     PaymentStatus = "FAILED"
)

// CanBecome enforces PENDING -> PROCESSING -> {COMPLETED | FAILED | REFUND}.
// A payment whose process is cancelled before any hold was placed stays
// PENDING; the process status records the outcome.
func (s PaymentStatus) CanBecome(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusProcessing
	case PaymentStatusProcessing:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed || next == PaymentStatusRefund
	}
	return false
}

type Payment struct {
	ID            string        `json:"id"`
	ProcessID     string        `json:"process_id"`
	OrderID       string        `json:"order_id"`
	Amount        float64       `json:"amount"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
	TransactionID *string       `json:"transaction_id,omitempty"`
	FailureCount  int           `json:"failure_count"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasHold reports whether funds are currently held by the gateway.
func (p *Payment) HasHold() bool {
	return p.Status == PaymentStatusProcessing && p.TransactionID != nil
}

type CreateEscrowRequest struct {
	OrderID   string  `json:"orderId"`
	ProcessID string  `json:"processId"`
	Amount    float64 `json:"amount" binding:"required,gt=0"`
	BuyerID   string  `json:"buyerId" binding:"required"`
	SellerID  string  `json:"sellerId" binding:"required"`
}

type CreateEscrowResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	ProcessID       string `json:"processId"`
}

type EscrowActionRequest struct {
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
	UserID          string `json:"userId"`
	Note            string `json:"note"`
}
