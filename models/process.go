package models

import "time"

type ProcessKind string

const (
	ProcessKindOrder       ProcessKind = "ORDER"
	ProcessKindSponsorship ProcessKind = "SPONSORSHIP"
)

type ProcessStatus string

const (
	ProcessStatusInitialized ProcessStatus = "INITIALIZED"
	ProcessStatusConfirmed   ProcessStatus = "CONFIRMED"
	ProcessStatusPaid        ProcessStatus = "PAID"
	ProcessStatusInTransit   ProcessStatus = "IN_TRANSIT"
	ProcessStatusPickupMeet  ProcessStatus = "PICKUP_MEET"
	ProcessStatusFinalized   ProcessStatus = "FINALIZED"
	ProcessStatusCancelled   ProcessStatus = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessStatusFinalized || s == ProcessStatusCancelled
}

type Process struct {
	ID                string        `json:"id"`
	Kind              ProcessKind   `json:"kind"`
	OrderID           *string       `json:"order_id,omitempty"`
	SponsorshipID     *string       `json:"sponsorship_id,omitempty"`
	Status            ProcessStatus `json:"status"`
	BuyerID           string        `json:"buyer_id"`
	BuyerName         string        `json:"buyer_name"`
	CounterpartyID    string        `json:"counterparty_id"`
	CounterpartyName  string        `json:"counterparty_name"`
	VerificationImage *string       `json:"verification_image,omitempty"`
	ReviewUnlocked    bool          `json:"review_unlocked"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ReferenceID returns the order or sponsorship id the process tracks.
func (p *Process) ReferenceID() string {
	if p.OrderID != nil {
		return *p.OrderID
	}
	if p.SponsorshipID != nil {
		return *p.SponsorshipID
	}
	return ""
}

// ProcessEvent is one link of the append-only transition chain of a process.
// Seq equals the process version the transition committed.
type ProcessEvent struct {
	ID              string        `json:"id"`
	ProcessID       string        `json:"process_id"`
	Seq             int64         `json:"seq"`
	FromStatus      ProcessStatus `json:"from_status"`
	ToStatus        ProcessStatus `json:"to_status"`
	ChangedByUserID string        `json:"changed_by_user_id"`
	ChangedByName   string        `json:"changed_by_name"`
	Note            *string       `json:"note,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

type Party struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type CreateProcessRequest struct {
	Kind          ProcessKind `json:"kind" binding:"required,oneof=ORDER SPONSORSHIP"`
	OrderID       string      `json:"order_id"`
	SponsorshipID string      `json:"sponsorship_id"`
	Buyer         Party       `json:"buyer" binding:"required"`
	Counterparty  Party       `json:"counterparty" binding:"required"`
	Amount        float64     `json:"amount" binding:"required,gt=0"`
	Currency      string      `json:"currency"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	UserID string `json:"userId"`
	Note   string `json:"note"`
}

type SubmitProofRequest struct {
	UserID string `json:"userId"`
	Image  string `json:"image" binding:"required"`
}

type ProcessResponse struct {
	Process
	Phase              string   `json:"phase"`
	Payment            *Payment `json:"payment,omitempty"`
	BuyerOnline        bool     `json:"buyer_online"`
	CounterpartyOnline bool     `json:"counterparty_online"`
}
