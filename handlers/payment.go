package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/thesis-rbk/Wassalha-sub003/escrow"
	"github.com/thesis-rbk/Wassalha-sub003/models"
	"github.com/thesis-rbk/Wassalha-sub003/process"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentHandler exposes the escrow operations of the marketplace payment
// API. Every call is a process transition, so payment and process state
// cannot drift apart.
type PaymentHandler struct {
	processes Processes
	logger    *zap.Logger
}

func NewPaymentHandler(processes Processes, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{processes: processes, logger: logger}
}

// CreateEscrow places the buyer's hold by moving the process to PAID.
func (h *PaymentHandler) CreateEscrow(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "CreateEscrow")
	defer span.End()

	var req models.CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	buyer, err := actingUser(c, req.BuyerID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	p, pay, err := h.resolve(ctx, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("process.id", p.ID))

	if p.BuyerID != buyer {
		respondError(c, h.logger, &process.TransitionError{Kind: process.ErrUnauthorized, ProcessID: p.ID, Current: p.Status,
			Cause: errors.New("only the buyer may fund the escrow")})
		return
	}
	if p.CounterpartyID != req.SellerID {
		respondError(c, h.logger, &process.TransitionError{Kind: process.ErrInvalidInput, ProcessID: p.ID, Current: p.Status,
			Cause: errors.New("sellerId does not match the process")})
		return
	}
	if pay == nil || escrow.ToMinorUnits(pay.Amount) != escrow.ToMinorUnits(req.Amount) {
		respondError(c, h.logger, &process.TransitionError{Kind: process.ErrInvalidInput, ProcessID: p.ID, Current: p.Status,
			Cause: errors.New("amount does not match the process payment")})
		return
	}

	res, err := h.processes.ApplyTransition(ctx, p.ID, models.ProcessStatusPaid, buyer, "")
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	resp := models.CreateEscrowResponse{ProcessID: p.ID}
	switch {
	case res.Hold != nil:
		resp.ClientSecret = res.Hold.ClientSecret
		resp.PaymentIntentID = res.Hold.Ref
	case res.Payment != nil && res.Payment.TransactionID != nil:
		// already paid; the original client secret is not stored
		resp.PaymentIntentID = *res.Payment.TransactionID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PaymentHandler) resolve(ctx context.Context, req models.CreateEscrowRequest) (*models.Process, *models.Payment, error) {
	switch {
	case req.ProcessID != "":
		return h.processes.Get(ctx, req.ProcessID)
	case req.OrderID != "":
		p, err := h.processes.FindByReference(ctx, models.ProcessKindOrder, req.OrderID)
		if err != nil {
			return nil, nil, err
		}
		return h.processes.Get(ctx, p.ID)
	}
	return nil, nil, &process.TransitionError{Kind: process.ErrInvalidInput, Cause: errors.New("processId or orderId is required")}
}

// CaptureEscrow releases the held funds by finalizing the process.
func (h *PaymentHandler) CaptureEscrow(c *gin.Context) {
	h.act(c, "CaptureEscrow", models.ProcessStatusFinalized)
}

// CancelEscrow refunds the held funds by cancelling the process.
func (h *PaymentHandler) CancelEscrow(c *gin.Context) {
	h.act(c, "CancelEscrow", models.ProcessStatusCancelled)
}

func (h *PaymentHandler) act(c *gin.Context, name string, to models.ProcessStatus) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), name)
	defer span.End()

	var req models.EscrowActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := actingUser(c, req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	p, _, err := h.processes.FindByTransaction(ctx, req.PaymentIntentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	span.SetAttributes(
		attribute.String("process.id", p.ID),
		attribute.String("payment_intent.id", req.PaymentIntentID),
	)

	res, err := h.processes.ApplyTransition(ctx, p.ID, to, actor, req.Note)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"processId":       res.Process.ID,
		"status":          res.Process.Status,
		"paymentIntentId": req.PaymentIntentID,
		"payment":         res.Payment,
	})
}
