package handlers

import (
	"context"
	"net/http"

	"github.com/thesis-rbk/Wassalha-sub003/cache"
	"github.com/thesis-rbk/Wassalha-sub003/middleware"
	"github.com/thesis-rbk/Wassalha-sub003/models"
	"github.com/thesis-rbk/Wassalha-sub003/process"
	"github.com/thesis-rbk/Wassalha-sub003/realtime"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "process-service"

// Processes is the state machine as seen by the HTTP surface.
type Processes interface {
	CreateProcess(ctx context.Context, req models.CreateProcessRequest) (*models.Process, *models.Payment, error)
	Get(ctx context.Context, processID string) (*models.Process, *models.Payment, error)
	Events(ctx context.Context, processID string) ([]models.ProcessEvent, error)
	ApplyTransition(ctx context.Context, processID string, to models.ProcessStatus, actorID, note string) (*process.Result, error)
	SubmitProof(ctx context.Context, processID, actorID, image string) (*models.Process, error)
	FindByReference(ctx context.Context, kind models.ProcessKind, referenceID string) (*models.Process, error)
	FindByTransaction(ctx context.Context, transactionID string) (*models.Process, *models.Payment, error)
}

type ProcessHandler struct {
	processes Processes
	cache     *cache.ProcessCache
	presence  realtime.Presence
	logger    *zap.Logger
}

// NewProcessHandler builds the process endpoints. snapshots may be nil to
// read straight from the database.
func NewProcessHandler(processes Processes, snapshots *cache.ProcessCache, presence realtime.Presence, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		processes: processes,
		cache:     snapshots,
		presence:  presence,
		logger:    logger,
	}
}

func (h *ProcessHandler) CreateProcess(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "CreateProcessHandler")
	defer span.End()

	var req models.CreateProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if user, ok := middleware.AuthenticatedUser(c); ok && user != req.Buyer.ID && user != req.Counterparty.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only a party may open a process", "code": "unauthorized"})
		return
	}

	p, pay, err := h.processes.CreateProcess(ctx, req)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("process.id", p.ID))
	c.JSON(http.StatusCreated, h.response(ctx, p, pay))
}

func (h *ProcessHandler) GetProcess(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "GetProcess")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("process.id", id))

	snap, err := h.snapshot(ctx, id)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	if !h.mayRead(c, &snap.Process) {
		return
	}

	c.JSON(http.StatusOK, h.response(ctx, &snap.Process, snap.Payment))
}

// snapshot serves reads from the cache and fills it on a miss. Cache
// failures fall back to the database.
func (h *ProcessHandler) snapshot(ctx context.Context, id string) (*cache.Snapshot, error) {
	if h.cache != nil {
		snap, ok, err := h.cache.Get(ctx, id)
		if err != nil {
			h.logger.Warn("Process cache read failed", zap.String("process_id", id), zap.Error(err))
		}
		if ok {
			return snap, nil
		}
	}

	p, pay, err := h.processes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &cache.Snapshot{Process: *p, Payment: pay}
	if h.cache != nil {
		if err := h.cache.Fill(ctx, *snap); err != nil {
			h.logger.Warn("Process cache fill failed", zap.String("process_id", id), zap.Error(err))
		}
	}
	return snap, nil
}

// mayRead rejects authenticated users that are not a party of p.
func (h *ProcessHandler) mayRead(c *gin.Context, p *models.Process) bool {
	user, ok := middleware.AuthenticatedUser(c)
	if !ok {
		return true
	}
	if _, party := process.RoleOf(p, user); !party {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a party to this process", "code": "unauthorized"})
		return false
	}
	return true
}

func (h *ProcessHandler) response(ctx context.Context, p *models.Process, pay *models.Payment) models.ProcessResponse {
	resp := models.ProcessResponse{
		Process: *p,
		Phase:   process.Phase(p.Kind, p.Status),
		Payment: pay,
	}
	if h.presence != nil {
		resp.BuyerOnline = h.online(ctx, p.BuyerID)
		resp.CounterpartyOnline = h.online(ctx, p.CounterpartyID)
	}
	return resp
}

func (h *ProcessHandler) online(ctx context.Context, userID string) bool {
	online, err := h.presence.Online(ctx, userID)
	if err != nil {
		h.logger.Debug("Presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return online
}

func (h *ProcessHandler) UpdateStatus(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "UpdateStatus")
	defer span.End()

	id := c.Param("id")
	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := actingUser(c, req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// the kind decides which status labels are accepted
	p, _, err := h.processes.Get(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	to, err := process.ParseStatus(p.Kind, req.Status)
	if err != nil {
		respondError(c, h.logger, &process.TransitionError{Kind: process.ErrInvalidInput, ProcessID: id, Current: p.Status, Cause: err})
		return
	}

	span.SetAttributes(
		attribute.String("process.id", id),
		attribute.String("process.to", string(to)),
	)

	res, err := h.processes.ApplyTransition(ctx, id, to, actor, req.Note)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, h.response(ctx, res.Process, res.Payment))
}

func (h *ProcessHandler) SubmitProof(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "SubmitProofHandler")
	defer span.End()

	id := c.Param("id")
	var req models.SubmitProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := actingUser(c, req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	p, err := h.processes.SubmitProof(ctx, id, actor, req.Image)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                 p.ID,
		"status":             p.Status,
		"verification_image": p.VerificationImage,
		"updated_at":         p.UpdatedAt,
	})
}

func (h *ProcessHandler) ListEvents(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "ListEvents")
	defer span.End()

	id := c.Param("id")
	if _, ok := middleware.AuthenticatedUser(c); ok {
		p, _, err := h.processes.Get(ctx, id)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		if !h.mayRead(c, p) {
			return
		}
	}

	events, err := h.processes.Events(ctx, id)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	if events == nil {
		events = []models.ProcessEvent{}
	}

	c.JSON(http.StatusOK, gin.H{"process_id": id, "events": events})
}

// GetByOrder resolves the process tracking an order.
func (h *ProcessHandler) GetByOrder(c *gin.Context) {
	h.getByReference(c, models.ProcessKindOrder, c.Param("orderId"))
}

// GetBySponsorship resolves the process tracking a sponsorship.
func (h *ProcessHandler) GetBySponsorship(c *gin.Context) {
	h.getByReference(c, models.ProcessKindSponsorship, c.Param("sponsorshipId"))
}

func (h *ProcessHandler) getByReference(c *gin.Context, kind models.ProcessKind, ref string) {
	ctx := c.Request.Context()
	p, err := h.processes.FindByReference(ctx, kind, ref)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	snap, err := h.snapshot(ctx, p.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !h.mayRead(c, &snap.Process) {
		return
	}
	c.JSON(http.StatusOK, h.response(ctx, &snap.Process, snap.Payment))
}
