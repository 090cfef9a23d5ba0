package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionServer runs one realtime session for an identified user.
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

type RealtimeHandler struct {
	server SessionServer
	logger *zap.Logger
}

func NewRealtimeHandler(server SessionServer, logger *zap.Logger) *RealtimeHandler {
	return &RealtimeHandler{server: server, logger: logger}
}

// Connect upgrades GET /ws. The user comes from the token when present,
// otherwise from the userId query parameter.
func (h *RealtimeHandler) Connect(c *gin.Context) {
	user, err := actingUser(c, c.Query("userId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.server.Serve(c.Writer, c.Request, user); err != nil {
		// the upgrader already wrote the HTTP error
		h.logger.Debug("WebSocket upgrade failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.String("user_id", user),
			zap.Error(err),
		)
	}
}

// Sweeper cancels stale processes.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

type ReaperHandler struct {
	reaper Sweeper
	minAge time.Duration
	logger *zap.Logger
}

// NewReaperHandler builds the sweep endpoint. minAge is both the default
// and the smallest age a caller may ask for.
func NewReaperHandler(reaper Sweeper, minAge time.Duration, logger *zap.Logger) *ReaperHandler {
	return &ReaperHandler{reaper: reaper, minAge: minAge, logger: logger}
}

// Sweep runs one reaper pass. An external scheduler calls it; olderThan
// raises the age as a Go duration and is clamped to the minimum.
func (h *ReaperHandler) Sweep(c *gin.Context) {
	age := h.minAge
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "olderThan must be a positive duration", "code": "invalid_input"})
			return
		}
		if d > age {
			age = d
		}
	}

	cancelled, err := h.reaper.Sweep(c.Request.Context(), age)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "older_than": age.String()})
}
