package handlers

import (
	"errors"
	"net/http"

	"github.com/thesis-rbk/Wassalha-sub003/middleware"
	"github.com/thesis-rbk/Wassalha-sub003/process"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errActorMismatch = errors.New("userId does not match the authenticated user")

func httpStatus(err error) int {
	switch process.Code(err) {
	case "not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "illegal_transition", "invalid_input":
		return http.StatusBadRequest
	case "escrow_failure":
		return http.StatusBadGateway
	case "conflict", "duplicate":
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError writes err using the shared error codes. Transition errors
// carry the stored status so clients can resync.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "Internal server error", "code": "internal"})
		return
	}

	body := gin.H{"error": err.Error(), "code": process.Code(err)}
	if current := process.CurrentStatus(err); current != "" {
		body["current_status"] = current
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
}

// actingUser resolves who performs the request: the token's user when the
// request is authenticated, the claimed body or query user otherwise.
func actingUser(c *gin.Context, claimed string) (string, error) {
	if user, ok := middleware.AuthenticatedUser(c); ok {
		if claimed != "" && claimed != user {
			return "", &process.TransitionError{Kind: process.ErrUnauthorized, Cause: errActorMismatch}
		}
		return user, nil
	}
	if claimed == "" {
		return "", &process.TransitionError{Kind: process.ErrInvalidInput, Cause: errors.New("userId is required")}
	}
	return claimed, nil
}
