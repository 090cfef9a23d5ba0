package escrow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap/zaptest"
)

// fakeStripe serves the handful of PaymentIntent endpoints the adapter uses.
func fakeStripe(t *testing.T) *Stripe {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/payment_intents", func(c *gin.Context) {
		if c.PostForm("capture_method") != "manual" {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "capture_method must be manual"}})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":            "pi_test_1",
			"object":        "payment_intent",
			"client_secret": "pi_test_1_secret_abc",
			"status":        "requires_payment_method",
			"amount":        4250,
			"currency":      c.PostForm("currency"),
		})
	})
	router.POST("/v1/payment_intents/:id/capture", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type":    "invalid_request_error",
			"code":    "payment_intent_unexpected_state",
			"message": "This PaymentIntent has already been captured.",
		}})
	})
	router.GET("/v1/payment_intents/:id", func(c *gin.Context) {
		if c.Param("id") == "pi_missing" {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
				"type": "invalid_request_error", "code": "resource_missing", "message": "No such payment_intent",
			}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "object": "payment_intent", "status": "succeeded"})
	})
	router.POST("/v1/payment_intents/:id/cancel", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"type": "invalid_request_error", "code": "resource_missing", "message": "No such payment_intent",
		}})
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeWithBackends("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend}, zaptest.NewLogger(t))
}

func TestStripe_CreateHoldUsesManualCapture(t *testing.T) {
	s := fakeStripe(t)

	hold, err := s.CreateHold(context.Background(), HoldRequest{
		OrderID: "order-1", ProcessID: "proc-1", AmountMinor: 4250, Currency: "usd", IdempotencyKey: "hold-proc-1-3",
	})
	if err != nil {
		t.Fatalf("CreateHold() error = %v", err)
	}
	if hold.Ref != "pi_test_1" || hold.ClientSecret != "pi_test_1_secret_abc" {
		t.Errorf("hold = %+v", hold)
	}
	if hold.Status != HoldStatusAwaitingPayment {
		t.Errorf("status = %s, want awaiting_payment", hold.Status)
	}
}

func TestStripe_CaptureOfCapturedHoldSucceeds(t *testing.T) {
	s := fakeStripe(t)

	status, err := s.Capture(context.Background(), "pi_test_1")
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if status != HoldStatusCaptured {
		t.Errorf("status = %s, want captured", status)
	}
}

func TestStripe_CancelUnknownHold(t *testing.T) {
	s := fakeStripe(t)

	if _, err := s.Cancel(context.Background(), "pi_missing"); !errors.Is(err, ErrHoldNotFound) {
		t.Errorf("Cancel() error = %v, want ErrHoldNotFound", err)
	}
}

func TestMapStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing", &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}, ErrHoldNotFound},
		{"wrong state", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripe.ErrorCodePaymentIntentUnexpectedState}, ErrUnexpectedState},
		{"card declined", &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Code: stripe.ErrorCodeCardDeclined}, ErrProvider},
		{"network", errors.New("connection reset"), ErrProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapStripeError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapStripeError() = %v, want %v", got, tt.want)
			}
		})
	}
}
