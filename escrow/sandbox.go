package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sandbox is an in-memory Gateway used for local runs and tests.
type Sandbox struct {
	mu     sync.Mutex
	holds  map[string]*sandboxHold
	byKey  map[string]string
	logger *zap.Logger

	// armed failures per operation name
	failNext map[string]int
}

type sandboxHold struct {
	hold   Hold
	amount int64
}

func NewSandbox(logger *zap.Logger) *Sandbox {
	return &Sandbox{
		holds:    make(map[string]*sandboxHold),
		byKey:    make(map[string]string),
		failNext: make(map[string]int),
		logger:   logger,
	}
}

// FailNext arms n failures for operation ("create", "capture" or "cancel").
func (s *Sandbox) FailNext(operation string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[operation] += n
}

func (s *Sandbox) shouldFail(operation string) bool {
	if s.failNext[operation] > 0 {
		s.failNext[operation]--
		return true
	}
	return false
}

func (s *Sandbox) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shouldFail("create") {
		return nil, fmt.Errorf("%w: sandbox create failure", ErrProvider)
	}
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrProvider)
	}
	if req.IdempotencyKey != "" {
		if ref, ok := s.byKey[req.IdempotencyKey]; ok {
			h := s.holds[ref].hold
			return &h, nil
		}
	}

	ref := "pi_sandbox_" + uuid.NewString()
	h := &sandboxHold{
		hold: Hold{
			Ref:          ref,
			ClientSecret: ref + "_secret_" + uuid.NewString()[:8],
			Status:       HoldStatusRequiresCapture,
		},
		amount: req.AmountMinor,
	}
	s.holds[ref] = h
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = ref
	}

	s.logger.Info("Sandbox hold created", zap.String("hold_ref", ref), zap.Int64("amount", req.AmountMinor))
	out := h.hold
	return &out, nil
}

func (s *Sandbox) Capture(ctx context.Context, holdRef string) (HoldStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shouldFail("capture") {
		return "", fmt.Errorf("%w: sandbox capture failure", ErrProvider)
	}
	h, ok := s.holds[holdRef]
	if !ok {
		return "", ErrHoldNotFound
	}
	switch h.hold.Status {
	case HoldStatusCaptured:
		return HoldStatusCaptured, nil
	case HoldStatusCancelled:
		return "", fmt.Errorf("%w: hold %s is cancelled", ErrUnexpectedState, holdRef)
	}
	h.hold.Status = HoldStatusCaptured
	return HoldStatusCaptured, nil
}

func (s *Sandbox) Cancel(ctx context.Context, holdRef string) (HoldStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shouldFail("cancel") {
		return "", fmt.Errorf("%w: sandbox cancel failure", ErrProvider)
	}
	h, ok := s.holds[holdRef]
	if !ok {
		return "", ErrHoldNotFound
	}
	switch h.hold.Status {
	case HoldStatusCancelled:
		return HoldStatusCancelled, nil
	case HoldStatusCaptured:
		return "", fmt.Errorf("%w: hold %s is captured", ErrUnexpectedState, holdRef)
	}
	h.hold.Status = HoldStatusCancelled
	return HoldStatusCancelled, nil
}

// Status reports the current state of a hold, for tests and diagnostics.
func (s *Sandbox) Status(holdRef string) (HoldStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdRef]
	if !ok {
		return "", false
	}
	return h.hold.Status, true
}
