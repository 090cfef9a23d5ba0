package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/escrow"
	"github.com/thesis-rbk/Wassalha-sub003/middleware"
	"github.com/thesis-rbk/Wassalha-sub003/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "process-service"

// Machine is the only writer of process status and payment status.
type Machine struct {
	store              Store
	gateway            escrow.Gateway
	observers          []Observer
	logger             *zap.Logger
	currency           string
	maxCaptureFailures int
	now                func() time.Time
}

type Option func(*Machine)

func WithObservers(observers ...Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, observers...) }
}

// WithMaxCaptureFailures sets how many failed captures on one payment
// trigger the compensating cancellation. Zero disables escalation.
func WithMaxCaptureFailures(n int) Option {
	return func(m *Machine) { m.maxCaptureFailures = n }
}

func WithCurrency(currency string) Option {
	return func(m *Machine) { m.currency = currency }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(store Store, gateway escrow.Gateway, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:              store,
		gateway:            gateway,
		logger:             logger,
		currency:           "usd",
		maxCaptureFailures: 3,
		now:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddObserver registers an observer. Call before serving traffic.
func (m *Machine) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

type Result struct {
	Process *models.Process
	Payment *models.Payment
	// Event is nil when the process was already in the requested status.
	Event *models.ProcessEvent
	// Hold is set when this call placed a new escrow hold.
	Hold *escrow.Hold
}

type transitionRequest struct {
	processID string
	to        models.ProcessStatus
	actorID   string
	note      string
	system    bool
	// expectFrom, when set, aborts unless the locked process is still in it.
	expectFrom models.ProcessStatus
}

// ApplyTransition moves a process to status `to` on behalf of actorID.
// Re-applying the status the process already has succeeds without side
// effects.
func (m *Machine) ApplyTransition(ctx context.Context, processID string, to models.ProcessStatus, actorID, note string) (*Result, error) {
	return m.apply(ctx, transitionRequest{processID: processID, to: to, actorID: actorID, note: note})
}

// applySystem applies a SYSTEM transition, only if the process is still in
// status from when its lock is taken.
func (m *Machine) applySystem(ctx context.Context, processID string, from, to models.ProcessStatus, note string) (*Result, error) {
	return m.apply(ctx, transitionRequest{processID: processID, to: to, actorID: SystemActorID, note: note, system: true, expectFrom: from})
}

func (m *Machine) apply(ctx context.Context, req transitionRequest) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ApplyTransition")
	defer span.End()

	span.SetAttributes(
		attribute.String("process.id", req.processID),
		attribute.String("process.requested_status", string(req.to)),
		attribute.Bool("process.system", req.system),
	)

	if err := m.validateRequest(req); err != nil {
		return nil, err
	}

	var (
		result     Result
		current    *models.Process
		payment    *models.Payment
		placed     *escrow.Hold
		escrowFail bool
	)

	err := m.store.WithProcessLock(ctx, req.processID, func(tx Tx, p *models.Process) error {
		current = p

		role, err := m.roleFor(p, req)
		if err != nil {
			return err
		}
		if req.expectFrom != "" && p.Status != req.expectFrom {
			return newError(ErrIllegalTransition, p, req.to, fmt.Errorf("process left %s", req.expectFrom))
		}
		if p.Status == req.to {
			pay, err := tx.Payment(ctx, p.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to load payment: %w", err)
			}
			result = Result{Process: p, Payment: pay}
			return nil
		}

		t, ok := Lookup(p.Status, req.to)
		if !ok {
			return newError(ErrIllegalTransition, p, req.to, nil)
		}
		if !t.Allows(role) {
			return newError(ErrUnauthorized, p, req.to, fmt.Errorf("%s may not %s", strings.ToLower(string(role)), t.Name))
		}
		if t.RequiresNote && strings.TrimSpace(req.note) == "" {
			return newError(ErrInvalidInput, p, req.to, errors.New("a reason is required"))
		}

		pay, err := tx.Payment(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to load payment: %w", err)
		}
		payment = pay
		prevPaymentStatus := pay.Status

		now := m.now()
		next := *p
		next.Status = req.to
		next.Version = p.Version + 1
		next.UpdatedAt = now
		if t.Name == "reject_delivery" {
			next.VerificationImage = nil
		}

		hold, err := m.escrowEffect(ctx, &next, pay, role, now)
		if hold != nil {
			placed = hold
		}
		if err != nil {
			escrowFail = true
			return newError(ErrEscrowFailure, p, req.to, err)
		}

		ev := &models.ProcessEvent{
			ID:              uuid.NewString(),
			ProcessID:       p.ID,
			Seq:             next.Version,
			FromStatus:      p.Status,
			ToStatus:        req.to,
			ChangedByUserID: req.actorID,
			ChangedByName:   actorName(p, role),
			CreatedAt:       now,
		}
		if note := strings.TrimSpace(req.note); note != "" {
			ev.Note = &note
		}

		if err := tx.CommitTransition(ctx, &next, p.Version, ev); err != nil {
			return err
		}
		if pay.Status != prevPaymentStatus || hold != nil {
			if err := tx.UpdatePayment(ctx, pay); err != nil {
				return fmt.Errorf("failed to update payment: %w", err)
			}
		}

		result = Result{Process: &next, Payment: pay, Event: ev, Hold: hold}
		return nil
	})

	if err != nil {
		if placed != nil {
			m.releaseHold(ctx, req.processID, placed)
		}
		mapped := m.mapError(err, req, current)
		var te *TransitionError
		errors.As(mapped, &te)
		middleware.RecordTransition(statusLabel(current), string(req.to), Code(mapped))
		span.RecordError(mapped)

		if escrowFail && req.to == models.ProcessStatusFinalized && payment != nil {
			m.escalateCaptureFailure(ctx, payment, te)
		}
		return nil, mapped
	}

	if result.Event == nil {
		middleware.RecordTransition(string(result.Process.Status), string(req.to), "noop")
		return &result, nil
	}

	middleware.RecordTransition(string(result.Event.FromStatus), string(result.Event.ToStatus), "applied")
	m.logger.Info("Process transition applied",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("process_id", result.Process.ID),
		zap.String("from", string(result.Event.FromStatus)),
		zap.String("to", string(result.Event.ToStatus)),
		zap.String("actor", req.actorID),
		zap.Int64("seq", result.Event.Seq),
	)
	m.notify(ctx, Change{Process: *result.Process, Event: result.Event, Payment: result.Payment})
	return &result, nil
}

func (m *Machine) validateRequest(req transitionRequest) error {
	if req.processID == "" {
		return &TransitionError{Kind: ErrInvalidInput, Cause: errors.New("process id is required")}
	}
	if !req.system && req.actorID == "" {
		return &TransitionError{Kind: ErrInvalidInput, ProcessID: req.processID, Cause: errors.New("acting user id is required")}
	}
	if !req.system && req.actorID == SystemActorID {
		return &TransitionError{Kind: ErrUnauthorized, ProcessID: req.processID, Cause: errors.New("reserved actor id")}
	}
	for _, s := range canonicalStatuses {
		if s == req.to {
			return nil
		}
	}
	return &TransitionError{Kind: ErrInvalidInput, ProcessID: req.processID, Requested: req.to, Cause: fmt.Errorf("unknown status %q", req.to)}
}

func (m *Machine) roleFor(p *models.Process, req transitionRequest) (Role, error) {
	if req.system {
		return RoleSystem, nil
	}
	role, ok := RoleOf(p, req.actorID)
	if !ok {
		return "", newError(ErrUnauthorized, p, req.to, errors.New("actor is not a party to the process"))
	}
	return role, nil
}

// escrowEffect performs the gateway call the transition into next.Status
// requires and applies its outcome to pay. Nothing is written yet; the
// caller persists pay only if the whole unit of work commits.
func (m *Machine) escrowEffect(ctx context.Context, next *models.Process, pay *models.Payment, role Role, now time.Time) (*escrow.Hold, error) {
	switch next.Status {
	case models.ProcessStatusPaid:
		if pay.Status != models.PaymentStatusPending {
			return nil, fmt.Errorf("%w: payment is %s", escrow.ErrUnexpectedState, pay.Status)
		}
		hold, err := m.gateway.CreateHold(ctx, escrow.HoldRequest{
			OrderID:        next.ReferenceID(),
			ProcessID:      next.ID,
			AmountMinor:    escrow.ToMinorUnits(pay.Amount),
			Currency:       pay.Currency,
			BuyerID:        next.BuyerID,
			SellerID:       next.CounterpartyID,
			IdempotencyKey: fmt.Sprintf("hold-%s-%d-%s", next.ID, next.Version, uuid.NewString()),
		})
		if err != nil {
			return nil, err
		}
		if hold.Status == escrow.HoldStatusCancelled || hold.Status == escrow.HoldStatusCaptured {
			return nil, fmt.Errorf("%w: new hold %s is %s", escrow.ErrUnexpectedState, hold.Ref, hold.Status)
		}
		ref := hold.Ref
		pay.TransactionID = &ref
		pay.FailureCount = 0
		setPaymentStatus(pay, models.PaymentStatusProcessing, now)
		return hold, nil

	case models.ProcessStatusFinalized:
		if !pay.HasHold() {
			return nil, fmt.Errorf("%w: no escrow hold to capture (payment %s)", escrow.ErrUnexpectedState, pay.Status)
		}
		if _, err := m.gateway.Capture(ctx, *pay.TransactionID); err != nil {
			return nil, err
		}
		setPaymentStatus(pay, models.PaymentStatusCompleted, now)
		next.ReviewUnlocked = true

	case models.ProcessStatusCancelled:
		// without a hold there is nothing to release and the payment stays PENDING
		if pay.HasHold() {
			if _, err := m.gateway.Cancel(ctx, *pay.TransactionID); err != nil {
				if role != RoleSystem {
					return nil, err
				}
				m.logger.Error("Escrow cancel failed during system cancellation, marking payment failed",
					zap.String("process_id", next.ID),
					zap.String("transaction_id", *pay.TransactionID),
					zap.Error(err),
				)
				setPaymentStatus(pay, models.PaymentStatusFailed, now)
				return nil, nil
			}
			setPaymentStatus(pay, models.PaymentStatusRefund, now)
		}
	}
	return nil, nil
}

func setPaymentStatus(pay *models.Payment, status models.PaymentStatus, now time.Time) {
	if !pay.Status.CanBecome(status) {
		return
	}
	pay.Status = status
	pay.UpdatedAt = now
}

// releaseHold cancels a hold placed by a unit of work that did not commit.
func (m *Machine) releaseHold(ctx context.Context, processID string, hold *escrow.Hold) {
	if _, err := m.gateway.Cancel(ctx, hold.Ref); err != nil {
		m.logger.Error("Failed to release escrow hold after aborted transition",
			zap.String("process_id", processID),
			zap.String("hold_ref", hold.Ref),
			zap.Error(err),
		)
		return
	}
	m.logger.Warn("Released escrow hold after aborted transition",
		zap.String("process_id", processID),
		zap.String("hold_ref", hold.Ref),
	)
}

// escalateCaptureFailure counts a failed capture and, once the threshold is
// reached, cancels the process as the system so it does not stay stuck in
// PICKUP_MEET with funds held.
func (m *Machine) escalateCaptureFailure(ctx context.Context, pay *models.Payment, te *TransitionError) {
	count, err := m.store.IncrementPaymentFailures(ctx, pay.ID)
	if err != nil {
		m.logger.Error("Failed to record escrow capture failure", zap.String("payment_id", pay.ID), zap.Error(err))
		return
	}
	if m.maxCaptureFailures <= 0 || count < m.maxCaptureFailures {
		m.logger.Warn("Escrow capture failed, client may retry",
			zap.String("process_id", pay.ProcessID),
			zap.Int("failure_count", count),
		)
		return
	}

	m.logger.Error("Escrow capture failed repeatedly, cancelling process",
		zap.String("process_id", pay.ProcessID),
		zap.Int("failure_count", count),
	)
	res, err := m.applySystem(ctx, pay.ProcessID, models.ProcessStatusPickupMeet, models.ProcessStatusCancelled,
		fmt.Sprintf("escrow capture failed %d times", count))
	if err != nil {
		m.logger.Error("Compensating cancellation failed, manual intervention required",
			zap.String("process_id", pay.ProcessID),
			zap.Error(err),
		)
		return
	}
	if te != nil {
		te.Current = res.Process.Status
	}
}

func (m *Machine) mapError(err error, req transitionRequest, current *models.Process) error {
	var te *TransitionError
	if errors.As(err, &te) {
		return te
	}
	var kind error
	switch {
	case errors.Is(err, ErrNotFound):
		kind = ErrNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		kind = ErrConcurrencyConflict
	}
	if kind == nil {
		m.logger.Error("Transition failed", zap.String("process_id", req.processID), zap.Error(err))
		return fmt.Errorf("apply transition on %s: %w", req.processID, err)
	}
	out := newError(kind, current, req.to, nil)
	out.ProcessID = req.processID
	return out
}

func (m *Machine) notify(ctx context.Context, change Change) {
	for _, o := range m.observers {
		o.ProcessChanged(ctx, change)
	}
}

// CreateProcess opens the lifecycle of an order or sponsorship once an offer
// is accepted or a purchase initiated.
func (m *Machine) CreateProcess(ctx context.Context, req models.CreateProcessRequest) (*models.Process, *models.Payment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "CreateProcess")
	defer span.End()

	if err := validateCreate(req); err != nil {
		return nil, nil, &TransitionError{Kind: ErrInvalidInput, Cause: err}
	}

	now := m.now()
	p := &models.Process{
		ID:               uuid.NewString(),
		Kind:             req.Kind,
		Status:           models.ProcessStatusInitialized,
		BuyerID:          req.Buyer.ID,
		BuyerName:        req.Buyer.Name,
		CounterpartyID:   req.Counterparty.ID,
		CounterpartyName: req.Counterparty.Name,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Kind == models.ProcessKindOrder {
		ref := req.OrderID
		p.OrderID = &ref
	} else {
		ref := req.SponsorshipID
		p.SponsorshipID = &ref
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = m.currency
	}
	pay := &models.Payment{
		ID:        uuid.NewString(),
		ProcessID: p.ID,
		OrderID:   p.ReferenceID(),
		Amount:    req.Amount,
		Currency:  currency,
		Status:    models.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	root := &models.ProcessEvent{
		ID:              uuid.NewString(),
		ProcessID:       p.ID,
		Seq:             p.Version,
		ToStatus:        models.ProcessStatusInitialized,
		ChangedByUserID: p.BuyerID,
		ChangedByName:   p.BuyerName,
		CreatedAt:       now,
	}

	span.SetAttributes(attribute.String("process.id", p.ID), attribute.String("process.kind", string(p.Kind)))

	if err := m.store.CreateProcess(ctx, p, pay, root); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrDuplicate) {
			return nil, nil, &TransitionError{Kind: ErrDuplicate, Cause: fmt.Errorf("%s %s already has a process", strings.ToLower(string(p.Kind)), p.ReferenceID())}
		}
		return nil, nil, fmt.Errorf("create process: %w", err)
	}

	m.logger.Info("Process created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("process_id", p.ID),
		zap.String("kind", string(p.Kind)),
		zap.String("reference_id", p.ReferenceID()),
	)
	m.notify(ctx, Change{Process: *p, Event: root, Payment: pay})
	return p, pay, nil
}

func validateCreate(req models.CreateProcessRequest) error {
	switch req.Kind {
	case models.ProcessKindOrder:
		if req.OrderID == "" || req.SponsorshipID != "" {
			return errors.New("an order process needs order_id and no sponsorship_id")
		}
	case models.ProcessKindSponsorship:
		if req.SponsorshipID == "" || req.OrderID != "" {
			return errors.New("a sponsorship process needs sponsorship_id and no order_id")
		}
	default:
		return fmt.Errorf("unknown process kind %q", req.Kind)
	}
	if req.Buyer.ID == "" || req.Counterparty.ID == "" {
		return errors.New("buyer and counterparty ids are required")
	}
	if req.Buyer.ID == req.Counterparty.ID {
		return errors.New("buyer and counterparty must differ")
	}
	if req.Buyer.ID == SystemActorID || req.Counterparty.ID == SystemActorID {
		return errors.New("reserved party id")
	}
	if req.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// SubmitProof records the counterparty's proof-of-delivery reference. It is
// not a status change and appends no event.
func (m *Machine) SubmitProof(ctx context.Context, processID, actorID, image string) (*models.Process, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SubmitProof")
	defer span.End()

	if processID == "" || actorID == "" || strings.TrimSpace(image) == "" {
		return nil, &TransitionError{Kind: ErrInvalidInput, ProcessID: processID, Cause: errors.New("process id, user id and image are required")}
	}

	var (
		updated *models.Process
		payment *models.Payment
	)
	err := m.store.WithProcessLock(ctx, processID, func(tx Tx, p *models.Process) error {
		role, ok := RoleOf(p, actorID)
		if !ok || role != RoleCounterparty {
			return newError(ErrUnauthorized, p, "", errors.New("only the delivering party may submit proof"))
		}
		if p.Status != models.ProcessStatusInTransit && p.Status != models.ProcessStatusPickupMeet {
			return newError(ErrIllegalTransition, p, "", errors.New("proof is accepted only while in transit or at pickup"))
		}
		now := m.now()
		img := strings.TrimSpace(image)
		if err := tx.UpdateProof(ctx, p.ID, &img, now); err != nil {
			return err
		}
		pay, err := tx.Payment(ctx, p.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to load payment: %w", err)
		}
		next := *p
		next.VerificationImage = &img
		next.UpdatedAt = now
		updated = &next
		payment = pay
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, m.mapError(err, transitionRequest{processID: processID}, nil)
	}

	m.notify(ctx, Change{Process: *updated, Payment: payment})
	return updated, nil
}

// Get returns the process and its payment record.
func (m *Machine) Get(ctx context.Context, processID string) (*models.Process, *models.Payment, error) {
	p, err := m.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, nil, m.readError(err, processID)
	}
	pay, err := m.store.GetPayment(ctx, processID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, m.readError(err, processID)
	}
	return p, pay, nil
}

// Events returns the transition log of a process, newest first.
func (m *Machine) Events(ctx context.Context, processID string) ([]models.ProcessEvent, error) {
	if _, err := m.store.GetProcess(ctx, processID); err != nil {
		return nil, m.readError(err, processID)
	}
	events, err := m.store.ListEvents(ctx, processID)
	if err != nil {
		return nil, m.readError(err, processID)
	}
	return events, nil
}

// FindByReference resolves the process of an order or sponsorship id.
func (m *Machine) FindByReference(ctx context.Context, kind models.ProcessKind, referenceID string) (*models.Process, error) {
	p, err := m.store.FindProcessByReference(ctx, kind, referenceID)
	if err != nil {
		return nil, m.readError(err, referenceID)
	}
	return p, nil
}

// FindByTransaction resolves the process that owns an escrow hold.
func (m *Machine) FindByTransaction(ctx context.Context, transactionID string) (*models.Process, *models.Payment, error) {
	pay, err := m.store.FindPaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, m.readError(err, transactionID)
	}
	p, err := m.store.GetProcess(ctx, pay.ProcessID)
	if err != nil {
		return nil, nil, m.readError(err, pay.ProcessID)
	}
	return p, pay, nil
}

func (m *Machine) readError(err error, id string) error {
	if errors.Is(err, ErrNotFound) {
		return &TransitionError{Kind: ErrNotFound, ProcessID: id}
	}
	return fmt.Errorf("read %s: %w", id, err)
}

func statusLabel(p *models.Process) string {
	if p == nil {
		return "unknown"
	}
	return string(p.Status)
}
