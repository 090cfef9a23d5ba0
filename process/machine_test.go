package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/escrow"
	"github.com/thesis-rbk/Wassalha-sub003/models"

	"go.uber.org/zap/zaptest"
)

const (
	buyerID    = "user-buyer"
	travelerID = "user-traveler"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) ProcessChanged(ctx context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// countingGateway records every call that reaches the escrow provider.
type countingGateway struct {
	escrow.Gateway

	mu          sync.Mutex
	creates     int
	captures    int
	cancels     int
	refs        []string
	afterCreate func(*escrow.Hold)
}

func (g *countingGateway) CreateHold(ctx context.Context, req escrow.HoldRequest) (*escrow.Hold, error) {
	g.mu.Lock()
	g.creates++
	g.mu.Unlock()
	hold, err := g.Gateway.CreateHold(ctx, req)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.refs = append(g.refs, hold.Ref)
	if g.afterCreate != nil {
		g.afterCreate(hold)
	}
	g.mu.Unlock()
	return hold, nil
}

func (g *countingGateway) Capture(ctx context.Context, holdRef string) (escrow.HoldStatus, error) {
	g.mu.Lock()
	g.captures++
	g.mu.Unlock()
	return g.Gateway.Capture(ctx, holdRef)
}

func (g *countingGateway) Cancel(ctx context.Context, holdRef string) (escrow.HoldStatus, error) {
	g.mu.Lock()
	g.cancels++
	g.mu.Unlock()
	return g.Gateway.Cancel(ctx, holdRef)
}

// calls returns the create, capture and cancel counts.
func (g *countingGateway) calls() (int, int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.captures, g.cancels
}

func (g *countingGateway) createdRefs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refs...)
}

type fixture struct {
	store    *fakeStore
	sandbox  *escrow.Sandbox
	gateway  *countingGateway
	machine  *Machine
	observed *recorder

	clockMu sync.Mutex
	clock   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		sandbox:  escrow.NewSandbox(zaptest.NewLogger(t)),
		observed: &recorder{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.gateway = &countingGateway{Gateway: f.sandbox}
	opts = append([]Option{
		WithObservers(f.observed),
		WithClock(f.tick),
	}, opts...)
	f.machine = NewMachine(f.store, f.gateway, zaptest.NewLogger(t), opts...)
	return f
}

// tick advances the fake clock by a second per call.
func (f *fixture) tick() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) create(t *testing.T, kind models.ProcessKind) *models.Process {
	t.Helper()
	req := models.CreateProcessRequest{
		Kind:         kind,
		Buyer:        models.Party{ID: buyerID, Name: "Amira"},
		Counterparty: models.Party{ID: travelerID, Name: "Youssef"},
		Amount:       42.50,
	}
	if kind == models.ProcessKindOrder {
		req.OrderID = "order-1"
	} else {
		req.SponsorshipID = "sponsorship-1"
	}
	p, _, err := f.machine.CreateProcess(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateProcess() error = %v", err)
	}
	return p
}

func (f *fixture) advance(t *testing.T, id string, steps ...step) {
	t.Helper()
	for _, s := range steps {
		if _, err := f.machine.ApplyTransition(context.Background(), id, s.to, s.actor, ""); err != nil {
			t.Fatalf("ApplyTransition(%s by %s) error = %v", s.to, s.actor, err)
		}
	}
}

type step struct {
	to    models.ProcessStatus
	actor string
}

var toPickup = []step{
	{models.ProcessStatusConfirmed, travelerID},
	{models.ProcessStatusPaid, buyerID},
	{models.ProcessStatusInTransit, travelerID},
	{models.ProcessStatusPickupMeet, travelerID},
}

// reach drives a fresh order process into status along a legal path.
func (f *fixture) reach(t *testing.T, status models.ProcessStatus) *models.Process {
	t.Helper()
	p := f.create(t, models.ProcessKindOrder)
	switch status {
	case models.ProcessStatusInitialized:
	case models.ProcessStatusConfirmed:
		f.advance(t, p.ID, toPickup[:1]...)
	case models.ProcessStatusPaid:
		f.advance(t, p.ID, toPickup[:2]...)
	case models.ProcessStatusInTransit:
		f.advance(t, p.ID, toPickup[:3]...)
	case models.ProcessStatusPickupMeet:
		f.advance(t, p.ID, toPickup...)
	case models.ProcessStatusFinalized:
		f.advance(t, p.ID, toPickup...)
		f.advance(t, p.ID, step{models.ProcessStatusFinalized, buyerID})
	case models.ProcessStatusCancelled:
		if _, err := f.machine.ApplyTransition(context.Background(), p.ID, status, buyerID, "no longer needed"); err != nil {
			t.Fatalf("cancel error = %v", err)
		}
	default:
		t.Fatalf("no path to %s", status)
	}
	if got := f.status(t, p.ID); got != status {
		t.Fatalf("reached %s, want %s", got, status)
	}
	return p
}

func (f *fixture) status(t *testing.T, id string) models.ProcessStatus {
	t.Helper()
	p, err := f.store.GetProcess(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	return p.Status
}

func (f *fixture) payment(t *testing.T, id string) models.Payment {
	t.Helper()
	pay, err := f.store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPayment() error = %v", err)
	}
	return *pay
}

func TestHappyPathOrder(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)

	if p.Status != models.ProcessStatusInitialized || p.Version != 1 {
		t.Fatalf("new process = %s v%d, want INITIALIZED v1", p.Status, p.Version)
	}

	f.advance(t, p.ID, toPickup...)

	pay := f.payment(t, p.ID)
	if pay.Status != models.PaymentStatusProcessing || pay.TransactionID == nil {
		t.Fatalf("payment after PAID = %s (tx %v), want PROCESSING with a hold", pay.Status, pay.TransactionID)
	}

	res, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusFinalized, buyerID, "")
	if err != nil {
		t.Fatalf("finalize error = %v", err)
	}
	if !res.Process.ReviewUnlocked {
		t.Error("review not unlocked after finalize")
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusCompleted {
		t.Errorf("payment status = %s, want COMPLETED", got)
	}
	if st, _ := f.sandbox.Status(*pay.TransactionID); st != escrow.HoldStatusCaptured {
		t.Errorf("hold status = %s, want captured", st)
	}
	if creates, captures, cancels := f.gateway.calls(); creates != 1 || captures != 1 || cancels != 0 {
		t.Errorf("escrow calls = %d/%d/%d, want one create and one capture", creates, captures, cancels)
	}

	events, err := f.machine.Events(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("len(events) = %d, want 6", len(events))
	}
	// newest first, contiguous chain
	for i := 0; i < len(events)-1; i++ {
		newer, older := events[i], events[i+1]
		if newer.FromStatus != older.ToStatus {
			t.Errorf("event %d from %s does not follow %s", newer.Seq, newer.FromStatus, older.ToStatus)
		}
		if newer.Seq != older.Seq+1 {
			t.Errorf("seq gap between %d and %d", older.Seq, newer.Seq)
		}
	}
	if events[len(events)-1].FromStatus != "" {
		t.Errorf("root event from = %q, want empty", events[len(events)-1].FromStatus)
	}
	if events[0].ChangedByName != "Amira" {
		t.Errorf("finalize changed_by_name = %q, want Amira", events[0].ChangedByName)
	}
	if f.observed.count() != 6 {
		t.Errorf("observer calls = %d, want 6", f.observed.count())
	}
}

func TestRoleEnforcement(t *testing.T) {
	tests := []struct {
		name  string
		actor string
		to    models.ProcessStatus
		note  string
	}{
		{"buyer cannot confirm", buyerID, models.ProcessStatusConfirmed, ""},
		{"stranger cannot confirm", "user-stranger", models.ProcessStatusConfirmed, ""},
		{"reserved system id", SystemActorID, models.ProcessStatusCancelled, "no"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.create(t, models.ProcessKindOrder)

			_, err := f.machine.ApplyTransition(context.Background(), p.ID, tt.to, tt.actor, tt.note)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("error = %v, want ErrUnauthorized", err)
			}
			if got := f.status(t, p.ID); got != models.ProcessStatusInitialized {
				t.Errorf("status = %s, want unchanged", got)
			}
			events, _ := f.store.ListEvents(context.Background(), p.ID)
			if len(events) != 1 {
				t.Errorf("len(events) = %d, want only the root event", len(events))
			}
		})
	}
}

func TestEveryTransitionEnforcesRoles(t *testing.T) {
	actors := []struct {
		id   string
		role Role
	}{
		{buyerID, RoleBuyer},
		{travelerID, RoleCounterparty},
		{"user-stranger", ""},
	}

	for _, tr := range Transitions() {
		for _, a := range actors {
			allowed := a.role != "" && tr.Allows(a.role)
			t.Run(fmt.Sprintf("%s to %s by %s", tr.From, tr.To, a.id), func(t *testing.T) {
				f := newFixture(t)
				p := f.reach(t, tr.From)
				note := ""
				if tr.RequiresNote {
					note = "a reason"
				}

				_, err := f.machine.ApplyTransition(context.Background(), p.ID, tr.To, a.id, note)
				if allowed {
					if err != nil {
						t.Fatalf("error = %v, want success", err)
					}
					if got := f.status(t, p.ID); got != tr.To {
						t.Errorf("status = %s, want %s", got, tr.To)
					}
					return
				}
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("error = %v, want ErrUnauthorized", err)
				}
				if got := f.status(t, p.ID); got != tr.From {
					t.Errorf("status = %s, want unchanged %s", got, tr.From)
				}
			})
		}
	}
}

func TestIllegalPairsAreRejected(t *testing.T) {
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			if _, ok := Lookup(from, to); ok || from == to {
				continue
			}
			t.Run(fmt.Sprintf("%s to %s", from, to), func(t *testing.T) {
				f := newFixture(t)
				p := f.reach(t, from)
				before, _ := f.store.ListEvents(context.Background(), p.ID)
				creates, captures, cancels := f.gateway.calls()

				_, err := f.machine.ApplyTransition(context.Background(), p.ID, to, buyerID, "a reason")
				var te *TransitionError
				if !errors.As(err, &te) || te.Kind != ErrIllegalTransition {
					t.Fatalf("error = %v, want ErrIllegalTransition", err)
				}
				if te.Current != from {
					t.Errorf("Current = %s, want %s", te.Current, from)
				}
				if got := f.status(t, p.ID); got != from {
					t.Errorf("status = %s, want unchanged %s", got, from)
				}
				after, _ := f.store.ListEvents(context.Background(), p.ID)
				if len(after) != len(before) {
					t.Errorf("len(events) = %d, want %d", len(after), len(before))
				}
				c1, c2, c3 := f.gateway.calls()
				if c1 != creates || c2 != captures || c3 != cancels {
					t.Error("rejected transition reached the escrow provider")
				}
			})
		}
	}
}

func TestIllegalTransitionReportsCurrentStatus(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)

	_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusInTransit, travelerID, "")
	var te *TransitionError
	if !errors.As(err, &te) || te.Kind != ErrIllegalTransition {
		t.Fatalf("error = %v, want illegal transition", err)
	}
	if te.Current != models.ProcessStatusInitialized {
		t.Errorf("Current = %s, want INITIALIZED", te.Current)
	}

	// terminal states have no outgoing edges
	f.advance(t, p.ID, toPickup...)
	f.advance(t, p.ID, step{models.ProcessStatusFinalized, buyerID})
	_, err = f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusCancelled, buyerID, "changed my mind")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel after finalize error = %v, want ErrIllegalTransition", err)
	}
}

func TestReapplyingCurrentStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)
	f.advance(t, p.ID, toPickup[:2]...)
	holdRef := *f.payment(t, p.ID).TransactionID
	before := f.observed.count()
	creates, captures, cancels := f.gateway.calls()

	res, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusPaid, buyerID, "")
	if err != nil {
		t.Fatalf("re-pay error = %v", err)
	}
	if res.Event != nil || res.Hold != nil {
		t.Errorf("re-pay produced event=%v hold=%v, want neither", res.Event, res.Hold)
	}
	if res.Payment == nil || *res.Payment.TransactionID != holdRef {
		t.Errorf("re-pay payment = %+v, want existing hold %s", res.Payment, holdRef)
	}
	if f.observed.count() != before {
		t.Error("observer notified on no-op")
	}
	if c1, c2, c3 := f.gateway.calls(); c1 != creates || c2 != captures || c3 != cancels {
		t.Errorf("escrow calls changed to %d/%d/%d on no-op", c1, c2, c3)
	}
	events, _ := f.store.ListEvents(context.Background(), p.ID)
	if len(events) != 3 {
		t.Errorf("len(events) = %d, want 3", len(events))
	}
}

func TestCancelRequiresNote(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)

	_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusCancelled, buyerID, "  ")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}

	res, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusCancelled, buyerID, "found it locally")
	if err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	if res.Event.Note == nil || *res.Event.Note != "found it locally" {
		t.Errorf("event note = %v", res.Event.Note)
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusPending {
		t.Errorf("payment status = %s, want PENDING for a cancel without hold", got)
	}
}

func TestCancelAfterPaymentRefundsHold(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)
	f.advance(t, p.ID, toPickup[:2]...)
	ref := *f.payment(t, p.ID).TransactionID

	if _, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusCancelled, travelerID, "flight cancelled"); err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusRefund {
		t.Errorf("payment status = %s, want REFUND", got)
	}
	if st, _ := f.sandbox.Status(ref); st != escrow.HoldStatusCancelled {
		t.Errorf("hold status = %s, want cancelled", st)
	}
	if _, captures, cancels := f.gateway.calls(); cancels != 1 || captures != 0 {
		t.Errorf("escrow calls = %d captures, %d cancels, want exactly one cancel", captures, cancels)
	}
}

func TestCancelWithoutHoldSkipsEscrow(t *testing.T) {
	f := newFixture(t)
	p := f.reach(t, models.ProcessStatusConfirmed)

	if _, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusCancelled, travelerID, "out of stock"); err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	if creates, captures, cancels := f.gateway.calls(); creates+captures+cancels != 0 {
		t.Errorf("escrow calls = %d/%d/%d, want none", creates, captures, cancels)
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusPending {
		t.Errorf("payment status = %s, want PENDING", got)
	}
}

func TestEscrowFailureLeavesStatusUnchanged(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)
	f.advance(t, p.ID, toPickup[:1]...)
	f.sandbox.FailNext("create", 1)

	_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusPaid, buyerID, "")
	if !errors.Is(err, ErrEscrowFailure) {
		t.Fatalf("error = %v, want ErrEscrowFailure", err)
	}
	if got := f.status(t, p.ID); got != models.ProcessStatusConfirmed {
		t.Errorf("status = %s, want CONFIRMED", got)
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusPending {
		t.Errorf("payment status = %s, want PENDING", got)
	}

	// a retry goes through once the provider recovers
	if _, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusPaid, buyerID, ""); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if got := f.status(t, p.ID); got != models.ProcessStatusPaid {
		t.Errorf("status after retry = %s, want PAID", got)
	}
}

func TestRepeatedCaptureFailureCancelsProcess(t *testing.T) {
	f := newFixture(t, WithMaxCaptureFailures(3))
	p := f.create(t, models.ProcessKindOrder)
	f.advance(t, p.ID, toPickup...)
	ref := *f.payment(t, p.ID).TransactionID
	f.sandbox.FailNext("capture", 3)

	for i := 1; i <= 2; i++ {
		_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusFinalized, buyerID, "")
		if !errors.Is(err, ErrEscrowFailure) {
			t.Fatalf("attempt %d error = %v, want ErrEscrowFailure", i, err)
		}
		if got := f.status(t, p.ID); got != models.ProcessStatusPickupMeet {
			t.Fatalf("attempt %d status = %s, want PICKUP_MEET", i, got)
		}
	}

	_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusFinalized, buyerID, "")
	var te *TransitionError
	if !errors.As(err, &te) || te.Kind != ErrEscrowFailure {
		t.Fatalf("third attempt error = %v, want ErrEscrowFailure", err)
	}
	if te.Current != models.ProcessStatusCancelled {
		t.Errorf("reported current = %s, want CANCELLED", te.Current)
	}
	if got := f.status(t, p.ID); got != models.ProcessStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got)
	}
	pay := f.payment(t, p.ID)
	if pay.Status != models.PaymentStatusRefund {
		t.Errorf("payment status = %s, want REFUND", pay.Status)
	}
	if pay.FailureCount != 3 {
		t.Errorf("failure count = %d, want 3", pay.FailureCount)
	}
	if st, _ := f.sandbox.Status(ref); st != escrow.HoldStatusCancelled {
		t.Errorf("hold status = %s, want cancelled", st)
	}

	events, _ := f.store.ListEvents(context.Background(), p.ID)
	if events[0].ChangedByUserID != SystemActorID || events[0].ToStatus != models.ProcessStatusCancelled {
		t.Errorf("latest event = %+v, want system cancellation", events[0])
	}
}

func TestLockContentionIsConflict(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)

	l := f.store.lockFor(p.ID)
	l.Lock()
	_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusConfirmed, travelerID, "")
	l.Unlock()

	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("error = %v, want ErrConcurrencyConflict", err)
	}
	if got := f.status(t, p.ID); got != models.ProcessStatusInitialized {
		t.Errorf("status = %s, want INITIALIZED", got)
	}
}

func TestConcurrentTransitionsCommitOnce(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)
	f.advance(t, p.ID, toPickup...)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusFinalized, buyerID, "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusInTransit, buyerID, "wrong item")
	}()
	wg.Wait()

	events, _ := f.store.ListEvents(context.Background(), p.ID)
	committed := 0
	for _, ev := range events {
		if ev.FromStatus == models.ProcessStatusPickupMeet {
			committed++
		}
	}
	if committed != 1 {
		t.Fatalf("transitions out of PICKUP_MEET = %d, want exactly 1 (errors %v)", committed, errs)
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrConcurrencyConflict) && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("loser error = %v, want conflict or illegal", err)
		}
	}
}

func TestCommitFailureReleasesHold(t *testing.T) {
	f := newFixture(t)
	p := f.reach(t, models.ProcessStatusConfirmed)
	f.store.failCommit = errCommitFailed

	_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusPaid, buyerID, "")
	if !errors.Is(err, errCommitFailed) {
		t.Fatalf("error = %v, want commit failure", err)
	}
	f.store.failCommit = nil

	if got := f.status(t, p.ID); got != models.ProcessStatusConfirmed {
		t.Errorf("status = %s, want CONFIRMED", got)
	}
	refs := f.gateway.createdRefs()
	if len(refs) != 1 {
		t.Fatalf("holds created = %d, want 1", len(refs))
	}
	if st, _ := f.sandbox.Status(refs[0]); st != escrow.HoldStatusCancelled {
		t.Errorf("orphaned hold status = %s, want cancelled", st)
	}

	// the retry must not be handed the released hold back
	res, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusPaid, buyerID, "")
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	ref := *res.Payment.TransactionID
	if ref == refs[0] {
		t.Fatalf("retry reused released hold %s", ref)
	}
	if st, _ := f.sandbox.Status(ref); st != escrow.HoldStatusRequiresCapture {
		t.Errorf("retry hold status = %s, want requires_capture", st)
	}

	f.advance(t, p.ID, toPickup[2:]...)
	if _, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusFinalized, buyerID, ""); err != nil {
		t.Fatalf("finalize error = %v", err)
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusCompleted {
		t.Errorf("payment status = %s, want COMPLETED", got)
	}
}

func TestPayRefusesSettledHold(t *testing.T) {
	for _, status := range []escrow.HoldStatus{escrow.HoldStatusCancelled, escrow.HoldStatusCaptured} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			p := f.reach(t, models.ProcessStatusConfirmed)
			f.gateway.afterCreate = func(h *escrow.Hold) { h.Status = status }

			_, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusPaid, buyerID, "")
			if !errors.Is(err, ErrEscrowFailure) {
				t.Fatalf("error = %v, want ErrEscrowFailure", err)
			}
			if got := f.status(t, p.ID); got != models.ProcessStatusConfirmed {
				t.Errorf("status = %s, want CONFIRMED", got)
			}
			pay := f.payment(t, p.ID)
			if pay.Status != models.PaymentStatusPending || pay.TransactionID != nil {
				t.Errorf("payment = %s (tx %v), want PENDING without a hold", pay.Status, pay.TransactionID)
			}
		})
	}
}

func TestRejectDeliveryClearsProof(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)
	f.advance(t, p.ID, toPickup...)

	if _, err := f.machine.SubmitProof(context.Background(), p.ID, travelerID, "proofs/box.jpg"); err != nil {
		t.Fatalf("SubmitProof() error = %v", err)
	}
	if _, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusInTransit, buyerID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("reject without reason error = %v, want ErrInvalidInput", err)
	}

	res, err := f.machine.ApplyTransition(context.Background(), p.ID, models.ProcessStatusInTransit, buyerID, "wrong color")
	if err != nil {
		t.Fatalf("reject error = %v", err)
	}
	if res.Process.VerificationImage != nil {
		t.Errorf("verification image = %v, want cleared", *res.Process.VerificationImage)
	}
	stored, _ := f.store.GetProcess(context.Background(), p.ID)
	if stored.VerificationImage != nil {
		t.Error("stored verification image not cleared")
	}
	if got := f.payment(t, p.ID).Status; got != models.PaymentStatusProcessing {
		t.Errorf("payment status = %s, want PROCESSING", got)
	}
}

func TestSubmitProof(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindOrder)

	if _, err := f.machine.SubmitProof(context.Background(), p.ID, travelerID, "x.jpg"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("proof before transit error = %v, want ErrIllegalTransition", err)
	}
	f.advance(t, p.ID, toPickup[:3]...)
	if _, err := f.machine.SubmitProof(context.Background(), p.ID, buyerID, "x.jpg"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("proof by buyer error = %v, want ErrUnauthorized", err)
	}

	before := f.observed.count()
	got, err := f.machine.SubmitProof(context.Background(), p.ID, travelerID, "x.jpg")
	if err != nil {
		t.Fatalf("SubmitProof() error = %v", err)
	}
	if got.VerificationImage == nil || *got.VerificationImage != "x.jpg" {
		t.Errorf("verification image = %v", got.VerificationImage)
	}
	if got.Status != models.ProcessStatusInTransit {
		t.Errorf("status = %s, want IN_TRANSIT", got.Status)
	}
	if f.observed.count() != before+1 {
		t.Error("observer not notified of proof")
	}
	events, _ := f.store.ListEvents(context.Background(), p.ID)
	if len(events) != 4 {
		t.Errorf("len(events) = %d, proof must not append an event", len(events))
	}
}

func TestCreateProcessValidation(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.ProcessKindOrder)

	_, _, err := f.machine.CreateProcess(context.Background(), models.CreateProcessRequest{
		Kind:         models.ProcessKindOrder,
		OrderID:      "order-1",
		Buyer:        models.Party{ID: "a", Name: "A"},
		Counterparty: models.Party{ID: "b", Name: "B"},
		Amount:       10,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate error = %v, want ErrDuplicate", err)
	}

	invalid := []models.CreateProcessRequest{
		{Kind: models.ProcessKindOrder, Buyer: models.Party{ID: "a"}, Counterparty: models.Party{ID: "b"}, Amount: 1},
		{Kind: models.ProcessKindOrder, OrderID: "o", SponsorshipID: "s", Buyer: models.Party{ID: "a"}, Counterparty: models.Party{ID: "b"}, Amount: 1},
		{Kind: models.ProcessKindSponsorship, SponsorshipID: "s", Buyer: models.Party{ID: "a"}, Counterparty: models.Party{ID: "a"}, Amount: 1},
		{Kind: models.ProcessKindOrder, OrderID: "o2", Buyer: models.Party{ID: "a"}, Counterparty: models.Party{ID: "b"}, Amount: 0},
		{Kind: "TRIP", OrderID: "o3", Buyer: models.Party{ID: "a"}, Counterparty: models.Party{ID: "b"}, Amount: 1},
	}
	for i, req := range invalid {
		if _, _, err := f.machine.CreateProcess(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("case %d error = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestUnknownProcess(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.ApplyTransition(context.Background(), "missing", models.ProcessStatusConfirmed, travelerID, "")
	var te *TransitionError
	if !errors.As(err, &te) || te.Kind != ErrNotFound {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if te.ProcessID != "missing" {
		t.Errorf("ProcessID = %q, want missing", te.ProcessID)
	}
	if _, err := f.machine.Events(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Events() error = %v, want ErrNotFound", err)
	}
}

func TestSponsorshipUsesPhaseLabels(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, models.ProcessKindSponsorship)

	status, err := ParseStatus(p.Kind, "VERIFIED")
	if err != nil {
		t.Fatalf("ParseStatus() error = %v", err)
	}
	if _, err := f.machine.ApplyTransition(context.Background(), p.ID, status, travelerID, ""); err != nil {
		t.Fatalf("verify error = %v", err)
	}
	if got := Phase(p.Kind, f.status(t, p.ID)); got != "VERIFIED" {
		t.Errorf("phase = %s, want VERIFIED", got)
	}
}
