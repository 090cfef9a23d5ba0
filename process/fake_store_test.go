package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/models"
)

// fakeStore keeps processes in memory. Each process has a mutex taken with
// TryLock so contention behaves like FOR UPDATE NOWAIT.
type fakeStore struct {
	mu        sync.Mutex
	processes map[string]models.Process
	payments  map[string]models.Payment // by process id
	events    map[string][]models.ProcessEvent
	locks     map[string]*sync.Mutex

	failCommit error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		processes: make(map[string]models.Process),
		payments:  make(map[string]models.Payment),
		events:    make(map[string][]models.ProcessEvent),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *fakeStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *fakeStore) CreateProcess(ctx context.Context, p *models.Process, pay *models.Payment, root *models.ProcessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.processes {
		if existing.Kind == p.Kind && existing.ReferenceID() == p.ReferenceID() {
			return ErrDuplicate
		}
	}
	s.processes[p.ID] = *p
	s.payments[p.ID] = *pay
	s.events[p.ID] = []models.ProcessEvent{*root}
	return nil
}

func (s *fakeStore) GetProcess(ctx context.Context, id string) (*models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *fakeStore) FindProcessByReference(ctx context.Context, kind models.ProcessKind, referenceID string) (*models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.processes {
		if p.Kind == kind && p.ReferenceID() == referenceID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) GetPayment(ctx context.Context, processID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay, ok := s.payments[processID]
	if !ok {
		return nil, ErrNotFound
	}
	return &pay, nil
}

func (s *fakeStore) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pay := range s.payments {
		if pay.TransactionID != nil && *pay.TransactionID == transactionID {
			return &pay, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) ListEvents(ctx context.Context, processID string) ([]models.ProcessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.ProcessEvent(nil), s.events[processID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (s *fakeStore) ListStale(ctx context.Context, status models.ProcessStatus, updatedBefore time.Time) ([]models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Process
	for _, p := range s.processes {
		if p.Status == status && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) IncrementPaymentFailures(ctx context.Context, paymentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pay := range s.payments {
		if pay.ID == paymentID {
			pay.FailureCount++
			s.payments[id] = pay
			return pay.FailureCount, nil
		}
	}
	return 0, ErrNotFound
}

func (s *fakeStore) WithProcessLock(ctx context.Context, processID string, fn func(tx Tx, p *models.Process) error) error {
	p, err := s.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	l := s.lockFor(processID)
	if !l.TryLock() {
		return ErrConcurrencyConflict
	}
	defer l.Unlock()

	// re-read under the lock
	p, err = s.GetProcess(ctx, processID)
	if err != nil {
		return err
	}

	tx := &fakeTx{store: s}
	if err := fn(tx, p); err != nil {
		return err
	}
	if s.failCommit != nil {
		return s.failCommit
	}
	return tx.flush()
}

type fakeTx struct {
	store    *fakeStore
	process  *models.Process
	expected int64
	event    *models.ProcessEvent
	payment  *models.Payment
	proofFor string
	proof    *string
	proofAt  time.Time
}

func (t *fakeTx) Payment(ctx context.Context, processID string) (*models.Payment, error) {
	return t.store.GetPayment(ctx, processID)
}

func (t *fakeTx) CommitTransition(ctx context.Context, p *models.Process, expectedVersion int64, ev *models.ProcessEvent) error {
	cp := *p
	t.process = &cp
	t.expected = expectedVersion
	evCopy := *ev
	t.event = &evCopy
	return nil
}

func (t *fakeTx) UpdatePayment(ctx context.Context, pay *models.Payment) error {
	cp := *pay
	t.payment = &cp
	return nil
}

func (t *fakeTx) UpdateProof(ctx context.Context, processID string, image *string, at time.Time) error {
	t.proofFor = processID
	t.proof = image
	t.proofAt = at
	return nil
}

func (t *fakeTx) flush() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.process != nil {
		stored := s.processes[t.process.ID]
		if stored.Version != t.expected {
			return ErrConcurrencyConflict
		}
		s.processes[t.process.ID] = *t.process
		s.events[t.process.ID] = append(s.events[t.process.ID], *t.event)
	}
	if t.payment != nil {
		s.payments[t.payment.ProcessID] = *t.payment
	}
	if t.proofFor != "" {
		p := s.processes[t.proofFor]
		p.VerificationImage = t.proof
		p.UpdatedAt = t.proofAt
		s.processes[t.proofFor] = p
	}
	return nil
}

var errCommitFailed = errors.New("commit failed")
