package process

import (
	"context"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/models"
)

// Store is the persistence contract of the state machine. Implementations
// return ErrNotFound, ErrDuplicate and ErrConcurrencyConflict (wrapped is
// fine) for the corresponding conditions.
type Store interface {
	CreateProcess(ctx context.Context, p *models.Process, pay *models.Payment, root *models.ProcessEvent) error
	GetProcess(ctx context.Context, id string) (*models.Process, error)
	FindProcessByReference(ctx context.Context, kind models.ProcessKind, referenceID string) (*models.Process, error)
	GetPayment(ctx context.Context, processID string) (*models.Payment, error)
	FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error)
	ListEvents(ctx context.Context, processID string) ([]models.ProcessEvent, error)
	ListStale(ctx context.Context, status models.ProcessStatus, updatedBefore time.Time) ([]models.Process, error)
	IncrementPaymentFailures(ctx context.Context, paymentID string) (int, error)

	// WithProcessLock runs fn in one unit of work holding the exclusive
	// lock of the process row. Writes made through tx commit together
	// when fn returns nil and are discarded otherwise. A lock held by
	// another unit of work yields ErrConcurrencyConflict without waiting.
	WithProcessLock(ctx context.Context, processID string, fn func(tx Tx, p *models.Process) error) error
}

type Tx interface {
	Payment(ctx context.Context, processID string) (*models.Payment, error)
	// CommitTransition stores p's new status and appends ev. It fails with
	// ErrConcurrencyConflict when the stored version is not expectedVersion.
	CommitTransition(ctx context.Context, p *models.Process, expectedVersion int64, ev *models.ProcessEvent) error
	UpdatePayment(ctx context.Context, pay *models.Payment) error
	UpdateProof(ctx context.Context, processID string, image *string, at time.Time) error
}
