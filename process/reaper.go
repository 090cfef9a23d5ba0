package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/models"

	"go.uber.org/zap"
)

// Reaper cancels processes that sat in PAID without shipping for too long,
// releasing the buyer's held funds.
type Reaper struct {
	machine *Machine
	logger  *zap.Logger
}

func NewReaper(machine *Machine, logger *zap.Logger) *Reaper {
	return &Reaper{machine: machine, logger: logger}
}

// Sweep cancels every PAID process not updated within olderThan and returns
// how many it cancelled. Processes another writer holds are skipped and
// picked up by the next sweep.
func (r *Reaper) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.machine.now().Add(-olderThan)
	stale, err := r.machine.store.ListStale(ctx, models.ProcessStatusPaid, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale processes: %w", err)
	}

	cancelled := 0
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return cancelled, err
		}
		_, err := r.machine.applySystem(ctx, p.ID, models.ProcessStatusPaid, models.ProcessStatusCancelled,
			fmt.Sprintf("not shipped within %s", olderThan))
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrIllegalTransition):
			r.logger.Debug("Skipping stale process", zap.String("process_id", p.ID), zap.Error(err))
		default:
			r.logger.Error("Failed to cancel stale process", zap.String("process_id", p.ID), zap.Error(err))
		}
	}

	if cancelled > 0 {
		r.logger.Info("Cancelled stale paid processes", zap.Int("count", cancelled))
	}
	return cancelled, nil
}
