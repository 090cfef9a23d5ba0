package process

import (
	"context"

	"github.com/thesis-rbk/Wassalha-sub003/models"
)

// Change describes a committed mutation of a process. Event is nil when
// the mutation was not a status change (proof of delivery). Payment is the
// payment record as of the same commit.
type Change struct {
	Process models.Process
	Event   *models.ProcessEvent
	Payment *models.Payment
}

// Observer is notified after a change is durable. Notifications for one
// process can race each other; Event.Seq is the commit order. Observers must
// not block and must swallow their own failures.
type Observer interface {
	ProcessChanged(ctx context.Context, change Change)
}

type ObserverFunc func(ctx context.Context, change Change)

func (f ObserverFunc) ProcessChanged(ctx context.Context, change Change) { f(ctx, change) }
