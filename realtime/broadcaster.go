package realtime

import (
	"context"
	"encoding/json"

	"github.com/thesis-rbk/Wassalha-sub003/models"
	"github.com/thesis-rbk/Wassalha-sub003/process"

	"go.uber.org/zap"
)

// Broadcaster turns committed process changes into room messages.
type Broadcaster struct {
	hub    *Hub
	logger *zap.Logger
}

func NewBroadcaster(hub *Hub, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, logger: logger}
}

func (b *Broadcaster) ProcessChanged(ctx context.Context, change process.Change) {
	p := change.Process

	if change.Event == nil {
		if p.VerificationImage == nil {
			return
		}
		// proof of delivery is a hint, the record is already persisted
		b.emit(ctx, models.RoomMessage{
			ProcessID: p.ID,
			Event:     models.EventPhotoTaken,
			SenderID:  p.CounterpartyID,
		}, models.SignalPayload{ProcessID: p.ID, UserID: p.CounterpartyID, Image: *p.VerificationImage})
		return
	}

	b.emit(ctx, models.RoomMessage{
		ProcessID: p.ID,
		Event:     models.EventProcessStatusChanged,
		Seq:       change.Event.Seq,
	}, models.StatusChangedPayload{
		ProcessID: p.ID,
		Status:    change.Event.ToStatus,
		Phase:     process.Phase(p.Kind, change.Event.ToStatus),
		Seq:       change.Event.Seq,
		Timestamp: change.Event.CreatedAt,
	})
}

func (b *Broadcaster) emit(ctx context.Context, msg models.RoomMessage, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to encode room message", zap.String("process_id", msg.ProcessID), zap.Error(err))
		return
	}
	msg.Data = data
	b.hub.Emit(ctx, msg)
}
