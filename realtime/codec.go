package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/thesis-rbk/Wassalha-sub003/models"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownEvent = errors.New("unknown event")
)

// ClientEvent is one of the closed set of messages a client may send.
type ClientEvent interface {
	Name() models.EventName
	Process() string
}

type JoinRoom struct{ models.RoomPayload }

type LeaveRoom struct{ models.RoomPayload }

type StatusUpdate struct{ models.StatusUpdatePayload }

type OfferMade struct{ models.OfferMadePayload }

// Signal is an ephemeral coordination hint relayed to the room as is.
type Signal struct {
	Event models.EventName
	models.SignalPayload
}

func (e JoinRoom) Name() models.EventName     { return models.EventJoinProcessRoom }
func (e LeaveRoom) Name() models.EventName    { return models.EventLeaveProcessRoom }
func (e StatusUpdate) Name() models.EventName { return models.EventProcessStatusUpdate }
func (e OfferMade) Name() models.EventName    { return models.EventOfferMadeOrder }
func (e Signal) Name() models.EventName       { return e.Event }

func (e JoinRoom) Process() string     { return e.ProcessID }
func (e LeaveRoom) Process() string    { return e.ProcessID }
func (e StatusUpdate) Process() string { return e.ProcessID }
func (e OfferMade) Process() string    { return e.ProcessID }
func (e Signal) Process() string       { return e.ProcessID }

// Decode parses a client frame into its variant. Payload fields outside the
// variant's shape are rejected.
func Decode(frame []byte) (ClientEvent, error) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev ClientEvent
	var err error
	switch env.Event {
	case models.EventJoinProcessRoom:
		var v JoinRoom
		err = decodeData(env.Data, &v.RoomPayload)
		ev = v
	case models.EventLeaveProcessRoom:
		var v LeaveRoom
		err = decodeData(env.Data, &v.RoomPayload)
		ev = v
	case models.EventProcessStatusUpdate:
		var v StatusUpdate
		err = decodeData(env.Data, &v.StatusUpdatePayload)
		if err == nil && strings.TrimSpace(v.Status) == "" {
			err = fmt.Errorf("%w: status is required", ErrMalformed)
		}
		ev = v
	case models.EventOfferMadeOrder:
		var v OfferMade
		err = decodeData(env.Data, &v.OfferMadePayload)
		ev = v
	case models.EventPhotoTaken, models.EventProductConfirmed, models.EventPaymentConfirmed, models.EventPickupSuggested:
		v := Signal{Event: env.Event}
		err = decodeData(env.Data, &v.SignalPayload)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ev.Process()) == "" {
		return nil, fmt.Errorf("%w: processId is required", ErrMalformed)
	}
	return ev, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode builds a server frame.
func Encode(event models.EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Event: event, Data: data})
}
