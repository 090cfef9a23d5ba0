package models

import (
	"encoding/json"
	"time"
)

type EventName string

// Client -> server events.
const (
	EventJoinProcessRoom     EventName = "joinProcessRoom"
	EventLeaveProcessRoom    EventName = "leaveProcessRoom"
	EventProcessStatusUpdate EventName = "processStatusUpdate"
	EventOfferMadeOrder      EventName = "offerMadeOrder"
	EventPhotoTaken          EventName = "photoTaken"
	EventProductConfirmed    EventName = "productConfirmed"
	EventPaymentConfirmed    EventName = "paymentConfirmed"
	EventPickupSuggested     EventName = "pickupSuggested"
)

// Server -> client events.
const (
	EventProcessStatusChanged EventName = "processStatusChanged"
	EventPartyPresence        EventName = "partyPresence"
	EventRoomJoined           EventName = "roomJoined"
	EventError                EventName = "error"
)

// Envelope is the wire frame for every realtime message in both directions.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type RoomPayload struct {
	ProcessID string `json:"processId"`
}

type StatusUpdatePayload struct {
	ProcessID string `json:"processId"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
}

type OfferMadePayload struct {
	ProcessID string `json:"processId"`
	RequestID string `json:"requestId"`
}

// SignalPayload carries ephemeral coordination hints (photoTaken,
// productConfirmed, paymentConfirmed, pickupSuggested). Never persisted.
type SignalPayload struct {
	ProcessID string `json:"processId"`
	UserID    string `json:"userId,omitempty"`
	Location  string `json:"location,omitempty"`
	Time      string `json:"time,omitempty"`
	Image     string `json:"image,omitempty"`
}

// StatusChangedPayload carries the canonical Status and the kind's Phase
// label. Clients that send a status back must echo Phase: for sponsorships
// the label "CONFIRMED" names FINALIZED, not the canonical CONFIRMED.
type StatusChangedPayload struct {
	ProcessID string        `json:"processId"`
	Status    ProcessStatus `json:"status"`
	Phase     string        `json:"phase"`
	Seq       int64         `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
}

type PresencePayload struct {
	ProcessID string `json:"processId"`
	UserID    string `json:"userId"`
	Online    bool   `json:"online"`
}

type ErrorPayload struct {
	ProcessID     string        `json:"processId,omitempty"`
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	CurrentStatus ProcessStatus `json:"currentStatus,omitempty"`
}

// RoomMessage is what the hub delivers to a room and what the Kafka relay
// carries between instances. Seq is zero for ephemeral signals.
type RoomMessage struct {
	ProcessID string          `json:"process_id"`
	Event     EventName       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Seq       int64           `json:"seq,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Origin    string          `json:"origin"`
}
