package process

import (
	"fmt"
	"strings"

	"github.com/thesis-rbk/Wassalha-sub003/models"
)

type Role string

const (
	RoleBuyer        Role = "BUYER"
	RoleCounterparty Role = "COUNTERPARTY"
	RoleSystem       Role = "SYSTEM"
)

// SystemActorID and SystemActorName identify transitions applied by the
// service itself (reaper sweeps, escrow escalation).
const (
	SystemActorID   = "system"
	SystemActorName = "system"
)

type Transition struct {
	From         models.ProcessStatus
	To           models.ProcessStatus
	Name         string
	Roles        []Role
	RequiresNote bool
}

func (t Transition) Allows(role Role) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type edge struct {
	from, to models.ProcessStatus
}

// transitions is the single authority for which (from, to) pairs exist and
// who may take them. Both the HTTP and realtime paths go through it.
var transitions = []Transition{
	{From: models.ProcessStatusInitialized, To: models.ProcessStatusConfirmed, Name: "confirm", Roles: []Role{RoleCounterparty}},
	{From: models.ProcessStatusConfirmed, To: models.ProcessStatusPaid, Name: "pay", Roles: []Role{RoleBuyer}},
	{From: models.ProcessStatusPaid, To: models.ProcessStatusInTransit, Name: "ship", Roles: []Role{RoleCounterparty}},
	{From: models.ProcessStatusInTransit, To: models.ProcessStatusPickupMeet, Name: "arrive", Roles: []Role{RoleCounterparty}},
	{From: models.ProcessStatusPickupMeet, To: models.ProcessStatusFinalized, Name: "confirm_receipt", Roles: []Role{RoleBuyer}},
	{From: models.ProcessStatusPickupMeet, To: models.ProcessStatusInTransit, Name: "reject_delivery", Roles: []Role{RoleBuyer}, RequiresNote: true},

	{From: models.ProcessStatusInitialized, To: models.ProcessStatusCancelled, Name: "cancel", Roles: []Role{RoleBuyer, RoleCounterparty}, RequiresNote: true},
	{From: models.ProcessStatusConfirmed, To: models.ProcessStatusCancelled, Name: "cancel", Roles: []Role{RoleBuyer, RoleCounterparty}, RequiresNote: true},
	{From: models.ProcessStatusPaid, To: models.ProcessStatusCancelled, Name: "cancel", Roles: []Role{RoleBuyer, RoleCounterparty, RoleSystem}, RequiresNote: true},
	{From: models.ProcessStatusInTransit, To: models.ProcessStatusCancelled, Name: "cancel", Roles: []Role{RoleCounterparty, RoleSystem}, RequiresNote: true},
	{From: models.ProcessStatusPickupMeet, To: models.ProcessStatusCancelled, Name: "cancel", Roles: []Role{RoleSystem}, RequiresNote: true},
}

var transitionIndex = func() map[edge]Transition {
	idx := make(map[edge]Transition, len(transitions))
	for _, t := range transitions {
		idx[edge{t.From, t.To}] = t
	}
	return idx
}()

// Lookup returns the transition for (from, to) if it is in the adjacency table.
func Lookup(from, to models.ProcessStatus) (Transition, bool) {
	t, ok := transitionIndex[edge{from, to}]
	return t, ok
}

// Transitions returns a copy of the full table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

var canonicalStatuses = []models.ProcessStatus{
	models.ProcessStatusInitialized,
	models.ProcessStatusConfirmed,
	models.ProcessStatusPaid,
	models.ProcessStatusInTransit,
	models.ProcessStatusPickupMeet,
	models.ProcessStatusFinalized,
	models.ProcessStatusCancelled,
}

// Statuses returns every canonical status in lifecycle order.
func Statuses() []models.ProcessStatus {
	out := make([]models.ProcessStatus, len(canonicalStatuses))
	copy(out, canonicalStatuses)
	return out
}

var phaseLabels = map[models.ProcessKind]map[models.ProcessStatus]string{
	models.ProcessKindOrder: {
		models.ProcessStatusInitialized: "INITIALIZED",
		models.ProcessStatusConfirmed:   "CONFIRMED",
		models.ProcessStatusPaid:        "PAID",
		models.ProcessStatusInTransit:   "IN_TRANSIT",
		models.ProcessStatusPickupMeet:  "PICKUP_MEET",
		models.ProcessStatusFinalized:   "FINALIZED",
		models.ProcessStatusCancelled:   "CANCELLED",
	},
	models.ProcessKindSponsorship: {
		models.ProcessStatusInitialized: "PREINITIALIZED",
		models.ProcessStatusConfirmed:   "VERIFIED",
		models.ProcessStatusPaid:        "PAYMENT",
		models.ProcessStatusInTransit:   "DELIVERY",
		models.ProcessStatusPickupMeet:  "HANDOFF",
		models.ProcessStatusFinalized:   "CONFIRMED",
		models.ProcessStatusCancelled:   "CANCELLED",
	},
}

// Phase returns the display label of status for the given process kind.
func Phase(kind models.ProcessKind, status models.ProcessStatus) string {
	if label, ok := phaseLabels[kind][status]; ok {
		return label
	}
	return string(status)
}

// ParseStatus maps a client-supplied status string onto a canonical status.
// Phase labels of the kind take precedence over canonical names, so for a
// sponsorship "CONFIRMED" means the buyer confirmed receipt. Phase output
// always round-trips; a canonical name only does where no label shadows it.
func ParseStatus(kind models.ProcessKind, raw string) (models.ProcessStatus, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	labels, ok := phaseLabels[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown process kind %q", ErrInvalidInput, kind)
	}
	for status, label := range labels {
		if label == s {
			return status, nil
		}
	}
	for _, status := range canonicalStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
}

// RoleOf resolves the role userID plays in p.
func RoleOf(p *models.Process, userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == p.BuyerID:
		return RoleBuyer, true
	case userID == p.CounterpartyID:
		return RoleCounterparty, true
	}
	return "", false
}

// actorName is the denormalized display name written on events.
func actorName(p *models.Process, role Role) string {
	switch role {
	case RoleBuyer:
		return p.BuyerName
	case RoleCounterparty:
		return p.CounterpartyName
	}
	return SystemActorName
}
