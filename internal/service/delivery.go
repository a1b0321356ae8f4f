package service

import (
	"fmt"

	"github.com/noah-isme/gema-sync/internal/models"
)

var deliveryEdges = map[models.DeliveryStatus][]models.DeliveryStatus{
	models.StatusPending:   {models.StatusSent, models.StatusFailed},
	models.StatusSent:      {models.StatusDelivered, models.StatusFailed},
	models.StatusDelivered: {models.StatusRead},
	models.StatusFailed:    {models.StatusPending},
}

// forward rank along pending -> sent -> delivered -> read. failed has no rank.
var deliveryRank = map[models.DeliveryStatus]int{
	models.StatusPending:   0,
	models.StatusSent:      1,
	models.StatusDelivered: 2,
	models.StatusRead:      3,
}

// CanTransition reports whether from -> to is a legal delivery edge.
func CanTransition(from, to models.DeliveryStatus) bool {
	for _, next := range deliveryEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition applies a single edge, refusing anything not listed in the machine.
func Transition(from, to models.DeliveryStatus) (models.DeliveryStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// Advance walks a confirmed message forward towards target one legal edge at
// a time. Only sent and delivered messages move; a pending or failed message
// has not been confirmed by the server and is left alone. The returned flag is
// false when nothing changed, which includes every backward request.
func Advance(from, target models.DeliveryStatus) (models.DeliveryStatus, bool) {
	if from != models.StatusSent && from != models.StatusDelivered {
		return from, false
	}
	targetRank, ok := deliveryRank[target]
	if !ok || targetRank <= deliveryRank[from] {
		return from, false
	}

	current := from
	for deliveryRank[current] < targetRank {
		var next models.DeliveryStatus
		switch current {
		case models.StatusSent:
			next = models.StatusDelivered
		case models.StatusDelivered:
			next = models.StatusRead
		default:
			return current, current != from
		}
		if !CanTransition(current, next) {
			return current, current != from
		}
		current = next
	}
	return current, true
}
