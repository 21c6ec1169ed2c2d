package dispatch

import (
	"fmt"
	"strings"

	"github.com/example/gig-dispatch/internal/models"
)

// AllowedTransitions is the booking lifecycle. Terminal statuses have no entry.
var AllowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.StatusPending:    {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

func CanTransition(from, to models.BookingStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts the wire names plus the "in-progress" spelling older
// clients send.
func ParseStatus(raw string) (models.BookingStatus, error) {
	s := models.BookingStatus(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	switch s {
	case models.StatusPending, models.StatusAssigned, models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", models.ErrValidation, raw)
}

// NormalizeWorkerID maps the unassigned sentinels clients use to UnassignedWorker.
func NormalizeWorkerID(raw string) string {
	if models.IsUnassigned(raw) {
		return models.UnassignedWorker
	}
	return strings.TrimSpace(raw)
}
