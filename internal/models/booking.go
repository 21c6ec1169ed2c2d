package models

import (
	"strings"
	"time"
)

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusAssigned   BookingStatus = "assigned"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Tracked reports whether location pings refresh the tracking snapshot.
func (s BookingStatus) Tracked() bool {
	return s == StatusAssigned || s == StatusInProgress
}

type Timeline struct {
	CreatedAt   time.Time  `json:"created_at" firestore:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at" firestore:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at" firestore:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at" firestore:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" firestore:"cancelled_at,omitempty"`
}

type TrackingSnapshot struct {
	WorkerPosition     Point     `json:"worker_location" firestore:"worker_location"`
	DistanceToCustomer *float64  `json:"distance" firestore:"distance,omitempty"`
	ETASeconds         *float64  `json:"eta" firestore:"eta,omitempty"`
	LastUpdated        time.Time `json:"last_updated" firestore:"last_updated"`
}

type Booking struct {
	ID              string            `json:"id" firestore:"-"`
	CustomerID      string            `json:"customerId" firestore:"customerId"`
	WorkerID        string            `json:"workerId" firestore:"workerId"`
	ServiceCategory string            `json:"serviceType" firestore:"serviceType"`
	Status          BookingStatus     `json:"status" firestore:"status"`
	Price           float64           `json:"price" firestore:"price"`
	Site            *Point            `json:"location,omitempty" firestore:"location,omitempty"`
	Timeline        Timeline          `json:"timeline" firestore:"timeline"`
	Tracking        *TrackingSnapshot `json:"tracking,omitempty" firestore:"tracking,omitempty"`
	CancelReason    string            `json:"cancelReason,omitempty" firestore:"cancelReason,omitempty"`
	Version         int64             `json:"version" firestore:"version"`
}

func (b *Booking) Assigned() bool {
	return !IsUnassigned(b.WorkerID)
}

// IsUnassigned reports whether a booking worker id is one of the placeholders
// clients write before a worker is picked.
func IsUnassigned(workerID string) bool {
	switch strings.TrimSpace(workerID) {
	case "", UnassignedWorker, "auto-assign":
		return true
	}
	return false
}

// Transition is a version-guarded status change applied by a store.
type Transition struct {
	BookingID string
	From      BookingStatus
	To        BookingStatus
	Version   int64
	At        time.Time
	WorkerID  string
	Reason    string
}
