package models

import "time"

// UnassignedWorker is the worker id a booking carries until a worker is assigned.
const UnassignedWorker = "unassigned"

type Point struct {
	Lat float64 `json:"lat" firestore:"lat"`
	Lng float64 `json:"lng" firestore:"lng"`
}

// Position is a worker's last known location.
type Position struct {
	Lat        float64   `json:"lat" firestore:"lat"`
	Lng        float64   `json:"lng" firestore:"lng"`
	Accuracy   float64   `json:"accuracy" firestore:"accuracy"`
	CapturedAt time.Time `json:"capturedAt" firestore:"capturedAt"`
}

func (p Position) Point() Point { return Point{Lat: p.Lat, Lng: p.Lng} }

type QualityStats struct {
	AvgRating          float64 `json:"avg_rating" firestore:"avg_rating"`
	ExperienceYears    int     `json:"experience_years" firestore:"experience_years"`
	TotalJobsCompleted int64   `json:"total_jobs" firestore:"total_jobs"`
	LifetimeEarnings   float64 `json:"lifetime_earnings" firestore:"lifetime_earnings"`
}

type Worker struct {
	ID       string       `json:"id" firestore:"-"`
	Category string       `json:"category" firestore:"category"`
	Position *Position    `json:"location,omitempty" firestore:"location,omitempty"`
	Geohash  string       `json:"geohash,omitempty" firestore:"geohash,omitempty"`
	Online   bool         `json:"is_online" firestore:"is_online"`
	Stats    QualityStats `json:"stats" firestore:"stats"`
}

// Profile is the identity record used to enrich match results.
type Profile struct {
	ID     string `json:"id" firestore:"-"`
	Name   string `json:"name" firestore:"name"`
	Avatar string `json:"avatar" firestore:"avatar"`
	Online *bool  `json:"is_online,omitempty" firestore:"is_online,omitempty"`
}

type HistoryEntry struct {
	ID         string    `json:"id" firestore:"-"`
	WorkerID   string    `json:"workerId" firestore:"workerId"`
	Lat        float64   `json:"lat" firestore:"lat"`
	Lng        float64   `json:"lng" firestore:"lng"`
	Accuracy   float64   `json:"accuracy" firestore:"accuracy"`
	CapturedAt time.Time `json:"capturedAt" firestore:"capturedAt"`
}

// LocationEvent is emitted for every accepted location ping.
type LocationEvent struct {
	WorkerID string   `json:"worker_id"`
	Category string   `json:"category"`
	Geohash  string   `json:"geohash"`
	Position Position `json:"position"`
}

type ScoredWorker struct {
	Worker
	Name      string   `json:"name"`
	Avatar    string   `json:"avatar"`
	RatingAvg float64  `json:"rating_avg"`
	Distance  *float64 `json:"distance"`
	Score     float64  `json:"score"`
	AIScore   float64  `json:"ai_score"`
}

type NearbyWorker struct {
	WorkerID   string  `json:"worker_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	DistanceKm float64 `json:"distance_km"`
}
