package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/gig-dispatch/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	workers  map[string]models.Worker
	profiles map[string]models.Profile
	history  map[string][]models.HistoryEntry
	bookings map[string]models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:  make(map[string]models.Worker),
		profiles: make(map[string]models.Profile),
		history:  make(map[string][]models.HistoryEntry),
		bookings: make(map[string]models.Booking),
	}
}

// PutWorker stores w as-is, counters included. Used for seeding.
func (m *MemoryStore) PutWorker(w models.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = cloneWorker(w)
}

func (m *MemoryStore) PutProfile(p models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *MemoryStore) UpsertWorker(_ context.Context, w models.Worker) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workers[w.ID]
	if !ok {
		cur = cloneWorker(w)
	} else {
		cur.Category = w.Category
		cur.Online = w.Online
		cur.Stats.ExperienceYears = w.Stats.ExperienceYears
		if w.Position != nil {
			p := *w.Position
			cur.Position = &p
			cur.Geohash = w.Geohash
		}
	}
	m.workers[w.ID] = cur
	out := cloneWorker(cur)
	return &out, nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := cloneWorker(w)
	return &out, nil
}

func (m *MemoryStore) ListWorkers(_ context.Context, category string) ([]models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if category != "" && w.Category != category {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetPosition(_ context.Context, id string, pos models.Position, geohash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return models.ErrNotFound
	}
	w.Position = &pos
	w.Geohash = geohash
	m.workers[id] = w
	return nil
}

func (m *MemoryStore) IncrementStats(_ context.Context, id string, jobs int64, earnings float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return models.ErrNotFound
	}
	w.Stats.TotalJobsCompleted += jobs
	w.Stats.LifetimeEarnings += earnings
	m.workers[id] = w
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, e models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.history[e.WorkerID], e)
	// keep ordered by capture time; out-of-order pings are rare
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CapturedAt.Before(entries[j].CapturedAt) })
	m.history[e.WorkerID] = entries
	return nil
}

func (m *MemoryStore) History(_ context.Context, workerID string, limit int) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[workerID]
	start := 0
	if limit > 0 && len(entries) > limit {
		start = len(entries) - limit
	}
	out := make([]models.HistoryEntry, len(entries)-start)
	copy(out, entries[start:])
	return out, nil
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return models.ErrConflict
	}
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &b, nil
}

func (m *MemoryStore) TransitionBooking(_ context.Context, tr models.Transition) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[tr.BookingID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if err := checkTransition(&b, tr); err != nil {
		return nil, err
	}
	applyTransition(&b, tr)
	m.bookings[b.ID] = b
	return &b, nil
}

func (m *MemoryStore) UpdateTracking(_ context.Context, id string, snap models.TrackingSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !b.Status.Tracked() {
		return false, nil
	}
	b.Tracking = &snap
	m.bookings[id] = b
	return true, nil
}

func (m *MemoryStore) ActiveBookingsForWorker(_ context.Context, workerID string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Booking
	for _, b := range m.bookings {
		if b.WorkerID == workerID && b.Status.Tracked() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneWorker(w models.Worker) models.Worker {
	if w.Position != nil {
		p := *w.Position
		w.Position = &p
	}
	return w
}
