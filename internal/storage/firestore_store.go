package storage

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/gig-dispatch/internal/models"
)

// Collection names used by the mobile clients.
const (
	workersCollection  = "workers"
	usersCollection    = "users"
	historyCollection  = "locationHistory"
	bookingsCollection = "jobs"
)

// FirestoreStore keeps workers, profiles, history and bookings in Cloud
// Firestore. Booking transitions run inside transactions; counters use
// server-side increments.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore initialises the Firebase Admin SDK. When credentialsFile
// is empty application-default credentials are used.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Firestore: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (f *FirestoreStore) Close() error { return f.client.Close() }

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func notFoundOr(err error) error {
	if isNotFound(err) {
		return models.ErrNotFound
	}
	return err
}

func (f *FirestoreStore) UpsertWorker(ctx context.Context, w models.Worker) (*models.Worker, error) {
	ref := f.client.Collection(workersCollection).Doc(w.ID)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(ref)
		if isNotFound(err) {
			return tx.Create(ref, w)
		}
		if err != nil {
			return err
		}
		updates := []firestore.Update{
			{Path: "category", Value: w.Category},
			{Path: "is_online", Value: w.Online},
			{Path: "stats.experience_years", Value: w.Stats.ExperienceYears},
		}
		if w.Position != nil {
			updates = append(updates,
				firestore.Update{Path: "location", Value: *w.Position},
				firestore.Update{Path: "geohash", Value: w.Geohash},
			)
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return nil, err
	}
	return f.GetWorker(ctx, w.ID)
}

func (f *FirestoreStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	snap, err := f.client.Collection(workersCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFoundOr(err)
	}
	var w models.Worker
	if err := snap.DataTo(&w); err != nil {
		return nil, err
	}
	w.ID = snap.Ref.ID
	return &w, nil
}

func (f *FirestoreStore) ListWorkers(ctx context.Context, category string) ([]models.Worker, error) {
	q := f.client.Collection(workersCollection).Query
	if category != "" {
		q = q.Where("category", "==", category)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]models.Worker, 0, len(docs))
	for _, d := range docs {
		// the mobile onboarding flow keeps a placeholder document in this collection
		if d.Ref.ID == "onboarding" {
			continue
		}
		var w models.Worker
		if err := d.DataTo(&w); err != nil {
			return nil, fmt.Errorf("decode worker %s: %w", d.Ref.ID, err)
		}
		w.ID = d.Ref.ID
		out = append(out, w)
	}
	return out, nil
}

func (f *FirestoreStore) SetPosition(ctx context.Context, id string, pos models.Position, geohash string) error {
	_, err := f.client.Collection(workersCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "location", Value: pos},
		{Path: "geohash", Value: geohash},
		{Path: "last_seen", Value: firestore.ServerTimestamp},
	})
	return notFoundOr(err)
}

func (f *FirestoreStore) IncrementStats(ctx context.Context, id string, jobs int64, earnings float64) error {
	_, err := f.client.Collection(workersCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "stats.total_jobs", Value: firestore.Increment(jobs)},
		{Path: "stats.lifetime_earnings", Value: firestore.Increment(earnings)},
	})
	return notFoundOr(err)
}

func (f *FirestoreStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	snap, err := f.client.Collection(usersCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFoundOr(err)
	}
	var p models.Profile
	if err := snap.DataTo(&p); err != nil {
		return nil, err
	}
	p.ID = snap.Ref.ID
	return &p, nil
}

func (f *FirestoreStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	_, err := f.client.Collection(workersCollection).Doc(e.WorkerID).Collection(historyCollection).Doc(e.ID).Set(ctx, e)
	return err
}

func (f *FirestoreStore) History(ctx context.Context, workerID string, limit int) ([]models.HistoryEntry, error) {
	docs, err := f.client.Collection(workersCollection).Doc(workerID).Collection(historyCollection).
		OrderBy("capturedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryEntry, len(docs))
	for i, d := range docs {
		var e models.HistoryEntry
		if err := d.DataTo(&e); err != nil {
			return nil, err
		}
		e.ID = d.Ref.ID
		// reverse into oldest-first order
		out[len(docs)-1-i] = e
	}
	return out, nil
}

func (f *FirestoreStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	_, err := f.client.Collection(bookingsCollection).Doc(b.ID).Create(ctx, b)
	if status.Code(err) == codes.AlreadyExists {
		return models.ErrConflict
	}
	return err
}

func (f *FirestoreStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	snap, err := f.client.Collection(bookingsCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return decodeBooking(snap)
}

func decodeBooking(snap *firestore.DocumentSnapshot) (*models.Booking, error) {
	var b models.Booking
	if err := snap.DataTo(&b); err != nil {
		return nil, err
	}
	b.ID = snap.Ref.ID
	return &b, nil
}

func (f *FirestoreStore) TransitionBooking(ctx context.Context, tr models.Transition) (*models.Booking, error) {
	ref := f.client.Collection(bookingsCollection).Doc(tr.BookingID)
	var out *models.Booking
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return notFoundOr(err)
		}
		b, err := decodeBooking(snap)
		if err != nil {
			return err
		}
		if err := checkTransition(b, tr); err != nil {
			return err
		}
		applyTransition(b, tr)
		out = b
		return tx.Set(ref, b)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FirestoreStore) UpdateTracking(ctx context.Context, id string, snap models.TrackingSnapshot) (bool, error) {
	ref := f.client.Collection(bookingsCollection).Doc(id)
	var applied bool
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		doc, err := tx.Get(ref)
		if err != nil {
			return notFoundOr(err)
		}
		b, err := decodeBooking(doc)
		if err != nil {
			return err
		}
		if !b.Status.Tracked() {
			return nil
		}
		applied = true
		return tx.Update(ref, []firestore.Update{{Path: "tracking", Value: snap}})
	})
	return applied, err
}

func (f *FirestoreStore) ActiveBookingsForWorker(ctx context.Context, workerID string) ([]models.Booking, error) {
	docs, err := f.client.Collection(bookingsCollection).
		Where("workerId", "==", workerID).
		Where("status", "in", []string{string(models.StatusAssigned), string(models.StatusInProgress)}).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]models.Booking, 0, len(docs))
	for _, d := range docs {
		b, err := decodeBooking(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}
