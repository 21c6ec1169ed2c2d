package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/gig-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const workerColumns = `id, category, lat, lng, accuracy, captured_at, geohash, is_online, avg_rating, experience_years, total_jobs, lifetime_earnings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var (
		w                  models.Worker
		lat, lng, accuracy sql.NullFloat64
		capturedAt         sql.NullTime
		geohash            sql.NullString
	)
	err := row.Scan(&w.ID, &w.Category, &lat, &lng, &accuracy, &capturedAt, &geohash, &w.Online,
		&w.Stats.AvgRating, &w.Stats.ExperienceYears, &w.Stats.TotalJobsCompleted, &w.Stats.LifetimeEarnings)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		w.Position = &models.Position{Lat: lat.Float64, Lng: lng.Float64, Accuracy: accuracy.Float64, CapturedAt: capturedAt.Time}
		w.Geohash = geohash.String
	}
	return &w, nil
}

func (p *PostgresStore) UpsertWorker(ctx context.Context, w models.Worker) (*models.Worker, error) {
	var lat, lng, accuracy sql.NullFloat64
	var capturedAt sql.NullTime
	var geohash sql.NullString
	if w.Position != nil {
		lat = sql.NullFloat64{Float64: w.Position.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: w.Position.Lng, Valid: true}
		accuracy = sql.NullFloat64{Float64: w.Position.Accuracy, Valid: true}
		capturedAt = sql.NullTime{Time: w.Position.CapturedAt, Valid: true}
		geohash = sql.NullString{String: w.Geohash, Valid: true}
	}
	// counters are only seeded on insert
	row := p.db.QueryRowContext(ctx, `INSERT INTO workers(id, category, lat, lng, accuracy, captured_at, geohash, is_online, avg_rating, experience_years)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			is_online = EXCLUDED.is_online,
			experience_years = EXCLUDED.experience_years,
			lat = COALESCE(EXCLUDED.lat, workers.lat),
			lng = COALESCE(EXCLUDED.lng, workers.lng),
			accuracy = COALESCE(EXCLUDED.accuracy, workers.accuracy),
			captured_at = COALESCE(EXCLUDED.captured_at, workers.captured_at),
			geohash = COALESCE(EXCLUDED.geohash, workers.geohash),
			updated_at = now()
		RETURNING `+workerColumns,
		w.ID, w.Category, lat, lng, accuracy, capturedAt, geohash, w.Online, w.Stats.AvgRating, w.Stats.ExperienceYears)
	return scanWorker(row)
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, err := scanWorker(p.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return w, err
}

func (p *PostgresStore) ListWorkers(ctx context.Context, category string) ([]models.Worker, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE ($1::text = '' OR category = $1::text) ORDER BY id`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetPosition(ctx context.Context, id string, pos models.Position, geohash string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET lat=$1, lng=$2, accuracy=$3, captured_at=$4, geohash=$5, updated_at=now() WHERE id=$6`,
		pos.Lat, pos.Lng, pos.Accuracy, pos.CapturedAt, geohash, id)
	return expectOneRow(res, err)
}

func (p *PostgresStore) IncrementStats(ctx context.Context, id string, jobs int64, earnings float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET total_jobs = total_jobs + $1, lifetime_earnings = lifetime_earnings + $2, updated_at=now() WHERE id=$3`,
		jobs, earnings, id)
	return expectOneRow(res, err)
}

func (p *PostgresStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	pr := models.Profile{ID: id}
	var name, avatar sql.NullString
	var online sql.NullBool
	err := p.db.QueryRowContext(ctx, `SELECT name, avatar, is_online FROM users WHERE id=$1`, id).Scan(&name, &avatar, &online)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Name, pr.Avatar = name.String, avatar.String
	if online.Valid {
		v := online.Bool
		pr.Online = &v
	}
	return &pr, nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_history(id, worker_id, lat, lng, accuracy, captured_at) VALUES($1,$2,$3,$4,$5,$6)`,
		e.ID, e.WorkerID, e.Lat, e.Lng, e.Accuracy, e.CapturedAt)
	return err
}

func (p *PostgresStore) History(ctx context.Context, workerID string, limit int) ([]models.HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, worker_id, lat, lng, accuracy, captured_at FROM location_history
		WHERE worker_id=$1 ORDER BY captured_at DESC, id DESC LIMIT $2`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.Lat, &e.Lng, &e.Accuracy, &e.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query; callers want oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

const bookingColumns = `id, customer_id, worker_id, service_category, status, price, site_lat, site_lng,
	created_at, assigned_at, started_at, completed_at, cancelled_at, cancel_reason,
	track_lat, track_lng, track_distance_km, track_eta_seconds, track_updated_at, version`

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                                               models.Booking
		siteLat, siteLng, trackLat, trackLng, dist, eta sql.NullFloat64
		assignedAt, startedAt, completedAt, cancelledAt sql.NullTime
		trackUpdated                                    sql.NullTime
		cancelReason                                    sql.NullString
	)
	err := row.Scan(&b.ID, &b.CustomerID, &b.WorkerID, &b.ServiceCategory, &b.Status, &b.Price, &siteLat, &siteLng,
		&b.Timeline.CreatedAt, &assignedAt, &startedAt, &completedAt, &cancelledAt, &cancelReason,
		&trackLat, &trackLng, &dist, &eta, &trackUpdated, &b.Version)
	if err != nil {
		return nil, err
	}
	if siteLat.Valid && siteLng.Valid {
		b.Site = &models.Point{Lat: siteLat.Float64, Lng: siteLng.Float64}
	}
	b.Timeline.AssignedAt = nullTime(assignedAt)
	b.Timeline.StartedAt = nullTime(startedAt)
	b.Timeline.CompletedAt = nullTime(completedAt)
	b.Timeline.CancelledAt = nullTime(cancelledAt)
	b.CancelReason = cancelReason.String
	if trackLat.Valid && trackLng.Valid {
		b.Tracking = &models.TrackingSnapshot{
			WorkerPosition:     models.Point{Lat: trackLat.Float64, Lng: trackLng.Float64},
			DistanceToCustomer: nullFloat(dist),
			ETASeconds:         nullFloat(eta),
			LastUpdated:        trackUpdated.Time,
		}
	}
	return &b, nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	var siteLat, siteLng sql.NullFloat64
	if b.Site != nil {
		siteLat = sql.NullFloat64{Float64: b.Site.Lat, Valid: true}
		siteLng = sql.NullFloat64{Float64: b.Site.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(id, customer_id, worker_id, service_category, status, price, site_lat, site_lng, created_at, version)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.CustomerID, b.WorkerID, b.ServiceCategory, b.Status, b.Price, siteLat, siteLng, b.Timeline.CreatedAt, b.Version)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return b, err
}

// TransitionBooking is a single conditional UPDATE; zero rows means either the
// booking is gone or another writer moved it first.
func (p *PostgresStore) TransitionBooking(ctx context.Context, tr models.Transition) (*models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `UPDATE bookings SET
			status = $1::text,
			version = version + 1,
			worker_id = CASE WHEN $2::text <> '' THEN $2::text ELSE worker_id END,
			assigned_at = CASE WHEN $1::text = 'assigned' THEN COALESCE(assigned_at, $3) ELSE assigned_at END,
			started_at = CASE WHEN $1::text = 'in_progress' THEN COALESCE(started_at, $3) ELSE started_at END,
			completed_at = CASE WHEN $1::text = 'completed' THEN COALESCE(completed_at, $3) ELSE completed_at END,
			cancelled_at = CASE WHEN $1::text = 'cancelled' THEN COALESCE(cancelled_at, $3) ELSE cancelled_at END,
			cancel_reason = CASE WHEN $1::text = 'cancelled' THEN $4::text ELSE cancel_reason END
		WHERE id = $5 AND status = $6 AND version = $7
		RETURNING `+bookingColumns,
		string(tr.To), tr.WorkerID, tr.At, tr.Reason, tr.BookingID, string(tr.From), tr.Version))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id=$1)`, tr.BookingID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, models.ErrNotFound
		}
		return nil, models.ErrConflict
	}
	return b, err
}

func (p *PostgresStore) UpdateTracking(ctx context.Context, id string, snap models.TrackingSnapshot) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET track_lat=$1, track_lng=$2, track_distance_km=$3, track_eta_seconds=$4, track_updated_at=$5
		WHERE id=$6 AND status IN ('assigned', 'in_progress')`,
		snap.WorkerPosition.Lat, snap.WorkerPosition.Lng, floatPtr(snap.DistanceToCustomer), floatPtr(snap.ETASeconds), snap.LastUpdated, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) ActiveBookingsForWorker(ctx context.Context, workerID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE worker_id=$1 AND status IN ('assigned', 'in_progress') ORDER BY id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func floatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
