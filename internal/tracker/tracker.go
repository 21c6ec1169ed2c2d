// Package tracker is the worker-side location reporting policy: it decides
// which GPS fixes are worth sending and buffers the ones that fail to send.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/models"
)

// Fix is a single GPS reading.
type Fix struct {
	Lat        float64
	Lng        float64
	Accuracy   float64
	CapturedAt time.Time
}

// Source produces a fix on demand for periodic sampling.
type Source interface {
	Current(ctx context.Context) (Fix, error)
}

// ErrRejected marks a fix the server refused outright. Rejected fixes are
// dropped instead of queued.
var ErrRejected = errors.New("location rejected")

type Transmitter interface {
	Send(ctx context.Context, workerID string, fix Fix) error
}

// Session identifies the signed-in worker. A tracker lives for one session.
type Session struct {
	WorkerID     string
	ReducedPower bool
}

type Config struct {
	UpdateFrequency   time.Duration
	MinDistanceMeters float64
	QueueCap          int
}

// ConfigFor returns the sampling policy for normal or reduced-power mode.
func ConfigFor(reducedPower bool) Config {
	if reducedPower {
		return Config{UpdateFrequency: 120 * time.Second, MinDistanceMeters: 30, QueueCap: 50}
	}
	return Config{UpdateFrequency: 30 * time.Second, MinDistanceMeters: 10, QueueCap: 50}
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithConfig(cfg Config) Option {
	return func(t *Tracker) { t.cfg = cfg }
}

type Tracker struct {
	session Session
	cfg     Config
	src     Source
	tx      Transmitter
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	tracking bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// sendMu serializes transmission and guards the fields below
	sendMu       sync.Mutex
	lastPosition *Fix
	lastSentAt   time.Time
	queue        []Fix
}

// New builds a tracker for a session. src may be nil when fixes only arrive
// through HandleFix.
func New(session Session, src Source, tx Transmitter, logger *zap.Logger, opts ...Option) (*Tracker, error) {
	if session.WorkerID == "" {
		return nil, errors.New("tracker: session has no worker id")
	}
	if tx == nil {
		return nil, errors.New("tracker: transmitter is required")
	}
	t := &Tracker{
		session: session,
		cfg:     ConfigFor(session.ReducedPower),
		src:     src,
		tx:      tx,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.cfg.QueueCap <= 0 {
		t.cfg.QueueCap = 50
	}
	return t, nil
}

// Start begins periodic sampling. Calling Start on a running tracker is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracking {
		return
	}
	t.tracking = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.logger.Info("location tracking started",
		zap.String("worker_id", t.session.WorkerID),
		zap.Bool("reduced_power", t.session.ReducedPower),
		zap.Duration("frequency", t.cfg.UpdateFrequency),
	)
	if t.src != nil {
		t.wg.Add(1)
		go t.sampleLoop(ctx)
	}
}

func (t *Tracker) sampleLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.UpdateFrequency)
	defer ticker.Stop()
	for {
		t.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) sample(ctx context.Context) {
	fix, err := t.src.Current(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("position sample failed", zap.Error(err))
		}
		return
	}
	if _, err := t.HandleFix(ctx, fix); err != nil && ctx.Err() == nil {
		t.logger.Debug("location not sent, queued", zap.Error(err))
	}
}

// Stop cancels sampling and waits for the sampler and any in-flight send to
// finish. No fix is sent after Stop returns. Safe to call more than once and
// from shutdown hooks.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	t.tracking = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	t.wg.Wait()
	// wait out a send already in flight; later HandleFix calls see tracking off
	t.sendMu.Lock()
	queued := len(t.queue)
	t.sendMu.Unlock()
	t.logger.Info("location tracking stopped",
		zap.String("worker_id", t.session.WorkerID),
		zap.Int("queued_fixes", queued),
	)
}

func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// HandleFix applies the transmit policy to a fix. It reports whether the fix
// itself was delivered. Queued fixes are flushed oldest first before it.
func (t *Tracker) HandleFix(ctx context.Context, fix Fix) (bool, error) {
	if !geo.IsValidCoordinate(fix.Lat, fix.Lng) {
		return false, fmt.Errorf("%w: lat=%v lng=%v", models.ErrInvalidCoordinate, fix.Lat, fix.Lng)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if !t.Tracking() {
		return false, nil
	}
	if fix.CapturedAt.IsZero() {
		fix.CapturedAt = t.now()
	}
	if !t.shouldTransmit(fix) {
		return false, nil
	}
	f := fix
	t.lastPosition = &f

	for len(t.queue) > 0 {
		err := t.tx.Send(ctx, t.session.WorkerID, t.queue[0])
		if errors.Is(err, ErrRejected) {
			t.logger.Warn("dropping rejected queued fix", zap.String("worker_id", t.session.WorkerID), zap.Error(err))
			t.queue = t.queue[1:]
			continue
		}
		if err != nil {
			t.enqueue(fix)
			return false, err
		}
		t.queue = t.queue[1:]
	}
	if err := t.tx.Send(ctx, t.session.WorkerID, fix); err != nil {
		// a rejected fix would be rejected again
		if !errors.Is(err, ErrRejected) {
			t.enqueue(fix)
		}
		return false, err
	}
	t.lastSentAt = t.now()
	return true, nil
}

func (t *Tracker) shouldTransmit(fix Fix) bool {
	if t.lastPosition == nil {
		return true
	}
	if t.now().Sub(t.lastSentAt) >= t.cfg.UpdateFrequency {
		return true
	}
	moved := geo.DistanceKm(t.lastPosition.Lat, t.lastPosition.Lng, fix.Lat, fix.Lng) * 1000
	return moved >= t.cfg.MinDistanceMeters
}

// enqueue appends to the offline queue, dropping the oldest entry when full.
func (t *Tracker) enqueue(fix Fix) {
	if len(t.queue) >= t.cfg.QueueCap {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, fix)
}

// pending returns a copy of the offline queue, oldest first.
func (t *Tracker) pending() []Fix {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	out := make([]Fix, len(t.queue))
	copy(out, t.queue)
	return out
}
