package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/models"
	"github.com/example/gig-dispatch/internal/observability"
)

const writeWait = 5 * time.Second

// TrackingUpdate is pushed to customers watching a booking.
type TrackingUpdate struct {
	BookingID string                   `json:"booking_id"`
	Status    models.BookingStatus     `json:"status"`
	Tracking  *models.TrackingSnapshot `json:"tracking,omitempty"`
}

// wsSession is one customer connection; writes are serialized per connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// TrackingHub fans tracking updates out to websocket subscribers per booking.
type TrackingHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*wsSession]struct{}
	logger   *zap.Logger
}

func NewTrackingHub(logger *zap.Logger) *TrackingHub {
	return &TrackingHub{sessions: make(map[string]map[*wsSession]struct{}), logger: logger}
}

// Subscribe registers conn for a booking and sends the initial update. The
// returned func removes the subscription; it is safe to call more than once.
func (h *TrackingHub) Subscribe(bookingID string, conn *websocket.Conn, initial TrackingUpdate) (func(), error) {
	s := &wsSession{conn: conn}
	if err := s.send(initial); err != nil {
		return func() {}, err
	}
	h.mu.Lock()
	if h.sessions[bookingID] == nil {
		h.sessions[bookingID] = make(map[*wsSession]struct{})
	}
	h.sessions[bookingID][s] = struct{}{}
	h.mu.Unlock()
	observability.TrackingSubscribers.Inc()

	var once sync.Once
	return func() { once.Do(func() { h.remove(bookingID, s) }) }, nil
}

func (h *TrackingHub) remove(bookingID string, s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[bookingID]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.sessions, bookingID)
	}
	observability.TrackingSubscribers.Dec()
}

// Publish sends u to every subscriber of the booking. Connections that fail a
// write are dropped.
func (h *TrackingHub) Publish(u TrackingUpdate) {
	h.mu.RLock()
	subs := make([]*wsSession, 0, len(h.sessions[u.BookingID]))
	for s := range h.sessions[u.BookingID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(u); err != nil {
			h.logger.Debug("dropping tracking subscriber", zap.String("booking_id", u.BookingID), zap.Error(err))
			h.remove(u.BookingID, s)
			_ = s.conn.Close()
		}
	}
}

func (h *TrackingHub) Subscribers(bookingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[bookingID])
}
