package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/models"
)

func TestTrackingHubPublish(t *testing.T) {
	hub := NewTrackingHub(zap.NewNop())
	unsubscribed := make(chan func(), 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		unsub, err := hub.Subscribe("b1", conn, TrackingUpdate{BookingID: "b1", Status: models.StatusAssigned})
		if err != nil {
			return
		}
		unsubscribed <- unsub
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first TrackingUpdate
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.StatusAssigned, first.Status)

	var unsub func()
	select {
	case unsub = <-unsubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not registered")
	}
	assert.Equal(t, 1, hub.Subscribers("b1"))

	hub.Publish(TrackingUpdate{BookingID: "other", Status: models.StatusInProgress})
	hub.Publish(TrackingUpdate{BookingID: "b1", Status: models.StatusInProgress, Tracking: &models.TrackingSnapshot{WorkerPosition: models.Point{Lat: 1, Lng: 2}}})

	var next TrackingUpdate
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, models.StatusInProgress, next.Status)
	require.NotNil(t, next.Tracking)
	assert.Equal(t, 2.0, next.Tracking.WorkerPosition.Lng)

	unsub()
	unsub()
	assert.Equal(t, 0, hub.Subscribers("b1"))
}
