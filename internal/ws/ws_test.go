package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/notify"
	"armguard/internal/pipeline"
	"armguard/internal/ws"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *ws.DetectionHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubStreamsDetections(t *testing.T) {
	hub := ws.NewDetectionHub(zerolog.Nop())
	srv := httptest.NewServer(ws.NewHandler(hub))
	defer srv.Close()

	all := dial(t, srv, "/ws/detections")
	cam2 := dial(t, srv, "/ws/detections/cam-2")
	waitClients(t, hub, 2)

	hub.OnDetectionResult(&pipeline.DetectionOutcome{
		CameraID:       "cam-1",
		FrameSeq:       9,
		Verdict:        pipeline.Verdict{WeaponDetected: true, Confidence: 0.8, WeaponType: "knife"},
		AboveThreshold: true,
		ReportID:       "r-1",
	})
	hub.OnDetectionResult(&pipeline.DetectionOutcome{CameraID: "cam-2", FrameSeq: 3})

	first := readJSON(t, all)
	assert.Equal(t, "detection", first["type"])
	assert.Equal(t, "cam-1", first["camera_id"])
	assert.Equal(t, "knife", first["weapon_type"])
	assert.Equal(t, "r-1", first["report_id"])
	assert.Equal(t, "cam-2", readJSON(t, all)["camera_id"])

	only := readJSON(t, cam2)
	assert.Equal(t, "cam-2", only["camera_id"])
	assert.EqualValues(t, 3, only["frame_seq"])
}

func TestHubNotify(t *testing.T) {
	hub := ws.NewDetectionHub(zerolog.Nop())
	alert := pipeline.Alert{CameraID: "cam-1", CameraName: "Gate", ReportID: "r-7", WeaponType: "pistol", Confidence: 0.9}

	err := hub.Notify(context.Background(), pipeline.AudienceAdmins, alert)
	assert.ErrorIs(t, err, notify.ErrNoRecipient)

	srv := httptest.NewServer(ws.NewHandler(hub))
	defer srv.Close()
	conn := dial(t, srv, "/ws/detections/cam-1")
	waitClients(t, hub, 1)

	require.NoError(t, hub.Notify(context.Background(), pipeline.AudienceAdmins, alert))
	msg := readJSON(t, conn)
	assert.Equal(t, "alert", msg["type"])
	assert.Equal(t, "admins", msg["audience"])
	assert.Equal(t, "r-7", msg["report_id"])
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub := ws.NewDetectionHub(zerolog.Nop())
	srv := httptest.NewServer(ws.NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "/ws/detections")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := ws.NewDetectionHub(zerolog.Nop())
	srv := httptest.NewServer(ws.NewHandler(hub))
	defer srv.Close()

	_ = dial(t, srv, "/ws/detections")
	waitClients(t, hub, 1)

	payload, err := json.Marshal(strings.Repeat("x", 1<<20))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		hub.Broadcast("cam-1", payload)
		return hub.ClientCount() == 0
	}, 5*time.Second, time.Millisecond)
}
