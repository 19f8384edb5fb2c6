package telegram

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	_ "image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/fakes"
	"armguard/internal/notify"
	"armguard/internal/orchestrator"
	"armguard/internal/pipeline"
)

type apiCall struct {
	method  string
	chatID  string
	text    string
	caption string
	photo   int // decoded width
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	fail    bool
	updates string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/bottoken/"), r.URL.Path)
		method := strings.TrimPrefix(r.URL.Path, "/bottoken/")

		call := apiCall{method: method}
		switch method {
		case "sendPhoto":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			call.chatID = r.FormValue("chat_id")
			call.caption = r.FormValue("caption")
			file, _, err := r.FormFile("photo")
			require.NoError(t, err)
			cfg, _, err := image.DecodeConfig(file)
			require.NoError(t, err)
			call.photo = cfg.Width
		default:
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			call.chatID, _ = payload["chat_id"].(string)
			call.text, _ = payload["text"].(string)
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		fail, updates := f.fail, f.updates
		f.updates = "[]"
		f.mu.Unlock()

		if fail {
			w.Write([]byte(`{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"}`))
			return
		}
		if method == "getUpdates" {
			w.Write([]byte(`{"ok": true, "result": ` + updates + `}`))
			return
		}
		w.Write([]byte(`{"ok": true, "result": {}}`))
	})
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newTestBot(t *testing.T, api *fakeAPI) *TelegramBot {
	t.Helper()
	if api.updates == "" {
		api.updates = "[]"
	}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewTelegramBot(Config{
		BotToken:    "token",
		AdminChatID: "-100",
		OwnerChats:  map[string]string{"owner-1": "555"},
		Cooldown:    time.Minute,
		APIBase:     srv.URL,
	}, zerolog.Nop())
}

func testAlert() pipeline.Alert {
	return pipeline.Alert{
		CameraID:   "cam-1",
		CameraName: "Front <gate>",
		OwnerID:    "owner-1",
		ReportID:   "r-1",
		WeaponType: "pistol",
		Confidence: 0.912,
		DetectedAt: time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC),
	}
}

func TestParseChatMap(t *testing.T) {
	chats, err := ParseChatMap("a=1, b = 2,,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, chats)

	_, err = ParseChatMap("a")
	assert.Error(t, err)
	_, err = ParseChatMap("=1")
	assert.Error(t, err)
}

func TestFormatAlert(t *testing.T) {
	msg := FormatAlert(pipeline.AudienceAdmins, testAlert())
	assert.Contains(t, msg, "WEAPON DETECTED")
	assert.Contains(t, msg, "pistol")
	assert.Contains(t, msg, "Front &lt;gate&gt;")
	assert.Contains(t, msg, "91.2%")
	assert.Contains(t, msg, "verify")
	assert.Contains(t, msg, "Report: r-1")

	owner := FormatAlert(pipeline.AudienceCameraOwner, testAlert())
	assert.Contains(t, owner, "check immediately")
}

func TestNotifyAdminsWithPhoto(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)

	alert := testAlert()
	alert.Image = fakes.SolidJPEG(1280, 720, color.White)
	require.NoError(t, bot.Notify(context.Background(), pipeline.AudienceAdmins, alert))

	calls := api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.Equal(t, "-100", calls[0].chatID)
	assert.Contains(t, calls[0].caption, "pistol")
	assert.Equal(t, 640, calls[0].photo)
}

func TestNotifyOwnerRouting(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)

	require.NoError(t, bot.Notify(context.Background(), pipeline.AudienceCameraOwner, testAlert()))
	calls := api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Equal(t, "555", calls[0].chatID)

	unknown := testAlert()
	unknown.OwnerID = "owner-2"
	err := bot.Notify(context.Background(), pipeline.AudienceCameraOwner, unknown)
	assert.ErrorIs(t, err, notify.ErrNoRecipient)
}

func TestNotifyCooldown(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)
	now := time.Unix(1000, 0)
	bot.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, bot.Notify(ctx, pipeline.AudienceAdmins, testAlert()))
	assert.ErrorIs(t, bot.Notify(ctx, pipeline.AudienceAdmins, testAlert()), notify.ErrSuppressed)

	other := testAlert()
	other.CameraID = "cam-2"
	require.NoError(t, bot.Notify(ctx, pipeline.AudienceAdmins, other))

	now = now.Add(time.Minute)
	require.NoError(t, bot.Notify(ctx, pipeline.AudienceAdmins, testAlert()))
	assert.Len(t, api.Calls(), 3)
}

func TestNotifyAPIError(t *testing.T) {
	api := &fakeAPI{fail: true}
	bot := newTestBot(t, api)

	err := bot.Notify(context.Background(), pipeline.AudienceAdmins, testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	// a failed send does not start the cooldown
	api.mu.Lock()
	api.fail = false
	api.mu.Unlock()
	assert.NoError(t, bot.Notify(context.Background(), pipeline.AudienceAdmins, testAlert()))
}

func TestNotifyWithoutToken(t *testing.T) {
	bot := NewTelegramBot(Config{AdminChatID: "1"}, zerolog.Nop())
	assert.ErrorIs(t, bot.Notify(context.Background(), pipeline.AudienceAdmins, testAlert()), ErrNotConfigured)
}

type fakeController struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeController) Status() map[string]orchestrator.CameraWorkerState {
	return map[string]orchestrator.CameraWorkerState{
		"cam-2": {CameraID: "cam-2", Name: "Lobby", Status: orchestrator.StatusStarting,
			LastError: &orchestrator.ErrorInfo{Message: "connection refused"}},
		"cam-1": {CameraID: "cam-1", Name: "Gate", Status: orchestrator.StatusRunning, FramesCaptured: 120},
	}
}

func (f *fakeController) Statistics(window time.Duration) orchestrator.Statistics {
	return orchestrator.Statistics{
		TotalCameras:       2,
		ActiveCameras:      1,
		AverageFPS:         14.5,
		Window:             window,
		DetectionsInWindow: 3,
		CoolingDown:        []string{"cam-9"},
		Uptime:             26*time.Hour + 5*time.Minute,
	}
}

func (f *fakeController) StartCamera(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return id != "missing"
}

func (f *fakeController) StopCamera(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return true
}

func (f *fakeController) RestartCamera(_ context.Context, id string) bool {
	return false
}

func TestCommands(t *testing.T) {
	ctrl := &fakeController{}
	ch := NewCommandHandler(NewTelegramBot(Config{BotToken: "token"}, zerolog.Nop()), ctrl)
	ctx := context.Background()

	assert.Contains(t, ch.Execute(ctx, "/help"), "/enable")

	status := ch.Execute(ctx, "/status@armguard_bot")
	assert.Contains(t, status, "2 monitored, 1 active")
	assert.Contains(t, status, "Detections (24h): 3")
	assert.Contains(t, status, "1d 2h 5m")
	assert.Contains(t, status, "cam-9")

	cams := ch.Execute(ctx, "/cameras")
	assert.Less(t, strings.Index(cams, "cam-1"), strings.Index(cams, "cam-2"))
	assert.Contains(t, cams, "connection refused")

	assert.Contains(t, ch.Execute(ctx, "/enable cam-1"), "done")
	assert.Contains(t, ch.Execute(ctx, "/enable missing"), "cannot enable")
	assert.Contains(t, ch.Execute(ctx, "/disable cam-1"), "done")
	assert.Contains(t, ch.Execute(ctx, "/restart cam-1"), "cannot restart")
	assert.Contains(t, ch.Execute(ctx, "/enable"), "Usage")
	assert.Contains(t, ch.Execute(ctx, "/bogus"), "Unknown command")

	assert.Equal(t, []string{"cam-1", "missing"}, ctrl.started)
	assert.Equal(t, []string{"cam-1"}, ctrl.stopped)
}

func TestPollUpdatesOnlyObeysAdminChat(t *testing.T) {
	api := &fakeAPI{updates: `[
		{"update_id": 10, "message": {"message_id": 1, "chat": {"id": -100, "type": "group"}, "text": "/disable cam-1"}},
		{"update_id": 11, "message": {"message_id": 2, "chat": {"id": 42, "type": "private"}, "text": "/disable cam-2"}}
	]`}
	bot := newTestBot(t, api)
	ctrl := &fakeController{}
	ch := NewCommandHandler(bot, ctrl)

	require.NoError(t, ch.pollUpdates(context.Background()))
	assert.Equal(t, int64(11), ch.lastUpdateID)
	assert.Equal(t, []string{"cam-1"}, ctrl.stopped)

	calls := api.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "getUpdates", calls[0].method)
	assert.Equal(t, "sendMessage", calls[1].method)
	assert.Equal(t, "-100", calls[1].chatID)
}
