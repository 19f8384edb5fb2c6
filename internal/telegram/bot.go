package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/evidence"
	"armguard/internal/notify"
	"armguard/internal/pipeline"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	thumbnailWidth = 640
)

// ErrNotConfigured is returned when the bot has no token
var ErrNotConfigured = errors.New("telegram bot token not configured")

// TelegramBot delivers weapon alerts to Telegram chats. Administrators share
// one chat; camera owners are reached through their own chat when mapped.
type TelegramBot struct {
	botToken    string
	adminChatID string
	ownerChats  map[string]string
	apiBase     string
	httpClient  *http.Client
	logger      zerolog.Logger

	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
	now             func() time.Time
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken    string
	AdminChatID string
	OwnerChats  map[string]string
	Cooldown    time.Duration
	APIBase     string
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config, logger zerolog.Logger) *TelegramBot {
	cooldownPeriod := config.Cooldown
	if cooldownPeriod == 0 {
		cooldownPeriod = 30 * time.Second
	}
	apiBase := strings.TrimRight(config.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &TelegramBot{
		botToken:        config.BotToken,
		adminChatID:     config.AdminChatID,
		ownerChats:      config.OwnerChats,
		apiBase:         apiBase,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          logger.With().Str("component", "telegram").Logger(),
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldownPeriod,
		now:             time.Now,
	}
}

// ParseChatMap parses "owner=chat,owner=chat"
func ParseChatMap(s string) (map[string]string, error) {
	chats := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		owner, chat, ok := strings.Cut(pair, "=")
		owner, chat = strings.TrimSpace(owner), strings.TrimSpace(chat)
		if !ok || owner == "" || chat == "" {
			return nil, fmt.Errorf("invalid owner chat mapping %q", pair)
		}
		chats[owner] = chat
	}
	return chats, nil
}

// chatFor returns the chat that receives alerts for the audience
func (tb *TelegramBot) chatFor(audience pipeline.Audience, alert pipeline.Alert) string {
	switch audience {
	case pipeline.AudienceAdmins:
		return tb.adminChatID
	case pipeline.AudienceCameraOwner:
		return tb.ownerChats[alert.OwnerID]
	}
	return ""
}

// Notify implements pipeline.Notifier. Alerts for the same camera and chat are
// rate limited to one per cooldown period.
func (tb *TelegramBot) Notify(ctx context.Context, audience pipeline.Audience, alert pipeline.Alert) error {
	if tb.botToken == "" {
		return ErrNotConfigured
	}

	chatID := tb.chatFor(audience, alert)
	if chatID == "" {
		return fmt.Errorf("%w: %s", notify.ErrNoRecipient, audience)
	}

	key := chatID + "/" + alert.CameraID
	if !tb.checkCooldown(key) {
		return fmt.Errorf("%w: cooldown for camera %s", notify.ErrSuppressed, alert.CameraID)
	}

	caption := FormatAlert(audience, alert)

	var err error
	if len(alert.Image) > 0 {
		photo, terr := evidence.Thumbnail(alert.Image, thumbnailWidth)
		if terr != nil {
			tb.logger.Debug().Err(terr).Str("camera_id", alert.CameraID).Msg("sending full frame, thumbnail failed")
			photo = alert.Image
		} else if annotated, aerr := evidence.Annotate(photo, evidence.Label(alert.WeaponType, alert.Confidence)); aerr == nil {
			photo = annotated
		}
		err = tb.sendPhoto(ctx, chatID, photo, caption)
	} else {
		err = tb.SendMessage(ctx, chatID, caption)
	}
	if err != nil {
		return err
	}

	tb.updateCooldown(key)
	return nil
}

// FormatAlert renders the alert caption
func FormatAlert(audience pipeline.Audience, alert pipeline.Alert) string {
	at := alert.DetectedAt
	if at.IsZero() {
		at = time.Now()
	}
	zoneName, _ := at.Zone()
	timestamp := fmt.Sprintf("%s %s", at.Format("2 Jan 2006, 15:04:05"), zoneName)

	weapon := alert.WeaponType
	if weapon == "" {
		weapon = "weapon"
	}
	name := alert.CameraName
	if name == "" {
		name = alert.CameraID
	}

	action := "Please check immediately."
	if audience == pipeline.AudienceAdmins {
		action = "Please verify immediately."
	}

	msg := fmt.Sprintf(
		"🚨 <b>WEAPON DETECTED!</b>\n\n"+
			"Detected %s on camera %s. %s\n\n"+
			"📹 Camera: %s\n"+
			"🎯 Confidence: %.1f%%\n"+
			"🕐 Time: %s",
		html.EscapeString(weapon), html.EscapeString(name), action,
		html.EscapeString(name),
		alert.Confidence*100,
		timestamp,
	)
	if alert.ReportID != "" {
		msg += "\n📄 Report: " + html.EscapeString(alert.ReportID)
	}
	if alert.Forced {
		msg += "\n🔧 Manual detection"
	}
	return msg
}

// SendMessage sends a text message to chatID
func (tb *TelegramBot) SendMessage(ctx context.Context, chatID, message string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	_, err := tb.call(ctx, "sendMessage", payload)
	return err
}

// sendPhoto sends a photo using multipart form data
func (tb *TelegramBot) sendPhoto(ctx context.Context, chatID string, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "detection.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = handleResponse(resp)
	return err
}

// call sends a JSON request to the Bot API and returns the raw result
func (tb *TelegramBot) call(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	if tb.botToken == "" {
		return nil, ErrNotConfigured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(method), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

func (tb *TelegramBot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.apiBase, tb.botToken, method)
}

// handleResponse processes the Telegram API response
func handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}

// checkCooldown checks if the cooldown period has elapsed for key
func (tb *TelegramBot) checkCooldown(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	lastTime, exists := tb.cooldownTracker[key]
	if !exists {
		return true
	}
	return tb.now().Sub(lastTime) >= tb.cooldownPeriod
}

func (tb *TelegramBot) updateCooldown(key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.now()
	tb.cooldownTracker[key] = now

	// Old entries are dropped as new ones arrive
	for k, t := range tb.cooldownTracker {
		if now.Sub(t) > tb.cooldownPeriod*2 {
			delete(tb.cooldownTracker, k)
		}
	}
}

var _ pipeline.Notifier = (*TelegramBot)(nil)
