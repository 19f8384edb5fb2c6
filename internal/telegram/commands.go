package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"armguard/internal/orchestrator"
)

// Controller is the part of the orchestrator the command handler drives
type Controller interface {
	Status() map[string]orchestrator.CameraWorkerState
	Statistics(window time.Duration) orchestrator.Statistics
	StartCamera(ctx context.Context, id string) bool
	StopCamera(id string) bool
	RestartCamera(ctx context.Context, id string) bool
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is the subset of a message the handler reads
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler answers operator commands sent to the admin chat
type CommandHandler struct {
	bot          *TelegramBot
	ctrl         Controller
	lastUpdateID int64
	interval     time.Duration
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(bot *TelegramBot, ctrl Controller) *CommandHandler {
	return &CommandHandler{
		bot:      bot,
		ctrl:     ctrl,
		interval: 2 * time.Second,
	}
}

// StartPolling polls for updates until ctx is cancelled
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if ch.bot.botToken == "" {
		return ErrNotConfigured
	}
	if ch.bot.adminChatID == "" {
		return fmt.Errorf("telegram admin chat not configured")
	}

	ch.bot.logger.Info().Msg("telegram command handler polling")

	ticker := time.NewTicker(ch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				ch.bot.logger.Warn().Err(err).Msg("failed to poll telegram updates")
			}
		}
	}
}

// pollUpdates fetches and processes pending updates
func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	result, err := ch.bot.call(ctx, "getUpdates", map[string]any{
		"offset":  ch.lastUpdateID + 1,
		"timeout": 1,
	})
	if err != nil {
		return err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		if update.Message != nil {
			ch.handleMessage(ctx, update.Message)
		}
	}
	return nil
}

// handleMessage answers one message; only the admin chat is obeyed
func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage) {
	if msg.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != ch.bot.adminChatID {
		ch.bot.logger.Warn().Str("chat_id", chatID).Msg("ignoring message from unauthorized chat")
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	response := ch.Execute(ctx, msg.Text)
	if response == "" {
		return
	}
	if err := ch.bot.SendMessage(ctx, chatID, response); err != nil {
		ch.bot.logger.Warn().Err(err).Msg("failed to send command reply")
	}
}

// Execute runs a command line and returns the reply
func (ch *CommandHandler) Execute(ctx context.Context, text string) string {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return ""
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	// Remove bot username suffix if present (e.g., /status@mybot)
	if atIndex := strings.Index(command, "@"); atIndex != -1 {
		command = command[:atIndex]
	}

	switch command {
	case "/start", "/help":
		return helpText
	case "/status":
		return ch.handleStatus()
	case "/cameras":
		return ch.handleCameras()
	case "/enable":
		return ch.handleCamera(args, "enable", func(id string) bool { return ch.ctrl.StartCamera(ctx, id) })
	case "/disable":
		return ch.handleCamera(args, "disable", ch.ctrl.StopCamera)
	case "/restart":
		return ch.handleCamera(args, "restart", func(id string) bool { return ch.ctrl.RestartCamera(ctx, id) })
	default:
		return fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}
}

const helpText = "📋 <b>Available Commands</b>\n\n" +
	"/status - Detection status\n" +
	"/cameras - Monitored cameras\n" +
	"/enable &lt;id&gt; - Start monitoring a camera\n" +
	"/disable &lt;id&gt; - Stop monitoring a camera\n" +
	"/restart &lt;id&gt; - Restart a camera worker\n" +
	"/help - Show this help"

func (ch *CommandHandler) handleStatus() string {
	stats := ch.ctrl.Statistics(24 * time.Hour)
	msg := fmt.Sprintf(
		"📊 <b>Detection Status</b>\n\n"+
			"📹 Cameras: %d monitored, %d active\n"+
			"🎞 Average FPS: %.1f\n"+
			"🚨 Detections (24h): %d\n"+
			"⏱️ Uptime: %s",
		stats.TotalCameras, stats.ActiveCameras,
		stats.AverageFPS,
		stats.DetectionsInWindow,
		formatDuration(stats.Uptime),
	)
	if len(stats.CoolingDown) > 0 {
		msg += "\n❄️ Cooling down: " + html.EscapeString(strings.Join(stats.CoolingDown, ", "))
	}
	return msg
}

func (ch *CommandHandler) handleCameras() string {
	status := ch.ctrl.Status()
	if len(status) == 0 {
		return "📹 No cameras are being monitored."
	}

	ids := make([]string, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString("📹 <b>Cameras</b>\n")
	for _, id := range ids {
		s := status[id]
		icon := "🟢"
		if s.Status != orchestrator.StatusRunning {
			icon = "🟡"
		}
		fmt.Fprintf(&sb, "\n%s <b>%s</b> (%s) - %s, %d frames",
			icon, html.EscapeString(s.Name), html.EscapeString(id), s.Status, s.FramesCaptured)
		if s.LastError != nil {
			fmt.Fprintf(&sb, "\n    ⚠️ %s", html.EscapeString(s.LastError.Message))
		}
	}
	return sb.String()
}

func (ch *CommandHandler) handleCamera(args []string, verb string, fn func(string) bool) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: /%s &lt;camera id&gt;", verb)
	}
	id := args[0]
	if fn(id) {
		return fmt.Sprintf("✅ %s: %s done", html.EscapeString(id), verb)
	}
	return fmt.Sprintf("❌ %s: cannot %s", html.EscapeString(id), verb)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, int(d.Seconds())%60)
}
