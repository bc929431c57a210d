package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

// Embed colors used by the Discord channel
const (
	discordColorSuccess = 12868102
	discordColorFailure = 15158332
)

// DefaultMaxErrorLength bounds the failure text sent to channels
const DefaultMaxErrorLength = 1500

// NotificationChannel delivers one message to one endpoint
type NotificationChannel interface {
	Send(ctx context.Context, msg NotificationMessage) error
	GetType() string
}

// NotificationMessage is the channel-neutral rendering of an Outcome
type NotificationMessage struct {
	Title        string         `json:"title"`
	Status       string         `json:"status"`
	Identity     string         `json:"identity"`
	RunID        string         `json:"run_id"`
	LogicalDate  string         `json:"logical_date"`
	ArtifactName string         `json:"artifact_name,omitempty"`
	RemotePath   string         `json:"remote_path,omitempty"`
	Size         int64          `json:"size,omitempty"`
	Duration     string         `json:"duration"`
	FailedStage  Stage          `json:"failed_stage,omitempty"`
	Error        string         `json:"error,omitempty"`
	Removed      []string       `json:"removed,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Location     *time.Location `json:"-"`
}

// Success reports whether the run succeeded
func (m NotificationMessage) Success() bool {
	return m.Status == "success"
}

// LocalTime formats the completion time in the configured zone
func (m NotificationMessage) LocalTime() string {
	loc := m.Location
	if loc == nil {
		loc = time.Local
	}
	return m.Timestamp.In(loc).Format("01/02/2006 03:04:05 PM MST")
}

// NotificationManager fans one Outcome out to every configured channel
type NotificationManager struct {
	logger         *logging.Logger
	channels       []NotificationChannel
	maxErrorLength int
	timeout        time.Duration
	location       *time.Location
}

// NewNotificationManager creates the channels named in cfg
func NewNotificationManager(cfg config.NotifyConfig, loc *time.Location, logger *logging.Logger) *NotificationManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	nm := &NotificationManager{
		logger:         logger,
		maxErrorLength: cfg.MaxErrorLength,
		timeout:        cfg.Timeout,
		location:       loc,
	}
	if nm.maxErrorLength <= 0 {
		nm.maxErrorLength = DefaultMaxErrorLength
	}
	if nm.timeout <= 0 {
		nm.timeout = 15 * time.Second
	}
	if !cfg.Enabled {
		return nm
	}

	client := &http.Client{Timeout: nm.timeout}
	if cfg.Discord != nil && cfg.Discord.WebhookURL != "" {
		nm.AddChannel(NewDiscordChannel(*cfg.Discord, client))
	}
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		nm.AddChannel(NewWebhookChannel(*cfg.Webhook, client))
	}
	if cfg.Slack != nil && cfg.Slack.WebhookURL != "" {
		nm.AddChannel(NewSlackChannel(*cfg.Slack, client))
	}
	if cfg.File != nil && cfg.File.Path != "" {
		nm.AddChannel(NewFileChannel(*cfg.File))
	}
	return nm
}

// AddChannel registers an additional channel
func (nm *NotificationManager) AddChannel(ch NotificationChannel) {
	nm.channels = append(nm.channels, ch)
}

// Channels returns the registered channel types
func (nm *NotificationManager) Channels() []string {
	types := make([]string, 0, len(nm.channels))
	for _, ch := range nm.channels {
		types = append(types, ch.GetType())
	}
	return types
}

// Notify sends outcome through every channel. A failing channel does not stop
// the others; all delivery errors are logged and joined into the result.
func (nm *NotificationManager) Notify(ctx context.Context, outcome Outcome) error {
	if len(nm.channels) == 0 {
		return nil
	}
	msg := nm.formatMessage(outcome)

	var errs []error
	for _, ch := range nm.channels {
		sendCtx, cancel := context.WithTimeout(ctx, nm.timeout)
		err := ch.Send(sendCtx, msg)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.GetType(), err))
			nm.logger.WithFields(map[string]interface{}{
				"channel": ch.GetType(),
				"run_id":  outcome.RunID,
				"error":   err.Error(),
			}).Error("Failed to send notification")
			continue
		}
		nm.logger.WithFields(map[string]interface{}{
			"channel": ch.GetType(),
			"run_id":  outcome.RunID,
		}).Debug("Notification sent")
	}
	return errors.Join(errs...)
}

func (nm *NotificationManager) formatMessage(outcome Outcome) NotificationMessage {
	msg := NotificationMessage{
		Identity:     outcome.Identity,
		RunID:        outcome.RunID,
		LogicalDate:  outcome.LogicalDate,
		ArtifactName: outcome.ArtifactName,
		RemotePath:   outcome.RemotePath,
		Size:         outcome.Size,
		Duration:     outcome.Duration().Round(time.Millisecond).String(),
		Timestamp:    outcome.CompletedAt,
		Location:     nm.location,
	}
	if outcome.Retention != nil {
		msg.Removed = outcome.Retention.Removed
	}
	if outcome.Success {
		msg.Status = "success"
		msg.Title = fmt.Sprintf("%s Backup Complete", displayName(outcome.Identity))
	} else {
		msg.Status = "failure"
		msg.Title = fmt.Sprintf("%s Backup failed", displayName(outcome.Identity))
		msg.FailedStage = outcome.FailedStage
		msg.Error = outcome.ErrorText(nm.maxErrorLength)
	}
	return msg
}

func displayName(identity string) string {
	if identity == "" {
		return "Application"
	}
	return strings.ToUpper(identity[:1]) + identity[1:]
}

// postJSON sends payload and treats any non-2xx status as a failure
func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// DiscordChannel posts an embed to a Discord webhook
type DiscordChannel struct {
	config config.DiscordConfig
	client *http.Client
}

// NewDiscordChannel creates a Discord channel
func NewDiscordChannel(cfg config.DiscordConfig, client *http.Client) *DiscordChannel {
	return &DiscordChannel{config: cfg, client: client}
}

type discordEmbed struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Color       int               `json:"color"`
	Thumbnail   *discordThumbnail `json:"thumbnail,omitempty"`
	Fields      []discordField    `json:"fields,omitempty"`
}

type discordThumbnail struct {
	URL string `json:"url"`
}

type discordField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (dc *DiscordChannel) Send(ctx context.Context, msg NotificationMessage) error {
	title := msg.Title
	if dc.config.Title != "" {
		if msg.Success() {
			title = dc.config.Title + " Backup Complete"
		} else {
			title = dc.config.Title + " Backup failed"
		}
	}

	embed := discordEmbed{Title: title}
	if msg.Success() {
		embed.Color = discordColorSuccess
		if dc.config.ThumbnailURL != "" {
			embed.Thumbnail = &discordThumbnail{URL: dc.config.ThumbnailURL}
		}
		embed.Fields = []discordField{
			{Name: "Filename", Value: msg.ArtifactName},
			{Name: "Date", Value: msg.LocalTime()},
			{Name: "Size", Value: humanize.IBytes(uint64(msg.Size))},
		}
		if msg.RemotePath != "" {
			embed.Fields = append(embed.Fields, discordField{Name: "Destination", Value: msg.RemotePath})
		}
	} else {
		embed.Color = discordColorFailure
		embed.Description = "```" + msg.Error + "```"
		if msg.FailedStage != "" {
			embed.Fields = []discordField{{Name: "Stage", Value: string(msg.FailedStage)}}
		}
	}

	return postJSON(ctx, dc.client, http.MethodPost, dc.config.WebhookURL, nil,
		map[string]interface{}{"embeds": []discordEmbed{embed}})
}

func (dc *DiscordChannel) GetType() string {
	return "discord"
}

// WebhookChannel posts the message as a generic JSON document
type WebhookChannel struct {
	config config.WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a generic webhook channel
func NewWebhookChannel(cfg config.WebhookConfig, client *http.Client) *WebhookChannel {
	return &WebhookChannel{config: cfg, client: client}
}

func (wc *WebhookChannel) Send(ctx context.Context, msg NotificationMessage) error {
	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}
	return postJSON(ctx, wc.client, method, wc.config.URL, wc.config.Headers, msg)
}

func (wc *WebhookChannel) GetType() string {
	return "webhook"
}

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	config config.SlackConfig
	client *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(cfg config.SlackConfig, client *http.Client) *SlackChannel {
	return &SlackChannel{config: cfg, client: client}
}

func (sc *SlackChannel) Send(ctx context.Context, msg NotificationMessage) error {
	color, icon := "#36a64f", ":white_check_mark:"
	text := fmt.Sprintf("%s (%s)", msg.ArtifactName, humanize.IBytes(uint64(msg.Size)))
	if !msg.Success() {
		color, icon = "#ff0000", ":rotating_light:"
		text = "```" + msg.Error + "```"
	}

	fields := []map[string]interface{}{
		{"title": "Date", "value": msg.LocalTime(), "short": true},
		{"title": "Duration", "value": msg.Duration, "short": true},
	}
	if msg.FailedStage != "" {
		fields = append(fields, map[string]interface{}{"title": "Stage", "value": string(msg.FailedStage), "short": true})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s %s", icon, msg.Title),
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"title":  msg.Title,
				"text":   text,
				"ts":     msg.Timestamp.Unix(),
				"fields": fields,
			},
		},
	}
	if sc.config.Channel != "" {
		payload["channel"] = sc.config.Channel
	}
	if sc.config.Username != "" {
		payload["username"] = sc.config.Username
	}
	return postJSON(ctx, sc.client, http.MethodPost, sc.config.WebhookURL, nil, payload)
}

func (sc *SlackChannel) GetType() string {
	return "slack"
}

// FileChannel appends one JSON line per run to a local file
type FileChannel struct {
	config config.FileConfig
}

// NewFileChannel creates a file channel
func NewFileChannel(cfg config.FileConfig) *FileChannel {
	return &FileChannel{config: cfg}
}

func (fc *FileChannel) Send(ctx context.Context, msg NotificationMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fc.config.Path), 0o750); err != nil {
		return fmt.Errorf("failed to create notification directory: %w", err)
	}
	f, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return f.Close()
}

func (fc *FileChannel) GetType() string {
	return "file"
}
