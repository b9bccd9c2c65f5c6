package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"challenge-ladder/utils"

	"go.uber.org/zap"
)

// Embed colours used by announcements.
const (
	ColorChallenge = 0xE67E22
	ColorResult    = 0x2ECC71
	ColorWarning   = 0xF1C40F
	ColorNulled    = 0x95A5A6
	ColorCancelled = 0xE74C3C
)

type AnnouncementField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Announcement is structured content for the ladder channel.
type Announcement struct {
	Title       string
	Description string
	Color       int
	Fields      []AnnouncementField
	Mentions    []string // external user ids pinged alongside the embed
}

// Notifier posts ladder events to the community chat.
type Notifier interface {
	Announce(ctx context.Context, message string) error
	AnnounceEmbed(ctx context.Context, a Announcement) error
	// Mention pings a single player; callers treat failures as non-fatal.
	Mention(ctx context.Context, externalUserID, message string) error
}

func mention(externalUserID string) string {
	if externalUserID == "" {
		return ""
	}
	return "<@" + externalUserID + ">"
}

// WebhookNotifier posts to a Discord-compatible incoming webhook.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: utils.HTTPClient}
}

type webhookEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []AnnouncementField `json:"fields,omitempty"`
}

type allowedMentions struct {
	Users []string `json:"users"`
}

type webhookPayload struct {
	Content         string           `json:"content,omitempty"`
	Embeds          []webhookEmbed   `json:"embeds,omitempty"`
	AllowedMentions *allowedMentions `json:"allowed_mentions,omitempty"`
}

func (n *WebhookNotifier) Announce(ctx context.Context, message string) error {
	return n.post(ctx, webhookPayload{Content: message})
}

func (n *WebhookNotifier) AnnounceEmbed(ctx context.Context, a Announcement) error {
	var pings []string
	for _, id := range a.Mentions {
		if m := mention(id); m != "" {
			pings = append(pings, m)
		}
	}
	return n.post(ctx, webhookPayload{
		Content: strings.Join(pings, " "),
		Embeds: []webhookEmbed{{
			Title:       a.Title,
			Description: a.Description,
			Color:       a.Color,
			Fields:      a.Fields,
		}},
		AllowedMentions: &allowedMentions{Users: a.Mentions},
	})
}

func (n *WebhookNotifier) Mention(ctx context.Context, externalUserID, message string) error {
	return n.post(ctx, webhookPayload{
		Content:         mention(externalUserID) + " " + message,
		AllowedMentions: &allowedMentions{Users: []string{externalUserID}},
	})
}

func (n *WebhookNotifier) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// LogNotifier writes announcements to the log when no webhook is configured.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

func (n LogNotifier) Announce(_ context.Context, message string) error {
	n.Log.Infow("[ANNOUNCE]", "message", message)
	return nil
}

func (n LogNotifier) AnnounceEmbed(_ context.Context, a Announcement) error {
	n.Log.Infow("[ANNOUNCE]", "title", a.Title, "description", a.Description, "mentions", a.Mentions)
	return nil
}

func (n LogNotifier) Mention(_ context.Context, externalUserID, message string) error {
	n.Log.Infow("[ANNOUNCE] mention", "user", externalUserID, "message", message)
	return nil
}
