package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Discord rejects message content longer than this.
const discordMaxContent = 2000

// DiscordConfig holds configuration for the Discord webhook alerter.
type DiscordConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// DiscordAlerter posts alerts to a Discord channel webhook.
type DiscordAlerter struct {
	cfg    DiscordConfig
	client *http.Client
}

// NewDiscordAlerter creates a new Discord alerter.
func NewDiscordAlerter(cfg DiscordConfig) *DiscordAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &DiscordAlerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the name of the alerter.
func (d *DiscordAlerter) Name() string {
	return "discord"
}

// Alert posts the alert using Discord markdown.
func (d *DiscordAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	body, err := json.Marshal(map[string]string{
		"content": formatDiscord(severity, message, fields...),
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 204 No Content on success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func formatDiscord(severity Severity, message string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **[%s] %s**", severity.Emoji(), severity, message)
	for _, f := range Pairs(fields...) {
		fmt.Fprintf(&b, "\n> **%s:** %v", f.Key, f.Value)
	}

	content := b.String()
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-1]) + "…"
	}
	return content
}
