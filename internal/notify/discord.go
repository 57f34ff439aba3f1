package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordLimit is Discord's maximum message length in characters.
const discordLimit = 2000

// DiscordPoster sends to a channel as a bot, or executes a webhook.
type DiscordPoster struct {
	session      *discordgo.Session
	channelID    string
	webhookID    string
	webhookToken string
	username     string
}

// NewDiscordBot sends with a bot token to channelID.
func NewDiscordBot(token, channelID string) (*DiscordPoster, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordPoster{session: session, channelID: channelID}, nil
}

// NewDiscordWebhook executes the webhook at webhookURL
// (https://discord.com/api/webhooks/{id}/{token}).
func NewDiscordWebhook(webhookURL, username string) (*DiscordPoster, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordPoster{session: session, webhookID: id, webhookToken: token, username: username}, nil
}

func (d *DiscordPoster) Platform() string { return "discord" }

func (d *DiscordPoster) Post(ctx context.Context, text string) error {
	content := truncate(text, discordLimit)
	if d.webhookID != "" {
		params := &discordgo.WebhookParams{Content: content, Username: d.username}
		if _, err := d.session.WebhookExecute(d.webhookID, d.webhookToken, false, params, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord webhook execute: %w", err)
		}
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q has no /webhooks/{id}/{token}", raw)
}

// truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
