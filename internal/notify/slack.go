package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackPoster posts through an incoming webhook, or through the Web API
// when a bot token and channel are configured.
type SlackPoster struct {
	webhookURL string
	channel    string
	username   string
	client     *slack.Client
}

// NewSlackWebhook posts to an incoming webhook URL.
func NewSlackWebhook(webhookURL, username string) *SlackPoster {
	return &SlackPoster{webhookURL: webhookURL, username: username}
}

// NewSlackBot posts with chat.postMessage using a bot token (xoxb-...).
func NewSlackBot(botToken, channel, username string, opts ...slack.Option) *SlackPoster {
	return &SlackPoster{
		channel:  channel,
		username: username,
		client:   slack.New(botToken, opts...),
	}
}

func (s *SlackPoster) Platform() string { return "slack" }

func (s *SlackPoster) Post(ctx context.Context, text string) error {
	if s.client == nil {
		err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
			Username: s.username,
			Text:     text,
		})
		if err != nil {
			return fmt.Errorf("slack webhook: %w", err)
		}
		return nil
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}
	if s.username != "" {
		opts = append(opts, slack.MsgOptionUsername(s.username))
	}
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, opts...); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
