package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// DefaultSlackAPIBase is the Slack Web API root.
const DefaultSlackAPIBase = "https://slack.com/api"

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	APIBase  string
	// Channel receives answers whose hint names no chat, such as heartbeat
	// reports and approval prompts.
	Channel string
	Client  *http.Client
}

// SlackChannel posts answers with the Slack Web API. A chat ID of the form
// "<channel>/<ts>" replies in that thread.
type SlackChannel struct {
	api            *slack.Client
	defaultChannel string
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(cfg SlackConfig) (*SlackChannel, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = DefaultSlackAPIBase
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	api := slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	return &SlackChannel{api: api, defaultChannel: strings.TrimSpace(cfg.Channel)}, nil
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, chatID, text string) error {
	channelID, ts := splitThread(chatID)
	if channelID == "" {
		channelID = c.defaultChannel
	}
	if channelID == "" {
		return errors.New("slack: no channel in hint and no default channel configured")
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	_, _, err := c.api.PostMessageContext(ctx, channelID, opts...)
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return Transient(err, rle.RetryAfter)
	}
	return err
}

// Notify posts text to the default channel, so approval prompts reach the
// same place as heartbeat reports.
func (c *SlackChannel) Notify(ctx context.Context, text string) error {
	return c.Send(ctx, "", text)
}

func splitThread(chatID string) (channelID, ts string) {
	channelID, ts, _ = strings.Cut(strings.TrimSpace(chatID), "/")
	return strings.TrimSpace(channelID), strings.TrimSpace(ts)
}
