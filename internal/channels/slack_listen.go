package channels

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// seenLimit bounds the message timestamps kept for deduplication. Slack
// delivers a mention both as app_mention and as message.
const seenLimit = 256

// SlackListenerConfig configures inbound Slack messages over Socket Mode.
type SlackListenerConfig struct {
	BotToken string
	AppToken string
	APIBase  string
	// Channels limits accepted conversations. Empty accepts all.
	Channels []string
	Client   *http.Client
}

// SlackListener reads Slack messages over Socket Mode and hands them to an
// Intake. Answers go back to the thread the message started.
type SlackListener struct {
	api     *slack.Client
	client  *socketmode.Client
	intake  *Intake
	replies Channel
	allowed map[string]bool
	botUser string

	mu   sync.Mutex
	seen map[string]struct{}
	fifo []string
}

// NewSlackListener creates a listener. replies receives short notices about
// confirmation replies and may be nil.
func NewSlackListener(cfg SlackListenerConfig, intake *Intake, replies Channel) (*SlackListener, error) {
	bot := strings.TrimSpace(cfg.BotToken)
	if bot == "" {
		return nil, errors.New("missing slack bot token")
	}
	app := strings.TrimSpace(cfg.AppToken)
	if !strings.HasPrefix(app, "xapp-") {
		return nil, errors.New("slack app token must be an app-level token (xapp-...)")
	}
	if intake == nil {
		return nil, errors.New("slack listener needs an intake")
	}
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = DefaultSlackAPIBase
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	api := slack.New(bot,
		slack.OptionAppLevelToken(app),
		slack.OptionHTTPClient(hc),
		slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"),
	)
	l := &SlackListener{
		api:     api,
		client:  socketmode.New(api),
		intake:  intake,
		replies: replies,
		seen:    make(map[string]struct{}),
	}
	if len(cfg.Channels) > 0 {
		l.allowed = make(map[string]bool, len(cfg.Channels))
		for _, ch := range cfg.Channels {
			if ch = strings.TrimSpace(ch); ch != "" {
				l.allowed[ch] = true
			}
		}
	}
	return l, nil
}

// Run connects and dispatches events until ctx is done.
func (l *SlackListener) Run(ctx context.Context) error {
	if auth, err := l.api.AuthTestContext(ctx); err != nil {
		slog.Warn("Slack auth test failed, own messages are filtered by bot id only", "error", err)
	} else {
		l.botUser = auth.UserID
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-l.client.Events:
				if !ok {
					return
				}
				l.handle(runCtx, evt)
			}
		}
	}()

	err := l.client.RunContext(runCtx)
	cancel()
	<-done
	if ctx.Err() != nil {
		slog.Info("Slack listener stopped")
		return nil
	}
	return err
}

func (l *SlackListener) handle(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("Connecting to Slack Socket Mode")
	case socketmode.EventTypeConnected:
		slog.Info("Slack Socket Mode connected")
	case socketmode.EventTypeConnectionError:
		slog.Warn("Slack Socket Mode connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil && l.client != nil {
			l.client.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return
		}
		switch in := ev.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// Edits, joins and bot posts carry a subtype.
			if in == nil || in.BotID != "" || in.SubType != "" {
				return
			}
			l.accept(ctx, in.User, in.Channel, in.ThreadTimeStamp, in.TimeStamp, in.Text)
		case *slackevents.AppMentionEvent:
			if in == nil || in.BotID != "" {
				return
			}
			l.accept(ctx, in.User, in.Channel, in.ThreadTimeStamp, in.TimeStamp, in.Text)
		}
	}
}

func (l *SlackListener) accept(ctx context.Context, user, channel, threadTS, ts, text string) {
	if user == "" || user == l.botUser {
		return
	}
	if l.allowed != nil && !l.allowed[channel] {
		slog.Debug("Ignoring Slack message from unlisted channel", "channel", channel)
		return
	}
	if !l.firstSight(channel + "/" + ts) {
		return
	}
	thread := threadTS
	if thread == "" {
		thread = ts
	}
	m := Inbound{
		Channel:   "slack",
		ChatID:    channel + "/" + thread,
		SenderID:  user,
		MessageID: ts,
		Text:      stripMention(text, l.botUser),
	}
	d, _, err := l.intake.Accept(ctx, m)
	switch {
	case d == Rejected:
		l.notice(ctx, m.ChatID, "Not applied: "+err.Error())
	case err != nil:
		slog.Error("Failed to accept Slack message", "channel", channel, "error", err)
	case d == Decided:
		l.notice(ctx, m.ChatID, "Decision recorded.")
	}
}

func (l *SlackListener) notice(ctx context.Context, chatID, text string) {
	if l.replies == nil {
		return
	}
	if err := l.replies.Send(ctx, chatID, text); err != nil {
		slog.Warn("Failed to post Slack notice", "chat", chatID, "error", err)
	}
}

// firstSight records key and reports whether it was new.
func (l *SlackListener) firstSight(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	l.fifo = append(l.fifo, key)
	if len(l.fifo) > seenLimit {
		delete(l.seen, l.fifo[0])
		l.fifo = l.fifo[1:]
	}
	return true
}

func stripMention(text, botUser string) string {
	if botUser != "" {
		text = strings.ReplaceAll(text, "<@"+botUser+">", "")
	}
	return strings.TrimSpace(text)
}
