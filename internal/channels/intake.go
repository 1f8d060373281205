package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/KafClaw/sysagent/internal/bus"
)

// Inbound is a chat message addressed to the agent.
type Inbound struct {
	Channel   string // router name of the channel that answers, e.g. "slack"
	ChatID    string // chat part of the reply hint, e.g. "C123/1700.01"
	SenderID  string
	MessageID string
	Text      string
}

// ReplyHint is the destination for the answer to m.
func (m Inbound) ReplyHint() string {
	if m.ChatID == "" {
		return m.Channel
	}
	return m.Channel + ":" + m.ChatID
}

// ReplyHandler resolves confirmation replies. *approval.Manager implements it.
type ReplyHandler interface {
	HandleReply(text string) (bool, error)
}

// Disposition reports what Intake did with a message.
type Disposition int

const (
	Ignored Disposition = iota
	Queued
	Decided
	Rejected // a reply for a confirmation that is no longer open
)

func (d Disposition) String() string {
	switch d {
	case Queued:
		return "queued"
	case Decided:
		return "decided"
	case Rejected:
		return "rejected"
	}
	return "ignored"
}

// Intake turns inbound chat messages into human input events. Replies to a
// pending confirmation resume the waiting turn instead and never reach the
// queue, which is blocked behind that turn.
type Intake struct {
	queue   *bus.Queue
	replies ReplyHandler
}

// NewIntake creates an intake. replies may be nil.
func NewIntake(q *bus.Queue, replies ReplyHandler) *Intake {
	return &Intake{queue: q, replies: replies}
}

// Accept routes m. The returned event id is set when m was queued.
func (in *Intake) Accept(ctx context.Context, m Inbound) (Disposition, string, error) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return Ignored, "", nil
	}
	if in.replies != nil {
		handled, err := in.replies.HandleReply(text)
		if handled {
			if err != nil {
				return Rejected, "", err
			}
			slog.Info("Confirmation reply applied", "channel", m.Channel, "sender", m.SenderID)
			return Decided, "", nil
		}
	}

	ev := bus.HumanInput{ID: uuid.NewString(), Text: text, ReplyChannel: m.ReplyHint()}
	if err := in.queue.Push(ctx, ev); err != nil {
		return Ignored, "", fmt.Errorf("queue input: %w", err)
	}
	slog.Info("Input queued", "id", ev.ID, "channel", m.Channel, "sender", m.SenderID, "reply_to", ev.ReplyChannel)
	return Queued, ev.ID, nil
}
