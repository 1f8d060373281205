package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// NullChannel logs answers and drops them. It is the default when no
// output is configured.
type NullChannel struct{}

func (NullChannel) Name() string { return "null" }

func (NullChannel) Send(ctx context.Context, chatID, text string) error {
	slog.Info("Answer dropped by null channel", "chat_id", chatID, "length", len(text))
	return nil
}

// ConsoleChannel writes answers to a terminal.
type ConsoleChannel struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleChannel creates a console channel writing to out.
func NewConsoleChannel(out io.Writer) *ConsoleChannel {
	return &ConsoleChannel{out: out}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	header := "sysagent"
	if chatID != "" {
		header += " -> " + chatID
	}
	_, err := fmt.Fprintf(c.out, "%s\n%s\n\n", color.New(color.FgCyan, color.Bold).Sprint(header), text)
	return err
}
