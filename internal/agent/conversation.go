package agent

import (
	"github.com/KafClaw/sysagent/internal/provider"
)

// Conversation is the ordered message state of one turn. It is owned by the
// loop for the duration of the turn; everyone else sees snapshots.
type Conversation struct {
	messages []provider.Message
}

// NewConversation starts a conversation with the system prompt followed by
// prior history. An empty system prompt is omitted.
func NewConversation(system string, history []provider.Message) *Conversation {
	c := &Conversation{}
	if system != "" {
		c.messages = append(c.messages, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	for _, m := range history {
		if m.Role == provider.RoleSystem {
			continue
		}
		c.messages = append(c.messages, m)
	}
	return c
}

// Append adds messages at the end.
func (c *Conversation) Append(msgs ...provider.Message) {
	c.messages = append(c.messages, msgs...)
}

// Len returns the number of messages including the system prompt.
func (c *Conversation) Len() int { return len(c.messages) }

// Snapshot returns a deep copy of every message.
func (c *Conversation) Snapshot() []provider.Message {
	return provider.CloneMessages(c.messages)
}

// History returns a copy of the messages after the system prompt, the part
// that is persisted between turns.
func (c *Conversation) History() []provider.Message {
	msgs := c.messages
	if len(msgs) > 0 && msgs[0].Role == provider.RoleSystem {
		msgs = msgs[1:]
	}
	return provider.CloneMessages(msgs)
}
