package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/sysagent/internal/provider"
)

const summarizerPrompt = `You are a conversation summarizer. Condense the transcript you are given into a short summary for an autonomous agent that will continue the work.
Keep goals, decisions, file paths, commands that were run and their outcomes, declined actions with the operator's reasons, and open questions.
Drop greetings, repetition and raw tool output. Answer with the summary only.`

// compressTemperature keeps summaries close to deterministic.
const compressTemperature = 0.2

// Compress asks the model for a summary of msgs. Messages without text
// (tool-call-only assistant turns, empty tool results) are skipped. An empty
// transcript returns "" without calling the model.
func (l *Loop) Compress(ctx context.Context, msgs []provider.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" || m.Role == provider.RoleSystem {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n\n", m.Role, content)
	}
	if transcript.Len() == 0 {
		return "", nil
	}

	resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: summarizerPrompt},
			{Role: provider.RoleUser, Content: "Summarize this conversation:\n\n" + strings.TrimSpace(transcript.String())},
		},
		Model:       l.model,
		Temperature: compressTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("compress conversation: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
