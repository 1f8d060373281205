package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalReviewer asks on an interactive terminal. Prompts are serialised
// so concurrent callers never interleave.
type TerminalReviewer struct {
	out io.Writer

	mu    sync.Mutex
	once  sync.Once
	in    io.Reader
	lines chan string
	eof   chan struct{}
}

func NewTerminalReviewer(in io.Reader, out io.Writer) *TerminalReviewer {
	return &TerminalReviewer{in: in, out: out}
}

// start launches the single line reader. A read that outlives a cancelled
// prompt is delivered to the next prompt.
func (r *TerminalReviewer) start() {
	r.lines = make(chan string)
	r.eof = make(chan struct{})
	go func() {
		defer close(r.eof)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
	}()
}

func (r *TerminalReviewer) Present(ctx context.Context, call PendingCall) (Decision, error) {
	r.once.Do(r.start)
	r.mu.Lock()
	defer r.mu.Unlock()

	args, _ := json.MarshalIndent(call.Arguments, "  ", "  ")
	fmt.Fprintf(r.out, "\n%s %s\n  %s\n", color.YellowString("Confirm"), color.CyanString(call.Capability), args)
	fmt.Fprint(r.out, color.YellowString("Run it? [y/N, or n <reason>]: "))

	select {
	case line := <-r.lines:
		return ParseAnswer(line), nil
	case <-r.eof:
		return Decision{}, errors.New("terminal input closed")
	case <-ctx.Done():
		fmt.Fprintln(r.out)
		return Decision{}, ctx.Err()
	}
}

// ParseAnswer maps a terminal answer to a decision. "y" and "yes" approve;
// anything else declines, with the text after an optional "n"/"no" as the
// reason.
func ParseAnswer(line string) Decision {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "y", "yes":
		return Approved()
	}
	first, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(strings.TrimRight(first, ",:;.")) {
	case "n", "no":
		return Declined(strings.TrimSpace(rest))
	}
	return Declined(line)
}
