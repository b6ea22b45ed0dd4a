package desktop

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalNotifier raises notifications through the OSC 9 escape understood by
// most terminal emulators.
type TerminalNotifier struct {
	mu  sync.Mutex
	out io.Writer
	fd  int
}

func NewTerminalNotifier(f *os.File) *TerminalNotifier {
	return &TerminalNotifier{out: f, fd: int(f.Fd())}
}

func (n *TerminalNotifier) Supported() bool {
	return n.fd >= 0 && term.IsTerminal(n.fd)
}

func (n *TerminalNotifier) Show(note Notification) error {
	text := sanitize(note.Title)
	if body := sanitize(note.Body); body != "" {
		if text != "" {
			text += ": "
		}
		text += body
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := fmt.Fprintf(n.out, "\x1b]9;%s\x07", text)
	return err
}

// Dismiss is a no-op; terminals clear OSC 9 notifications themselves.
func (n *TerminalNotifier) Dismiss(string) error {
	return nil
}

func sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s))
}

type PromptFunc func(ctx context.Context) (bool, error)

func (f PromptFunc) Prompt(ctx context.Context) (bool, error) {
	return f(ctx)
}
