// internal/prompt/prompt.go
package prompt

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// Prompter asks the user yes/no questions
type Prompter interface {
	Confirm(ctx context.Context, message string, def bool) (bool, error)
}

// Interactive asks on the terminal
type Interactive struct{}

// Confirm shows a yes/no question. Aborting the form counts as no.
func (Interactive) Confirm(ctx context.Context, message string, def bool) (bool, error) {
	answer := def
	confirm := huh.NewConfirm().
		Title(message + "?").
		Affirmative("Yes").
		Negative("No").
		Value(&answer)
	err := huh.NewForm(huh.NewGroup(confirm)).RunWithContext(ctx)
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return answer, nil
}

// Static answers every question the same way
type Static bool

// Confirm returns the static answer
func (s Static) Confirm(context.Context, string, bool) (bool, error) {
	return bool(s), nil
}

// Defaults answers every question with its default
type Defaults struct{}

// Confirm returns def
func (Defaults) Confirm(_ context.Context, _ string, def bool) (bool, error) {
	return def, nil
}

// Recorder wraps a prompter and keeps the questions it was asked
type Recorder struct {
	Prompter Prompter

	mu       sync.Mutex
	messages []string
}

// Confirm records the message and delegates
func (r *Recorder) Confirm(ctx context.Context, message string, def bool) (bool, error) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
	return r.Prompter.Confirm(ctx, message, def)
}

// Messages returns the questions asked so far
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// IsTerminal reports whether stdin is attached to a terminal
func IsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ForTerminal returns the interactive prompter when stdin is a terminal and
// Defaults otherwise
func ForTerminal() Prompter {
	if IsTerminal() {
		return Interactive{}
	}
	return Defaults{}
}
