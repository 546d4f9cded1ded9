package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mbd888/signgate/internal/audit"
	"golang.org/x/term"
)

// Interactive renders the summary and blocks on a single y/N prompt.
// Anything other than "y" or "yes" is a rejection.
type Interactive struct {
	issuer
	in    io.Reader
	out   io.Writer
	isTTY func() bool
}

// NewInteractive prompts on the process terminal.
func NewInteractive(m *Manager, sink audit.Sink, logger *slog.Logger) *Interactive {
	return &Interactive{
		issuer: newIssuer(m, sink, logger),
		in:     os.Stdin,
		out:    os.Stdout,
		isTTY:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// WithIO replaces the terminal with in/out and skips the TTY check.
func (p *Interactive) WithIO(in io.Reader, out io.Writer) *Interactive {
	p.in, p.out = in, out
	p.isTTY = func() bool { return true }
	return p
}

func (p *Interactive) RequestApproval(ctx context.Context, s *Summary) (*Outcome, error) {
	if !p.isTTY() {
		return nil, ErrNotInteractive
	}
	s.Render(p.out)
	fmt.Fprint(p.out, "\nApprove and sign this transaction? (y/N): ")

	answer := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil && line == "" {
			answer <- ""
			return
		}
		answer <- line
	}()

	var line string
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return p.finish(context.WithoutCancel(ctx), s, false, "interactive", "prompt cancelled")
	case line = <-answer:
	}

	response := strings.TrimSpace(strings.ToLower(line))
	if response == "y" || response == "yes" {
		return p.finish(ctx, s, true, "interactive", "")
	}
	return p.finish(ctx, s, false, "interactive", "declined at prompt")
}
