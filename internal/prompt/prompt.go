// Package prompt exchanges connection codes with the user: the local code is
// shown, the peer's code is read back.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// ErrNoCode is returned when input ends before a code was entered.
var ErrNoCode = errors.New("no connection code entered")

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("212")).
			Padding(1, 2)
)

// IsInteractive reports whether r is a terminal.
func IsInteractive(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Prompter reads from in and writes to out. On a terminal it uses styled
// output and an input form; otherwise plain lines.
type Prompter struct {
	in          io.Reader
	lines       *bufio.Reader
	out         io.Writer
	interactive bool
	theme       *huh.Theme
}

// New creates a prompter on in and out.
func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:          in,
		lines:       bufio.NewReader(in),
		out:         out,
		interactive: IsInteractive(in),
		theme:       huh.ThemeDracula(),
	}
}

// Interactive reports whether the prompter talks to a terminal.
func (p *Prompter) Interactive() bool {
	return p.interactive
}

// RenderCode returns the boxed rendering of a local connection code.
func RenderCode(code string) string {
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Your connection code"),
		"",
		codeStyle.Render(code),
		"",
		hintStyle.Render("Send it to your peer and enter theirs below."),
	)
	return boxStyle.Render(body)
}

// ShowCode prints the local connection code.
func (p *Prompter) ShowCode(code string) {
	if p.interactive {
		fmt.Fprintln(p.out, RenderCode(code))
		return
	}
	fmt.Fprintf(p.out, "Connection code: %s\n", code)
}

// AskPeerCode reads the peer's connection code. validate is applied to the
// trimmed input; on a terminal the form re-asks until it passes.
func (p *Prompter) AskPeerCode(validate func(string) error) (string, error) {
	if validate == nil {
		validate = func(string) error { return nil }
	}
	if p.interactive {
		return p.askForm(validate)
	}
	return p.askLine(validate)
}

func (p *Prompter) askForm(validate func(string) error) (string, error) {
	var code string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Peer connection code").
				Description("Paste the code your peer shared with you").
				Value(&code).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" {
						return fmt.Errorf("connection code is required")
					}
					return validate(s)
				}),
		),
	).WithTheme(p.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

func (p *Prompter) askLine(validate func(string) error) (string, error) {
	fmt.Fprint(p.out, "Peer connection code: ")

	for {
		line, err := p.lines.ReadString('\n')
		code := strings.TrimSpace(line)
		if code != "" {
			if verr := validate(code); verr != nil {
				return "", verr
			}
			return code, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrNoCode
			}
			return "", err
		}
	}
}
