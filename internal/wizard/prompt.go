package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers line by line from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// readLine returns the next trimmed line, or ok=false once input is exhausted.
func (p *Prompter) readLine() (string, bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// Ask prints question with its default and returns the answer, or the
// default on an empty line.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskToken reads a credential without echo when stdin is a terminal and
// repeats until the answer starts with prefix.
func (p *Prompter) AskToken(question, prefix string) (string, error) {
	for {
		_, _ = fmt.Fprintf(p.Out, "%s (%s...): ", question, prefix)

		var (
			tok string
			ok  bool
		)
		if f, isFile := p.In.(*os.File); isFile && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			_, _ = fmt.Fprintln(p.Out)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", question, err)
			}
			tok, ok = strings.TrimSpace(string(b)), true
		} else {
			tok, ok = p.readLine()
		}
		if !ok {
			return "", fmt.Errorf("read %s: %w", question, io.ErrUnexpectedEOF)
		}
		if strings.HasPrefix(tok, prefix) {
			return tok, nil
		}
		_, _ = fmt.Fprintf(p.Out, "  Expected a token starting with %q.\n", prefix)
	}
}

// Choose presents a numbered list and returns the selected option.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
