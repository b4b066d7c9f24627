package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNoInput = errors.New("input closed")

// prompter reads answers line by line. Lines are read on a separate
// goroutine so a pending question can be abandoned on cancellation.
type prompter struct {
	out         io.Writer
	lines       chan string
	interactive bool
}

func newPrompter(in io.Reader, out io.Writer, interactive bool) *prompter {
	p := &prompter{out: out, lines: make(chan string), interactive: interactive}
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
	return p
}

func stdinPrompter() *prompter {
	return newPrompter(os.Stdin, os.Stderr, term.IsTerminal(int(os.Stdin.Fd())))
}

// ask prints question and waits for one line of input.
func (p *prompter) ask(ctx context.Context, question string) (string, error) {
	fmt.Fprint(p.out, question)
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", errNoInput
		}
		return strings.TrimSpace(line), nil
	}
}

// confirm asks a yes/no question; anything but y or yes is a no.
func (p *prompter) confirm(ctx context.Context, question string) (bool, error) {
	ans, err := p.ask(ctx, question+" [y/N] ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(ans) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
