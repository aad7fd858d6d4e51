package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readSecret prompts on stderr and reads a line without echo when stdin
// is a terminal. Piped input is read as a plain line.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var stdinReader = bufio.NewReader(os.Stdin)

// readNewSecret asks twice and requires both entries to match.
func readNewSecret(label string) (string, error) {
	first, err := readSecret("New " + label + ": ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("%s must not be empty", label)
	}
	second, err := readSecret("Repeat " + label + ": ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("entries do not match")
	}
	return first, nil
}
