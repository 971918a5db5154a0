package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// isTerminal is swapped in tests.
var isTerminal = term.IsTerminal

// ShouldUseColor returns true when ANSI colors should be used on stdout.
// CONVEY_COLOR (always|never|auto) wins; otherwise NO_COLOR, CLICOLOR_FORCE,
// CLICOLOR, and TTY detection apply in that order.
func ShouldUseColor() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CONVEY_COLOR"))) {
	case "always":
		return true
	case "never":
		return false
	}
	// Any non-empty NO_COLOR disables color (https://no-color.org).
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return isTerminal(int(os.Stdout.Fd()))
}
