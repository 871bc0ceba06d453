package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/docchat/internal/api"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printAnswer writes the answer to stdout so it can be piped; sources and
// the session id go to stderr.
func printAnswer(r api.AskResponse) {
	fmt.Println(r.Answer)
	if r.Fallback {
		printStatus("Sources", "none (not found in the document)")
	} else if len(r.CitedSources) > 0 {
		printStatus("Sources", "%s", strings.Join(r.CitedSources, ", "))
	}
	printStatus("Session", "%s", r.SessionID)
}

func roleLabel(role string) string {
	if role == "assistant" {
		return colorize(colorCyan, "assistant")
	}
	return colorize(colorGreen, role)
}

func printTurn(t api.TurnJSON) {
	fmt.Printf("%s %s\n%s\n\n", roleLabel(t.Role), t.CreatedAt.Local().Format("15:04:05"), t.Text)
}

func printIndexInfo(info api.IndexInfoJSON) {
	printStatus("Passages", "%d", info.Passages)
	printStatus("Model", "%s (%d dimensions, %s)", info.Model, info.Dimension, info.Metric)
	printStatus("Checksum", "%s", info.Checksum)
	printStatus("Built", "%s", info.BuiltAt.Local().Format("2006-01-02 15:04:05"))
}
