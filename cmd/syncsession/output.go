package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/TheMichaelB/syncsession/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Printf(format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Printf(format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Printf(format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatProgress(p models.Progress) string {
	return fmt.Sprintf("%s / %s (%.0f%%)",
		formatBytes(p.TransferredBytes), formatBytes(p.TransferableBytes), p.FractionTransferred()*100)
}

func connectionColor(state models.ConnectionState) *color.Color {
	switch state {
	case models.Connected:
		return successColor
	case models.Connecting:
		return warnColor
	default:
		return errorColor
	}
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
