// Package ui provides styled terminal output for the vellum CLI.
package ui

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	accentStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func Bold(s string) string   { return boldStyle.Render(s) }
func Dim(s string) string    { return dimStyle.Render(s) }
func Accent(s string) string { return accentStyle.Render(s) }

// Success prints a green check with a message.
func Success(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render("✓"), msg)
}

// Warning prints a styled warning message.
func Warning(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningStyle.Render("⚠"), msg)
}

// Error prints a styled error message.
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("✗"), msg)
}

// Info prints a styled informational message.
func Info(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Detail prints an indented key-value detail line.
func Detail(key, value string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", dimStyle.Render("  "+key), value)
}

// SectionHeader prints a styled section divider with a label.
func SectionHeader(label string) {
	fmt.Fprintf(os.Stderr, "\n%s\n\n", headerStyle.Render(fmt.Sprintf("── %s ──", label)))
}

// EmptyState prints a styled message for empty results.
func EmptyState(msg string) {
	fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(msg))
}

// Table prints a formatted table with headers and rows to stdout.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, boldStyle.Render(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Banner prints the project banner with an optional tagline.
func Banner(project, tagline string) {
	border := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(1).
		PaddingRight(1)

	content := headerStyle.Render("vellum") + "  " + dimStyle.Render(project)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, border.Render(content))
	if tagline != "" {
		fmt.Fprintln(os.Stderr, dimStyle.Render("  "+tagline))
	}
	fmt.Fprintln(os.Stderr)
}

// BudgetBar renders a single-line spend gauge against the hard limit.
func BudgetBar(spentUSD, softUSD, hardUSD float64) string {
	const width = 24

	ratio := 0.0
	if hardUSD > 0 {
		ratio = spentUSD / hardUSD
	}
	if ratio > 1 {
		ratio = 1
	}

	filled := int(ratio * width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	style := successStyle
	switch {
	case hardUSD > 0 && spentUSD >= hardUSD:
		style = errorStyle
	case softUSD > 0 && spentUSD >= softUSD:
		style = warningStyle
	}

	return fmt.Sprintf("%s $%.2f / $%.2f", style.Render(bar), spentUSD, hardUSD)
}
