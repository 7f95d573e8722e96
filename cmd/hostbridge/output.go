package main

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/hostbridge/health"
	"github.com/glimte/hostbridge/internal/version"
)

const (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	errorColor     = lipgloss.Color("#EF4444")
	warningColor   = lipgloss.Color("#F59E0B")
	mutedColor     = lipgloss.Color("#6B7280")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	successStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// renderResult formats a successful call. detail is shown next to the
// operation name when set.
func renderResult(operation, detail string, result json.RawMessage) string {
	body := prettyJSON(result)
	if body == "" {
		body = lipgloss.NewStyle().Foreground(mutedColor).Render("(no result)")
	}

	header := successStyle.Render("✓ ") + titleStyle.Render(operation)
	if detail != "" {
		header += lipgloss.NewStyle().Foreground(mutedColor).Render("  " + detail)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, cardStyle.Render(body))
}

// renderFailure formats a call the host or the transport rejected
func renderFailure(operation string, err error) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		errorStyle.Render("✗ "),
		titleStyle.Render(operation),
		"  ",
		errorStyle.Render(err.Error()),
	)
}

// renderVersion formats build information
func renderVersion(info version.Info) string {
	rows := []string{
		titleStyle.Render("hostbridge"),
		labelStyle.Render("version") + info.Version,
		labelStyle.Render("commit") + info.GitCommit,
		labelStyle.Render("built") + info.BuildDate,
		labelStyle.Render("go") + info.GoVersion,
	}
	return cardStyle.Render(strings.Join(rows, "\n"))
}

// renderHealth formats a health report, one row per check
func renderHealth(report health.Report) string {
	rows := []string{titleStyle.Render("hostbridge ") + statusText(report.Status)}
	for _, name := range report.Names() {
		check := report.Checks[name]
		row := labelStyle.Render(name) + statusText(check.Status) + "  " + check.Message
		if check.Error != "" {
			row += "  " + errorStyle.Render(check.Error)
		}
		rows = append(rows, row)
	}
	return cardStyle.Render(strings.Join(rows, "\n"))
}

func statusText(status health.Status) string {
	switch status {
	case health.StatusHealthy:
		return successStyle.Render(string(status))
	case health.StatusDegraded:
		return warningStyle.Render(string(status))
	default:
		return errorStyle.Render(string(status))
	}
}

// prettyJSON indents raw JSON, returning it unchanged when it does not parse
func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
