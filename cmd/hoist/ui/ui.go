// Package ui renders hoist command output: styled messages, tables and
// rollout step progress.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	accent  = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	success = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	failure = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	muted   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	border  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	bold    = lipgloss.NewStyle().Bold(true)
)

func Accent(s string) string  { return accent.Render(s) }
func Bold(s string) string    { return bold.Render(s) }
func Error(s string) string   { return failure.Render(s) }
func Muted(s string) string   { return muted.Render(s) }
func Success(s string) string { return success.Render(s) }
func Warn(s string) string    { return warning.Render(s) }

// Phase colors a rollout phase name: running is green, failed red, anything
// else muted.
func Phase(phase string) string {
	switch phase {
	case "running":
		return Success(phase)
	case "failed":
		return Error(phase)
	default:
		return Muted(phase)
	}
}

// SuccessMsg, WarnMsg, ErrorMsg and InfoMsg prefix one formatted line with a
// colored mark. They add no trailing newline.
func SuccessMsg(format string, a ...any) string { return mark(success, "✓", format, a) }
func WarnMsg(format string, a ...any) string    { return mark(warning, "!", format, a) }
func ErrorMsg(format string, a ...any) string   { return mark(failure, "✗", format, a) }
func InfoMsg(format string, a ...any) string    { return mark(accent, "●", format, a) }

func mark(style lipgloss.Style, glyph, format string, a []any) string {
	return style.Render(glyph) + " " + fmt.Sprintf(format, a...)
}

// Pair is one line of KeyValues output.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair {
	return Pair{key: key, value: value}
}

// KeyValues renders "key: value" lines with the values aligned, one per
// pair with a non-empty value, each ending in a newline.
func KeyValues(indent string, pairs ...Pair) string {
	width := 0
	for _, p := range pairs {
		if p.value != "" {
			width = max(width, len(p.key)+1)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s%s %s\n", indent, muted.Render(fmt.Sprintf("%-*s", width, p.key+":")), p.value)
	}
	return sb.String()
}

// Table renders rows under a bold header inside a rounded border.
func Table(headers []string, rows [][]string) string {
	header := accent.Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
