// Package ui holds the CLI's terminal styling helpers.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

// Palette — muted, dark-terminal friendly.
var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
)

// Configure picks the color profile for the attached terminal. Plain output
// when stdout is not a terminal or NO_COLOR is set.
func Configure() {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func Muted(s string) string { return MutedStyle.Render(s) }

func SuccessMsg(format string, a ...any) string {
	return SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return ErrorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

// State renders a rotation lifecycle state in its status color.
func State(s string) string {
	switch s {
	case "active":
		return SuccessStyle.Render(s)
	case "draining", "terminating", "health-checking", "provisioning":
		return WarnStyle.Render(s)
	case "failed":
		return ErrorStyle.Render(s)
	default:
		return MutedStyle.Render(s)
	}
}

// Pair holds one key-value line for KeyValues.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair {
	return Pair{key: key, value: value}
}

// KeyValues renders aligned "key:  value" lines with a trailing newline.
func KeyValues(indent string, pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + LabelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// Table renders a styled table with rounded borders.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}
