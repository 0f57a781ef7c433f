package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/openmined/portal/internal/registry"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
)

var (
	titleStyle   = cyan.Bold(true)
	keyStyle     = lightGray
	helpStyle    = gray
	errorStyle   = red
	noticeStyle  = green
	spinnerStyle = cyan
	dirStyle     = lipgloss.NewStyle().Bold(true)
)

func statusStyle(s registry.Status) lipgloss.Style {
	switch s {
	case registry.StatusSynced:
		return green
	case registry.StatusSyncing:
		return yellow
	default:
		return gray
	}
}

func statusIcon(s registry.Status) string {
	switch s {
	case registry.StatusSynced:
		return "✓"
	case registry.StatusSyncing:
		return "↻"
	default:
		return "·"
	}
}
