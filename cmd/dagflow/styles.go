package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dagflow/internal/run"
)

// Status styles
var (
	styleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	styleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	styleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	styleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	styleBorder = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleCell = lipgloss.NewStyle().
			Padding(0, 1)
)

func taskStatusStyle(s run.TaskStatus) lipgloss.Style {
	switch s {
	case run.TaskRunning, run.TaskRetrying, run.TaskReady:
		return styleStatusRunning
	case run.TaskCompleted:
		return styleStatusComplete
	case run.TaskFailed, run.TaskDeadLettered, run.TaskInterrupted:
		return styleStatusFailed
	default:
		return styleStatusPending
	}
}

func runStatusStyle(s run.RunStatus) lipgloss.Style {
	switch s {
	case run.RunRunning, run.RunQueued:
		return styleStatusRunning
	case run.RunCompleted:
		return styleStatusComplete
	case run.RunFailed, run.RunPartiallyFailed, run.RunPaused:
		return styleStatusFailed
	default:
		return styleStatusPending
	}
}
