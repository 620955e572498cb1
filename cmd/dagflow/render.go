package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/dagflow/internal/orchestrator"
	"github.com/aristath/dagflow/internal/run"
)

const timeLayout = "2006-01-02 15:04:05"

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleBorder).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		})
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", styleLabel.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func renderRuns(w io.Writer, runs []*run.WorkflowRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	t := newTable("RUN", "DEFINITION", "STATUS", "UPDATED", "ERROR")
	for _, r := range runs {
		t.Row(
			r.ID,
			fmt.Sprintf("%s@%d", r.DefinitionID, r.DefinitionVersion),
			runStatusStyle(r.Status).Render(string(r.Status)),
			r.UpdatedAt.Local().Format(timeLayout),
			truncate(r.Error, 48),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderRunView(w io.Writer, v *orchestrator.RunView) {
	r := v.Run
	fmt.Fprintln(w, styleTitle.Render("Run "+r.ID))
	field(w, "Definition", fmt.Sprintf("%s@%d", r.DefinitionID, r.DefinitionVersion))
	field(w, "Status", runStatusStyle(r.Status).Render(string(r.Status)))
	field(w, "Created", r.CreatedAt.Local().Format(timeLayout))
	field(w, "Updated", r.UpdatedAt.Local().Format(timeLayout))
	if r.ParentRunID != "" {
		field(w, "Parent", r.ParentRunID)
	}
	if r.Error != "" {
		field(w, "Error", styleStatusFailed.Render(r.Error))
	}

	tasks := append([]*run.TaskRun(nil), v.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.NodeID != b.NodeID {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if ai, bi := run.IndexValue(a.FanOutIndex), run.IndexValue(b.FanOutIndex); ai != bi {
			return ai < bi
		}
		return a.Generation < b.Generation
	})

	if len(tasks) > 0 {
		fmt.Fprintln(w)
		t := newTable("TASK", "GEN", "STATUS", "ATTEMPTS", "DETAIL")
		for _, tr := range tasks {
			key := tr.Key().String()
			if tr.Superseded {
				key += " (superseded)"
			}
			t.Row(
				key,
				strconv.Itoa(tr.Generation),
				taskStatusStyle(tr.Status).Render(string(tr.Status)),
				strconv.Itoa(tr.AttemptCount),
				truncate(taskDetail(tr), 60),
			)
		}
		fmt.Fprintln(w, t.Render())
	}

	if len(v.DeadLetters) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styleTitle.Render("Pending dead letters"))
		renderDeadLetters(w, v.DeadLetters)
	}
}

func taskDetail(tr *run.TaskRun) string {
	switch tr.Status {
	case run.TaskSkipped:
		return string(tr.SkipReason)
	case run.TaskRetrying:
		if tr.NextRetryAt != nil {
			return "next attempt at " + tr.NextRetryAt.Local().Format(timeLayout)
		}
	case run.TaskCompleted:
		if tr.Output != nil {
			return tr.Output.URI
		}
	}
	if tr.LastError != "" {
		return fmt.Sprintf("%s: %s", tr.LastFailureKind, tr.LastError)
	}
	return ""
}

func renderDeadLetters(w io.Writer, dls []*run.DeadLetter) {
	if len(dls) == 0 {
		fmt.Fprintln(w, "No dead letters found.")
		return
	}
	t := newTable("ID", "RUN", "TARGET", "KIND", "RESOLUTION", "CREATED", "REASON")
	for _, dl := range dls {
		t.Row(
			dl.ID,
			dl.RunID,
			deadLetterTarget(dl),
			string(dl.FailureKind),
			string(dl.Resolution),
			dl.CreatedAt.Local().Format(timeLayout),
			truncate(dl.Reason, 48),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func deadLetterTarget(dl *run.DeadLetter) string {
	if dl.Scope == run.ScopeRun {
		return "(run)"
	}
	return run.Key{NodeID: dl.NodeID, Index: run.IndexValue(dl.FanOutIndex)}.String()
}

func renderDeadLetter(w io.Writer, dl *run.DeadLetter) {
	fmt.Fprintln(w, styleTitle.Render("Dead letter "+dl.ID))
	field(w, "Run", dl.RunID)
	field(w, "Target", deadLetterTarget(dl))
	if dl.TaskRunID != "" {
		field(w, "Task run", dl.TaskRunID)
	}
	field(w, "Kind", dl.FailureKind)
	field(w, "Reason", dl.Reason)
	field(w, "Resolution", dl.Resolution)
	field(w, "Created", dl.CreatedAt.Local().Format(timeLayout))
	if dl.ResolvedAt != nil {
		field(w, "Resolved", dl.ResolvedAt.Local().Format(timeLayout))
	}
	if dl.LastCheckpoint != nil {
		field(w, "Checkpoint", fmt.Sprintf("#%d %s", dl.LastCheckpoint.Sequence, dl.LastCheckpoint.Status))
	}

	if len(dl.History) > 0 {
		fmt.Fprintln(w)
		t := newTable("ATTEMPT", "KIND", "AT", "ERROR")
		for _, a := range dl.History {
			t.Row(strconv.Itoa(a.Attempt), string(a.Kind), a.At.Local().Format(timeLayout), truncate(a.Error, 72))
		}
		fmt.Fprintln(w, t.Render())
	}
}

func renderHealth(w io.Writer, h orchestrator.Health) {
	status := styleStatusComplete
	if h.Status != orchestrator.HealthOK {
		status = styleStatusFailed
	}
	field(w, "Status", status.Render(h.Status))
	field(w, "Store", h.Store)
	if h.Uptime != "" {
		field(w, "Uptime", h.Uptime)
	}
	field(w, "Executing", fmt.Sprintf("%d / %d", h.InFlight, h.Capacity))
	field(w, "Dead letters", h.PendingDeadLetters)

	if len(h.Runs) > 0 {
		statuses := make([]string, 0, len(h.Runs))
		for s := range h.Runs {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = fmt.Sprintf("%s=%d", s, h.Runs[run.RunStatus(s)])
		}
		field(w, "Runs", strings.Join(parts, " "))
	}
	if len(h.Breakers) > 0 {
		types := make([]string, 0, len(h.Breakers))
		for typ := range h.Breakers {
			types = append(types, typ)
		}
		sort.Strings(types)
		parts := make([]string, len(types))
		for i, typ := range types {
			parts[i] = typ + "=" + h.Breakers[typ]
		}
		field(w, "Breakers", strings.Join(parts, " "))
	}
	field(w, "Checked", h.CheckedAt.Local().Format(time.RFC3339))
}
