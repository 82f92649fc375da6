package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/runstore"
)

// renderTrace writes one row per finished stage. Stages that started but
// never finished are shown as running.
func renderTrace(w io.Writer, trace []events.TraceEvent) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Stage", "Status", "Duration", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, WidthMax: 60},
	})

	n := 0
	open := map[string]bool{}
	var order []string
	for _, ev := range trace {
		if !ev.Terminal() {
			if !open[ev.Stage] {
				order = append(order, ev.Stage)
			}
			open[ev.Stage] = true
			continue
		}
		delete(open, ev.Stage)
		n++
		t.AppendRow(table.Row{n, ev.Stage, statusText(ev.Status), formatDuration(ev.Duration()), summarizeDetail(ev)})
	}
	for _, stage := range order {
		if open[stage] {
			n++
			t.AppendRow(table.Row{n, stage, text.FgYellow.Sprint("running"), "", ""})
		}
	}
	t.Render()
}

func statusText(s events.Status) string {
	switch s {
	case events.StatusSuccess:
		return text.FgGreen.Sprint(string(s))
	case events.StatusError:
		return text.FgRed.Sprint(string(s))
	}
	return string(s)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}

// summarizeDetail picks the detail field most useful at a glance.
func summarizeDetail(ev events.TraceEvent) string {
	if ev.Detail == nil {
		return ""
	}
	if ev.Status == events.StatusError {
		if msg, ok := ev.Detail["message"].(string); ok {
			return msg
		}
	}
	for _, key := range []string{"title", "outputDir", "model", "keywordCount", "evidenceFileCount", "markdownLength", "reportMarkdownPath"} {
		if v, ok := ev.Detail[key]; ok {
			return fmt.Sprintf("%s=%v", key, v)
		}
	}
	return ""
}

// renderRunStatus writes a key/value table for a polled run.
func renderRunStatus(w io.Writer, snap runstore.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	ref := snap.Meta.IssueURL
	if ref == "" && snap.Meta.Repository != "" {
		ref = fmt.Sprintf("%s#%d", snap.Meta.Repository, snap.Meta.IssueNumber)
	}
	t.AppendRows([]table.Row{
		{"Run", snap.RunID},
		{"Status", runStatusText(snap.Status)},
		{"Issue", ref},
		{"Model", snap.Meta.Model},
		{"Created", snap.CreatedAt.Format(time.RFC3339)},
		{"Updated", snap.UpdatedAt.Format(time.RFC3339)},
		{"Trace events", snap.TraceIndex},
	})
	if snap.Error != nil {
		t.AppendRow(table.Row{"Error", strings.TrimSpace(*snap.Error)})
	}
	t.Render()
}

func runStatusText(s runstore.Status) string {
	switch s {
	case runstore.StatusCompleted:
		return text.FgGreen.Sprint(string(s))
	case runstore.StatusFailed:
		return text.FgRed.Sprint(string(s))
	}
	return text.FgYellow.Sprint(string(s))
}
