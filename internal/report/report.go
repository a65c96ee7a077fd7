// Package report renders finished runs for the terminal.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/lithammer/dedent"
	"github.com/raine/product-gate/internal/pipeline"
	"github.com/raine/product-gate/internal/policy"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	copyStyle   = lipgloss.NewStyle().PaddingLeft(2).Width(78)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

const header = `
	%s
	%s %s
	%s %s
	%s %s
`

func formatText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

func field(name string) string {
	return labelStyle.Render(fmt.Sprintf("%-11s", name+":"))
}

func statusText(s pipeline.Status) string {
	label := strings.ToUpper(string(s))
	switch s {
	case pipeline.StatusApproved:
		return passStyle.Render(label)
	case pipeline.StatusRejected, pipeline.StatusInfected, pipeline.StatusFailed:
		return failStyle.Render(label)
	default:
		return label
	}
}

func mark(ok bool) string {
	if ok {
		return passStyle.Render("✓")
	}
	return failStyle.Render("✗")
}

// Render formats a finished run.
func Render(rc *pipeline.RunContext) string {
	var b strings.Builder

	name := rc.Filename
	if name == "" {
		name = rc.Source
	}

	b.WriteString(formatText(header,
		titleStyle.Render(fmt.Sprintf("Run %s (%s)", rc.ID, name)),
		field("Status"), statusText(rc.Status),
		field("Scan"), scanText(rc),
		field("Duration"), rc.FinishedAt.Sub(rc.StartedAt).Round(time.Millisecond).String(),
	))
	b.WriteString("\n")

	if rc.AuditLocation != "" {
		fmt.Fprintf(&b, "%s %s\n", field("Audit"), rc.AuditLocation)
	} else if rc.AuditError != "" {
		fmt.Fprintf(&b, "%s %s\n", field("Audit"), warnStyle.Render("failed: "+rc.AuditError))
	}

	if g := rc.Gatekeeper(); g != nil {
		fmt.Fprintf(&b, "%s %d/%d\n", field("Score"), g.Score, policy.MaxScore)
		fmt.Fprintf(&b, "%s %d\n", field("Iterations"), len(rc.Evaluations))

		b.WriteString("\n" + headerStyle.Render("Checks") + "\n")
		for _, c := range g.Checks {
			fmt.Fprintf(&b, "  %s %s\n", mark(c.Passed), c.Name)
		}

		if len(g.PolicyDetails) > 0 {
			b.WriteString("\n" + headerStyle.Render("Details") + "\n")
			for _, d := range g.PolicyDetails {
				fmt.Fprintf(&b, "  - %s\n", d)
			}
		}
		if g.Error != "" {
			fmt.Fprintf(&b, "\n%s %s\n", field("Error"), warnStyle.Render(g.Error))
		}
	}

	if rc.Decision != nil {
		fmt.Fprintf(&b, "\n%s\n", rc.Decision.Message)
	} else if rc.Error != "" {
		fmt.Fprintf(&b, "\n%s %s\n", field("Error"), failStyle.Render(rc.Error))
	}

	if m := rc.Marketing; m != nil {
		if m.Content != nil {
			b.WriteString("\n" + headerStyle.Render(fmt.Sprintf("Marketing (%s)", m.Content.GeneratedBy)) + "\n")
			b.WriteString(copyStyle.Render(m.Content.Message) + "\n")
			fmt.Fprintf(&b, "  %s %s\n", field("Brand"), m.Content.Brand)
			fmt.Fprintf(&b, "  %s %s\n", field("Category"), m.Content.Category)
			if m.Content.Note != "" {
				fmt.Fprintf(&b, "  %s %s\n", field("Note"), warnStyle.Render(m.Content.Note))
			}
		} else if m.Error != "" {
			fmt.Fprintf(&b, "\n%s %s\n", field("Marketing"), warnStyle.Render(m.Error))
		}
	}

	return b.String()
}

func scanText(rc *pipeline.RunContext) string {
	if rc.Scan == nil {
		return "-"
	}
	verdict := "clean"
	if !rc.Scan.Clean {
		verdict = failStyle.Render("infected")
	}
	return fmt.Sprintf("%s (%s, %s)", verdict, rc.Scan.Engine, rc.Scan.Method)
}

// Summary formats a one-line-per-run table followed by status counts.
func Summary(runs []*pipeline.RunContext) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Summary") + "\n")

	for _, rc := range runs {
		if rc == nil {
			continue
		}
		line := fmt.Sprintf("  %-30s %-10s score=%-3d", rc.Filename, rc.Status, rc.Score())
		if reason := rc.RejectionReason(); reason != "" && rc.Status == pipeline.StatusRejected {
			line += " " + reason
		} else if rc.Status == pipeline.StatusFailed || rc.Status == pipeline.StatusInfected {
			line += " " + rc.Error
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}

	counts := pipeline.Summary(runs)
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[pipeline.Status(s)]))
	}
	fmt.Fprintf(&b, "\n%s\n", strings.Join(parts, " "))
	return b.String()
}
