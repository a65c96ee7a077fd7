package report

import (
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/marketing"
	"github.com/raine/product-gate/internal/pipeline"
	"github.com/raine/product-gate/internal/scan"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	os.Exit(m.Run())
}

func approvedRun() *pipeline.RunContext {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &pipeline.RunContext{
		ID:       "run-1",
		Filename: "juice.png",
		Status:   pipeline.StatusApproved,
		Scan:     &scan.Result{Clean: true, Engine: "Mock Scanner v1.0", Method: "mock"},
		Evaluations: []gatekeeper.Result{{
			Score:         50,
			PolicyDetails: []string{"Width requirement met: 1920px >= 800px"},
			Checks: []gatekeeper.Check{
				{Name: gatekeeper.CheckPolicyScore, Passed: true},
				{Name: gatekeeper.CheckEcommerce, Passed: true},
				{Name: gatekeeper.CheckMinConfidence, Passed: true},
			},
			Passed: true,
		}},
		Decision: &gatekeeper.Decision{
			State:   gatekeeper.StatusApproved,
			Message: "Gatekeeper APPROVED with score 50. Proceeding to marketing generation.",
		},
		Marketing: &pipeline.MarketingRecord{Content: &marketing.Content{
			Message:     "Fresh juice.",
			Brand:       "Sunny",
			Category:    "Bottle",
			GeneratedBy: "Template Marketing Agent (API Fallback)",
			Note:        "API Error: 503",
		}, Fallback: true},
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}
}

func TestRender_Approved(t *testing.T) {
	out := Render(approvedRun())

	assert.Contains(t, out, "Run run-1 (juice.png)")
	assert.Contains(t, out, "Status:     APPROVED")
	assert.Contains(t, out, "Scan:       clean (Mock Scanner v1.0, mock)")
	assert.Contains(t, out, "Duration:   1.5s")
	assert.Contains(t, out, "Score:      50/50")
	assert.Contains(t, out, "✓ policy_score_passed")
	assert.Contains(t, out, "- Width requirement met: 1920px >= 800px")
	assert.Contains(t, out, "Gatekeeper APPROVED with score 50.")
	assert.Contains(t, out, "Marketing (Template Marketing Agent (API Fallback))")
	assert.Contains(t, out, "Fresh juice.")
	assert.Contains(t, out, "Note:       API Error: 503")
}

func TestRender_Failed(t *testing.T) {
	out := Render(&pipeline.RunContext{
		ID:     "run-2",
		Source: "/tmp/missing.png",
		Status: pipeline.StatusFailed,
		Error:  "failed to load image: no such file",
	})

	assert.Contains(t, out, "Run run-2 (/tmp/missing.png)")
	assert.Contains(t, out, "Status:     FAILED")
	assert.Contains(t, out, "Scan:       -")
	assert.Contains(t, out, "Error:      failed to load image: no such file")
	assert.NotContains(t, out, "Checks")
}

func TestRender_Rejected(t *testing.T) {
	reason := "Policy score too low: 10/45"
	rc := &pipeline.RunContext{
		ID:       "run-3",
		Filename: "small.png",
		Status:   pipeline.StatusRejected,
		Evaluations: []gatekeeper.Result{{
			Score:           10,
			Checks:          []gatekeeper.Check{{Name: gatekeeper.CheckPolicyScore, Passed: false}},
			RejectionReason: &reason,
		}},
		Decision: &gatekeeper.Decision{Message: "Gatekeeper REJECTED after 3 iterations. Reason: " + reason},
	}

	out := Render(rc)
	assert.Contains(t, out, "✗ policy_score_passed")
	assert.Contains(t, out, "Gatekeeper REJECTED after 3 iterations.")
	assert.NotContains(t, out, "Marketing")
}

func TestSummary(t *testing.T) {
	reason := "Not suitable for ecommerce: No product detected"
	runs := []*pipeline.RunContext{
		approvedRun(),
		{Filename: "sky.png", Status: pipeline.StatusRejected, Evaluations: []gatekeeper.Result{{Score: 50, RejectionReason: &reason}}},
		{Filename: "bad.png", Status: pipeline.StatusInfected, Error: "file failed virus scan: ClamAV"},
		nil,
	}

	out := Summary(runs)
	assert.Contains(t, out, "juice.png")
	assert.Contains(t, out, reason)
	assert.Contains(t, out, "file failed virus scan: ClamAV")
	assert.Contains(t, out, "approved=1 infected=1 rejected=1")
}
