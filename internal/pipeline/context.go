// Package pipeline runs an image through scanning, annotation, the
// gatekeeper loop and marketing generation, collecting every stage result
// in a RunContext.
package pipeline

import (
	"errors"
	"time"

	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/marketing"
	"github.com/raine/product-gate/internal/scan"
	"github.com/raine/product-gate/internal/vision"
)

// Status is the final outcome of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusInfected Status = "infected"
	StatusFailed   Status = "failed"
)

// ErrInfected is recorded when the scanner does not report the file clean.
var ErrInfected = errors.New("file failed virus scan")

// Stage names.
const (
	StageLoad       = "load"
	StageScan       = "scan"
	StageAudit      = "audit"
	StageAnnotate   = "annotate"
	StageGatekeeper = "gatekeeper"
	StageMarketing  = "marketing"
)

// StageRecord is the timing and error of one stage execution.
type StageRecord struct {
	Name      string        `json:"name"`
	Iteration int           `json:"iteration,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}

// MarketingRecord is the serializable form of a marketing.Outcome.
type MarketingRecord struct {
	Content  *marketing.Content `json:"content,omitempty"`
	Fallback bool               `json:"fallback"`
	Error    string             `json:"error,omitempty"`
}

// RunContext accumulates the results of a single run. It is owned by the
// goroutine executing the run.
type RunContext struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Filename string `json:"filename,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int    `json:"size,omitempty"`

	Scan          *scan.Result `json:"scan,omitempty"`
	AuditLocation string       `json:"audit_location,omitempty"`
	AuditError    string       `json:"audit_error,omitempty"`

	Annotation  *vision.AnnotationResult `json:"annotation,omitempty"`
	Evaluations []gatekeeper.Result      `json:"evaluations,omitempty"`
	Loop        gatekeeper.LoopState     `json:"loop"`
	Decision    *gatekeeper.Decision     `json:"decision,omitempty"`
	Marketing   *MarketingRecord         `json:"marketing,omitempty"`

	Stages []StageRecord `json:"stages"`

	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Gatekeeper returns the latest gatekeeper result, or nil.
func (rc *RunContext) Gatekeeper() *gatekeeper.Result {
	if len(rc.Evaluations) == 0 {
		return nil
	}
	return &rc.Evaluations[len(rc.Evaluations)-1]
}

// Score is the latest policy score, 0 before evaluation.
func (rc *RunContext) Score() int {
	if g := rc.Gatekeeper(); g != nil {
		return g.Score
	}
	return 0
}

// RejectionReason is the reason of the latest failed evaluation.
func (rc *RunContext) RejectionReason() string {
	if g := rc.Gatekeeper(); g != nil {
		return g.Reason()
	}
	return ""
}

func (rc *RunContext) fail(status Status, err error) {
	rc.Status = status
	if err != nil {
		rc.Error = err.Error()
	}
}
