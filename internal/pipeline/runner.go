package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/raine/product-gate/internal/audit"
	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/loader"
	"github.com/raine/product-gate/internal/marketing"
	"github.com/raine/product-gate/internal/metrics"
	"github.com/raine/product-gate/internal/scan"
	"github.com/raine/product-gate/internal/storage"
	"github.com/raine/product-gate/internal/vision"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/raine/product-gate/internal/pipeline"

// ImageLoader loads the image for a run.
type ImageLoader interface {
	Load(ctx context.Context, source string) (*loader.Image, error)
}

// RunRecorder persists run history.
type RunRecorder interface {
	StartRun(ctx context.Context, filename string) (*storage.Run, error)
	FinishRun(ctx context.Context, run *storage.Run) error
}

// Runner executes runs. Loader, Scanner, Annotator and Engine are
// required; the rest are optional. A Runner is safe for concurrent use as
// long as its collaborators are.
type Runner struct {
	Loader    ImageLoader
	Scanner   scan.Scanner
	Uploader  audit.Uploader
	Annotator vision.Annotator
	Engine    *gatekeeper.Engine
	Loop      gatekeeper.Loop

	// Marketing is skipped when nil. Fallback is used for provider failures.
	Marketing marketing.Generator
	Fallback  marketing.Generator
	// APIDelay is waited before marketing generation.
	APIDelay time.Duration

	Recorder  RunRecorder
	Metrics   *metrics.Metrics
	RunLogDir string
}

// Run executes the full pipeline for source. It always returns a
// RunContext with a final Status; failures are recorded on it.
func (r *Runner) Run(ctx context.Context, source string) *RunContext {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("source", source)))
	defer span.End()

	rc := &RunContext{
		Source:    source,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	var record *storage.Run
	if r.Recorder != nil {
		run, err := r.Recorder.StartRun(ctx, filepath.Base(source))
		if err != nil {
			log.Warn().Err(err).Str("source", source).Msg("failed to record run start")
		} else {
			record = run
			rc.ID = run.ID
		}
	}
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("run.id", rc.ID))

	runLog, err := OpenRunLog(r.RunLogDir, rc.ID, source)
	if err != nil {
		log.Warn().Err(err).Str("runID", rc.ID).Msg("run log disabled")
	}

	logger := log.With().Str("runID", rc.ID).Logger()
	logger.Info().Str("source", source).Msg("run started")

	r.execute(ctx, rc, runLog)

	rc.FinishedAt = time.Now()
	r.Metrics.IncrementDecision(string(rc.Status))
	if rc.Status != StatusApproved {
		span.SetStatus(codes.Error, string(rc.Status))
	}
	span.SetAttributes(attribute.String("run.status", string(rc.Status)))

	runLog.Logf("state", "finished with status %s", rc.Status)
	logger.Info().
		Str("filename", rc.Filename).
		Str("status", string(rc.Status)).
		Int("score", rc.Score()).
		Int("iterations", len(rc.Evaluations)).
		Dur("elapsed", rc.FinishedAt.Sub(rc.StartedAt)).
		Msg("run finished")

	if record != nil {
		r.finishRecord(ctx, rc, record)
	}
	return rc
}

func (r *Runner) execute(ctx context.Context, rc *RunContext, runLog *RunLog) {
	var img *loader.Image
	err := r.stage(ctx, rc, runLog, StageLoad, 0, func(ctx context.Context) error {
		var err error
		img, err = r.Loader.Load(ctx, rc.Source)
		if err != nil {
			return err
		}
		rc.Filename = img.Filename
		rc.MIMEType = img.MIMEType
		rc.Size = len(img.Data)
		runLog.Logf(StageLoad, "loaded %s (%d bytes, %s)", img.Filename, len(img.Data), img.MIMEType)
		return nil
	})
	if err != nil {
		rc.fail(StatusFailed, err)
		return
	}

	err = r.stage(ctx, rc, runLog, StageScan, 0, func(ctx context.Context) error {
		res, err := r.Scanner.Scan(ctx, img.Data, img.Filename)
		if err != nil {
			return fmt.Errorf("failed to scan image: %w", err)
		}
		rc.Scan = res
		runLog.Logf(StageScan, "engine=%s method=%s clean=%t", res.Engine, res.Method, res.Clean)
		if !res.Clean {
			return fmt.Errorf("%w: %s", ErrInfected, res.Engine)
		}
		return nil
	})
	if err != nil {
		if rc.Scan != nil && !rc.Scan.Clean {
			rc.fail(StatusInfected, err)
		} else {
			rc.fail(StatusFailed, err)
		}
		return
	}

	if r.Uploader != nil {
		// Upload failures are recorded but do not stop the run.
		r.stage(ctx, rc, runLog, StageAudit, 0, func(ctx context.Context) error {
			loc, err := r.Uploader.Upload(ctx, audit.Key(img.Filename), img.Data, img.MIMEType)
			if err != nil {
				rc.AuditError = err.Error()
				return fmt.Errorf("failed to upload audit copy: %w", err)
			}
			rc.AuditLocation = loc
			runLog.Logf(StageAudit, "uploaded to %s", loc)
			return nil
		})
	}

	for {
		iteration := len(rc.Evaluations) + 1

		err := r.stage(ctx, rc, runLog, StageAnnotate, iteration, func(ctx context.Context) error {
			var (
				ann *vision.AnnotationResult
				err error
			)
			if iteration == 1 {
				ann, err = r.Annotator.Annotate(ctx, img.Data, img.MIMEType)
			} else {
				ann, err = vision.Fresh(ctx, r.Annotator, img.Data, img.MIMEType)
			}
			if err != nil {
				return fmt.Errorf("failed to annotate image: %w", err)
			}
			rc.Annotation = ann
			runLog.Logf(StageAnnotate, "labels=%v logos=%v objects=%v", ann.LabelNames(5), ann.LogoNames(), ann.ObjectNames())
			return nil
		})
		if err != nil {
			rc.fail(StatusFailed, err)
			return
		}

		var decision gatekeeper.Decision
		r.stage(ctx, rc, runLog, StageGatekeeper, iteration, func(ctx context.Context) error {
			result := r.Engine.Evaluate(img.Data, rc.Annotation)
			rc.Evaluations = append(rc.Evaluations, result)
			r.Metrics.ObservePolicyScore(result.Score)

			decision = r.Loop.Step(&rc.Loop, result)
			runLog.Logf(StageGatekeeper, "score=%d passed=%t checks=%v", result.Score, result.Passed, result.CheckMap())
			runLog.Logf("state", "%s", decision.Message)
			return nil
		})
		rc.Decision = &decision

		if !decision.Continue {
			break
		}
		if err := ctx.Err(); err != nil {
			rc.fail(StatusFailed, fmt.Errorf("run cancelled: %w", err))
			return
		}
	}
	r.Metrics.ObserveIterations(len(rc.Evaluations))

	if rc.Decision.State != gatekeeper.StatusApproved {
		rc.Status = StatusRejected
		rc.Error = rc.Decision.Reason
		return
	}
	rc.Status = StatusApproved

	if r.Marketing == nil {
		return
	}

	if r.APIDelay > 0 {
		select {
		case <-time.After(r.APIDelay):
		case <-ctx.Done():
			rc.Marketing = &MarketingRecord{Error: ctx.Err().Error()}
			return
		}
	}

	r.stage(ctx, rc, runLog, StageMarketing, 0, func(ctx context.Context) error {
		out := marketing.Produce(ctx, r.Marketing, r.Fallback, rc.Gatekeeper(), rc.Annotation)
		rc.Marketing = &MarketingRecord{Content: out.Content, Fallback: out.Fallback, Error: out.Error()}
		if out.Err != nil {
			return out.Err
		}
		runLog.Logf(StageMarketing, "generated by %s: %s", out.Content.GeneratedBy, out.Content.Message)
		return nil
	})
}

// stage runs fn inside a span, timing it and recording the outcome on rc.
func (r *Runner) stage(ctx context.Context, rc *RunContext, runLog *RunLog, name string, iteration int, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline."+name,
		trace.WithAttributes(
			attribute.String("run.id", rc.ID),
			attribute.Int("iteration", iteration),
		))
	defer span.End()

	logger := log.With().Str("runID", rc.ID).Str("stage", name).Logger()
	if iteration > 0 {
		logger = logger.With().Int("iteration", iteration).Logger()
	}
	logger.Debug().Msg("stage started")

	rec := StageRecord{Name: name, Iteration: iteration, StartedAt: time.Now()}
	err := fn(ctx)
	rec.Duration = time.Since(rec.StartedAt)
	r.Metrics.ObserveStage(name, rec.Duration)

	if err != nil {
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		runLog.Errorf("%s: %v", name, err)
		logger.Warn().Err(err).Dur("elapsed", rec.Duration).Msg("stage failed")
	} else {
		logger.Debug().Dur("elapsed", rec.Duration).Msg("stage finished")
	}

	rc.Stages = append(rc.Stages, rec)
	return err
}

func (r *Runner) finishRecord(ctx context.Context, rc *RunContext, run *storage.Run) {
	payload, err := json.Marshal(rc)
	if err != nil {
		log.Warn().Err(err).Str("runID", rc.ID).Msg("failed to encode run payload")
	}

	run.Filename = rc.Filename
	if run.Filename == "" {
		run.Filename = filepath.Base(rc.Source)
	}
	run.Status = string(rc.Status)
	run.Score = rc.Score()
	run.Iterations = len(rc.Evaluations)
	run.RejectionReason = rc.RejectionReason()
	run.Payload = string(payload)
	run.FinishedAt = &rc.FinishedAt

	// The run is recorded even when the caller's context was cancelled.
	if err := r.Recorder.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn().Err(err).Str("runID", rc.ID).Msg("failed to record run result")
	}
}
