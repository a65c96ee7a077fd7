package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raine/product-gate/internal/audit"
	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/loader"
	"github.com/raine/product-gate/internal/marketing"
	"github.com/raine/product-gate/internal/metrics"
	"github.com/raine/product-gate/internal/policy"
	"github.com/raine/product-gate/internal/scan"
	"github.com/raine/product-gate/internal/storage"
	"github.com/raine/product-gate/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type scannerMock struct {
	mock.Mock
}

func (m *scannerMock) Scan(ctx context.Context, data []byte, filename string) (*scan.Result, error) {
	args := m.Called(ctx, data, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scan.Result), args.Error(1)
}

type uploaderMock struct {
	mock.Mock
}

func (m *uploaderMock) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, data, contentType)
	return args.String(0), args.Error(1)
}

type generatorMock struct {
	mock.Mock
}

func (m *generatorMock) Generate(ctx context.Context, result *gatekeeper.Result, ann *vision.AnnotationResult) (*marketing.Content, error) {
	args := m.Called(ctx, result, ann)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*marketing.Content), args.Error(1)
}

// writePNG writes an opaque w x h PNG into dir.
func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}

	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return p
}

func newRunner(t *testing.T, annotator vision.Annotator) *Runner {
	t.Helper()
	return &Runner{
		Loader:    loader.New(),
		Scanner:   scan.MockScanner{},
		Annotator: annotator,
		Engine:    gatekeeper.NewEngine(policy.Default()),
		Loop:      gatekeeper.NewLoop(gatekeeper.DefaultMaxIterations),
		Marketing: marketing.TemplateGenerator{},
	}
}

func stageNames(rc *RunContext) []string {
	var names []string
	for _, s := range rc.Stages {
		names = append(names, s.Name)
	}
	return names
}

func TestRun_Approved(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "juice.png", 1920, 1080)

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	ann := &vision.MockAnnotator{}
	r := newRunner(t, ann)
	r.Uploader = audit.NewDirUploader(filepath.Join(dir, "audit"))
	r.Recorder = store
	r.RunLogDir = filepath.Join(dir, "runs")

	rc := r.Run(context.Background(), img)

	assert.Equal(t, StatusApproved, rc.Status)
	assert.Empty(t, rc.Error)
	assert.Equal(t, "juice.png", rc.Filename)
	assert.Equal(t, "image/png", rc.MIMEType)
	assert.Equal(t, []string{StageLoad, StageScan, StageAudit, StageAnnotate, StageGatekeeper, StageMarketing}, stageNames(rc))

	require.Len(t, rc.Evaluations, 1)
	assert.Equal(t, 50, rc.Score())
	assert.Equal(t, gatekeeper.StatusApproved, rc.Decision.State)
	assert.Equal(t, "Gatekeeper APPROVED with score 50. Proceeding to marketing generation.", rc.Decision.Message)
	assert.Equal(t, 0, rc.Loop.IterationCount)

	require.NotNil(t, rc.Marketing)
	require.NotNil(t, rc.Marketing.Content)
	assert.Equal(t, "Template Marketing Agent", rc.Marketing.Content.GeneratedBy)
	assert.Equal(t, 1.0, rc.Marketing.Content.Confidence)

	assert.FileExists(t, rc.AuditLocation)
	assert.Equal(t, 1, ann.CallCount("Annotate"))

	run, err := store.GetRun(context.Background(), rc.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "approved", run.Status)
	assert.Equal(t, 50, run.Score)
	assert.Equal(t, 1, run.Iterations)
	assert.Contains(t, run.Payload, `"status":"approved"`)

	transcript, err := os.ReadFile(filepath.Join(dir, "runs", "run_"+rc.ID+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "=== Run Log ===")
	assert.Regexp(t, regexp.MustCompile(`\[\d\d:\d\d:\d\d\] GATEKEEPER score=50 passed=true`), string(transcript))
	assert.Contains(t, string(transcript), "STATE    finished with status approved")
}

func TestRun_RejectedAfterRetries(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "small.png", 400, 300)

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	inner := &vision.MockAnnotator{}
	r := newRunner(t, vision.NewCachedAnnotator(inner, store))
	marketer := new(generatorMock)
	r.Marketing = marketer

	rc := r.Run(context.Background(), img)

	assert.Equal(t, StatusRejected, rc.Status)
	assert.Equal(t, "Policy score too low: 10/45", rc.Error)
	assert.Len(t, rc.Evaluations, 3)
	assert.Equal(t, 3, rc.Loop.IterationCount)
	assert.Equal(t, gatekeeper.StatusRetryExhausted, rc.Decision.State)
	assert.Equal(t, "Gatekeeper REJECTED after 3 iterations. Reason: Policy score too low: 10/45", rc.Decision.Message)
	assert.Nil(t, rc.Marketing)

	// Retries bypass the cache read, so every iteration reaches the annotator.
	assert.Equal(t, 3, inner.CallCount("Annotate"))
	marketer.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ApprovedOnRetry(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "pack.png", 1920, 1080)

	calls := 0
	ann := &vision.MockAnnotator{
		AnnotateFunc: func(ctx context.Context, imageData []byte, mimeType string) (*vision.AnnotationResult, error) {
			calls++
			if calls == 1 {
				return &vision.AnnotationResult{Labels: []vision.Annotation{{Description: "Sky", Score: 0.9}}}, nil
			}
			return &vision.AnnotationResult{Labels: []vision.Annotation{{Description: "Box", Score: 0.8}}}, nil
		},
	}
	r := newRunner(t, ann)
	r.Marketing = nil

	rc := r.Run(context.Background(), img)

	assert.Equal(t, StatusApproved, rc.Status)
	require.Len(t, rc.Evaluations, 2)
	assert.Equal(t, "Not suitable for ecommerce: No product detected", rc.Evaluations[0].Reason())
	assert.True(t, rc.Evaluations[1].Passed)
	assert.Equal(t, 1, rc.Loop.IterationCount)
	assert.Nil(t, rc.Marketing)
}

func TestRun_Infected(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "eicar.png", 1920, 1080)

	scanner := new(scannerMock)
	scanner.On("Scan", mock.Anything, mock.Anything, "eicar.png").
		Return(&scan.Result{Clean: false, VirusFound: true, Engine: "ClamAV", Method: "remote"}, nil)

	ann := &vision.MockAnnotator{}
	r := newRunner(t, ann)
	r.Scanner = scanner

	rc := r.Run(context.Background(), img)

	assert.Equal(t, StatusInfected, rc.Status)
	assert.Contains(t, rc.Error, ErrInfected.Error())
	assert.Equal(t, []string{StageLoad, StageScan}, stageNames(rc))
	assert.Equal(t, 0, ann.CallCount("Annotate"))
	assert.Empty(t, rc.Evaluations)
	scanner.AssertExpectations(t)
}

func TestRun_ScannerError(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "a.png", 100, 100)

	scanner := new(scannerMock)
	scanner.On("Scan", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("sandbox down"))

	r := newRunner(t, &vision.MockAnnotator{})
	r.Scanner = scanner

	rc := r.Run(context.Background(), img)
	assert.Equal(t, StatusFailed, rc.Status)
	assert.Contains(t, rc.Error, "sandbox down")
}

func TestRun_LoadFailure(t *testing.T) {
	r := newRunner(t, &vision.MockAnnotator{})

	rc := r.Run(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Equal(t, StatusFailed, rc.Status)
	assert.NotEmpty(t, rc.Error)
	assert.NotEmpty(t, rc.ID)
	require.Len(t, rc.Stages, 1)
	assert.NotEmpty(t, rc.Stages[0].Error)
}

func TestRun_AnnotateFailure(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "a.png", 1920, 1080)

	r := newRunner(t, &vision.MockAnnotator{
		AnnotateFunc: func(ctx context.Context, imageData []byte, mimeType string) (*vision.AnnotationResult, error) {
			return nil, errors.New("quota exceeded")
		},
	})

	rc := r.Run(context.Background(), img)
	assert.Equal(t, StatusFailed, rc.Status)
	assert.Contains(t, rc.Error, "failed to annotate image: quota exceeded")
	assert.Empty(t, rc.Evaluations)
}

func TestRun_AuditFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "juice.png", 1920, 1080)

	up := new(uploaderMock)
	up.On("Upload", mock.Anything, "audit/juice.png", mock.Anything, "image/png").Return("", errors.New("403 forbidden"))

	r := newRunner(t, &vision.MockAnnotator{})
	r.Uploader = up

	rc := r.Run(context.Background(), img)
	assert.Equal(t, StatusApproved, rc.Status)
	assert.Equal(t, "403 forbidden", rc.AuditError)
	assert.Empty(t, rc.AuditLocation)
	up.AssertExpectations(t)
}

func TestRun_MarketingFallback(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "juice.png", 1920, 1080)

	primary := new(generatorMock)
	primary.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &marketing.ProviderError{Provider: "gemini", Err: errors.New("503")})

	r := newRunner(t, &vision.MockAnnotator{})
	r.Marketing = primary
	r.Fallback = marketing.TemplateGenerator{}

	rc := r.Run(context.Background(), img)
	assert.Equal(t, StatusApproved, rc.Status)
	require.NotNil(t, rc.Marketing)
	assert.True(t, rc.Marketing.Fallback)
	assert.Equal(t, "Template Marketing Agent (API Fallback)", rc.Marketing.Content.GeneratedBy)
	assert.Empty(t, rc.Marketing.Error)
}

func TestRun_Metrics(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "good.png", 1920, 1080)
	small := writePNG(t, dir, "small.png", 200, 200)

	m := metrics.New()
	r := newRunner(t, &vision.MockAnnotator{})
	r.Metrics = m
	r.Loop = gatekeeper.NewLoop(2)

	r.Run(context.Background(), good)
	r.Run(context.Background(), small)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("rejected")))
}

func TestRunBatch(t *testing.T) {
	dir := t.TempDir()
	sources := []string{
		writePNG(t, dir, "a.png", 1920, 1080),
		writePNG(t, dir, "b.png", 100, 100),
		filepath.Join(dir, "missing.png"),
	}

	r := newRunner(t, &vision.MockAnnotator{})
	r.Loop = gatekeeper.NewLoop(1)

	runs, err := r.RunBatch(context.Background(), sources, 2)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, "a.png", runs[0].Filename)
	assert.Equal(t, StatusApproved, runs[0].Status)
	assert.Equal(t, StatusRejected, runs[1].Status)
	assert.Equal(t, StatusFailed, runs[2].Status)

	assert.Equal(t, map[Status]int{StatusApproved: 1, StatusRejected: 1, StatusFailed: 1}, Summary(runs))
}

func TestRunBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRunner(t, &vision.MockAnnotator{})
	runs, err := r.RunBatch(ctx, []string{"a.png", "b.png"}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []*RunContext{nil, nil}, runs)
}

func TestRunLog(t *testing.T) {
	var nilLog *RunLog
	assert.NotPanics(t, func() { nilLog.Logf("scan", "ignored") })
	assert.Empty(t, nilLog.Path())

	l, err := OpenRunLog("", "x", "y")
	require.NoError(t, err)
	assert.Nil(t, l)

	dir := t.TempDir()
	l, err = OpenRunLog(dir, "abc", "photo.jpg")
	require.NoError(t, err)
	l.Logf(StageScan, "clean=%t", true)
	l.Errorf("boom")

	data, err := os.ReadFile(filepath.Join(dir, "run_abc.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "Run: abc", lines[1])
	assert.Equal(t, "Source: photo.jpg", lines[2])
	assert.Regexp(t, `^\[\d\d:\d\d:\d\d\] SCAN     clean=true$`, lines[len(lines)-2])
	assert.Regexp(t, `^\[\d\d:\d\d:\d\d\] ERROR    boom$`, lines[len(lines)-1])
}
