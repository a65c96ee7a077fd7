package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raine/product-gate/config"
	"github.com/raine/product-gate/internal/audit"
	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/loader"
	"github.com/raine/product-gate/internal/marketing"
	"github.com/raine/product-gate/internal/metrics"
	"github.com/raine/product-gate/internal/pipeline"
	"github.com/raine/product-gate/internal/policy"
	"github.com/raine/product-gate/internal/report"
	"github.com/raine/product-gate/internal/scan"
	"github.com/raine/product-gate/internal/storage"
	"github.com/raine/product-gate/internal/vision"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const logFileName = "product-gate.log"

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitRejected = 2
)

type options struct {
	policyPath    string
	maxIterations int
	all           bool
	concurrency   int
	pick          bool
	noMarketing   bool
	jsonOutput    bool
	source        string
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	config.LoadEnvFile()

	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	if len(args) > 0 && args[0] == "init" {
		return runInit(args[1:], stdout)
	}

	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	closeLog := setupLogging(cfg.LogLevel)
	defer closeLog()

	if missing := config.MissingRequired(); len(missing) > 0 {
		if !config.IsInteractiveTerminal() || !config.RunSetupWizard() {
			log.Error().Msgf("missing required config: %s", strings.Join(missing, ", "))
			config.WaitOnWindows()
			return exitError
		}
		if cfg, err = config.Load(); err != nil {
			log.Error().Err(err).Msg("invalid configuration")
			return exitError
		}
	}

	if opts.policyPath != "" {
		cfg.PolicyPath = opts.policyPath
	}
	if opts.maxIterations > 0 {
		cfg.MaxIterations = opts.maxIterations
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		log.Error().Err(err).Msg("cannot start without a valid policy")
		return exitError
	}
	log.Info().
		Str("policyPath", cfg.PolicyPath).
		Int("threshold", pol.Threshold()).
		Int("rules", len(pol.Rules())).
		Msg("policy loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sources, err := resolveSources(opts)
	if err != nil {
		log.Error().Err(err).Msg("no input")
		return exitError
	}

	runner, cleanup, err := buildRunner(ctx, cfg, pol, opts)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		return exitError
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: runner.Metrics.Handler()}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-done:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var runs []*pipeline.RunContext
	g.Go(func() error {
		defer close(done)
		if len(sources) == 1 {
			runs = []*pipeline.RunContext{runner.Run(gctx, sources[0])}
			return nil
		}
		var err error
		runs, err = runner.RunBatch(gctx, sources, opts.concurrency)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	}

	if err := printRuns(stdout, runs, opts.jsonOutput); err != nil {
		log.Error().Err(err).Msg("failed to print results")
		return exitError
	}

	if ctx.Err() != nil {
		log.Warn().Msg("interrupted")
		return exitError
	}
	return exitCode(runs)
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("product-gate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: product-gate [flags] <image|folder|url>\n       product-gate init [policy.json]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	opts := &options{}
	fs.StringVar(&opts.policyPath, "policy", "", "policy file (default $POLICY_PATH or policy.json)")
	fs.IntVar(&opts.maxIterations, "max-iterations", 0, "gatekeeper evaluations per image (default $MAX_ITERATIONS or 3)")
	fs.BoolVar(&opts.all, "all", false, "process every image in the folder")
	fs.IntVar(&opts.concurrency, "concurrency", pipeline.DefaultConcurrency, "parallel runs with -all")
	fs.BoolVar(&opts.pick, "pick", false, "choose an image from the folder interactively")
	fs.BoolVar(&opts.noMarketing, "no-marketing", false, "skip marketing generation")
	fs.BoolVar(&opts.jsonOutput, "json", false, "print run results as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("expected exactly one image, folder or URL")
	}
	if opts.all && opts.pick {
		return nil, errors.New("-all and -pick are mutually exclusive")
	}
	opts.source = fs.Arg(0)
	return opts, nil
}

// setupLogging writes to stderr and to product-gate.log, except under
// systemd where journald already captures stderr.
func setupLogging(level string) func() {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return func() {}
	}

	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		log.Warn().Err(err).Msg("failed to open log file, logging to stderr only")
		return func() {}
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
	log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))
	log.Debug().Str("logFile", logFileName).Msg("logging to file")

	return func() { logFile.Close() }
}

func buildRunner(ctx context.Context, cfg *config.Config, pol *policy.Policy, opts *options) (*pipeline.Runner, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*pipeline.Runner, func(), error) {
		cleanup()
		return nil, nil, err
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize store: %w", err))
	}
	closers = append(closers, store.Close)
	log.Info().Str("dbPath", cfg.DBPath).Msg("store initialized")

	var cache vision.Cache = store
	if cfg.RedisAddr != "" {
		rc, err := storage.NewRedisCache(ctx, cfg.RedisAddr, storage.DefaultAnnotationTTL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rc.Close)
		cache = rc
		log.Info().Str("redisAddr", cfg.RedisAddr).Msg("annotation cache in redis")
	}

	client, err := vision.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize gemini client: %w", err))
	}
	annotator := vision.NewCachedAnnotator(vision.NewGeminiAnnotator(client, vision.WithModel(cfg.GeminiModel)), cache)
	log.Info().Msg("gemini annotator initialized")

	var scanner scan.Scanner = scan.MockScanner{}
	if cfg.ScannerURL != "" {
		scanner = scan.NewRemoteScanner(cfg.ScannerURL)
		log.Info().Str("scannerURL", cfg.ScannerURL).Msg("remote virus scanner enabled")
	} else {
		log.Warn().Msg("SCANNER_URL not set, using mock scanner")
	}

	var uploader audit.Uploader = audit.NewDirUploader(cfg.AuditDir)
	if cfg.UseAzureAudit() {
		az, err := audit.NewAzureUploader(cfg.AzureConnectionString, cfg.AzureContainer)
		if err != nil {
			return fail(err)
		}
		if err := az.EnsureContainer(ctx); err != nil {
			return fail(err)
		}
		uploader = az
		log.Info().Str("container", cfg.AzureContainer).Msg("audit copies go to azure blob storage")
	}

	runner := &pipeline.Runner{
		Loader:    loader.New(),
		Scanner:   scanner,
		Uploader:  uploader,
		Annotator: annotator,
		Engine:    gatekeeper.NewEngine(pol),
		Loop:      gatekeeper.NewLoop(cfg.MaxIterations),
		APIDelay:  cfg.APIDelay,
		Recorder:  store,
		Metrics:   metrics.New(),
		RunLogDir: cfg.RunLogDir,
	}
	if !opts.noMarketing {
		runner.Marketing = marketing.NewGeminiGenerator(client)
		runner.Fallback = marketing.TemplateGenerator{}
	}

	return runner, cleanup, nil
}

func printRuns(w io.Writer, runs []*pipeline.RunContext, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(runs) == 1 {
			return enc.Encode(runs[0])
		}
		return enc.Encode(runs)
	}

	for _, rc := range runs {
		if rc == nil {
			continue
		}
		fmt.Fprintln(w, report.Render(rc))
	}
	if len(runs) > 1 {
		fmt.Fprint(w, report.Summary(runs))
	}
	return nil
}

// exitCode is 0 when every run was approved, 1 when a run failed or never
// started, and 2 when a run was rejected or infected.
func exitCode(runs []*pipeline.RunContext) int {
	code := exitOK
	for _, rc := range runs {
		switch {
		case rc == nil || rc.Status == pipeline.StatusFailed:
			return exitError
		case rc.Status == pipeline.StatusRejected || rc.Status == pipeline.StatusInfected:
			code = exitRejected
		}
	}
	return code
}
