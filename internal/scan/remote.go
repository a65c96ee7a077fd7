package scan

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

type scanResponse struct {
	Clean      bool   `json:"clean"`
	VirusFound bool   `json:"virus_found"`
	ScanOutput string `json:"scan_output"`
	Engine     string `json:"engine"`
	Error      string `json:"error"`
}

// RemoteScanner posts files to an HTTP scanning service.
type RemoteScanner struct {
	httpClient *resty.Client
	backoff    func() retry.Backoff
}

// NewRemoteScanner creates a scanner for the service at baseURL.
func NewRemoteScanner(baseURL string) *RemoteScanner {
	return &RemoteScanner{
		httpClient: resty.New().
			SetDebug(false).
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(defaultMaxRetries, retry.NewFibonacci(1*time.Second))
		},
	}
}

// WithBackoff overrides the retry policy for transport errors.
func (s *RemoteScanner) WithBackoff(b func() retry.Backoff) *RemoteScanner {
	s.backoff = b
	return s
}

// Scan implements Scanner. Transport failures and 5xx responses are retried;
// other HTTP errors are returned as is.
func (s *RemoteScanner) Scan(ctx context.Context, data []byte, filename string) (*Result, error) {
	result := &scanResponse{}

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		res, err := s.httpClient.R().
			SetContext(ctx).
			SetFileReader("file", filename, bytes.NewReader(data)).
			SetResult(result).
			Post("/scan")
		if err != nil {
			log.Warn().Err(err).Str("filename", filename).Msg("scan request failed, retrying")
			return retry.RetryableError(err)
		}
		if res.StatusCode() >= http.StatusInternalServerError {
			log.Warn().Int("status", res.StatusCode()).Str("filename", filename).Msg("scanner unavailable, retrying")
			return retry.RetryableError(fmt.Errorf("scan failed: status %d", res.StatusCode()))
		}
		if res.IsError() {
			return fmt.Errorf("scan failed: status %d", res.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", filename, err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("failed to scan %s: %s", filename, result.Error)
	}

	engine := result.Engine
	if engine == "" {
		engine = "remote"
	}

	log.Info().
		Str("filename", filename).
		Bool("clean", result.Clean).
		Bool("virusFound", result.VirusFound).
		Str("engine", engine).
		Msg("file scanned")

	return &Result{
		Clean:      result.Clean && !result.VirusFound,
		VirusFound: result.VirusFound,
		Engine:     engine,
		Method:     "remote",
		Output:     result.ScanOutput,
	}, nil
}
