// Package solver is the HTTP gateway to the external timetable solver. Each
// call is bounded by its own timeout; no state is kept between calls and no
// call is retried.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

const (
	startSolvePath = "/start-solve"
	jobStatusPath  = "/job-status/"

	maxDiagnosticBytes = 2048
	maxResponseBytes   = 32 << 20
)

// Config configures the gateway.
type Config struct {
	BaseURL       string
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client talks to the solver over HTTP.
type Client struct {
	baseURL       string
	submitTimeout time.Duration
	pollTimeout   time.Duration
	http          *http.Client
	logger        *zap.Logger
}

// NewClient builds a gateway client.
func NewClient(cfg Config) *Client {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		submitTimeout: cfg.SubmitTimeout,
		pollTimeout:   cfg.PollTimeout,
		http:          cfg.HTTPClient,
		logger:        cfg.Logger,
	}
}

// Submit hands the request to the solver and returns the accepted job id. The
// timeout only covers job acceptance, not solving.
func (c *Client) Submit(ctx context.Context, req *dto.SolverRequest) (string, error) {
	if req == nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "solver request is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode solver request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startSolvePath, bytes.NewReader(body))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build solver request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	status, respBody, err := c.do(httpReq)
	if err != nil {
		return "", unavailable("submit", err, nil)
	}
	if status < 200 || status > 299 {
		return "", unavailable("submit", fmt.Errorf("solver responded with status %d", status), respBody)
	}

	var accepted dto.SolverSubmitResponse
	if err := json.Unmarshal(respBody, &accepted); err != nil {
		return "", unavailable("submit", fmt.Errorf("decode submit response: %w", err), respBody)
	}
	if accepted.JobID == "" {
		return "", unavailable("submit", errors.New("solver accepted the request without a job id"), respBody)
	}

	c.logger.Info("solver job accepted",
		zap.String("job_id", accepted.JobID.String()),
		zap.String("version", req.VersionName),
		zap.Int("lessons", len(req.Lessons)),
	)
	return accepted.JobID.String(), nil
}

// Poll fetches the current status of a job. A completed status carries the
// result bundle in the same response.
func (c *Client) Poll(ctx context.Context, jobID string) (*dto.SolverJobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "job id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+jobStatusPath+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build solver status request")
	}
	httpReq.Header.Set("Accept", "application/json")

	status, respBody, err := c.do(httpReq)
	if err != nil {
		return nil, unavailable("poll", err, nil)
	}
	if status == http.StatusNotFound {
		return nil, appErrors.Clone(appErrors.ErrJobNotFound, fmt.Sprintf("solver job %s not found", jobID))
	}
	if status < 200 || status > 299 {
		return nil, unavailable("poll", fmt.Errorf("solver responded with status %d", status), respBody)
	}

	var out dto.SolverJobStatus
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, unavailable("poll", fmt.Errorf("decode job status: %w", err), respBody)
	}
	return &out, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("solver request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read solver response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return resp.StatusCode, nil, fmt.Errorf("solver response exceeds %d bytes", maxResponseBytes)
	}
	c.logger.Debug("solver response",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	return resp.StatusCode, body, nil
}

func unavailable(op string, err error, body []byte) *appErrors.Error {
	message := fmt.Sprintf("solver %s failed", op)
	if errors.Is(err, context.DeadlineExceeded) {
		message = fmt.Sprintf("solver %s timed out", op)
	}
	appErr := appErrors.Wrap(err, appErrors.ErrSolverUnavailable.Code, appErrors.ErrSolverUnavailable.Status, message)
	if len(body) > 0 {
		appErr = appErr.WithDetails(map[string]any{"solverResponse": diagnostic(body)})
	}
	return appErr
}

// diagnostic cuts body to maxDiagnosticBytes without splitting a rune.
func diagnostic(body []byte) string {
	if len(body) <= maxDiagnosticBytes {
		return string(body)
	}
	cut := maxDiagnosticBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
