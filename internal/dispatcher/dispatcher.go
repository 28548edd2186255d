// Package dispatcher hands admitted jobs to the external crawler worker.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/signature"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// JobsPath is the worker's job-submission endpoint.
const JobsPath = "/api/v1/jobs"

// DefaultTimeout bounds the worker call when none is configured.
const DefaultTimeout = 10 * time.Second

// RecordTimeout bounds the store write that records a dispatch outcome.
const RecordTimeout = 5 * time.Second

// Transitioner moves a job out of pending.
type Transitioner interface {
	MarkQueued(ctx context.Context, jobID string) (crawl.Job, error)
	Fail(ctx context.Context, jobID, message string) (crawl.Job, error)
}

// Config holds the worker connection settings.
type Config struct {
	WorkerURL   string
	Secret      []byte
	Timeout     time.Duration
	CallbackURL string
}

// Dispatcher posts signed crawl configs to the worker. It never retries.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	jobs   Transitioner
	clock  crawl.Clock
	logger *zap.Logger
}

// New creates a Dispatcher. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, jobs Transitioner, clock crawl.Clock, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.WorkerURL = strings.TrimRight(strings.TrimSpace(cfg.WorkerURL), "/")
	return &Dispatcher{cfg: cfg, client: client, jobs: jobs, clock: clock, logger: logger}
}

// Dispatch sends the job to the worker. Worker-side failures move the job to
// failed and return it with a nil error; the returned error only reports a
// failure to record the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job crawl.Job, cfg CrawlConfig) (crawl.Job, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.Dispatch")
	defer span.End()

	start := time.Now()
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = d.cfg.CallbackURL
	}
	if reason := d.send(ctx, cfg); reason != "" {
		metrics.ObserveDispatch("failed", time.Since(start))
		d.logger.Warn("dispatch failed",
			zap.String("job_id", job.ID),
			zap.String("project_id", job.ProjectID),
			zap.String("reason", reason),
		)
		rctx, cancel := recordContext(ctx)
		defer cancel()
		failed, err := d.jobs.Fail(rctx, job.ID, reason)
		if err != nil {
			return failed, fmt.Errorf("record dispatch failure: %w", err)
		}
		return failed, nil
	}
	metrics.ObserveDispatch("queued", time.Since(start))
	rctx, cancel := recordContext(ctx)
	defer cancel()
	queued, err := d.jobs.MarkQueued(rctx, job.ID)
	if err != nil {
		return queued, fmt.Errorf("record dispatch success: %w", err)
	}
	d.logger.Info("job dispatched", zap.String("job_id", job.ID), zap.String("project_id", job.ProjectID))
	return queued, nil
}

// recordContext detaches the outcome write from the caller so a disconnect or
// request timeout cannot leave the job pending.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), RecordTimeout)
}

// send returns an empty string on a 2xx response, otherwise a description
// suitable for the job's error message.
func (d *Dispatcher) send(ctx context.Context, cfg CrawlConfig) string {
	if d.cfg.WorkerURL == "" {
		return "no crawler worker configured"
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("encode crawl config: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WorkerURL+JobsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("build worker request: %v", err)
	}
	sig, ts := signature.Headers(d.cfg.Secret, body, d.clock.Now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderSignature, sig)
	req.Header.Set(signature.HeaderTimestamp, ts)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Sprintf("worker unreachable: %v", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("close worker response", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ""
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("worker responded %d", resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}
	return msg
}
