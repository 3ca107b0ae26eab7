package detector

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Fallback reasons reported in metrics and logs.
const (
	ReasonOK           = "ok"
	ReasonDisabled     = "disabled"
	ReasonTimeout      = "timeout"
	ReasonShortSeries  = "short_series"
	ReasonRemoteFailed = "error"
)

// FallbackDetector runs the remote detector under a bounded timeout and
// answers from the local estimate when it does not succeed in time.
// It never returns an error and never retries.
type FallbackDetector struct {
	remote  Detector
	local   *ZScoreDetector
	timeout time.Duration
	logger  *slog.Logger
}

// NewFallbackDetector creates the adapter. remote may be nil, in which case
// every call is served locally.
func NewFallbackDetector(remote Detector, local *ZScoreDetector, timeout time.Duration, logger *slog.Logger) *FallbackDetector {
	if timeout <= 0 {
		timeout = 40 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackDetector{
		remote:  remote,
		local:   local,
		timeout: timeout,
		logger:  logger.With("component", "detector"),
	}
}

// Detect always yields a 0-100 score.
func (d *FallbackDetector) Detect(ctx context.Context, in Input) (Result, error) {
	if d.remote == nil {
		return d.fallback(in, ReasonDisabled), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res, err := d.remote.Detect(callCtx, in)
	metrics.DetectorDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		res.Score = clampScore(res.Score)
		res.Source = domain.SourceRemote
		metrics.DetectorCalls.WithLabelValues(string(domain.SourceRemote), ReasonOK).Inc()
		return res, nil
	}

	reason := ReasonRemoteFailed
	switch {
	case errors.Is(err, ErrSeriesTooShort):
		reason = ReasonShortSeries
	case errors.Is(err, context.DeadlineExceeded), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		reason = ReasonTimeout
	}
	if reason != ReasonShortSeries {
		d.logger.Warn("external detector degraded, using local estimate",
			"user_id", in.UserID,
			"reason", reason,
			"error", err,
		)
	}
	return d.fallback(in, reason), nil
}

func (d *FallbackDetector) fallback(in Input, reason string) Result {
	metrics.DetectorCalls.WithLabelValues(string(domain.SourceFallback), reason).Inc()
	return Result{
		Score:  clampScore(d.local.Score(in.Features)),
		Source: domain.SourceFallback,
	}
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}
