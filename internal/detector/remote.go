package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const (
	lastPointPath  = "/anomalydetector/v1.0/timeseries/last/detect"
	subscriptionHd = "Ocp-Apim-Subscription-Key"

	// MinSeriesLength is the shortest series the service accepts.
	MinSeriesLength = 12

	// anomalyFloor is the minimum score when the service flags the point.
	anomalyFloor = 80.0
)

// RemoteDetector calls a managed time-series anomaly detection service
// using the "last point" contract: the series is the user's recent amounts
// followed by the current one, and the service judges the final point.
type RemoteDetector struct {
	endpoint    string
	apiKey      string
	granularity string
	sensitivity int
	client      *http.Client
}

type seriesPoint struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

type lastPointRequest struct {
	Series      []seriesPoint `json:"series"`
	Granularity string        `json:"granularity"`
	Sensitivity int           `json:"sensitivity,omitempty"`
}

type lastPointResponse struct {
	IsAnomaly     *bool   `json:"isAnomaly"`
	ExpectedValue float64 `json:"expectedValue"`
	UpperMargin   float64 `json:"upperMargin"`
	LowerMargin   float64 `json:"lowerMargin"`
}

// NewRemoteDetector creates a remote detector for cfg.Endpoint.
// The client carries no timeout of its own; callers bound each call with ctx.
func NewRemoteDetector(cfg domain.DetectorConfig, client *http.Client) *RemoteDetector {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	granularity := cfg.Granularity
	if granularity == "" {
		granularity = "minutely"
	}
	return &RemoteDetector{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:      cfg.APIKey,
		granularity: granularity,
		sensitivity: cfg.Sensitivity,
		client:      client,
	}
}

// Detect asks the service whether the current amount is anomalous.
func (d *RemoteDetector) Detect(ctx context.Context, in Input) (Result, error) {
	if len(in.History)+1 < MinSeriesLength {
		return Result{}, ErrSeriesTooShort
	}

	body, err := json.Marshal(lastPointRequest{
		Series:      buildSeries(in),
		Granularity: d.granularity,
		Sensitivity: d.sensitivity,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode series: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+lastPointPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set(subscriptionHd, d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var out lastPointResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to decode detector response: %w", err)
	}
	if out.IsAnomaly == nil {
		return Result{}, fmt.Errorf("detector response missing isAnomaly")
	}

	return Result{
		Score:  remoteScore(in.Amount, out),
		Source: domain.SourceRemote,
	}, nil
}

// buildSeries lays the amounts on a regular grid ending at the transaction
// timestamp; the service requires evenly spaced points.
func buildSeries(in Input) []seriesPoint {
	values := append(append([]float64(nil), in.History...), in.Amount)
	end := in.Timestamp.UTC().Truncate(time.Minute)
	series := make([]seriesPoint, len(values))
	for i, v := range values {
		ts := end.Add(-time.Duration(len(values)-1-i) * time.Minute)
		series[i] = seriesPoint{Timestamp: ts.Format(time.RFC3339), Value: v}
	}
	return series
}

// remoteScore converts the service's expectation band into 0-100: the
// deviation measured in margins, 50 points per margin, with a floor when
// the service flags the point.
func remoteScore(value float64, out lastPointResponse) float64 {
	deviation := math.Abs(value - out.ExpectedValue)
	margin := out.UpperMargin
	if value < out.ExpectedValue {
		margin = out.LowerMargin
	}

	var score float64
	switch {
	case margin > 0:
		score = deviation / margin * 50
	case deviation > 0:
		score = 100
	}
	score = math.Min(score, 100)

	if *out.IsAnomaly {
		score = math.Max(score, anomalyFloor)
	}
	return score
}
