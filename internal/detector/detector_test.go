package detector

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/anomaly"
	"github.com/opensource-finance/harrier/internal/domain"
)

var reference = []anomaly.FeatureStats{
	{Name: "a", Mean: 10, StdDev: 2},
	{Name: "b", Mean: 0, StdDev: 1},
	{Name: "c", Mean: 5, StdDev: 0},
}

func history(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 50 + float64(i%3)
	}
	return out
}

func testInput(n int) Input {
	return Input{
		UserID:    "u1",
		Amount:    500,
		Timestamp: time.Date(2024, 3, 12, 14, 7, 33, 0, time.UTC),
		History:   history(n),
		Features:  []float64{10, 0, 5},
	}
}

func detectorServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestZScoreDetector(t *testing.T) {
	d := NewZScoreDetector(reference)

	assert.Equal(t, 0.0, d.Score([]float64{10, 0, 5}))

	// z = 1, 2, 0 -> mean 1 -> 33.33
	assert.InDelta(t, 100.0/3, d.Score([]float64{12, -2, 5}), 1e-9)

	// each z capped at 3; zero stddev off the mean counts as 3
	assert.Equal(t, 100.0, d.Score([]float64{1000, 1000, 6}))

	res, err := d.Detect(context.Background(), testInput(0))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFallback, res.Source)

	assert.Equal(t, 0.0, NewZScoreDetector(nil).Score([]float64{1, 2}))

	// non-finite features count as maximally unusual
	assert.InDelta(t, 100.0/3, d.Score([]float64{math.NaN(), 0, 5}), 1e-9)
	assert.InDelta(t, 200.0/3, d.Score([]float64{math.Inf(1), math.Inf(-1), 5}), 1e-9)
}

func TestRemoteScore(t *testing.T) {
	yes, no := true, false

	assert.InDelta(t, 50, remoteScore(110, lastPointResponse{IsAnomaly: &no, ExpectedValue: 100, UpperMargin: 10, LowerMargin: 5}), 1e-9)
	assert.InDelta(t, 100, remoteScore(90, lastPointResponse{IsAnomaly: &no, ExpectedValue: 100, UpperMargin: 10, LowerMargin: 5}), 1e-9)
	assert.Equal(t, 0.0, remoteScore(100, lastPointResponse{IsAnomaly: &no, ExpectedValue: 100}))
	assert.Equal(t, 100.0, remoteScore(101, lastPointResponse{IsAnomaly: &no, ExpectedValue: 100}))
	assert.Equal(t, anomalyFloor, remoteScore(101, lastPointResponse{IsAnomaly: &yes, ExpectedValue: 100, UpperMargin: 50}))
}

func TestRemoteDetectorSuccess(t *testing.T) {
	var got lastPointRequest
	srv := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, lastPointPath, r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(subscriptionHd))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isAnomaly":true,"expectedValue":51,"upperMargin":20,"lowerMargin":20}`))
	})

	d := NewRemoteDetector(domain.DetectorConfig{Endpoint: srv.URL + "/", APIKey: "secret", Sensitivity: 95}, nil)
	res, err := d.Detect(context.Background(), testInput(20))
	require.NoError(t, err)

	assert.Equal(t, domain.SourceRemote, res.Source)
	assert.Equal(t, 100.0, res.Score)

	require.Len(t, got.Series, 21)
	assert.Equal(t, 500.0, got.Series[20].Value)
	assert.Equal(t, "2024-03-12T14:07:00Z", got.Series[20].Timestamp)
	assert.Equal(t, "2024-03-12T13:47:00Z", got.Series[0].Timestamp)
	assert.Equal(t, "minutely", got.Granularity)
	assert.Equal(t, 95, got.Sensitivity)
}

func TestRemoteDetectorErrors(t *testing.T) {
	t.Run("short series", func(t *testing.T) {
		d := NewRemoteDetector(domain.DetectorConfig{Endpoint: "http://127.0.0.1:1"}, nil)
		_, err := d.Detect(context.Background(), testInput(MinSeriesLength-2))
		assert.ErrorIs(t, err, ErrSeriesTooShort)
	})

	t.Run("non-2xx", func(t *testing.T) {
		srv := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"code":"InvalidSeries"}`, http.StatusBadRequest)
		})
		d := NewRemoteDetector(domain.DetectorConfig{Endpoint: srv.URL}, nil)
		_, err := d.Detect(context.Background(), testInput(20))
		assert.ErrorContains(t, err, "status 400")
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"expectedValue":`))
		})
		d := NewRemoteDetector(domain.DetectorConfig{Endpoint: srv.URL}, nil)
		_, err := d.Detect(context.Background(), testInput(20))
		assert.Error(t, err)
	})

	t.Run("missing verdict", func(t *testing.T) {
		srv := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"expectedValue":1}`))
		})
		d := NewRemoteDetector(domain.DetectorConfig{Endpoint: srv.URL}, nil)
		_, err := d.Detect(context.Background(), testInput(20))
		assert.ErrorContains(t, err, "isAnomaly")
	})
}

type stubDetector struct {
	res Result
	err error
}

func (s stubDetector) Detect(ctx context.Context, in Input) (Result, error) {
	return s.res, s.err
}

func TestFallbackDetector(t *testing.T) {
	local := NewZScoreDetector(reference)
	in := testInput(20)
	in.Features = []float64{12, -2, 5}

	t.Run("remote success", func(t *testing.T) {
		d := NewFallbackDetector(stubDetector{res: Result{Score: 150}}, local, 0, nil)
		res, err := d.Detect(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.SourceRemote, res.Source)
		assert.Equal(t, 100.0, res.Score)
	})

	t.Run("remote NaN", func(t *testing.T) {
		d := NewFallbackDetector(stubDetector{res: Result{Score: math.NaN()}}, local, 0, nil)
		res, err := d.Detect(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.SourceRemote, res.Source)
		assert.Equal(t, 0.0, res.Score)
	})

	t.Run("remote error", func(t *testing.T) {
		d := NewFallbackDetector(stubDetector{err: errors.New("connection refused")}, local, 0, nil)
		res, err := d.Detect(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.SourceFallback, res.Source)
		assert.InDelta(t, 100.0/3, res.Score, 1e-9)
	})

	t.Run("no remote configured", func(t *testing.T) {
		d := NewFallbackDetector(nil, local, 0, nil)
		res, err := d.Detect(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.SourceFallback, res.Source)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		remote := NewRemoteDetector(domain.DetectorConfig{Endpoint: "http://127.0.0.1:1"}, nil)
		d := NewFallbackDetector(remote, local, 50*time.Millisecond, nil)
		res, err := d.Detect(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.SourceFallback, res.Source)
	})
}

func TestFallbackOnTimeoutStaysWithinBudget(t *testing.T) {
	var calls atomic.Int32
	srv := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	remote := NewRemoteDetector(domain.DetectorConfig{Endpoint: srv.URL}, nil)
	d := NewFallbackDetector(remote, NewZScoreDetector(reference), 40*time.Millisecond, nil)

	start := time.Now()
	res, err := d.Detect(context.Background(), testInput(20))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 100.0)
	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), int32(1), "the remote must not be retried")
}
