// Package detector adapts the external anomaly detection service behind a
// capability interface and guarantees a score through a local fallback.
package detector

import (
	"context"
	"errors"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ErrSeriesTooShort is returned by RemoteDetector when the user's history
// cannot form a series the service accepts.
var ErrSeriesTooShort = errors.New("series too short for remote detection")

// Input is what a detector sees for one transaction.
type Input struct {
	UserID    string
	Amount    float64
	Timestamp time.Time

	// History holds the user's recent amounts, oldest first, excluding Amount.
	History []float64

	// Features is the numeric model vector of the transaction.
	Features []float64
}

// Result is a 0-100 external score with its provenance.
type Result struct {
	Score  float64
	Source domain.ExternalSource
}

// Detector produces an external anomaly score.
type Detector interface {
	Detect(ctx context.Context, in Input) (Result, error)
}
