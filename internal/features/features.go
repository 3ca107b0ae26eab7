// Package features derives the per-transaction feature vector from a
// transaction and the submitting user's profile.
package features

import (
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// NumFeatures is the length of the numeric model input.
const NumFeatures = 9

// Names lists the numeric model features in Vector order.
var Names = [NumFeatures]string{
	"amount",
	"hour",
	"day_of_week",
	"distance_km",
	"hours_since_last",
	"velocity_count",
	"device_novelty",
	"amount_deviation",
	"country_risk",
}

// MaxHoursSinceLast caps hours_since_last; users with no history get the cap.
const MaxHoursSinceLast = 720.0

const earthRadiusKm = 6371.0

// FeatureVector is the derived view of one transaction.
type FeatureVector struct {
	Amount          float64 `json:"amount"`
	LocalHour       int     `json:"local_hour"`
	DayOfWeek       int     `json:"day_of_week"`
	DistanceKm      float64 `json:"distance_km"`
	HoursSinceLast  float64 `json:"hours_since_last"`
	VelocityCount   int     `json:"velocity_count"` // includes the current transaction
	IsNewDevice     bool    `json:"is_new_device"`
	RollingAvg      float64 `json:"rolling_avg"`
	AmountDeviation float64 `json:"amount_deviation"`
	CountryRisk     bool    `json:"country_risk"`
	ImpliedSpeedKmh float64 `json:"implied_speed_kmh"`
	HasLastLocation bool    `json:"has_last_location"`
	Country         string  `json:"country"`
}

// Vector returns the numeric model input in Names order.
func (f FeatureVector) Vector() []float64 {
	return []float64{
		f.Amount,
		float64(f.LocalHour),
		float64(f.DayOfWeek),
		f.DistanceKm,
		f.HoursSinceLast,
		float64(f.VelocityCount),
		boolToFloat(f.IsNewDevice),
		f.AmountDeviation,
		boolToFloat(f.CountryRisk),
	}
}

// Extractor computes feature vectors. It holds only configuration and is
// safe for concurrent use.
type Extractor struct {
	velocityWindow time.Duration
	highRisk       map[string]bool
}

// NewExtractor creates an extractor for the given velocity window and
// high-risk country list.
func NewExtractor(velocityWindow time.Duration, highRiskCountries []string) *Extractor {
	if velocityWindow <= 0 {
		velocityWindow = 5 * time.Minute
	}
	hr := make(map[string]bool, len(highRiskCountries))
	for _, c := range highRiskCountries {
		hr[c] = true
	}
	return &Extractor{
		velocityWindow: velocityWindow,
		highRisk:       hr,
	}
}

// VelocityWindow returns the trailing window used for velocity_count.
func (e *Extractor) VelocityWindow() time.Duration {
	return e.velocityWindow
}

// Extract derives the feature vector for tx given the profile state before tx.
// It does not modify the profile.
func (e *Extractor) Extract(tx *domain.Transaction, profile *domain.UserProfile) FeatureVector {
	if profile == nil {
		profile = domain.NewUserProfile(tx.UserID)
	}

	ts := tx.Timestamp.UTC()
	amount := tx.Amount.InexactFloat64()
	local := ts.Add(time.Duration(LocalOffsetHours(tx.Longitude)) * time.Hour)

	fv := FeatureVector{
		Amount:         amount,
		LocalHour:      local.Hour(),
		DayOfWeek:      int(local.Weekday()),
		HoursSinceLast: MaxHoursSinceLast,
		VelocityCount:  1,
		IsNewDevice:    !profile.KnownDevices[tx.DeviceID],
		RollingAvg:     profile.RollingAverage(),
		CountryRisk:    e.highRisk[tx.Country],
		Country:        tx.Country,
	}

	if fv.RollingAvg > 0 {
		fv.AmountDeviation = (amount - fv.RollingAvg) / fv.RollingAvg
	}

	if !profile.LastSeen.IsZero() {
		fv.HoursSinceLast = math.Min(ts.Sub(profile.LastSeen).Hours(), MaxHoursSinceLast)
		if fv.HoursSinceLast < 0 {
			fv.HoursSinceLast = 0
		}
	}

	cutoff := ts.Add(-e.velocityWindow)
	for _, t := range profile.RecentTimes {
		if t.After(cutoff) && !t.After(ts) {
			fv.VelocityCount++
		}
	}

	if loc := profile.LastLocation; loc != nil {
		fv.HasLastLocation = true
		fv.DistanceKm = Haversine(loc.Latitude, loc.Longitude, tx.Latitude, tx.Longitude)
		// Sub-minute gaps are treated as one minute so speed stays finite.
		elapsed := math.Max(ts.Sub(profile.LastSeen).Hours(), 1.0/60)
		fv.ImpliedSpeedKmh = fv.DistanceKm / elapsed
	}

	return fv
}

// Apply folds tx into the profile: amount window, velocity timestamps,
// last location, known devices and counters.
func Apply(p *domain.UserProfile, tx *domain.Transaction, maxRecent int, velocityWindow time.Duration) {
	if maxRecent <= 0 {
		maxRecent = 50
	}
	ts := tx.Timestamp.UTC()

	// Non-finite amounts stay out of the amount window.
	if amount := tx.Amount.InexactFloat64(); !math.IsInf(amount, 0) && !math.IsNaN(amount) {
		p.RecentAmounts = append(p.RecentAmounts, amount)
	}
	if over := len(p.RecentAmounts) - maxRecent; over > 0 {
		p.RecentAmounts = append([]float64(nil), p.RecentAmounts[over:]...)
	}

	cutoff := ts.Add(-velocityWindow)
	kept := p.RecentTimes[:0:0]
	for _, t := range p.RecentTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.RecentTimes = append(kept, ts)

	p.LastLocation = &domain.Location{
		Country:   tx.Country,
		City:      tx.City,
		Latitude:  tx.Latitude,
		Longitude: tx.Longitude,
	}
	p.LastSeen = ts

	if p.KnownDevices == nil {
		p.KnownDevices = make(map[string]bool)
	}
	if tx.DeviceID != "" {
		p.KnownDevices[tx.DeviceID] = true
	}

	p.TransactionCount++
	p.UpdatedAt = ts
}

// LocalOffsetHours approximates the UTC offset from longitude (15 degrees per hour).
func LocalOffsetHours(longitude float64) int {
	return int(math.Round(longitude / 15))
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
