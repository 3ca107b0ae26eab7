package domain

import (
	"context"
	"time"
)

// UserProfile is the mutable per-user aggregate read before scoring and
// updated after scoring. Reads and writes for one user are serialized.
type UserProfile struct {
	UserID string `json:"userId"`

	// RecentAmounts is a bounded window of the most recent amounts, oldest first.
	RecentAmounts []float64 `json:"recentAmounts"`

	// RecentTimes holds timestamps inside the trailing velocity window, oldest first.
	RecentTimes []time.Time `json:"recentTimes"`

	LastLocation *Location `json:"lastLocation,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`

	KnownDevices map[string]bool `json:"knownDevices"`

	TransactionCount int64     `json:"transactionCount"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Location is a geolocated point.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewUserProfile returns an empty profile for a user with no history.
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:       userID,
		KnownDevices: make(map[string]bool),
	}
}

// RollingAverage returns the mean of the recent amounts, or 0 with no history.
func (p *UserProfile) RollingAverage() float64 {
	if len(p.RecentAmounts) == 0 {
		return 0
	}
	var sum float64
	for _, a := range p.RecentAmounts {
		sum += a
	}
	return sum / float64(len(p.RecentAmounts))
}

// TransactionHistory provides recent transactions for a user.
// Used to rebuild a profile that is missing from the cache.
type TransactionHistory interface {
	GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)
}
