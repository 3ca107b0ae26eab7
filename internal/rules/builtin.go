package rules

// Rule identifiers, in catalog order.
const (
	RuleVelocityCheck         = "velocity_check"
	RuleHighAmount            = "high_amount"
	RuleGeolocationImpossible = "geolocation_impossible"
	RuleUnusualTime           = "unusual_time"
	RuleNewDevice             = "new_device"
	RuleBlacklistCheck        = "blacklist_check"
)

// Thresholds referenced by the catalog expressions.
const (
	VelocityLimit        = 3
	HighAmountMultiplier = 3.0
	MinTravelDistanceKm  = 50.0
	MaxTravelSpeedKmh    = 900.0
	UnusualHourStart     = 2
	UnusualHourEnd       = 5
)

// MaxRuleScore caps the summed rule points.
const MaxRuleScore = 100

// Catalog returns the fixed rule catalog in evaluation order.
func Catalog() []Rule {
	return []Rule{
		{
			ID:          RuleVelocityCheck,
			Description: "More than 3 transactions from the user within the trailing 5 minutes",
			Expression:  "velocity_count > 3",
			Points:      25,
		},
		{
			ID:          RuleHighAmount,
			Description: "Amount exceeds 3x the user's rolling average",
			Expression:  "rolling_avg > 0.0 && amount > 3.0 * rolling_avg",
			Points:      20,
		},
		{
			ID:          RuleGeolocationImpossible,
			Description: "Implied travel speed since the last transaction exceeds 900 km/h",
			Expression:  "has_last_location && distance_km > 50.0 && implied_speed_kmh > 900.0",
			Points:      30,
		},
		{
			ID:          RuleUnusualTime,
			Description: "Local hour falls in [02:00, 05:00)",
			Expression:  "local_hour >= 2 && local_hour < 5",
			Points:      10,
		},
		{
			ID:          RuleNewDevice,
			Description: "Device not in the user's known-device set",
			Expression:  "is_new_device",
			Points:      15,
		},
		{
			ID:          RuleBlacklistCheck,
			Description: "Transaction country is on the high-risk list",
			Expression:  "country in high_risk_countries",
			Points:      50,
		},
	}
}
