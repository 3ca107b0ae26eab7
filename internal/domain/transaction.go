package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents an incoming transaction to be scored.
// It is immutable once scored.
type Transaction struct {
	// Core identifiers
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Merchant
	MerchantName     string `json:"merchantName"`
	MerchantCategory string `json:"merchantCategory"`

	// Transaction type (e.g., "purchase", "transfer", "withdrawal")
	Type string `json:"type"`

	// Geolocation
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Device fingerprint
	DeviceID  string `json:"deviceId"`
	IPAddress string `json:"ipAddress"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
}

// ScoreRequest is the payload for a transaction scoring request.
type ScoreRequest struct {
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category"`
	TransactionType  string          `json:"transaction_type"`
	Country          string          `json:"country"`
	City             string          `json:"city"`
	Latitude         float64         `json:"latitude"`
	Longitude        float64         `json:"longitude"`
	DeviceID         string          `json:"device_id"`
	IPAddress        string          `json:"ip_address"`
}

// IngestedTransaction is an /ingest request queued for the async worker.
// TransactionID is assigned at ingestion and returned to the client, and the
// worker scores under it.
type IngestedTransaction struct {
	TransactionID string       `json:"transaction_id"`
	Request       ScoreRequest `json:"request"`
}

// DefaultMaxAmount is the largest accepted amount unless configured
// otherwise. Every accepted amount converts to a finite float64.
var DefaultMaxAmount = decimal.New(1, 12)

// Validate checks the request for malformed input against DefaultMaxAmount.
// Errors wrap ErrValidation.
func (r *ScoreRequest) Validate() error {
	return r.ValidateWithLimit(DefaultMaxAmount)
}

// ValidateWithLimit is Validate with an explicit amount ceiling. A
// non-positive maxAmount falls back to DefaultMaxAmount.
func (r *ScoreRequest) ValidateWithLimit(maxAmount decimal.Decimal) error {
	if !maxAmount.IsPositive() {
		maxAmount = DefaultMaxAmount
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if r.Amount.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: amount exceeds maximum of %s", ErrValidation, maxAmount)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	if r.TransactionType == "" {
		return fmt.Errorf("%w: transaction_type is required", ErrValidation)
	}
	if r.Country == "" {
		return fmt.Errorf("%w: country is required", ErrValidation)
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrValidation)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrValidation)
	}
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrValidation)
	}
	return nil
}

// ToTransaction converts a request to a Transaction domain object.
func (r *ScoreRequest) ToTransaction(id string, now time.Time) *Transaction {
	return &Transaction{
		ID:               id,
		UserID:           r.UserID,
		Amount:           r.Amount,
		Currency:         strings.ToUpper(r.Currency),
		MerchantName:     r.MerchantName,
		MerchantCategory: r.MerchantCategory,
		Type:             r.TransactionType,
		Country:          strings.ToUpper(r.Country),
		City:             r.City,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		DeviceID:         r.DeviceID,
		IPAddress:        r.IPAddress,
		Timestamp:        now.UTC(),
	}
}
