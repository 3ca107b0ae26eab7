package domain

import (
	"time"
)

// RiskLevel is the banded interpretation of a final fraud score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ExternalSource records where an external score came from.
// It is for observability only and never affects the final score.
type ExternalSource string

const (
	SourceRemote   ExternalSource = "remote"
	SourceFallback ExternalSource = "fallback"
)

// ScoreResult is attached 1:1 to a Transaction. Computed once, never recomputed.
type ScoreResult struct {
	TransactionID  string         `json:"transactionId"`
	RuleScore      float64        `json:"ruleScore"`
	AnomalyScore   float64        `json:"anomalyScore"`
	ExternalScore  float64        `json:"externalScore"`
	ExternalSource ExternalSource `json:"externalSource"`
	FinalScore     float64        `json:"finalScore"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	IsFraud        bool           `json:"isFraud"`
	IsBlocked      bool           `json:"isBlocked"`

	// TriggeredRules is ordered as the rule catalog.
	TriggeredRules []string       `json:"triggeredRules"`
	RulePoints     map[string]int `json:"rulePoints"`

	Explanation      string    `json:"explanation"`
	ProcessingTimeMs float64   `json:"processingTimeMs"`
	ModelVersion     string    `json:"modelVersion"`
	ScoredAt         time.Time `json:"scoredAt"`
}

// ScoreResponse is the API response for a scoring request.
type ScoreResponse struct {
	TransactionID    string         `json:"transaction_id"`
	FraudScore       float64        `json:"fraud_score"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	IsFraud          bool           `json:"is_fraud"`
	IsBlocked        bool           `json:"is_blocked"`
	TriggeredRules   []string       `json:"triggered_rules"`
	RuleScores       map[string]int `json:"rule_scores"`
	AnomalyScore     float64        `json:"anomaly_score"`
	AzureScore       float64        `json:"azure_score"`
	Explanation      string         `json:"explanation"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	ModelVersion     string         `json:"model_version"`
}

// ToResponse converts a ScoreResult to an API response.
func (s *ScoreResult) ToResponse() *ScoreResponse {
	triggered := s.TriggeredRules
	if triggered == nil {
		triggered = []string{}
	}
	points := s.RulePoints
	if points == nil {
		points = map[string]int{}
	}
	return &ScoreResponse{
		TransactionID:    s.TransactionID,
		FraudScore:       s.FinalScore,
		RiskLevel:        s.RiskLevel,
		IsFraud:          s.IsFraud,
		IsBlocked:        s.IsBlocked,
		TriggeredRules:   triggered,
		RuleScores:       points,
		AnomalyScore:     s.AnomalyScore,
		AzureScore:       s.ExternalScore,
		Explanation:      s.Explanation,
		ProcessingTimeMs: s.ProcessingTimeMs,
		ModelVersion:     s.ModelVersion,
	}
}

// ScoredTransaction pairs a stored transaction with its score.
type ScoredTransaction struct {
	Transaction *Transaction `json:"transaction"`
	Score       *ScoreResult `json:"score"`
}
