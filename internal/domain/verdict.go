package domain

import (
	"time"
)

// ClassCode is a fraud class produced by a rule or the classifier.
type ClassCode int

// Fraud classes the classifier was trained on.
const (
	ClassNone ClassCode = 0
	ClassAPP  ClassCode = 1
	ClassATO  ClassCode = 2
)

// Origin tags which tier of the engine produced a prediction.
type Origin string

const (
	OriginRule  Origin = "Rule-Based"
	OriginModel Origin = "ML-Based"
)

// UnknownFraudType is the name returned for unmapped class codes.
const UnknownFraudType = "Unknown"

// FraudTypes maps class codes to human-readable fraud type names.
type FraudTypes map[ClassCode]string

// DefaultFraudTypes is the mapping used at training time.
func DefaultFraudTypes() FraudTypes {
	return FraudTypes{
		ClassNone: "None",
		ClassAPP:  "APP",
		ClassATO:  "ATO",
	}
}

// Name resolves a class code, falling back to "Unknown".
func (m FraudTypes) Name(code ClassCode) string {
	if name, ok := m[code]; ok {
		return name
	}
	return UnknownFraudType
}

// Label returns the fraud type tagged with its origin, e.g. "APP (Rule-Based)".
func (m FraudTypes) Label(code ClassCode, origin Origin) string {
	return m.Name(code) + " (" + string(origin) + ")"
}

// Verdict is the outcome of scoring one transaction.
type Verdict struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customerId"`
	Prediction      ClassCode `json:"prediction"`
	FraudType       string    `json:"fraudType"`
	ActualLabel     int       `json:"actualLabel"`
	ActualFraudType string    `json:"actualFraudType"`
	Origin          Origin    `json:"origin"`
	RuleID          string    `json:"ruleId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`

	// Vector is the classifier input, set only on the model path.
	Vector *FeatureVector `json:"vector,omitempty"`

	Metadata VerdictMetadata `json:"metadata"`

	// Saved is set once the verdict record has been persisted.
	Saved bool `json:"-"`
}

// VerdictMetadata contains processing information.
type VerdictMetadata struct {
	TraceID       string `json:"traceId"`
	HistoryMs     int64  `json:"historyMs"`
	RulesMs       int64  `json:"rulesMs"`
	ModelMs       int64  `json:"modelMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// ScoreResponse is the API response for POST /predict.
type ScoreResponse struct {
	Prediction      int    `json:"prediction"`
	FraudType       string `json:"fraud_type"`
	ActualLabel     int    `json:"actual_label"`
	ActualFraudType string `json:"actual_fraud_type"`
}

// ToResponse converts a Verdict to the wire response.
func (v *Verdict) ToResponse() *ScoreResponse {
	return &ScoreResponse{
		Prediction:      int(v.Prediction),
		FraudType:       v.FraudType,
		ActualLabel:     v.ActualLabel,
		ActualFraudType: v.ActualFraudType,
	}
}

// IsFraud reports whether the prediction is any fraud class.
func (v *Verdict) IsFraud() bool {
	return v.Prediction != ClassNone
}

// FraudTypeName resolves a class code with the default mapping.
func FraudTypeName(code ClassCode) string {
	return DefaultFraudTypes().Name(code)
}

// FraudTypeLabel resolves and tags a class code with the default mapping.
func FraudTypeLabel(code ClassCode, origin Origin) string {
	return DefaultFraudTypes().Label(code, origin)
}
