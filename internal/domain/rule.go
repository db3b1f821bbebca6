package domain

// RuleConfig describes one deterministic fraud rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression"`

	// Class assigned when the expression is true.
	Class ClassCode `json:"class"`

	Enabled bool `json:"enabled"`
}

// RuleThresholds are the tunable constants referenced by rule expressions.
type RuleThresholds struct {
	APPAmount      float64 `json:"app_amount_threshold" koanf:"app_amount_threshold" validate:"gte=0"`
	ATOFailedLogin int     `json:"ato_failed_login_threshold" koanf:"ato_failed_login_threshold" validate:"gte=0"`
}

// DefaultRuleThresholds are the values the rules were calibrated with.
func DefaultRuleThresholds() RuleThresholds {
	return RuleThresholds{
		APPAmount:      50000,
		ATOFailedLogin: 3,
	}
}

// RuleMatch is the outcome of a rule that fired.
type RuleMatch struct {
	RuleID    string    `json:"ruleId"`
	Class     ClassCode `json:"class"`
	FraudType string    `json:"fraudType"`
	ProcessMs int64     `json:"processMs"`
}
