package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// Rule identifiers.
const (
	RuleAPP = "rule-app-001"
	RuleATO = "rule-ato-001"
)

// BuiltinRules returns the deterministic fraud rules in evaluation order.
// The first rule that matches decides the class.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          RuleAPP,
			Name:        "Authorised push payment",
			Description: "Large payment to a newly added beneficiary",
			Version:     "1.0.0",
			Expression:  "new_beneficiary_added && amount > app_amount_threshold",
			Class:       domain.ClassAPP,
			Enabled:     true,
		},
		{
			ID:          RuleATO,
			Name:        "Account takeover",
			Description: "Repeated failed logins from an unusual location",
			Version:     "1.0.0",
			Expression:  "failed_login_attempts > ato_failed_login_threshold && unusual_location",
			Class:       domain.ClassATO,
			Enabled:     true,
		},
	}
}
