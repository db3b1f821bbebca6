// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Threshold variable names visible to rule expressions.
const (
	VarAPPAmountThreshold      = "app_amount_threshold"
	VarATOFailedLoginThreshold = "ato_failed_login_threshold"
)

// Engine is the CEL-based rule evaluation engine.
// Rules run in order and the first match wins; results are never combined.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	thresholds domain.RuleThresholds
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates an engine loaded with the built-in rules.
func NewEngine(thresholds domain.RuleThresholds) (*Engine, error) {
	if err := validateThresholds(thresholds); err != nil {
		return nil, err
	}

	// Create CEL environment with feature and threshold variables
	env, err := cel.NewEnv(
		cel.Variable("transaction_type", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("location", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("failed_login_attempts", cel.IntType),
		cel.Variable("new_beneficiary_added", cel.BoolType),
		cel.Variable("unusual_location", cel.BoolType),
		cel.Variable("time_gap_between_transactions", cel.DoubleType),
		cel.Variable("transaction_frequency_per_day", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("is_rtp", cel.BoolType),
		cel.Variable(VarAPPAmountThreshold, cel.DoubleType),
		cel.Variable(VarATOFailedLoginThreshold, cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		thresholds: thresholds,
	}
	if err := e.LoadRules(BuiltinRules()); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	_, err := e.compileRule(cfg)
	return err
}

// LoadRules compiles configs and replaces the loaded rules, keeping their
// order. Disabled rules are skipped. On error the loaded rules stay as they were.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	compiled := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		rule, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, rule)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// Evaluate runs the rules against fs in order and returns the first match,
// or nil when no rule fires. An evaluation error is returned, never treated
// as a non-match.
func (e *Engine) Evaluate(ctx context.Context, fs domain.FeatureSet) (*domain.RuleMatch, error) {
	start := time.Now()

	e.mu.RLock()
	rules := e.rules
	thresholds := e.thresholds
	e.mu.RUnlock()

	activation := fs.Activation()
	activation[VarAPPAmountThreshold] = thresholds.APPAmount
	activation[VarATOFailedLoginThreshold] = int64(thresholds.ATOFailedLogin)

	for _, rule := range rules {
		out, _, err := rule.Program.ContextEval(ctx, activation)
		if err != nil {
			return nil, fmt.Errorf("rule %s: evaluation error: %w", rule.Config.ID, err)
		}

		fired, ok := out.(types.Bool)
		if !ok {
			return nil, fmt.Errorf("rule %s: expected bool result, got %s", rule.Config.ID, out.Type().TypeName())
		}
		if !fired {
			continue
		}

		return &domain.RuleMatch{
			RuleID:    rule.Config.ID,
			Class:     rule.Config.Class,
			FraudType: domain.FraudTypeLabel(rule.Config.Class, domain.OriginRule),
			ProcessMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return nil, nil
}

// ReloadThresholds swaps the threshold values. Compiled programs are reused.
func (e *Engine) ReloadThresholds(thresholds domain.RuleThresholds) error {
	if err := validateThresholds(thresholds); err != nil {
		return err
	}

	e.mu.Lock()
	e.thresholds = thresholds
	e.mu.Unlock()
	return nil
}

// Thresholds returns the current threshold values.
func (e *Engine) Thresholds() domain.RuleThresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// Rules returns the loaded rule configurations in evaluation order.
func (e *Engine) Rules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.RuleConfig, 0, len(e.rules))
	for _, rule := range e.rules {
		configs = append(configs, rule.Config)
	}
	return configs
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if outputType := ast.OutputType(); !outputType.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func validateThresholds(t domain.RuleThresholds) error {
	if math.IsNaN(t.APPAmount) || math.IsInf(t.APPAmount, 0) || t.APPAmount < 0 {
		return fmt.Errorf("app_amount_threshold must be a non-negative number, got %v", t.APPAmount)
	}
	if t.ATOFailedLogin < 0 {
		return fmt.Errorf("ato_failed_login_threshold must be non-negative, got %d", t.ATOFailedLogin)
	}
	return nil
}
