// Package scoring implements the two-tier decision engine.
// Deterministic rules run first; the classifier scores only what no rule claims.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoding"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// EngineVersion is stamped on every verdict.
const EngineVersion = "kestrel-1.0"

// Pipeline stage names, used in errors, spans and metrics.
const (
	StageHistory  = "history"
	StageFeatures = "features"
	StageRules    = "rules"
	StageEncode   = "encode"
	StageModel    = "model"
)

var tracer = otel.Tracer("kestrel-scoring")

// RuleEvaluator returns the first matching rule, or nil when none fires.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, fs domain.FeatureSet) (*domain.RuleMatch, error)
}

// VerdictSink persists verdict records.
type VerdictSink interface {
	SaveVerdict(ctx context.Context, v *domain.Verdict) error
}

// Models is the immutable model context loaded once at startup.
type Models struct {
	Classifier domain.Classifier
	Encoder    *encoding.Table
	FraudTypes domain.FraudTypes
}

// StageError wraps a failure with the pipeline stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Engine scores transactions. Safe for concurrent use.
type Engine struct {
	history domain.HistoryLookup
	rules   RuleEvaluator
	models  Models

	sink    VerdictSink
	bus     domain.EventBus
	metrics *observability.Metrics
	version string
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithVerdictSink persists every verdict.
func WithVerdictSink(s VerdictSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithEventBus publishes verdict and alert events.
func WithEventBus(b domain.EventBus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithMetrics records verdicts, errors and stage timings.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithVersion overrides the engine version stamped on verdicts.
func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

// NewEngine creates a decision engine.
func NewEngine(history domain.HistoryLookup, rules RuleEvaluator, models Models, opts ...Option) (*Engine, error) {
	if history == nil {
		return nil, errors.New("history lookup is required")
	}
	if rules == nil {
		return nil, errors.New("rule evaluator is required")
	}
	if models.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if models.Encoder == nil {
		return nil, errors.New("encoder table is required")
	}
	if models.FraudTypes == nil {
		models.FraudTypes = domain.DefaultFraudTypes()
	}

	e := &Engine{
		history: history,
		rules:   rules,
		models:  models,
		version: EngineVersion,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// FraudTypes returns the class name mapping in use.
func (e *Engine) FraudTypes() domain.FraudTypes {
	return e.models.FraudTypes
}

// Score runs the full pipeline for one transaction. The returned verdict is
// a pure function of the transaction and the customer's latest history.
func (e *Engine) Score(ctx context.Context, tx domain.Transaction) (verdict *domain.Verdict, err error) {
	start := time.Now()
	stage := StageHistory

	ctx, span := tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(attribute.String("customer.id", tx.CustomerID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in scoring",
				"stage", stage,
				"customer_id", tx.CustomerID,
				"error", r,
			)
			verdict = nil
			err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			kind := domain.ErrorKind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			e.metrics.RecordError(stage, string(kind))
		}
	}()

	traceID := span.SpanContext().TraceID().String()
	if !span.SpanContext().TraceID().IsValid() {
		traceID = domain.TraceIDFromContext(ctx)
	}

	v := &domain.Verdict{
		ID:         uuid.New().String(),
		CustomerID: tx.CustomerID,
		Timestamp:  time.Now().UTC(),
		Metadata: domain.VerdictMetadata{
			TraceID:       traceID,
			EngineVersion: e.version,
		},
	}

	// History
	var rec *domain.HistoricalRecord
	err = e.stage(ctx, StageHistory, &v.Metadata.HistoryMs, func(ctx context.Context) error {
		var err error
		rec, err = e.history.Fetch(ctx, tx.CustomerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	v.ActualLabel = rec.FraudLabel
	v.ActualFraudType = e.models.FraudTypes.Name(domain.ClassCode(rec.FraudLabel))

	// Features
	stage = StageFeatures
	var fs domain.FeatureSet
	err = e.stage(ctx, StageFeatures, nil, func(ctx context.Context) error {
		var err error
		fs, err = features.Derive(tx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Rules
	stage = StageRules
	var match *domain.RuleMatch
	err = e.stage(ctx, StageRules, &v.Metadata.RulesMs, func(ctx context.Context) error {
		var err error
		match, err = e.rules.Evaluate(ctx, fs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if match != nil {
		v.Prediction = match.Class
		v.Origin = domain.OriginRule
		v.RuleID = match.RuleID
		v.FraudType = e.models.FraudTypes.Label(match.Class, domain.OriginRule)
	} else {
		// Encode
		stage = StageEncode
		var encoded domain.EncodedCategories
		err = e.stage(ctx, StageEncode, nil, func(ctx context.Context) error {
			var err error
			encoded, err = e.models.Encoder.EncodeAll(fs)
			return err
		})
		if err != nil {
			return nil, err
		}
		vec := fs.Vector(encoded)

		// Predict
		stage = StageModel
		var pred domain.ClassCode
		err = e.stage(ctx, StageModel, &v.Metadata.ModelMs, func(ctx context.Context) error {
			var err error
			pred, err = e.models.Classifier.Predict(ctx, vec)
			return err
		})
		if err != nil {
			return nil, err
		}

		v.Prediction = pred
		v.Origin = domain.OriginModel
		v.FraudType = e.models.FraudTypes.Label(pred, domain.OriginModel)
		v.Vector = &vec
	}

	v.Metadata.TotalMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.String("verdict.id", v.ID),
		attribute.Int("verdict.prediction", int(v.Prediction)),
		attribute.String("verdict.origin", string(v.Origin)),
	)
	e.metrics.RecordVerdict(string(v.Origin), e.models.FraudTypes.Name(v.Prediction))

	slog.Info("transaction scored",
		"verdict_id", v.ID,
		"customer_id", v.CustomerID,
		"prediction", int(v.Prediction),
		"fraud_type", v.FraudType,
		"origin", string(v.Origin),
		"rule_id", v.RuleID,
		"total_ms", v.Metadata.TotalMs,
		"trace_id", traceID,
	)

	e.publish(ctx, v)
	return v, nil
}

// stage runs fn in its own span, records its duration and wraps its error.
func (e *Engine) stage(ctx context.Context, name string, elapsedMs *int64, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "scoring."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	e.metrics.ObserveStage(name, elapsed)
	if elapsedMs != nil {
		*elapsedMs = elapsed.Milliseconds()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("scoring stage failed",
			"stage", name,
			"kind", string(domain.ErrorKind(err)),
			"error", err,
		)
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// publish runs the side effects of a verdict. Failures are logged only.
func (e *Engine) publish(ctx context.Context, v *domain.Verdict) {
	if e.sink != nil {
		if err := e.sink.SaveVerdict(ctx, v); err != nil {
			slog.Error("failed to save verdict", "verdict_id", v.ID, "error", err)
		} else {
			v.Saved = true
		}
	}

	if e.bus == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode verdict event", "verdict_id", v.ID, "error", err)
		return
	}

	topics := []string{domain.TopicVerdictScored}
	if v.IsFraud() {
		topics = append(topics, domain.TopicAlert)
	}
	for _, topic := range topics {
		if err := e.bus.Publish(ctx, topic, payload); err != nil {
			slog.Warn("failed to publish verdict event",
				"topic", topic,
				"verdict_id", v.ID,
				"error", err,
			)
			e.metrics.RecordBusMessage(topic, "error")
			continue
		}
		e.metrics.RecordBusMessage(topic, "published")
	}
}
