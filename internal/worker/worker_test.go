package worker

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type scorerFunc func(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error)

func (f scorerFunc) Score(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error) {
	return f(ctx, tx)
}

// stubScorer flags every transaction above 1000 as APP and knows only "C1".
func stubScorer() Scorer {
	return scorerFunc(func(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error) {
		if tx.CustomerID != "C1" {
			return nil, domain.ErrCustomerNotFound
		}
		v := &domain.Verdict{
			ID:              "verdict-" + tx.CustomerID,
			CustomerID:      tx.CustomerID,
			ActualFraudType: "None",
			Origin:          domain.OriginModel,
			FraudType:       domain.FraudTypeLabel(domain.ClassNone, domain.OriginModel),
			Metadata:        domain.VerdictMetadata{TraceID: domain.TraceIDFromContext(ctx)},
		}
		if tx.Amount > 1000 {
			v.Prediction = domain.ClassAPP
			v.Origin = domain.OriginRule
			v.FraudType = domain.FraudTypeLabel(domain.ClassAPP, domain.OriginRule)
		}
		return v, nil
	})
}

func request(t *testing.T, customerID string, amount float64) []byte {
	t.Helper()
	payload, err := json.Marshal(ScoreMessage{
		RequestID: "req-" + customerID,
		ScoreRequest: domain.ScoreRequest{
			CustomerID:      customerID,
			TransactionType: "RTP",
			Amount:          &amount,
			DeviceType:      "Mobile",
			PaymentMethod:   "Wallet",
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return payload
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, stubScorer(), nil)

		if err := w.Start(Config{Concurrency: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Concurrency != 2 {
			t.Errorf("expected concurrency 2, got %d", stats.Concurrency)
		}
		if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicScoreRequested {
			t.Errorf("unexpected topics %v", stats.Topics)
		}

		if err := w.Start(Config{}); err == nil {
			t.Error("expected second Start to fail")
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		w := NewWorker(eventBus, stubScorer(), nil)
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		raw, err := eventBus.Request(ctx, domain.TopicScoreRequested, request(t, "C1", 5000))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var reply Reply
		if err := json.Unmarshal(raw, &reply); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if reply.Error != nil {
			t.Fatalf("unexpected error reply: %+v", reply.Error)
		}
		if reply.RequestID != "req-C1" {
			t.Errorf("expected request id 'req-C1', got '%s'", reply.RequestID)
		}
		if reply.VerdictID != "verdict-C1" {
			t.Errorf("expected verdict id 'verdict-C1', got '%s'", reply.VerdictID)
		}
		if reply.Response == nil || reply.Response.Prediction != 1 {
			t.Fatalf("expected prediction 1, got %+v", reply.Response)
		}
		if reply.Response.FraudType != "APP (Rule-Based)" {
			t.Errorf("unexpected fraud type %q", reply.Response.FraudType)
		}
	})

	t.Run("FailurePublished", func(t *testing.T) {
		w := NewWorker(eventBus, stubScorer(), nil)
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		failures := make(chan Failure, 1)
		sub, err := eventBus.Subscribe(context.Background(), domain.TopicScoreFailed, func(ctx context.Context, msg *domain.Message) error {
			var f Failure
			if err := json.Unmarshal(msg.Payload, &f); err != nil {
				return err
			}
			failures <- f
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		if err := eventBus.Publish(context.Background(), domain.TopicScoreRequested, request(t, "stranger", 10)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case f := <-failures:
			if f.Kind != domain.KindNotFound {
				t.Errorf("expected kind not_found, got %s", f.Kind)
			}
			if f.CustomerID != "stranger" {
				t.Errorf("expected customer 'stranger', got '%s'", f.CustomerID)
			}
		case <-time.After(time.Second):
			t.Fatal("expected failure to be published")
		}
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		w := NewWorker(eventBus, stubScorer(), nil)
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		raw, err := eventBus.Request(ctx, domain.TopicScoreRequested, []byte("{not json"))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var reply Reply
		if err := json.Unmarshal(raw, &reply); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if reply.Error == nil || reply.Error.Kind != domain.KindInvalidRequest {
			t.Errorf("expected invalid_request error, got %+v", reply.Error)
		}
	})

	t.Run("TraceIDFromMessage", func(t *testing.T) {
		var seen atomic.Value
		scorer := scorerFunc(func(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error) {
			seen.Store(domain.TraceIDFromContext(ctx))
			return &domain.Verdict{ID: "v"}, nil
		})

		w := NewWorker(eventBus, scorer, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(ScoreMessage{TraceID: "trace-001", ScoreRequest: domain.ScoreRequest{CustomerID: "C1"}})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := eventBus.Request(ctx, domain.TopicScoreRequested, payload); err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		if got, _ := seen.Load().(string); got != "trace-001" {
			t.Errorf("expected trace id 'trace-001', got '%s'", got)
		}
	})

	t.Run("TraceIDFromEnvelope", func(t *testing.T) {
		var seen atomic.Value
		scorer := scorerFunc(func(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error) {
			seen.Store(domain.TraceIDFromContext(ctx))
			return &domain.Verdict{ID: "v"}, nil
		})

		w := NewWorker(eventBus, scorer, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(ScoreMessage{ScoreRequest: domain.ScoreRequest{CustomerID: "C1"}})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctx = domain.WithTraceID(ctx, "trace-from-publisher")
		if _, err := eventBus.Request(ctx, domain.TopicScoreRequested, payload); err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		if got, _ := seen.Load().(string); got != "trace-from-publisher" {
			t.Errorf("expected publisher trace id, got '%s'", got)
		}
	})

	t.Run("SpanContextFromEnvelope", func(t *testing.T) {
		prev := otel.GetTextMapPropagator()
		otel.SetTextMapPropagator(propagation.TraceContext{})
		defer otel.SetTextMapPropagator(prev)

		var seen atomic.Value
		scorer := scorerFunc(func(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error) {
			seen.Store(trace.SpanContextFromContext(ctx).TraceID())
			return &domain.Verdict{ID: "v"}, nil
		})

		w := NewWorker(eventBus, scorer, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		parent := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctx = trace.ContextWithSpanContext(ctx, parent)

		payload, _ := json.Marshal(ScoreMessage{ScoreRequest: domain.ScoreRequest{CustomerID: "C1"}})
		if _, err := eventBus.Request(ctx, domain.TopicScoreRequested, payload); err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		if got, _ := seen.Load().(trace.TraceID); got != traceID {
			t.Errorf("expected scoring to continue trace %s, got %s", traceID, got)
		}
	})
}

func TestScoreMessageFlattensRequest(t *testing.T) {
	raw := []byte(`{"request_id":"r1","customer_id":" C7 ","transaction_type":"RTP","transaction_amount":12.5,"device_type":"Web","payment_method":"Card"}`)

	var msg ScoreMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	tx := msg.ToTransaction()
	if tx.CustomerID != "C7" {
		t.Errorf("expected trimmed customer id 'C7', got '%s'", tx.CustomerID)
	}
	if tx.Amount != 12.5 {
		t.Errorf("expected amount 12.5, got %.2f", tx.Amount)
	}
	if !tx.IsRTP() {
		t.Error("expected RTP transaction")
	}
}

func TestScoreMessageWithoutAmount(t *testing.T) {
	for _, raw := range []string{
		`{"customer_id":"C7","transaction_type":"RTP","device_type":"Web","payment_method":"Card"}`,
		`{"customer_id":"C7","transaction_type":"RTP","transaction_amount":null,"device_type":"Web","payment_method":"Card"}`,
	} {
		var msg ScoreMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if msg.Amount != nil {
			t.Errorf("expected no amount for %s", raw)
		}
		if tx := msg.ToTransaction(); !math.IsNaN(tx.Amount) {
			t.Errorf("expected NaN amount so scoring rejects it, got %v", tx.Amount)
		}
	}
}
