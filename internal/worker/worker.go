// Package worker scores transactions received over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// Scorer runs the decision engine for one transaction.
type Scorer interface {
	Score(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error)
}

// ScoreMessage is the payload of a kestrel.score.requested message.
type ScoreMessage struct {
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	domain.ScoreRequest
}

// Reply is sent back to request-reply callers.
type Reply struct {
	RequestID string                `json:"request_id,omitempty"`
	VerdictID string                `json:"verdict_id,omitempty"`
	Response  *domain.ScoreResponse `json:"response,omitempty"`
	Error     *Failure              `json:"error,omitempty"`
}

// Failure is the payload of a kestrel.score.failed message.
type Failure struct {
	RequestID  string      `json:"request_id,omitempty"`
	CustomerID string      `json:"customer_id,omitempty"`
	Kind       domain.Kind `json:"kind"`
	Message    string      `json:"message"`
}

// Worker consumes score requests from the EventBus. Verdict events are
// published by the scorer itself.
type Worker struct {
	bus     domain.EventBus
	scorer  Scorer
	metrics *observability.Metrics

	concurrency int
	jobs        chan job

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// job is a queued message plus the trace identity its publisher sent.
// Scoring runs on the worker's context, so the handler context itself
// cannot travel with the message.
type job struct {
	msg     *domain.Message
	traceID string
	parent  trace.SpanContext
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of messages scored in parallel.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer, metrics *observability.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		scorer:  scorer,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to score requests and starts the scoring goroutines.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) > 0 {
		return errors.New("worker already started")
	}

	w.concurrency = cfg.Concurrency
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	w.jobs = make(chan job, w.concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicScoreRequested, w.enqueue)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run()
	}

	slog.Info("worker started",
		"topic", domain.TopicScoreRequested,
		"concurrency", w.concurrency,
	)
	return nil
}

// enqueue hands a message to the scoring goroutines, blocking while all are busy.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	j := job{
		msg:     msg,
		traceID: domain.TraceIDFromContext(ctx),
		parent:  trace.SpanContextFromContext(ctx),
	}
	select {
	case w.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			ctx := w.ctx
			if j.parent.IsValid() {
				ctx = trace.ContextWithRemoteSpanContext(ctx, j.parent)
			}
			if j.traceID != "" {
				ctx = domain.WithTraceID(ctx, j.traceID)
			}
			w.process(ctx, j.msg)
		}
	}
}

// process scores one message and replies or publishes the failure.
func (w *Worker) process(ctx context.Context, msg *domain.Message) {
	start := time.Now()

	var req ScoreMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse score request",
			"message_id", msg.ID,
			"error", err,
		)
		w.fail(ctx, msg, req, &domain.InvalidRequestError{Reason: "malformed payload"})
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = domain.TraceIDFromContext(ctx)
	}
	if traceID == "" {
		traceID = msg.ID
	}
	ctx = domain.WithTraceID(ctx, traceID)

	verdict, err := w.scorer.Score(ctx, req.ToTransaction())
	if err != nil {
		w.fail(ctx, msg, req, err)
		return
	}

	w.metrics.RecordBusMessage(domain.TopicScoreRequested, "scored")
	w.reply(msg, Reply{
		RequestID: req.RequestID,
		VerdictID: verdict.ID,
		Response:  verdict.ToResponse(),
	})

	slog.Info("score request processed",
		"message_id", msg.ID,
		"request_id", req.RequestID,
		"verdict_id", verdict.ID,
		"prediction", int(verdict.Prediction),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) fail(ctx context.Context, msg *domain.Message, req ScoreMessage, err error) {
	f := &Failure{
		RequestID:  req.RequestID,
		CustomerID: req.CustomerID,
		Kind:       domain.ErrorKind(err),
		Message:    err.Error(),
	}

	slog.Warn("score request failed",
		"message_id", msg.ID,
		"request_id", req.RequestID,
		"kind", string(f.Kind),
		"error", err,
	)
	w.metrics.RecordBusMessage(domain.TopicScoreRequested, "failed")

	payload, _ := json.Marshal(f)
	if err := w.bus.Publish(ctx, domain.TopicScoreFailed, payload); err != nil {
		slog.Error("failed to publish score failure",
			"message_id", msg.ID,
			"error", err,
		)
	}

	w.reply(msg, Reply{RequestID: req.RequestID, Error: f})
}

func (w *Worker) reply(msg *domain.Message, r Reply) {
	if msg.Reply == nil {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := msg.Reply(payload); err != nil {
		slog.Warn("failed to send reply",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Stop gracefully stops the worker. Messages already queued are dropped.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Concurrency       int      `json:"concurrency"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Concurrency:       w.concurrency,
	}
}
