package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// VerdictIDHeader carries the id of a persisted verdict.
const VerdictIDHeader = "X-Verdict-ID"

// Scorer runs the decision engine for one transaction.
type Scorer interface {
	Score(ctx context.Context, tx domain.Transaction) (*domain.Verdict, error)
}

// VerdictReader loads persisted verdicts.
type VerdictReader interface {
	GetVerdict(ctx context.Context, id string) (*domain.Verdict, error)
}

// RuleAdmin exposes the loaded rules and their thresholds.
type RuleAdmin interface {
	Rules() []*domain.RuleConfig
	Thresholds() domain.RuleThresholds
	ReloadThresholds(t domain.RuleThresholds) error
}

// Pinger is a dependency checked by /health and /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	scorer   Scorer
	verdicts VerdictReader
	rules    RuleAdmin
	checks   map[string]Pinger
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler. verdicts and checks may be nil.
func NewHandler(scorer Scorer, verdicts VerdictReader, rules RuleAdmin, checks map[string]Pinger, version string) *Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		scorer:   scorer,
		verdicts: verdicts,
		rules:    rules,
		checks:   checks,
		validate: validate,
		version:  version,
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Detail string `json:"detail"`
}

// Predict handles POST /predict requests.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	verdict, err := h.scorer.Score(ctx, req.ToTransaction())
	if err != nil {
		status, detail := errorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("scoring failed",
				"customer_id", req.CustomerID,
				"kind", string(domain.ErrorKind(err)),
				"error", err,
				"trace_id", domain.TraceIDFromContext(ctx),
			)
		}
		writeError(w, status, detail)
		return
	}

	if verdict.Saved {
		w.Header().Set(VerdictIDHeader, verdict.ID)
	}
	writeJSON(w, http.StatusOK, verdict.ToResponse())
}

// errorStatus maps a scoring error to its HTTP status and detail message.
func errorStatus(err error) (int, string) {
	var encoder *domain.MissingEncoderError

	switch domain.ErrorKind(err) {
	case domain.KindNotFound:
		return http.StatusNotFound, "Customer ID not found"
	case domain.KindInvalidRequest:
		return http.StatusBadRequest, rootMessage(err)
	case domain.KindTimeout:
		return http.StatusGatewayTimeout, "history lookup timed out"
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable, "history store unavailable"
	case domain.KindMissingEncoder:
		errors.As(err, &encoder)
		return http.StatusInternalServerError, "Missing encoder for field: " + encoder.Field
	case domain.KindUnknownCategory:
		return http.StatusUnprocessableEntity, rootMessage(err)
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// rootMessage strips stage prefixes from client-facing messages.
func rootMessage(err error) string {
	var (
		invalid  *domain.InvalidRequestError
		category *domain.UnknownCategoryError
	)
	switch {
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.As(err, &category):
		return category.Error()
	}
	return err.Error()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// GetVerdict retrieves a verdict record by ID.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	verdictID := chi.URLParam(r, "id")

	if verdictID == "" {
		writeError(w, http.StatusBadRequest, "verdict id is required")
		return
	}

	if h.verdicts == nil {
		writeError(w, http.StatusServiceUnavailable, "verdict store not available")
		return
	}

	verdict, err := h.verdicts.GetVerdict(ctx, verdictID)
	if err != nil {
		slog.Warn("failed to get verdict", "id", verdictID, "error", err)
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// ListRules returns the loaded rules in evaluation order with their thresholds.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":      loaded,
		"count":      len(loaded),
		"thresholds": h.rules.Thresholds(),
	})
}

// UpdateThresholds replaces the rule thresholds without recompiling rules.
func (h *Handler) UpdateThresholds(w http.ResponseWriter, r *http.Request) {
	thresholds := h.rules.Thresholds()
	if err := json.NewDecoder(r.Body).Decode(&thresholds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.rules.ReloadThresholds(thresholds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("rule thresholds updated",
		"app_amount_threshold", thresholds.APPAmount,
		"ato_failed_login_threshold", thresholds.ATOFailedLogin,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": h.rules.Thresholds(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		if err := check.Ping(r.Context()); err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, check := range h.checks {
		if err := check.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready":  "false",
				"reason": name + ": " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
