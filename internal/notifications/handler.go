package notifications

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/pkg/ctxlog"
	"github.com/bissquit/agentic-notifier/internal/pkg/httputil"
	"github.com/bissquit/agentic-notifier/internal/rules"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	retryAfter             = 5 * time.Second
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrEntryNotFound, Status: http.StatusNotFound, Message: "ledger entry not found"},
	{Error: ErrLedgerUnavailable, Status: http.StatusServiceUnavailable, Message: "ledger unavailable", RetryAfter: retryAfter},
	{Error: ErrQueueClosed, Status: http.StatusServiceUnavailable, Message: "dispatcher is shutting down", RetryAfter: retryAfter},
	{Error: rules.ErrInvalidRuleSet, Status: http.StatusUnprocessableEntity},
	{Error: domain.ErrPayloadNotScalar, Status: http.StatusBadRequest},
	{Error: domain.ErrEventIDRequired, Status: http.StatusBadRequest},
	{Error: domain.ErrEventSubjectRequired, Status: http.StatusBadRequest},
}

// RuleSource returns the rule set a reload should apply.
type RuleSource func() ([]rules.RoutingRule, error)

// Handler serves the control surface of the dispatch pipeline.
type Handler struct {
	coordinator *Coordinator
	resolver    *rules.Resolver
	ledger      Ledger
	ruleSource  RuleSource
	validator   *validator.Validate
}

// NewHandler creates a new control surface handler.
func NewHandler(coordinator *Coordinator, resolver *rules.Resolver, ledger Ledger, ruleSource RuleSource) *Handler {
	return &Handler{
		coordinator: coordinator,
		resolver:    resolver,
		ledger:      ledger,
		ruleSource:  ruleSource,
		validator:   validator.New(),
	}
}

// RegisterRoutes registers the control surface routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/rules", h.GetRules)
	r.Post("/rules/reload", h.ReloadRules)
	r.Get("/dead-letters", h.ListDeadLetters)
	r.Get("/ledger/{eventID}", h.GetLedgerEntry)
	r.Post("/events", h.IngestEvent)
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordinator.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// RulesResponse describes the active rule snapshot.
type RulesResponse struct {
	Version  uint64              `json:"version"`
	LoadedAt time.Time           `json:"loaded_at"`
	Rules    []rules.RoutingRule `json:"rules"`
}

func newRulesResponse(snap *rules.Snapshot) RulesResponse {
	return RulesResponse{
		Version:  snap.Version,
		LoadedAt: snap.LoadedAt,
		Rules:    snap.Rules(),
	}
}

// GetRules handles GET /rules.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, newRulesResponse(h.resolver.Snapshot()))
}

// ReloadRules handles POST /rules/reload. An invalid rule set is rejected
// with 422 and the active snapshot stays in place.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	set, err := h.ruleSource()
	if err == nil {
		err = h.resolver.Reload(set)
	}
	if err != nil {
		ctxlog.FromContext(r.Context()).Warn("rule reload rejected", "error", err)
		if errors.Is(err, rules.ErrInvalidRuleSet) {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		httputil.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	httputil.Success(w, http.StatusOK, newRulesResponse(h.resolver.Snapshot()))
}

// ListDeadLetters handles GET /dead-letters?limit=N.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	items, err := h.ledger.ListDeadLetters(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if items == nil {
		items = []domain.DeadLetter{}
	}
	httputil.Success(w, http.StatusOK, items)
}

// GetLedgerEntry handles GET /ledger/{eventID}.
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.Entry(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, entry)
}

// IngestEventRequest is the body of POST /events.
type IngestEventRequest struct {
	ID         string         `json:"id" validate:"required,max=255"`
	Subject    string         `json:"subject" validate:"required,max=255"`
	Payload    domain.Payload `json:"payload"`
	OccurredAt *time.Time     `json:"occurred_at"`
}

// IngestEventResponse reports how the coordinator handled an ingested event.
type IngestEventResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

// IngestEvent handles POST /events. The event runs through the same
// coordinator as stream events; a Nack maps to 503 so the caller retries.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if err := httputil.DecodeJSON(r, &req, h.validator); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	event := domain.Event{ID: req.ID, Subject: req.Subject, Payload: req.Payload}
	if req.OccurredAt != nil {
		event.OccurredAt = req.OccurredAt.UTC()
	}
	if err := event.Validate(); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	outcome, err := h.coordinator.OnEvent(r.Context(), event)
	if outcome == Nack {
		if err == nil {
			httputil.RetryLater(w, retryAfter, "event is being delivered, retry later")
			return
		}
		if errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrQueueClosed) {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		ctxlog.FromContext(r.Context()).Warn("event not accepted", "event_id", event.ID, "error", err)
		httputil.RetryLater(w, retryAfter, "event not accepted, retry later")
		return
	}
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, IngestEventResponse{EventID: event.ID, Outcome: outcome.String()})
}
