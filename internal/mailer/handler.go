package mailer

import (
	"encoding/json"
	"net/http"

	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNoRecipients, Status: http.StatusBadRequest},
	{Error: ErrEmptySubject, Status: http.StatusBadRequest},
	{Error: ErrEmptyBody, Status: http.StatusBadRequest},
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
}

// Handler exposes the producer and queue over HTTP for domain callers and
// the external drain scheduler.
type Handler struct {
	producer   *Producer
	dispatcher *Dispatcher
	repo       Repository
	drainCfg   DrainConfig
	validator  *validator.Validate
}

// DrainConfig bounds a drain pass triggered over HTTP.
type DrainConfig struct {
	BatchSize       int
	IncludeRetrying bool
}

// NewHandler creates the queue API handler.
func NewHandler(producer *Producer, dispatcher *Dispatcher, repo Repository, drainCfg DrainConfig) *Handler {
	return &Handler{
		producer:   producer,
		dispatcher: dispatcher,
		repo:       repo,
		drainCfg:   drainCfg,
		validator:  validator.New(),
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.EnqueueMessage)
	r.Route("/queue", func(r chi.Router) {
		r.Post("/drain", h.DrainQueue)
		r.Get("/stats", h.QueueStats)
		r.Get("/{id}", h.GetItem)
	})
}

// EnqueueRequest represents request body for enqueueing a message.
type EnqueueRequest struct {
	To             []string `json:"to" validate:"required,min=1,dive,email"`
	Subject        string   `json:"subject" validate:"required"`
	HTML           string   `json:"html" validate:"required"`
	Text           string   `json:"text"`
	From           string   `json:"from"`
	CC             []string `json:"cc" validate:"omitempty,dive,email"`
	BCC            []string `json:"bcc" validate:"omitempty,dive,email"`
	ReplyTo        string   `json:"reply_to" validate:"omitempty,email"`
	MaxAttempts    int      `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	ResourceType   string   `json:"resource_type"`
	ResourceID     string   `json:"resource_id"`
	Immediate      bool     `json:"immediate"`
}

// EnqueueMessage handles POST /messages.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.producer.Enqueue(r.Context(), EnqueueInput{
		Message: Message{
			From:    req.From,
			To:      req.To,
			CC:      req.CC,
			BCC:     req.BCC,
			ReplyTo: req.ReplyTo,
			Subject: req.Subject,
			HTML:    req.HTML,
			Text:    req.Text,
		},
		MaxAttempts:    req.MaxAttempts,
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Immediate:      req.Immediate,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, result)
}

// DrainRequest represents optional overrides for a drain pass.
type DrainRequest struct {
	Limit           *int  `json:"limit" validate:"omitempty,min=1,max=100"`
	IncludeRetrying *bool `json:"include_retrying"`
}

// DrainQueue handles POST /queue/drain, the cron-style trigger.
func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	limit := h.drainCfg.BatchSize
	includeRetrying := h.drainCfg.IncludeRetrying

	if r.ContentLength > 0 {
		var req DrainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
		if req.Limit != nil {
			limit = *req.Limit
		}
		if req.IncludeRetrying != nil {
			includeRetrying = *req.IncludeRetrying
		}
	}

	result, err := h.dispatcher.Drain(r.Context(), limit, includeRetrying)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// QueueStats handles GET /queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetQueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetItem handles GET /queue/{id}, for operator inspection of delivery
// state and last_error on terminally failed items.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.repo.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}
