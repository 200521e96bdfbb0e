package inbox

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRecordNotFound, Status: http.StatusNotFound, Message: "notification record not found"},
	{Error: ErrInvalidType, Status: http.StatusBadRequest},
	{Error: ErrMissingRecipient, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the inbox module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new inbox handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers inbox routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/inbox", func(r chi.Router) {
		r.Post("/", h.CreateRecord)
		r.Get("/unread", h.GetUnread)
		r.Post("/{id}/read", h.MarkRead)
	})
}

// CreateRecordRequest represents request body for creating a record.
type CreateRecordRequest struct {
	Type              string          `json:"type" validate:"required,oneof=invitation task_assignment task_update comment mention"`
	RecipientID       string          `json:"recipient_id" validate:"required"`
	SenderID          string          `json:"sender_id"`
	ResourceType      string          `json:"resource_type"`
	ResourceID        string          `json:"resource_id"`
	ProviderMessageID string          `json:"provider_message_id"`
	Data              json.RawMessage `json:"data"`
}

// CreateRecord handles POST /inbox.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	record := &Record{
		Type:              NotificationType(req.Type),
		RecipientID:       req.RecipientID,
		SenderID:          req.SenderID,
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		ProviderMessageID: req.ProviderMessageID,
		Data:              req.Data,
	}

	if err := h.service.Create(r.Context(), record); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, record)
}

// GetUnread handles GET /inbox/unread?recipient_id=&limit=.
func (h *Handler) GetUnread(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := h.service.GetUnread(r.Context(), recipientID, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, records)
}

// MarkRead handles POST /inbox/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.MarkRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, record)
}
