// Package handlers serves the HTTP API that creates events, registers devices
// and opens or closes occasions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/vmorsell/cohort-live/internal/ratelimit"
	"github.com/vmorsell/cohort-live/internal/storage"
	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

const (
	MaxRequestBodySize = 1024
	MaxLabelLength     = 128

	ErrInvalidPayload = "invalid payload"
	ErrInvalidID      = "invalid id"
	ErrMissingLabel   = "label is required"
	ErrLabelTooLong   = "label too long"
	ErrMissingGUID    = "guid is required"
	ErrRateLimited    = "rate limit exceeded"
	ErrEventNotOpen   = "event is not open"
)

type Store interface {
	CreateEvent(ctx context.Context, label, ownerID string) (model.Event, error)
	CreateOccasion(ctx context.Context, eventID int64, label string) (model.Occasion, error)
	RegisterDevice(ctx context.Context, eventID int64, device model.Device) error
	SetOccasionOpen(ctx context.Context, eventID, occasionID int64, open bool) (model.Occasion, error)
}

// Gate is the live side of the event lifecycle.
type Gate interface {
	OccasionOpened(ctx context.Context, eventID, occasionID int64) error
	OccasionClosed(ctx context.Context, eventID, occasionID int64) error
	DeviceRegistered(ctx context.Context, eventID int64, device model.Device) error
	Status(ctx context.Context, eventID int64) ([]model.DeviceState, bool, error)
}

type Handler struct {
	logger                *zap.Logger
	store                 Store
	gate                  Gate
	registrationRateLimit *ratelimit.RateLimiter
}

func NewHandler(logger *zap.Logger, store Store, gate Gate, registrationLimiter *ratelimit.RateLimiter) *Handler {
	if registrationLimiter == nil {
		registrationLimiter = ratelimit.NewRateLimiter(ratelimit.DefaultRegistrationRateLimit, ratelimit.DefaultWindowSize)
	}
	return &Handler{
		logger:                logger,
		store:                 store,
		gate:                  gate,
		registrationRateLimit: registrationLimiter,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v2", h.handleHealth)
	mux.HandleFunc("POST /api/v2/events", h.handleCreateEvent)
	mux.HandleFunc("POST /api/v2/events/{id}/occasions", h.handleCreateOccasion)
	mux.HandleFunc("PATCH /api/v2/events/{id}/occasions/{oid}/open", h.handleOpenOccasion)
	mux.HandleFunc("PATCH /api/v2/events/{id}/occasions/{oid}/close", h.handleCloseOccasion)
	mux.HandleFunc("PATCH /api/v2/events/{id}/check-in", h.handleCheckIn)
	mux.HandleFunc("GET /api/v2/events/{id}/status", h.handleStatus)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "cohort live server is running")
}

type createEventRequest struct {
	Label   string `json:"label"`
	OwnerID string `json:"ownerId"`
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var body createEventRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := validateLabel(body.Label); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.store.CreateEvent(r.Context(), body.Label, body.OwnerID)
	if err != nil {
		h.logger.Error("failed to create event", zap.Error(err))
		h.errorResponse(w, http.StatusInternalServerError, "failed to create event")
		return
	}
	h.successResponse(w, http.StatusCreated, event)
}

type createOccasionRequest struct {
	Label string `json:"label"`
}

func (h *Handler) handleCreateOccasion(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var body createOccasionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := validateLabel(body.Label); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	occasion, err := h.store.CreateOccasion(r.Context(), eventID, body.Label)
	if err != nil {
		h.storeError(w, "failed to create occasion", err, zap.Int64("eventID", eventID))
		return
	}
	h.successResponse(w, http.StatusCreated, occasion)
}

func (h *Handler) handleOpenOccasion(w http.ResponseWriter, r *http.Request) {
	h.setOccasionOpen(w, r, true)
}

func (h *Handler) handleCloseOccasion(w http.ResponseWriter, r *http.Request) {
	h.setOccasionOpen(w, r, false)
}

func (h *Handler) setOccasionOpen(w http.ResponseWriter, r *http.Request, open bool) {
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	occasionID, ok := h.pathID(w, r, "oid")
	if !ok {
		return
	}

	occasion, err := h.store.SetOccasionOpen(r.Context(), eventID, occasionID, open)
	if err != nil {
		h.storeError(w, "failed to update occasion", err,
			zap.Int64("eventID", eventID), zap.Int64("occasionID", occasionID))
		return
	}

	if open {
		err = h.gate.OccasionOpened(r.Context(), eventID, occasionID)
	} else {
		err = h.gate.OccasionClosed(r.Context(), eventID, occasionID)
	}
	if err != nil {
		h.logger.Error("failed to apply occasion state",
			zap.Int64("eventID", eventID),
			zap.Int64("occasionID", occasionID),
			zap.Bool("open", open),
			zap.Error(err))
		h.errorResponse(w, http.StatusInternalServerError, "failed to apply occasion state")
		return
	}
	h.successResponse(w, http.StatusOK, occasion)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if !h.registrationRateLimit.Allow(sourceIP(r)) {
		h.errorResponse(w, http.StatusTooManyRequests, ErrRateLimited)
		return
	}
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var device model.Device
	if !h.decode(w, r, &device) {
		return
	}
	device.GUID = strings.TrimSpace(device.GUID)
	if device.GUID == "" {
		h.errorResponse(w, http.StatusBadRequest, ErrMissingGUID)
		return
	}

	if err := h.store.RegisterDevice(r.Context(), eventID, device); err != nil {
		h.storeError(w, "failed to register device", err,
			zap.Int64("eventID", eventID), zap.String("deviceID", device.GUID))
		return
	}
	if err := h.gate.DeviceRegistered(r.Context(), eventID, device); err != nil {
		h.logger.Error("failed to add device to live roster",
			zap.Int64("eventID", eventID), zap.String("deviceID", device.GUID), zap.Error(err))
	}
	h.successResponse(w, http.StatusCreated, device)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	states, found, err := h.gate.Status(r.Context(), eventID)
	if err != nil {
		h.logger.Error("failed to get event status", zap.Int64("eventID", eventID), zap.Error(err))
		h.errorResponse(w, http.StatusInternalServerError, "failed to get event status")
		return
	}
	if !found {
		h.errorResponse(w, http.StatusNotFound, ErrEventNotOpen)
		return
	}
	if states == nil {
		states = []model.DeviceState{}
	}
	h.successResponse(w, http.StatusOK, model.StatusMessage{EventID: eventID, Status: states})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.errorResponse(w, http.StatusBadRequest, ErrInvalidPayload)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		h.errorResponse(w, http.StatusBadRequest, ErrInvalidID)
		return 0, false
	}
	return id, true
}

func (h *Handler) storeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, storage.ErrEventNotFound), errors.Is(err, storage.ErrOccasionNotFound):
		h.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDeviceExists):
		h.errorResponse(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		h.errorResponse(w, http.StatusInternalServerError, msg)
	}
}

func validateLabel(label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return errors.New(ErrMissingLabel)
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("%s: max %d characters", ErrLabelTooLong, MaxLabelLength)
	}
	return nil
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) successResponse(w http.ResponseWriter, statusCode int, v interface{}) {
	h.writeJSON(w, statusCode, v)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) errorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, errorBody{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

