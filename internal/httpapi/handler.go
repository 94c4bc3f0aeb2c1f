package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinic/ticketing-service/internal/directory"
	"clinic/ticketing-service/internal/dispatch"
	"clinic/ticketing-service/internal/models"
	"clinic/ticketing-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	dispatcher dispatch.Dispatcher
}

type joinRequest struct {
	Department string `json:"department"`
	Date       string `json:"date"`
	PatientID  string `json:"patient_id"`
	Priority   bool   `json:"priority"`
	Source     string `json:"source"`
}

type queueActionRequest struct {
	Department string `json:"department"`
	Date       string `json:"date"`
}

type reorderRequest struct {
	Department string   `json:"department"`
	Date       string   `json:"date"`
	EntryIDs   []string `json:"entry_ids"`
}

type bulkCancelRequest struct {
	Department     string   `json:"department"`
	Date           string   `json:"date"`
	EntryIDs       []string `json:"entry_ids"`
	Reason         string   `json:"reason"`
	TriggerRefunds bool     `json:"trigger_refunds"`
}

type openQueueRequest struct {
	Department      string `json:"department"`
	Date            string `json:"date"`
	StartNumber     *int   `json:"start_number"`
	MaxEntries      *int   `json:"max_entries"`
	CabinetNumber   string `json:"cabinet_number"`
	CabinetFloor    *int   `json:"cabinet_floor"`
	CabinetBuilding string `json:"cabinet_building"`
}

type entryActionRequest struct {
	Reason string `json:"reason"`
}

type joinResponse struct {
	models.Entry
	Created bool `json:"created"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(dispatcher dispatch.Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/entries", h.handleJoin)
	mux.HandleFunc("/api/entries/", h.handleEntry)
	mux.HandleFunc("/api/queues", h.handleQueueEntries)
	mux.HandleFunc("/api/queues/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/queues/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queues/actions/reorder", h.handleReorder)
	mux.HandleFunc("/api/queues/actions/bulk-cancel", h.handleBulkCancel)
	mux.HandleFunc("/api/queues/actions/open", h.handleOpenQueue)
	mux.HandleFunc("/api/queues/actions/close", h.handleCloseQueue)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Department = strings.TrimSpace(req.Department)
	req.Date = strings.TrimSpace(req.Date)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Source = strings.TrimSpace(req.Source)

	if req.Department == "" || req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "department and patient_id are required")
		return
	}
	if req.Date == "" {
		req.Date = time.Now().UTC().Format(models.DayFormat)
	}
	if !isValidDay(req.Date) {
		writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}
	if req.Source != "" && !models.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, "invalid_request", "source must be online, staff, or migration")
		return
	}

	entry, created, err := h.dispatcher.Join(r.Context(), dispatch.JoinInput{
		Department: req.Department,
		Day:        req.Date,
		PatientID:  req.PatientID,
		Priority:   req.Priority,
		Source:     req.Source,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, joinResponse{Entry: entry, Created: created})
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetEntry(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEntryAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}
	entry, err := h.dispatcher.GetEntry(r.Context(), entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, action string) {
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}
	switch action {
	case "start", "diagnostics", "complete", "cancel":
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req entryActionRequest
	if r.ContentLength > 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}

	entry, err := h.dispatcher.EntryAction(r.Context(), entryID, action, strings.TrimSpace(req.Reason))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeQueueAction(w, r)
	if !ok {
		return
	}

	entry, err := h.dispatcher.CallNext(r.Context(), req.Department, req.Date)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req reorderRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Department = strings.TrimSpace(req.Department)
	req.Date = strings.TrimSpace(req.Date)
	if req.Department == "" || !isValidDay(req.Date) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department and date are required")
		return
	}
	if len(req.EntryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry_ids must not be empty")
		return
	}
	for _, entryID := range req.EntryIDs {
		if !isValidUUID(entryID) {
			writeError(w, http.StatusBadRequest, "invalid_request", "entry_ids must be UUIDs")
			return
		}
	}

	if err := h.dispatcher.Reorder(r.Context(), req.Department, req.Date, req.EntryIDs); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req bulkCancelRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Department = strings.TrimSpace(req.Department)
	req.Date = strings.TrimSpace(req.Date)
	req.Reason = strings.TrimSpace(req.Reason)

	if len(req.EntryIDs) == 0 && (req.Department == "" || !isValidDay(req.Date)) {
		writeError(w, http.StatusBadRequest, "invalid_request", "either entry_ids or department and date are required")
		return
	}
	for _, entryID := range req.EntryIDs {
		if !isValidUUID(entryID) {
			writeError(w, http.StatusBadRequest, "invalid_request", "entry_ids must be UUIDs")
			return
		}
	}

	result, err := h.dispatcher.BulkCancel(r.Context(), dispatch.BulkCancelInput{
		EntryIDs:       req.EntryIDs,
		Department:     req.Department,
		Day:            req.Date,
		Reason:         req.Reason,
		TriggerRefunds: req.TriggerRefunds,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleOpenQueue(w http.ResponseWriter, r *http.Request) {
	h.handleSetQueueActive(w, r, true)
}

func (h *Handler) handleCloseQueue(w http.ResponseWriter, r *http.Request) {
	h.handleSetQueueActive(w, r, false)
}

func (h *Handler) handleSetQueueActive(w http.ResponseWriter, r *http.Request, active bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req openQueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Department = strings.TrimSpace(req.Department)
	req.Date = strings.TrimSpace(req.Date)
	if req.Department == "" || !isValidDay(req.Date) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department and date are required")
		return
	}
	if req.StartNumber != nil && *req.StartNumber < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "start_number must be positive")
		return
	}
	if req.MaxEntries != nil && *req.MaxEntries < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "max_entries must be positive")
		return
	}

	startNumber := 0
	if req.StartNumber != nil {
		startNumber = *req.StartNumber
	}
	queue, err := h.dispatcher.SetQueueActive(r.Context(), store.QueueUpdateInput{
		Department:      req.Department,
		Day:             req.Date,
		Active:          active,
		StartNumber:     startNumber,
		MaxEntries:      req.MaxEntries,
		CabinetNumber:   strings.TrimSpace(req.CabinetNumber),
		CabinetFloor:    req.CabinetFloor,
		CabinetBuilding: strings.TrimSpace(req.CabinetBuilding),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	department, date, ok := queueQueryParams(w, r)
	if !ok {
		return
	}

	snapshot, err := h.dispatcher.Snapshot(r.Context(), department, date)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	department, date, ok := queueQueryParams(w, r)
	if !ok {
		return
	}

	entries, err := h.dispatcher.ListEntries(r.Context(), department, date)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.dispatcher.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeQueueAction(w http.ResponseWriter, r *http.Request) (queueActionRequest, bool) {
	var req queueActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return req, false
	}
	req.Department = strings.TrimSpace(req.Department)
	req.Date = strings.TrimSpace(req.Date)
	if req.Department == "" || !isValidDay(req.Date) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department and date are required")
		return req, false
	}
	return req, true
}

func queueQueryParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	department := strings.TrimSpace(r.URL.Query().Get("department"))
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if department == "" || !isValidDay(date) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department and date are required")
		return "", "", false
	}
	return department, date, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidDay(value string) bool {
	_, err := time.Parse(models.DayFormat, value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "entry not found"
	case errors.Is(err, directory.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is closed"
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusConflict, "queue_full", "queue is at capacity"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no waiting entries"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "entry state does not allow this action"
	case errors.Is(err, store.ErrStaleOrder):
		return http.StatusConflict, "stale_order", "queue changed since the order was read, fetch and retry"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "numbering conflict, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
