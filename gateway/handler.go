// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"eagle/metering/admission"
	"eagle/metering/audit"
	"eagle/metering/metering"
	"eagle/metering/runtime"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler exposes the pipeline over HTTP.
type Handler struct {
	pipeline *Pipeline
	logger   *logger.Logger
}

// NewHandler creates the HTTP handler for p.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p, logger: logger.New("gateway-api")}
}

// RegisterRoutes mounts the interaction and ingestion routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/interactions", h.handleInteract).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/interactions/record", h.handleRecord).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/audit/events", h.handleAuditEvent).Methods(http.MethodPost)
}

type auditEventRequest struct {
	Action string                 `json:"action"`
	Actor  string                 `json:"actor,omitempty"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, "request body too large or unreadable", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h *Handler) handleInteract(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req runtime.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.pipeline.Interact(r.Context(), r.Header.Get("Authorization"), body, r.Header.Get("X-Request-ID"), req)
	if out.RequestID != "" {
		w.Header().Set("X-Request-ID", out.RequestID)
	}
	if err != nil {
		// Timeouts and runtime failures were metered; the caller still gets the usage.
		if out.Event.EventID != "" {
			writeJSONResponse(w, map[string]interface{}{
				"outcome": out,
				"error":   err.Error(),
			}, h.status(err))
			return
		}
		h.writeError(w, out, err)
		return
	}
	writeJSONResponse(w, out, http.StatusOK)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in metering.Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.pipeline.Ingest(r.Context(), r.Header.Get("Authorization"), body, r.Header.Get("X-Request-ID"), in)
	if err != nil {
		h.writeError(w, out, err)
		return
	}
	w.Header().Set("X-Request-ID", out.RequestID)
	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	} else if out.Spooled {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, out, status)
}

func (h *Handler) handleAuditEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req auditEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.pipeline.AppendAudit(r.Context(), r.Header.Get("Authorization"), body, r.Header.Get("X-Request-ID"),
		audit.Entry{Actor: req.Actor, Action: req.Action, Detail: req.Detail})
	if err != nil {
		h.writeError(w, Outcome{}, err)
		return
	}
	writeJSONResponse(w, rec, http.StatusCreated)
}

func (h *Handler) status(err error) int {
	switch {
	case errors.Is(err, ErrRuntimeFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrReservedAction):
		return http.StatusForbidden
	case errors.Is(err, admission.ErrDuplicateInteraction):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrEmptyRequest),
		errors.Is(err, metering.ErrInvalidInteractionID),
		errors.Is(err, metering.ErrInvalidOutcome),
		errors.Is(err, metering.ErrNegativeUsage),
		errors.Is(err, audit.ErrEmptyAction):
		return http.StatusBadRequest
	}
	return errkind.HTTPStatus(err)
}

func (h *Handler) writeError(w http.ResponseWriter, out Outcome, err error) {
	status := h.status(err)
	tenantID := out.TenantID
	if tenantID == "" {
		tenantID = tenancy.UnattributedTenant
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorWithCode(tenantID, out.RequestID, "Interaction request failed", status, err, nil)
	}
	var storageErr *errkind.StorageError
	if errors.As(err, &storageErr) && storageErr.DataLossRisk() {
		w.Header().Set("X-Data-Loss-Risk", "true")
	}
	writeJSONError(w, err.Error(), status)
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
	}, statusCode)
}
