// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"eagle/metering/aggregation"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// DefaultRange is the query window used when from is omitted.
const DefaultRange = 24 * time.Hour

// Authenticator turns a bearer assertion into a TenantContext.
type Authenticator interface {
	Resolve(ctx context.Context, assertion string, payload []byte, requestID string) (tenancy.TenantContext, error)
}

// Handler serves the reporting routes.
type Handler struct {
	service *Service
	auth    Authenticator
	logger  *logger.Logger
}

// NewHandler creates the HTTP handler for service.
func NewHandler(service *Service, auth Authenticator) *Handler {
	return &Handler{service: service, auth: auth, logger: logger.New("reporting-api")}
}

// RegisterRoutes mounts the reporting routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/tenants/{tenant_id}").Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/usage", h.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/trend", h.handleTrend).Methods(http.MethodGet)
	api.HandleFunc("/audit", h.handleAudit).Methods(http.MethodGet)
	api.HandleFunc("/export", h.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.handleSessions).Methods(http.MethodGet)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := h.auth.Resolve(r.Context(), r.Header.Get("Authorization"), nil, r.Header.Get("X-Request-ID"))
		if err != nil {
			h.writeError(w, tenancy.UnattributedTenant, "", err)
			return
		}
		w.Header().Set("X-Request-ID", tc.RequestID())
		next.ServeHTTP(w, r.WithContext(tenancy.WithContext(r.Context(), tc)))
	})
}

func (h *Handler) caller(r *http.Request) (tenancy.TenantContext, string) {
	tc, _ := tenancy.FromContext(r.Context())
	return tc, mux.Vars(r)["tenant_id"]
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	tc, tenantID := h.caller(r)
	snap, err := h.service.UsageSnapshot(r.Context(), tc, tenantID)
	if err != nil {
		h.writeError(w, tc.TenantID(), tc.RequestID(), err)
		return
	}
	writeJSONResponse(w, snap, http.StatusOK)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	tc, tenantID := h.caller(r)
	page, err := h.service.Sessions(r.Context(), tc, tenantID)
	if err != nil {
		h.writeError(w, tc.TenantID(), tc.RequestID(), err)
		return
	}
	writeJSONResponse(w, page, http.StatusOK)
}

func (h *Handler) handleTrend(w http.ResponseWriter, r *http.Request) {
	tc, tenantID := h.caller(r)
	from, to, g, err := h.rangeParams(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	trend, err := h.service.UsageTrend(r.Context(), tc, tenantID, from, to, g)
	if err != nil {
		h.writeError(w, tc.TenantID(), tc.RequestID(), err)
		return
	}
	writeJSONResponse(w, trend, http.StatusOK)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	tc, tenantID := h.caller(r)
	from, to, _, err := h.rangeParams(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	page, err := h.service.AuditRecords(r.Context(), tc, tenantID, from, to, r.URL.Query()["action"], limit)
	if err != nil {
		h.writeError(w, tc.TenantID(), tc.RequestID(), err)
		return
	}
	writeJSONResponse(w, page, http.StatusOK)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	tc, tenantID := h.caller(r)
	from, to, g, err := h.rangeParams(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatCSV
	}

	// Render into memory first so a failed read still produces a clean error status.
	var body bytes.Buffer
	if err := h.service.Export(r.Context(), tc, tenantID, format, from, to, g, &body); err != nil {
		h.writeError(w, tc.TenantID(), tc.RequestID(), err)
		return
	}

	contentType := "text/csv"
	if format == FormatJSON {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"usage-"+tenantID+"-"+string(g)+"."+format+"\"")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body.Bytes()); err != nil {
		h.logger.Warn(tc.TenantID(), tc.RequestID(), "Failed to write export body", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// rangeParams reads from, to (RFC 3339) and granularity. to defaults to now,
// from to DefaultRange before to, granularity to hour.
func (h *Handler) rangeParams(r *http.Request) (time.Time, time.Time, aggregation.Granularity, error) {
	q := r.URL.Query()
	to := h.service.now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, "", errors.New("to must be an RFC 3339 timestamp")
		}
		to = t.UTC()
	}
	from := to.Add(-DefaultRange)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, "", errors.New("from must be an RFC 3339 timestamp")
		}
		from = t.UTC()
	}
	g := aggregation.Hour
	if v := q.Get("granularity"); v != "" {
		parsed, err := aggregation.ParseGranularity(v)
		if err != nil {
			return time.Time{}, time.Time{}, "", err
		}
		g = parsed
	}
	return from, to, g, nil
}

func (h *Handler) writeError(w http.ResponseWriter, tenantID, requestID string, err error) {
	status := errkind.HTTPStatus(err)
	if isInvalidInput(err) {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorWithCode(tenantID, requestID, "Reporting request failed", status, err, nil)
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
