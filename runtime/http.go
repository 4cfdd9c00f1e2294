// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eagle/metering/tenancy"
)

// HTTPInvoker posts requests to an agent runtime exposing a JSON endpoint.
type HTTPInvoker struct {
	url    string
	client *http.Client
}

// NewHTTPInvoker creates an adapter for url. timeout bounds a single call in
// addition to the caller's context.
func NewHTTPInvoker(url string, timeout time.Duration) (*HTTPInvoker, error) {
	if url == "" {
		return nil, errors.New("agent runtime URL is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPInvoker) Name() string { return KindHTTP }

func (h *HTTPInvoker) Invoke(ctx context.Context, tc tenancy.TenantContext, req Request) (Result, error) {
	if len(req.Messages) == 0 {
		return Result{}, ErrEmptyRequest
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal runtime request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/invoke", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tc.TenantID())
	httpReq.Header.Set("X-Request-ID", tc.RequestID())

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("agent runtime call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read runtime response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("agent runtime returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("failed to decode runtime response: %w", err)
	}
	if result.MessageCount == 0 {
		result.MessageCount = len(req.Messages) + 1
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
