// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package archive moves records removed by the retention sweep to cold
// object storage. Each batch is written as one gzip-compressed JSON-lines
// object under <prefix>/<tenant>/<kind>/.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
)

// Sink stores archive objects.
type Sink interface {
	Name() string
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	Bucket  string
	Prefix  string
	// Account is the Azure storage account name.
	Account string
	Region  string
	// Endpoint overrides the service endpoint (S3-compatible stores, emulators).
	Endpoint string
}

// New builds the sink named by cfg.Backend. It returns nil for BackendNone.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemorySink(), nil
	case BackendS3:
		return NewS3Sink(ctx, S3Options{Region: cfg.Region, Bucket: cfg.Bucket, Endpoint: cfg.Endpoint})
	case BackendGCS:
		return NewGCSSink(ctx, cfg.Bucket, cfg.Endpoint)
	case BackendAzure:
		return NewAzureSink(cfg.Account, cfg.Bucket, cfg.Endpoint)
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}

// Key builds the object key of one archive batch.
func Key(prefix, tenantID, kind string, cutoff time.Time) string {
	cutoff = cutoff.UTC()
	name := fmt.Sprintf("%s-%s.jsonl.gz", cutoff.Format("20060102T150405Z"), uuid.NewString()[:8])
	return path.Join(prefix, tenantID, kind, cutoff.Format("2006/01/02"), name)
}

// Encode writes items, which must be a slice, as gzip-compressed JSON lines.
func Encode(items interface{}) ([]byte, error) {
	v := reflect.ValueOf(items)
	if v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("archive: expected a slice, got %T", items)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := 0; i < v.Len(); i++ {
		if err := enc.Encode(v.Index(i).Interface()); err != nil {
			return nil, fmt.Errorf("archive: encode item %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MemorySink keeps objects in memory.
type MemorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

func (m *MemorySink) Name() string { return BackendMemory }

func (m *MemorySink) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

// Objects returns a copy of the stored objects.
func (m *MemorySink) Objects() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.objects))
	for k, v := range m.objects {
		out[k] = v
	}
	return out
}
