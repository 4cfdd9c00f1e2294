// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSink writes archive objects to a Cloud Storage bucket.
type GCSSink struct {
	bucket    string
	newWriter func(ctx context.Context, bucket, key, contentType string) io.WriteCloser
}

// NewGCSSink uses application default credentials; endpoint targets an emulator.
func NewGCSSink(ctx context.Context, bucket, endpoint string) (*GCSSink, error) {
	if bucket == "" {
		return nil, errors.New("gcs archive requires a bucket")
	}
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{
		bucket: bucket,
		newWriter: func(ctx context.Context, bucket, key, contentType string) io.WriteCloser {
			w := client.Bucket(bucket).Object(key).NewWriter(ctx)
			w.ContentType = contentType
			w.ContentEncoding = "gzip"
			return w
		},
	}, nil
}

func (g *GCSSink) Name() string { return BackendGCS }

func (g *GCSSink) Put(ctx context.Context, key string, body []byte, contentType string) error {
	w := g.newWriter(ctx, g.bucket, key, contentType)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", g.bucket, key, err)
	}
	// The object is only committed by Close.
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}
