// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body []byte) []map[string]interface{} {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	var out []map[string]interface{}
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEncodeRoundTrip(t *testing.T) {
	type rec struct {
		ID     string `json:"id"`
		Tenant string `json:"tenant_id"`
	}
	body, err := Encode([]rec{{"a", "t1"}, {"b", "t1"}})
	require.NoError(t, err)

	items := decode(t, body)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1]["id"])

	_, err = Encode(rec{})
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	k := Key("archive", "t1", "audit", time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC))
	assert.True(t, strings.HasPrefix(k, "archive/t1/audit/2025/02/03/20250203T040506Z-"), k)
	assert.True(t, strings.HasSuffix(k, ".jsonl.gz"))
	assert.NotEqual(t, k, Key("archive", "t1", "audit", time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)))
}

func TestNewSelectsBackend(t *testing.T) {
	sink, err := New(context.Background(), Config{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = New(context.Background(), Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, sink.Name())

	_, err = New(context.Background(), Config{Backend: "tape"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Backend: BackendS3})
	assert.Error(t, err)
}

type fakeS3 struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, f.err
}

func TestS3SinkPut(t *testing.T) {
	fake := &fakeS3{}
	sink := &S3Sink{client: fake, bucket: "cold"}
	require.NoError(t, sink.Put(context.Background(), "k", []byte("x"), "application/x-ndjson"))
	assert.Equal(t, "cold", aws.ToString(fake.in.Bucket))
	assert.Equal(t, "k", aws.ToString(fake.in.Key))
	assert.Equal(t, "gzip", aws.ToString(fake.in.ContentEncoding))

	fake.err = errors.New("denied")
	assert.Error(t, sink.Put(context.Background(), "k", []byte("x"), "application/x-ndjson"))
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestGCSSinkCommitsOnClose(t *testing.T) {
	w := &bufferCloser{}
	var gotKey string
	sink := &GCSSink{bucket: "cold", newWriter: func(_ context.Context, _, key, _ string) io.WriteCloser {
		gotKey = key
		return w
	}}
	require.NoError(t, sink.Put(context.Background(), "t1/audit/x", []byte("payload"), "application/x-ndjson"))
	assert.Equal(t, "t1/audit/x", gotKey)
	assert.Equal(t, "payload", w.String())
	assert.True(t, w.closed)
}

type fakeBlob struct {
	container, name string
	body            []byte
}

func (f *fakeBlob) UploadBuffer(_ context.Context, container, name string, buf []byte, _ *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.container, f.name, f.body = container, name, buf
	return azblob.UploadBufferResponse{}, nil
}

func TestAzureSinkPut(t *testing.T) {
	fake := &fakeBlob{}
	sink := &AzureSink{client: fake, container: "cold"}
	require.NoError(t, sink.Put(context.Background(), "k", []byte("x"), "application/x-ndjson"))
	assert.Equal(t, "cold", fake.container)
	assert.Equal(t, "k", fake.name)
	assert.Equal(t, []byte("x"), fake.body)
}
