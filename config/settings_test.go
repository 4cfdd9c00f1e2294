// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("AGENT_RUNTIME_URL", "http://runtime:9000")

	s, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "8090", s.Port)
	assert.Equal(t, 30*time.Second, s.RuntimeDeadline)
	assert.Equal(t, 30*24*time.Hour, s.SessionTTL)
	assert.Equal(t, 4, s.AggregationWorkers)
	assert.Equal(t, "none", s.ArchiveBackend)
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"AGENT_RUNTIME_URL": "http://x"}},
		{"bad duration", map[string]string{"JWT_SECRET": "x", "AGENT_RUNTIME_URL": "http://x", "RUNTIME_DEADLINE": "soon"}},
		{"bad workers", map[string]string{"JWT_SECRET": "x", "AGENT_RUNTIME_URL": "http://x", "AGGREGATION_WORKERS": "0"}},
		{"archive without bucket", map[string]string{"JWT_SECRET": "x", "AGENT_RUNTIME_URL": "http://x", "ARCHIVE_BACKEND": "s3"}},
		{"unknown archive", map[string]string{"JWT_SECRET": "x", "AGENT_RUNTIME_URL": "http://x", "ARCHIVE_BACKEND": "tape"}},
		{"http runtime without url", map[string]string{"JWT_SECRET": "x"}},
		{"unknown runtime", map[string]string{"JWT_SECRET": "x", "AGENT_RUNTIME": "grpc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"JWT_SECRET", "JWT_SECRET_ARN", "AGENT_RUNTIME_URL", "AGENT_RUNTIME", "RUNTIME_DEADLINE", "AGGREGATION_WORKERS", "ARCHIVE_BACKEND", "ARCHIVE_BUCKET"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

type fakeSecrets struct {
	calls int
	value *string
	err   error
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestSecretLoaderJWTSecret(t *testing.T) {
	client := &fakeSecrets{value: aws.String(`{"jwt_secret":"abc"}`)}
	loader := newSecretLoader(client, time.Minute)

	secret, err := loader.JWTSecret(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:meterd-jwt")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), secret)

	_, err = loader.JWTSecret(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:meterd-jwt")
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "second lookup should hit the cache")
}

func TestSecretLoaderPlainString(t *testing.T) {
	client := &fakeSecrets{value: aws.String("plain-secret")}
	loader := newSecretLoader(client, 0)

	secret, err := loader.JWTSecret(context.Background(), "jwt")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain-secret"), secret)
}

func TestSecretLoaderError(t *testing.T) {
	client := &fakeSecrets{err: errors.New("access denied")}
	loader := newSecretLoader(client, 0)

	_, err := loader.GetSecret(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "123", "account id must be masked")
}
