// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsAPI is the subset of the Secrets Manager client used here.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretLoader reads JSON secrets from AWS Secrets Manager with a short cache.
type SecretLoader struct {
	client secretsAPI
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     map[string]string
	expiresAt time.Time
}

// NewSecretLoader creates a loader using the default AWS credential chain.
func NewSecretLoader(ctx context.Context, region string, ttl time.Duration) (*SecretLoader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newSecretLoader(secretsmanager.NewFromConfig(cfg), ttl), nil
}

func newSecretLoader(client secretsAPI, ttl time.Duration) *SecretLoader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretLoader{client: client, ttl: ttl, cache: make(map[string]cachedSecret)}
}

// GetSecret returns the key/value content of a secret. A secret that is not a
// JSON object is returned under the key "value".
func (s *SecretLoader) GetSecret(ctx context.Context, arn string) (map[string]string, error) {
	s.mu.RLock()
	entry, ok := s.cache[arn]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(arn), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(arn))
	}

	value := parseSecretString(*out.SecretString)
	s.mu.Lock()
	s.cache[arn] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return value, nil
}

// JWTSecret returns the signing secret stored under "jwt_secret" or "value".
func (s *SecretLoader) JWTSecret(ctx context.Context, arn string) ([]byte, error) {
	values, err := s.GetSecret(ctx, arn)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"jwt_secret", "value"} {
		if v := values[key]; v != "" {
			return []byte(v), nil
		}
	}
	return nil, fmt.Errorf("secret %s has no jwt_secret key", maskARN(arn))
}

func parseSecretString(raw string) map[string]string {
	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return map[string]string{"value": raw}
	}
	return values
}

// maskARN keeps only the secret name of an ARN for logs and errors.
func maskARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 7 {
		return arn
	}
	return "arn:...:secret:" + parts[len(parts)-1]
}
