// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"eagle/metering/tenancy"
)

const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

type bedrockAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockInvoker calls a model hosted on AWS Bedrock.
type BedrockInvoker struct {
	client bedrockAPI
	model  string
}

// NewBedrockInvoker loads the default AWS credential chain for region.
func NewBedrockInvoker(ctx context.Context, region, model string) (*BedrockInvoker, error) {
	if region == "" {
		region = "us-east-1"
	}
	if model == "" {
		model = defaultBedrockModel
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}
	return &BedrockInvoker{client: bedrockruntime.NewFromConfig(awsCfg), model: model}, nil
}

func (b *BedrockInvoker) Name() string { return KindBedrock }

func (b *BedrockInvoker) Invoke(ctx context.Context, _ tenancy.TenantContext, req Request) (Result, error) {
	if len(req.Messages) == 0 {
		return Result{}, ErrEmptyRequest
	}
	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body, err := buildBedrockBody(model, req.Messages, maxTokens)
	if err != nil {
		return Result{}, err
	}
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("bedrock API error: %w", err)
	}

	result, err := parseBedrockBody(model, out.Body)
	if err != nil {
		return Result{}, err
	}
	result.Model = model
	result.MessageCount = len(req.Messages) + 1
	return result, nil
}

func modelFamily(model string) string {
	if i := strings.Index(model, "."); i > 0 {
		return model[:i]
	}
	return model
}

func buildBedrockBody(model string, messages []Message, maxTokens int) ([]byte, error) {
	switch modelFamily(model) {
	case "anthropic":
		return json.Marshal(map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"messages":          messages,
		})
	case "amazon":
		return json.Marshal(map[string]interface{}{
			"inputText": flatten(messages),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
			},
		})
	case "meta":
		return json.Marshal(map[string]interface{}{
			"prompt":      flatten(messages),
			"max_gen_len": maxTokens,
		})
	}
	return nil, fmt.Errorf("unsupported model family: %s", modelFamily(model))
}

func flatten(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseBedrockBody(model string, body []byte) (Result, error) {
	switch modelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		r := Result{TokensIn: resp.Usage.InputTokens, TokensOut: resp.Usage.OutputTokens, StopReason: resp.StopReason}
		if len(resp.Content) > 0 {
			r.Reply = resp.Content[0].Text
		}
		return r, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int64  `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
			InputTextTokenCount int64 `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		r := Result{TokensIn: resp.InputTextTokenCount}
		if len(resp.Results) > 0 {
			r.Reply = resp.Results[0].OutputText
			r.TokensOut = resp.Results[0].TokenCount
			r.StopReason = resp.Results[0].CompletionReason
		}
		return r, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int64  `json:"prompt_token_count"`
			GenTokenCount    int64  `json:"generation_token_count"`
			StopReason       string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return Result{Reply: resp.Generation, TokensIn: resp.PromptTokenCount, TokensOut: resp.GenTokenCount, StopReason: resp.StopReason}, nil
	}
	return Result{}, fmt.Errorf("unsupported model family: %s", modelFamily(model))
}
