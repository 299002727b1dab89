package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to OpenAI or any OpenAI-compatible /v1 endpoint
// (vLLM, LiteLLM, LocalAI, OpenRouter, ...).
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client. baseURL is optional and must include the
// /v1 prefix; apiKey may be empty for local servers.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// OpenAIEmbedder embeds text with a fixed model.
type OpenAIEmbedder struct {
	client     *OpenAIClient
	model      string
	dimensions int
}

// NewOpenAIEmbedder builds an OpenAI-based Embedder.
func NewOpenAIEmbedder(client *OpenAIClient, model string, dimensions int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

// EmbedText implements Embedder.
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text, _ string) ([]float32, error) {
	if e.model == "" {
		return nil, errors.New("openai embedding model required")
	}
	resp, err := e.client.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai embed response missing embedding")
	}
	return resp.Data[0].Embedding, nil
}

// OpenAIGenerator produces schema-constrained JSON with a fixed model.
type OpenAIGenerator struct {
	client *OpenAIClient
	model  string
}

// NewOpenAIGenerator builds an OpenAI-based StructuredGenerator.
func NewOpenAIGenerator(client *OpenAIClient, model string) *OpenAIGenerator {
	return &OpenAIGenerator{client: client, model: strings.TrimSpace(model)}
}

// GenerateStructured implements StructuredGenerator using a strict
// json_schema response format.
func (g *OpenAIGenerator) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	if g.model == "" {
		return "", errors.New("openai generation model required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt})

	name := req.SchemaName
	if name == "" {
		name = "response"
	}
	schema := req.Schema
	resp, err := g.client.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: req.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: &schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty response from openai")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		if refusal := resp.Choices[0].Message.Refusal; refusal != "" {
			return "", fmt.Errorf("openai refused: %s", refusal)
		}
		return "", errors.New("empty response from openai")
	}
	return text, nil
}
