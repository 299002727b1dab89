package ai

import (
	"context"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// StructuredRequest asks a model for JSON conforming to Schema.
type StructuredRequest struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       jsonschema.Definition
	Temperature  float32
}

// StructuredGenerator returns the raw JSON document produced by the model.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (string, error)
}
