package main

import (
	"fmt"
	"strings"

	"voxa/pkg/ai"
	"voxa/services/api/internal/config"
)

func buildEmbedder(cfg config.FileConfig) (ai.Embedder, error) {
	switch provider := strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)); provider {
	case "", "openai":
		client := ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.EmbeddingBaseURL)
		return ai.NewOpenAIEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.EmbeddingBaseURL)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "ollama":
		return ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}

func buildGenerator(cfg config.FileConfig) (ai.StructuredGenerator, error) {
	switch provider := strings.ToLower(strings.TrimSpace(cfg.GenerationProvider)); provider {
	case "", "openai":
		return ai.NewOpenAIGenerator(ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.GenerationBaseURL), cfg.GenerationModel), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationBaseURL)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiGenerator(client, cfg.GenerationModel), nil
	case "ollama":
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.GenerationBaseURL), cfg.GenerationModel), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", provider)
	}
}
