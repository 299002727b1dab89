package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
)

var testSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"answer": {Type: jsonschema.String},
	},
	Required: []string{"answer"},
}

func TestOllamaEmbedFallsBackToLegacyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			w.WriteHeader(http.StatusNotFound)
		case "/api/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(NewOllamaClient(srv.URL), "nomic-embed-text", 0)
	vec, err := emb.EmbedText(context.Background(), "hello", TaskRetrievalQuery)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestOllamaGenerateStructuredSendsSchemaAndTemperature(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": `{"answer":"ok"}`}})
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(NewOllamaClient(srv.URL), "llama3.1")
	out, err := gen.GenerateStructured(context.Background(), StructuredRequest{
		SystemPrompt: "sys", UserPrompt: "user", Schema: testSchema, Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"answer":"ok"}` {
		t.Fatalf("out = %q", out)
	}
	format, ok := got["format"].(map[string]any)
	if !ok || format["type"] != "object" {
		t.Fatalf("schema not sent as format: %v", got["format"])
	}
	opts, _ := got["options"].(map[string]any)
	if temp, _ := opts["temperature"].(float64); temp < 0.19 || temp > 0.21 {
		t.Fatalf("temperature = %v", opts["temperature"])
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %v", got["messages"])
	}
}

func TestGeminiGenerateStructured(t *testing.T) {
	var gotPath, gotKey string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]string{"text": `{"answer":`}, map[string]string{"text": `"hi"}`}}}}},
		})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("key-1", srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	out, err := NewGeminiGenerator(client, "models/gemini-2.0-flash").GenerateStructured(context.Background(), StructuredRequest{
		UserPrompt: "q", Schema: testSchema, Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"answer":"hi"}` {
		t.Fatalf("out = %q", out)
	}
	if gotPath != "/models/gemini-2.0-flash:generateContent" || gotKey != "key-1" {
		t.Fatalf("path=%q key=%q", gotPath, gotKey)
	}
	cfg, _ := body["generationConfig"].(map[string]any)
	if cfg["responseMimeType"] != "application/json" || cfg["responseJsonSchema"] == nil {
		t.Fatalf("generation config = %v", cfg)
	}
}

func TestGeminiErrorsSurfaceProviderMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	client, _ := NewGeminiClient("key-1", srv.URL)
	_, err := NewGeminiEmbedder(client, "text-embedding-004", 0).EmbedText(context.Background(), "x", TaskRetrievalQuery)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestOpenAIEmbedAndGenerate(t *testing.T) {
	var chatBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/embeddings":
			_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25,0.125]}],"model":"m"}`))
		case "/v1/chat/completions":
			_ = json.NewDecoder(r.Body).Decode(&chatBody)
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"answer\":\"yes\"}"},"finish_reason":"stop"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL+"/v1")
	vec, err := NewOpenAIEmbedder(client, "text-embedding-3-small", 3).EmbedText(context.Background(), "hello", "")
	if err != nil || len(vec) != 3 {
		t.Fatalf("embed: %v %v", vec, err)
	}

	out, err := NewOpenAIGenerator(client, "gpt-4o-mini").GenerateStructured(context.Background(), StructuredRequest{
		SystemPrompt: "sys", UserPrompt: "q", SchemaName: "answer", Schema: testSchema, Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"answer":"yes"}` {
		t.Fatalf("out = %q", out)
	}
	format, _ := chatBody["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Fatalf("response_format = %v", chatBody["response_format"])
	}
}
