package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"voxa/internal/util"
	"voxa/pkg/ai"
	"voxa/pkg/domain"
	"voxa/services/api/internal/app"
)

const (
	answerTemperature = 0.2
	answerSchemaName  = "session_answer"
)

const systemPrompt = `You answer questions about recorded meetings using only the numbered transcript excerpts provided.
Cite the excerpts you used by their number, e.g. "[2]", in the source field of each citation.
If the excerpts do not contain the answer, say so and use a low confidence.
Confidence is a number between 0 and 1.`

// answerSchema is the output contract every provider is held to.
var answerSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"answer":     {Type: jsonschema.String, Description: "Answer to the question."},
		"confidence": {Type: jsonschema.Number, Description: "Confidence between 0 and 1."},
		"citations": {
			Type: jsonschema.Array,
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"source":  {Type: jsonschema.String, Description: "Excerpt number such as [1]."},
					"snippet": {Type: jsonschema.String, Description: "Short quote from the excerpt, may be empty."},
				},
				Required:             []string{"source", "snippet"},
				AdditionalProperties: false,
			},
		},
	},
	Required:             []string{"answer", "confidence", "citations"},
	AdditionalProperties: false,
}

// Service answers prompts over session transcripts.
type Service struct {
	retriever *Retriever
	generator ai.StructuredGenerator
}

// NewService wires retrieval to a structured generator.
func NewService(retriever *Retriever, generator ai.StructuredGenerator) (*Service, error) {
	if retriever == nil {
		return nil, errors.New("retriever required")
	}
	if generator == nil {
		return nil, errors.New("generator required")
	}
	return &Service{retriever: retriever, generator: generator}, nil
}

// Answer runs the full pipeline for a signed-in user. Any failure surfaces as
// app.ErrGenerationFailed with the underlying message; there is no partial
// result.
func (s *Service) Answer(ctx context.Context, id domain.Identity, prompt string, sessionIDs []string, topK int) (domain.Answer, error) {
	if id.Mode != domain.ModeUser || id.UserID == "" {
		return domain.Answer{}, &app.Error{Kind: app.ErrForbidden, Message: "Ask requires a signed-in user"}
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return domain.Answer{}, app.Validation("prompt is required")
	}
	allowed, err := s.retriever.Accessible(ctx, id.UserID, sessionIDs)
	if err != nil {
		return domain.Answer{}, app.GenerationFailed(err)
	}
	chunks, err := s.retriever.Search(ctx, prompt, allowed, topK)
	if err != nil {
		return domain.Answer{}, app.GenerationFailed(err)
	}
	util.LoggerFromContext(ctx).Debug("ask retrieval",
		"requested_sessions", len(sessionIDs),
		"accessible_sessions", len(allowed),
		"chunks", len(chunks))

	raw, err := s.generator.GenerateStructured(ctx, ai.StructuredRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt(prompt, BuildContext(chunks)),
		SchemaName:   answerSchemaName,
		Schema:       answerSchema,
		Temperature:  answerTemperature,
	})
	if err != nil {
		return domain.Answer{}, app.GenerationFailed(err)
	}
	ans, err := ParseAnswer(raw)
	if err != nil {
		return domain.Answer{}, app.GenerationFailed(err)
	}
	return ans, nil
}

func userPrompt(question, excerpts string) string {
	return fmt.Sprintf("Question:\n%s\n\nTranscript excerpts:\n%s", question, excerpts)
}

type rawAnswer struct {
	Answer     *string           `json:"answer"`
	Confidence *float64          `json:"confidence"`
	Citations  []domain.Citation `json:"citations"`
}

// ParseAnswer decodes model output into an Answer. Confidence is clamped to
// [0,1] and missing citations become an empty list.
func ParseAnswer(raw string) (domain.Answer, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var out rawAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return domain.Answer{}, fmt.Errorf("decode model output: %w", err)
	}
	if out.Answer == nil {
		return domain.Answer{}, errors.New("model output missing answer")
	}
	ans := domain.Answer{Answer: strings.TrimSpace(*out.Answer), Citations: []domain.Citation{}}
	if out.Confidence != nil {
		ans.Confidence = min(max(*out.Confidence, 0), 1)
	}
	for _, c := range out.Citations {
		c.Source = strings.TrimSpace(c.Source)
		if c.Source == "" {
			continue
		}
		c.Snippet = strings.TrimSpace(c.Snippet)
		ans.Citations = append(ans.Citations, c)
	}
	return ans, nil
}
