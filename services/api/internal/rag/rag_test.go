package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"voxa/pkg/ai"
	"voxa/pkg/domain"
	"voxa/pkg/store"
	"voxa/services/api/internal/app"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedText(_ context.Context, _, taskType string) ([]float32, error) {
	f.calls++
	if taskType != ai.TaskRetrievalQuery {
		return nil, errors.New("unexpected task type " + taskType)
	}
	return f.vec, f.err
}

type fakeGenerator struct {
	out  string
	err  error
	last ai.StructuredRequest
}

func (f *fakeGenerator) GenerateStructured(_ context.Context, req ai.StructuredRequest) (string, error) {
	f.last = req
	return f.out, f.err
}

type countingIndex struct {
	*store.MemoryStore
	searches int
}

func (c *countingIndex) SearchSessionChunks(ctx context.Context, q store.ChunkQuery) ([]domain.ScoredChunk, error) {
	c.searches++
	return c.MemoryStore.SearchSessionChunks(ctx, q)
}

var asker = domain.Identity{Mode: domain.ModeUser, UserID: "user-a", OrganizationID: "org-a"}

func seedIndex(t *testing.T) *countingIndex {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.AddMembership(domain.Membership{UserID: "user-a", OrganizationID: "org-a"})
	for _, s := range []domain.Session{
		{ID: "s-a", OrganizationID: "org-a", Status: domain.StatusUploaded},
		{ID: "s-b", OrganizationID: "org-b", Status: domain.StatusUploaded},
	} {
		if err := st.CreateSession(ctx, s); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}
	start := 12.5
	st.AddChunk(domain.SessionChunk{ID: "c-1", SessionID: "s-a", Content: "We ship on Friday.", Speaker: "Alice", StartSeconds: &start}, []float32{1, 0, 0})
	st.AddChunk(domain.SessionChunk{ID: "c-2", SessionID: "s-a", Content: "Lunch was good."}, []float32{0, 1, 0})
	st.AddChunk(domain.SessionChunk{ID: "c-3", SessionID: "s-b", Content: "Secret roadmap."}, []float32{1, 0, 0})
	return &countingIndex{MemoryStore: st}
}

func newService(t *testing.T, idx Index, emb *fakeEmbedder, gen *fakeGenerator) *Service {
	t.Helper()
	r, err := NewRetriever(idx, emb, 3, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	svc, err := NewService(r, gen)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAnswerUsesOnlyAccessibleChunks(t *testing.T) {
	idx := seedIndex(t)
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	gen := &fakeGenerator{out: `{"answer":"Friday.","confidence":0.9,"citations":[{"source":"[1]","snippet":"We ship on Friday."}]}`}
	svc := newService(t, idx, emb, gen)

	ans, err := svc.Answer(context.Background(), asker, "When do we ship?", []string{"s-a", "s-b"}, 0)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if ans.Answer != "Friday." || ans.Confidence != 0.9 || len(ans.Citations) != 1 {
		t.Fatalf("unexpected answer: %+v", ans)
	}
	if !strings.Contains(gen.last.UserPrompt, "[1] (speaker Alice, t=12.5s) We ship on Friday.") {
		t.Fatalf("context line missing from prompt:\n%s", gen.last.UserPrompt)
	}
	if strings.Contains(gen.last.UserPrompt, "Secret roadmap") {
		t.Fatalf("chunk of an inaccessible session leaked into the prompt")
	}
	if strings.Contains(gen.last.UserPrompt, "Lunch") {
		t.Fatalf("chunk below the similarity threshold leaked into the prompt")
	}
	if gen.last.Temperature != answerTemperature || gen.last.SchemaName != answerSchemaName {
		t.Fatalf("unexpected request: %+v", gen.last)
	}
}

func TestAnswerWithoutAccessibleSessionsSkipsRetrieval(t *testing.T) {
	cases := []struct {
		name string
		ids  []string
	}{
		{"empty", nil},
		{"foreign only", []string{"s-b"}},
		{"unknown", []string{"nope", " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx := seedIndex(t)
			emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
			gen := &fakeGenerator{out: `{"answer":"I don't know.","confidence":0.1,"citations":[]}`}
			svc := newService(t, idx, emb, gen)

			if _, err := svc.Answer(context.Background(), asker, "Anything?", tc.ids, 5); err != nil {
				t.Fatalf("answer: %v", err)
			}
			if emb.calls != 0 || idx.searches != 0 {
				t.Fatalf("expected no embedding or search, got %d embeds %d searches", emb.calls, idx.searches)
			}
			if !strings.HasSuffix(gen.last.UserPrompt, "Transcript excerpts:\nNone") {
				t.Fatalf("expected None context, got:\n%s", gen.last.UserPrompt)
			}
		})
	}
}

func TestAnswerFailuresAreGenerationFailed(t *testing.T) {
	cases := []struct {
		name string
		emb  *fakeEmbedder
		gen  *fakeGenerator
		want string
	}{
		{"embed error", &fakeEmbedder{err: errors.New("quota exceeded")}, &fakeGenerator{}, "quota exceeded"},
		{"wrong dims", &fakeEmbedder{vec: []float32{1, 0}}, &fakeGenerator{}, "dimensions"},
		{"empty embedding", &fakeEmbedder{vec: []float32{}}, &fakeGenerator{}, "empty embedding"},
		{"generator error", &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeGenerator{err: errors.New("model overloaded")}, "model overloaded"},
		{"bad json", &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeGenerator{out: "not json"}, "decode model output"},
		{"missing answer", &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeGenerator{out: `{"confidence":1}`}, "missing answer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newService(t, seedIndex(t), tc.emb, tc.gen)
			_, err := svc.Answer(context.Background(), asker, "When?", []string{"s-a"}, 3)
			if !errors.Is(err, app.ErrGenerationFailed) {
				t.Fatalf("expected ErrGenerationFailed, got %v", err)
			}
			var appErr *app.Error
			if !errors.As(err, &appErr) || !strings.Contains(appErr.Details, tc.want) {
				t.Fatalf("error %v should carry details mentioning %q", err, tc.want)
			}
		})
	}
}

func TestAnswerRequiresUser(t *testing.T) {
	svc := newService(t, seedIndex(t), &fakeEmbedder{}, &fakeGenerator{})
	device := domain.Identity{Mode: domain.ModeDevice, OrganizationID: "org-a", CredentialID: "c"}
	if _, err := svc.Answer(context.Background(), device, "q", nil, 0); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Answer(context.Background(), asker, "  ", nil, 0); !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestParseAnswer(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		confidence float64
		citations  int
	}{
		{"clamp high", `{"answer":"a","confidence":3,"citations":[]}`, 1, 0},
		{"clamp low", `{"answer":"a","confidence":-0.5}`, 0, 0},
		{"fenced", "```json\n{\"answer\":\"a\",\"confidence\":0.4,\"citations\":[{\"source\":\"[2]\"},{\"source\":\" \"}]}\n```", 0.4, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ans, err := ParseAnswer(tc.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ans.Confidence != tc.confidence {
				t.Fatalf("confidence = %v, want %v", ans.Confidence, tc.confidence)
			}
			if ans.Citations == nil || len(ans.Citations) != tc.citations {
				t.Fatalf("citations = %#v, want %d", ans.Citations, tc.citations)
			}
		})
	}
}

func TestBuildContextFallbacks(t *testing.T) {
	got := BuildContext([]domain.ScoredChunk{{SessionChunk: domain.SessionChunk{Content: " hello "}}})
	if got != "[1] (speaker -, t=-) hello" {
		t.Fatalf("context = %q", got)
	}
	if BuildContext(nil) != "None" {
		t.Fatalf("empty context should be None")
	}
}

func TestClampTopK(t *testing.T) {
	cases := map[int]int{0: 12, -3: 12, 5: 5, 50: 50, 500: 50}
	for in, want := range cases {
		if got := clampTopK(in); got != want {
			t.Fatalf("clampTopK(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRetrieverDefaultTopK(t *testing.T) {
	r, err := NewRetriever(seedIndex(t), &fakeEmbedder{vec: []float32{1, 0, 0}}, 3, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	if got := r.limit(0); got != DefaultTopK {
		t.Fatalf("limit without default = %d", got)
	}
	r.WithDefaultTopK(4)
	if got := r.limit(0); got != 4 {
		t.Fatalf("limit with default = %d, want 4", got)
	}
	if got := r.limit(7); got != 7 {
		t.Fatalf("explicit topK should win, got %d", got)
	}
}
