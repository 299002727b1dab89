package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"voxa/pkg/domain"
)

func TestMemoryStorePrimaryOrganizationIsEarliest(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.AddMembership(domain.Membership{UserID: "u1", OrganizationID: "org-late", CreatedAt: now})
	s.AddMembership(domain.Membership{UserID: "u1", OrganizationID: "org-early", CreatedAt: now.Add(-time.Hour)})

	org, ok, err := s.PrimaryOrganization(context.Background(), "u1")
	if err != nil || !ok || org != "org-early" {
		t.Fatalf("primary org = %q ok=%v err=%v", org, ok, err)
	}
	if _, ok, _ := s.PrimaryOrganization(context.Background(), "nobody"); ok {
		t.Fatalf("user without memberships must have no org")
	}
}

func TestMemoryStoreMarkUploadedKeepsStopTimestamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	_ = s.CreateSession(ctx, domain.Session{ID: "s1", Status: domain.StatusTranscribing, StartedAt: &started})

	stopAt := started.Add(30 * time.Second)
	d := int64(30)
	if err := s.MarkStopped(ctx, "s1", stopAt, &d); err != nil {
		t.Fatalf("stop: %v", err)
	}
	title := "Weekly sync"
	later := int64(55)
	if err := s.MarkUploaded(ctx, "s1", SessionOverrides{Title: &title}, stopAt.Add(25*time.Second), &later); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, _, _ := s.GetSession(ctx, "s1")
	if *got.DurationSeconds != 30 || !got.EndedAt.Equal(stopAt.UTC()) {
		t.Fatalf("finalize must not overwrite stop timestamps: %+v", got)
	}
	if got.Title != title || got.Status != domain.StatusUploaded {
		t.Fatalf("unexpected session: %+v", got)
	}
	if err := s.MarkStopped(ctx, "missing", time.Now(), nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStoreSearchAppliesThresholdAndScope(t *testing.T) {
	s := NewMemoryStore()
	s.AddChunk(domain.SessionChunk{ID: "c1", SessionID: "s1", Content: "close"}, []float32{1, 0})
	s.AddChunk(domain.SessionChunk{ID: "c2", SessionID: "s1", Content: "closer"}, []float32{1, 0.1})
	s.AddChunk(domain.SessionChunk{ID: "c3", SessionID: "s1", Content: "orthogonal"}, []float32{0, 1})
	s.AddChunk(domain.SessionChunk{ID: "c4", SessionID: "s2", Content: "other session"}, []float32{1, 0})

	got, err := s.SearchSessionChunks(context.Background(), ChunkQuery{
		SessionIDs:    []string{"s1"},
		Embedding:     []float32{1, 0},
		MinSimilarity: 0.7,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected results: %+v", got)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Fatalf("results must be ordered by similarity")
	}
}

func TestMemoryStoreAccessibleSessionIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.AddMembership(domain.Membership{UserID: "u1", OrganizationID: "org-1"})
	_ = s.CreateSession(ctx, domain.Session{ID: "a", OrganizationID: "org-1"})
	_ = s.CreateSession(ctx, domain.Session{ID: "b", OrganizationID: "org-2"})

	ids, err := s.AccessibleSessionIDs(ctx, "u1", []string{"a", "b", "a", "missing"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestMemoryStoreDeactivateDeviceCredentialIsOwnerScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateDeviceCredential(ctx, domain.DeviceCredential{
		ID: "cred-1", OrganizationID: "org-1", UserID: "u1", KeyHash: "h1", Active: true,
	}); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	cases := []struct {
		name, org, user string
	}{
		{"other member", "org-1", "u2"},
		{"other organization", "org-2", "u1"},
	}
	for _, tc := range cases {
		ok, err := s.DeactivateDeviceCredential(ctx, "cred-1", tc.org, tc.user)
		if err != nil || ok {
			t.Fatalf("%s: deactivate = %v %v, want false", tc.name, ok, err)
		}
		if _, active, _ := s.FindActiveDeviceCredential(ctx, "h1"); !active {
			t.Fatalf("%s: credential was deactivated", tc.name)
		}
	}

	ok, err := s.DeactivateDeviceCredential(ctx, "cred-1", "org-1", "u1")
	if err != nil || !ok {
		t.Fatalf("owner deactivate = %v %v", ok, err)
	}
	if _, active, _ := s.FindActiveDeviceCredential(ctx, "h1"); active {
		t.Fatalf("credential still active")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("identical vectors = %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors = %f", got)
	}
	if got := CosineSimilarity([]float32{1}, []float32{1, 0}); got != 0 {
		t.Fatalf("mismatched dims = %f", got)
	}
}
