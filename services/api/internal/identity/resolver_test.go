package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxa/pkg/domain"
	"voxa/pkg/store"
)

type fakeVerifier struct {
	tokens map[string]string
}

func (f fakeVerifier) VerifySubject(_ context.Context, token string) (string, error) {
	if sub, ok := f.tokens[token]; ok {
		return sub, nil
	}
	return "", errors.New("bad token")
}

func seedStore(t *testing.T) (*store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	st.AddMembership(domain.Membership{UserID: "u-1", OrganizationID: "org-old", CreatedAt: now.Add(-48 * time.Hour)})
	st.AddMembership(domain.Membership{UserID: "u-1", OrganizationID: "org-new", CreatedAt: now})
	key, err := NewDeviceKey()
	if err != nil {
		t.Fatalf("new device key: %v", err)
	}
	if err := st.CreateDeviceCredential(context.Background(), domain.DeviceCredential{
		ID:             "cred-1",
		OrganizationID: "org-dev",
		UserID:         "u-2",
		Label:          "kitchen",
		KeyHash:        HashDeviceKey(key),
		KeyLast4:       LastFour(key),
		Active:         true,
		CreatedAt:      now,
	}); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return st, key
}

func newResolver(st *store.MemoryStore, provider ProfileProvider) *Resolver {
	return NewResolver(nil,
		&CookieStrategy{Cookie: "voxa_session", Provider: provider, Orgs: st},
		&BearerStrategy{Verifier: fakeVerifier{tokens: map[string]string{"jwt-ok": "u-1"}}, Orgs: st},
		&DeviceStrategy{Credentials: st},
	)
}

func TestResolveBearerUsesPrimaryOrganization(t *testing.T) {
	st, _ := seedStore(t)
	res := newResolver(st, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer jwt-ok")
	id, err := res.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Mode != domain.ModeUser || id.UserID != "u-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.OrganizationID != "org-old" {
		t.Fatalf("organization = %q, want earliest membership org-old", id.OrganizationID)
	}
}

func TestResolveDeviceKey(t *testing.T) {
	st, key := seedStore(t)
	res := newResolver(st, nil)

	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"header", func(r *http.Request) { r.Header.Set(DeviceKeyHeader, key) }},
		{"bearer fallback", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
			tc.setup(req)
			id, err := res.Resolve(req)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if id.Mode != domain.ModeDevice || id.OrganizationID != "org-dev" || id.CredentialID != "cred-1" || id.UserID != "u-2" {
				t.Fatalf("unexpected identity: %+v", id)
			}
		})
	}
}

func TestResolveDeviceStampsLastUsed(t *testing.T) {
	st, key := seedStore(t)
	res := newResolver(st, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set(DeviceKeyHeader, key)
	if _, err := res.Resolve(req); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		creds, err := st.ListDeviceCredentials(context.Background(), "org-dev", "u-2")
		if err != nil {
			t.Fatalf("list credentials: %v", err)
		}
		if len(creds) == 1 && creds[0].LastUsedAt != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("last_used_at was not stamped")
}

func TestResolveRejectsUnknownAndInactiveKeys(t *testing.T) {
	st, key := seedStore(t)
	res := newResolver(st, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(DeviceKeyHeader, "dk_unknown")
	if _, err := res.Resolve(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown key: expected ErrUnauthorized, got %v", err)
	}

	ok, err := st.DeactivateDeviceCredential(context.Background(), "cred-1", "org-dev", "u-2")
	if err != nil || !ok {
		t.Fatalf("deactivate: %v %v", ok, err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(DeviceKeyHeader, key)
	if _, err := res.Resolve(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inactive key: expected ErrUnauthorized, got %v", err)
	}
}

func TestResolveNoCredentials(t *testing.T) {
	st, _ := seedStore(t)
	res := newResolver(st, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	if _, err := res.Resolve(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResolveSessionCookie(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer cookie-ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Profile{ID: "u-1", Email: "u@example.com"})
	}))
	defer authSrv.Close()

	st, _ := seedStore(t)
	res := newResolver(st, NewClient(authSrv.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: "voxa_session", Value: "cookie-ok"})
	id, err := res.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != "u-1" || id.OrganizationID != "org-old" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: "voxa_session", Value: "cookie-bad"})
	if _, err := res.Resolve(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for rejected cookie, got %v", err)
	}
}

func TestDeviceKeyHelpers(t *testing.T) {
	key, err := NewDeviceKey()
	if err != nil {
		t.Fatalf("new device key: %v", err)
	}
	if !strings.HasPrefix(key, "dk_") || len(key) != 3+43 {
		t.Fatalf("unexpected key shape %q", key)
	}
	if HashDeviceKey(key) != HashDeviceKey(" "+key+" ") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if got := MaskDeviceKey(LastFour(key)); !strings.HasSuffix(got, key[len(key)-4:]) {
		t.Fatalf("mask = %q", got)
	}
}

func TestResolveUserSkipsDeviceKeys(t *testing.T) {
	st, key := seedStore(t)
	res := newResolver(st, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
	req.Header.Set(DeviceKeyHeader, key)
	if _, err := res.ResolveUser(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for device key on user-only route, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/ask", nil)
	req.Header.Set("Authorization", "Bearer jwt-ok")
	if id, err := res.ResolveUser(req); err != nil || id.UserID != "u-1" {
		t.Fatalf("resolve user: %+v %v", id, err)
	}
}
