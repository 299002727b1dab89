package app

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"voxa/pkg/domain"
	"voxa/pkg/notify"
	"voxa/pkg/storage"
	"voxa/pkg/store"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
	listErr error
	getErr  error
	signed  []string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memObjects) PresignPut(_ context.Context, key, contentType string, expiry time.Duration) (storage.SignedUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signed = append(m.signed, key+"|"+contentType)
	return storage.SignedUpload{URL: "https://blob.test/" + key + "?sig=1", ExpiresAt: time.Now().Add(expiry)}, nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []storage.ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *memObjects) put(key, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = []byte(body)
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memObjects) contentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[key]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixedKeys struct{}

func (fixedKeys) NewKey() (string, string, string, error) {
	return "dk_plaintext-key-1234", "hash-1234", "1234", nil
}

type failingKeys struct{}

func (failingKeys) NewKey() (string, string, string, error) {
	return "", "", "", errors.New("entropy exhausted")
}

type fixture struct {
	app       *App
	store     *store.MemoryStore
	objects   *memObjects
	publisher *recordingPublisher
	now       time.Time
}

var (
	userA   = domain.Identity{Mode: domain.ModeUser, UserID: "user-a", OrganizationID: "org-a"}
	userB   = domain.Identity{Mode: domain.ModeUser, UserID: "user-b", OrganizationID: "org-b"}
	deviceA = domain.Identity{Mode: domain.ModeDevice, UserID: "user-a", OrganizationID: "org-a", CredentialID: "cred-a"}
	deviceB = domain.Identity{Mode: domain.ModeDevice, UserID: "user-b", OrganizationID: "org-b", CredentialID: "cred-b"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.AddMembership(domain.Membership{UserID: "user-a", OrganizationID: "org-a"})
	st.AddMembership(domain.Membership{UserID: "user-b", OrganizationID: "org-b"})
	f := &fixture{
		store:     st,
		objects:   newMemObjects(),
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	a, err := New(Config{
		Store:     st,
		Objects:   f.objects,
		Publisher: f.publisher,
		Keys:      fixedKeys{},
		Now:       func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = a
	return f
}

func (f *fixture) createSession(t *testing.T, id domain.Identity) domain.Session {
	t.Helper()
	sess, err := f.app.CreateSession(context.Background(), id, SessionInput{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (f *fixture) session(t *testing.T, id string) domain.Session {
	t.Helper()
	sess, ok, err := f.store.GetSession(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get session %s: ok=%v err=%v", id, ok, err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptr[T any](v T) *T { return &v }
