package store

import (
	"context"
	"errors"
	"time"

	"voxa/pkg/domain"
)

// ErrSessionNotFound is returned by session mutations on an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// SessionOverrides are optional field replacements applied on finalize.
type SessionOverrides struct {
	Title         *string
	SummaryPrompt *string
}

// ChunkQuery scopes a similarity search.
type ChunkQuery struct {
	SessionIDs    []string
	Embedding     []float32
	MinSimilarity float64
	Limit         int
}

// Store defines persistence for sessions, memberships, device credentials,
// calendar events and transcript chunks.
//
// Session status only moves forward: no method writes "transcribing" to an
// existing row.
type Store interface {
	// sessions
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, bool, error)
	ListSessionsByOrg(ctx context.Context, orgID string, limit int) ([]domain.Session, error)
	ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]domain.Session, error)
	MarkStopped(ctx context.Context, id string, endedAt time.Time, duration *int64) error
	MarkUploaded(ctx context.Context, id string, o SessionOverrides, endedAt time.Time, duration *int64) error
	SetCalendarEvent(ctx context.Context, id string, eventID *string) error
	AccessibleSessionIDs(ctx context.Context, userID string, ids []string) ([]string, error)

	// memberships
	PrimaryOrganization(ctx context.Context, userID string) (string, bool, error)
	IsMember(ctx context.Context, userID, orgID string) (bool, error)

	// device credentials
	CreateDeviceCredential(ctx context.Context, c domain.DeviceCredential) error
	FindActiveDeviceCredential(ctx context.Context, keyHash string) (domain.DeviceCredential, bool, error)
	ListDeviceCredentials(ctx context.Context, orgID, userID string) ([]domain.DeviceCredential, error)
	DeactivateDeviceCredential(ctx context.Context, id, orgID, userID string) (bool, error)
	TouchDeviceCredential(ctx context.Context, id string, at time.Time) error

	// calendar events
	FindCalendarEvent(ctx context.Context, orgID, eventID, externalRef string) (domain.CalendarEvent, bool, error)

	// chunks
	SearchSessionChunks(ctx context.Context, q ChunkQuery) ([]domain.ScoredChunk, error)
}
