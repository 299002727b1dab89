package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names are shared with the
// transcription worker and the dashboard, so they are pinned explicitly.
type SessionModel struct {
	ID              string     `gorm:"primaryKey;type:uuid"`
	OrganizationID  string     `gorm:"not null;index:idx_sessions_org_created,priority:1"`
	CreatedBy       string     `gorm:"not null"`
	Status          string     `gorm:"not null;index"`
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	Title           string `gorm:"size:200"`
	SummaryPrompt   string `gorm:"size:2000"`
	CalendarEventID *string   `gorm:"index"`
	CreatedAt       time.Time `gorm:"not null;index:idx_sessions_org_created,priority:2"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (SessionModel) TableName() string { return "sessions" }

type MembershipModel struct {
	UserID         string    `gorm:"primaryKey"`
	OrganizationID string    `gorm:"primaryKey;index"`
	Role           string    `gorm:"not null;default:member"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (MembershipModel) TableName() string { return "organization_members" }

type DeviceCredentialModel struct {
	ID             string `gorm:"primaryKey;type:uuid"`
	OrganizationID string `gorm:"not null;index"`
	UserID         string `gorm:"not null;index"`
	Label          string
	KeyHash        string    `gorm:"uniqueIndex;not null"`
	KeyLast4       string    `gorm:"size:4"`
	Active         bool      `gorm:"not null;default:true"`
	CreatedAt      time.Time `gorm:"not null"`
	LastUsedAt     *time.Time
}

func (DeviceCredentialModel) TableName() string { return "device_credentials" }

type CalendarEventModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"not null;index;uniqueIndex:idx_calendar_events_org_ref,priority:1"`
	ExternalRef    string `gorm:"not null;uniqueIndex:idx_calendar_events_org_ref,priority:2"`
	Title          string
	StartsAt       *time.Time
	EndsAt         *time.Time
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (CalendarEventModel) TableName() string { return "calendar_events" }

type SessionChunkModel struct {
	ID           string `gorm:"primaryKey"`
	SessionID    string `gorm:"not null;index"`
	Content      string `gorm:"type:text;not null"`
	StartSeconds *float64
	EndSeconds   *float64
	Speaker      string
	Metadata     datatypes.JSON   `gorm:"type:jsonb"`
	Embedding    *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt    time.Time        `gorm:"not null"`
}

func (SessionChunkModel) TableName() string { return "session_chunks" }

// scoredChunkRow is the projection returned by similarity search.
type scoredChunkRow struct {
	ID           string
	SessionID    string
	Content      string
	StartSeconds *float64
	EndSeconds   *float64
	Speaker      string
	Metadata     datatypes.JSON
	CreatedAt    time.Time
	Similarity   float64
}
