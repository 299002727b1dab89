package domain

import "time"

type SessionStatus string

const (
	StatusTranscribing SessionStatus = "transcribing"
	StatusUploaded     SessionStatus = "uploaded"
)

// rank orders statuses; a session never moves to a lower rank.
func (s SessionStatus) rank() int {
	switch s {
	case StatusTranscribing:
		return 0
	case StatusUploaded:
		return 1
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool { return s.rank() >= 0 }

// Advance returns the later of s and next.
func (s SessionStatus) Advance(next SessionStatus) SessionStatus {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type AuthMode string

const (
	ModeUser   AuthMode = "user"
	ModeDevice AuthMode = "device"
)

// Identity is the resolved caller of a request. Device identities always
// carry an organization; user identities carry their primary one when known.
type Identity struct {
	Mode           AuthMode `json:"mode"`
	UserID         string   `json:"userId,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	CredentialID   string   `json:"credentialId,omitempty"`
}

// Actor returns the id recorded as creator of new rows.
func (i Identity) Actor() string {
	if i.Mode == ModeDevice && i.UserID == "" {
		return "device:" + i.CredentialID
	}
	return i.UserID
}

type Session struct {
	ID              string        `json:"id"`
	OrganizationID  string        `json:"organization_id"`
	CreatedBy       string        `json:"created_by"`
	Status          SessionStatus `json:"status"`
	StartedAt       *time.Time    `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at"`
	DurationSeconds *int64        `json:"duration_seconds"`
	Title           string        `json:"title,omitempty"`
	SummaryPrompt   string        `json:"summary_prompt,omitempty"`
	CalendarEventID *string       `json:"calendar_event_id"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Stop stamps ended_at and the floored duration and advances the status.
// Calling it again overwrites both with the later timestamp.
func (s *Session) Stop(now time.Time) {
	ended := now.UTC()
	s.EndedAt = &ended
	s.DurationSeconds = nil
	if s.StartedAt != nil {
		d := int64(ended.Sub(*s.StartedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		s.DurationSeconds = &d
	}
	s.Status = s.Status.Advance(StatusUploaded)
}

type Membership struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
}

type DeviceCredential struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	UserID         string     `json:"user_id"`
	Label          string     `json:"label"`
	KeyHash        string     `json:"-"`
	KeyLast4       string     `json:"-"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at"`
}

type CalendarEvent struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ExternalRef    string         `json:"external_ref"`
	Title          string         `json:"title"`
	StartsAt       *time.Time     `json:"starts_at"`
	EndsAt         *time.Time     `json:"ends_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SessionChunk is a transcript fragment written by the transcription worker.
type SessionChunk struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Content      string         `json:"content"`
	StartSeconds *float64       `json:"start_seconds"`
	EndSeconds   *float64       `json:"end_seconds"`
	Speaker      string         `json:"speaker,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type ScoredChunk struct {
	SessionChunk
	Similarity float64 `json:"similarity"`
}

type Answer struct {
	Answer     string     `json:"answer"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations"`
}

type Citation struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet,omitempty"`
}
