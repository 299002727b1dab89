package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"voxa/pkg/audiopath"
	"voxa/pkg/domain"
	"voxa/pkg/store"
)

const (
	maxTitleRunes         = 200
	maxSummaryPromptRunes = 2000
	defaultListLimit      = 50
	maxListLimit          = 200
)

// SessionInput carries the optional user-supplied session fields.
type SessionInput struct {
	Title         *string
	SummaryPrompt *string
}

func (in SessionInput) validate() error {
	if in.Title != nil && utf8.RuneCountInString(strings.TrimSpace(*in.Title)) > maxTitleRunes {
		return Validation("title must be at most 200 characters")
	}
	if in.SummaryPrompt != nil && utf8.RuneCountInString(strings.TrimSpace(*in.SummaryPrompt)) > maxSummaryPromptRunes {
		return Validation("summary_prompt must be at most 2000 characters")
	}
	return nil
}

func (in SessionInput) overrides() store.SessionOverrides {
	var o store.SessionOverrides
	if in.Title != nil {
		t := strings.TrimSpace(*in.Title)
		o.Title = &t
	}
	if in.SummaryPrompt != nil {
		p := strings.TrimSpace(*in.SummaryPrompt)
		o.SummaryPrompt = &p
	}
	return o
}

// CreateSession starts a new recording in the caller's organization.
func (a *App) CreateSession(ctx context.Context, id domain.Identity, in SessionInput) (domain.Session, error) {
	if err := in.validate(); err != nil {
		return domain.Session{}, err
	}
	orgID := strings.TrimSpace(id.OrganizationID)
	if orgID == "" {
		return domain.Session{}, Validation("no organization")
	}
	now := a.now().UTC()
	o := in.overrides()
	sess := domain.Session{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		CreatedBy:      id.Actor(),
		Status:         domain.StatusTranscribing,
		StartedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.Title != nil {
		sess.Title = *o.Title
	}
	if o.SummaryPrompt != nil {
		sess.SummaryPrompt = *o.SummaryPrompt
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, Upstream("Failed to create session", err)
	}
	a.background(ctx, "session_marker", func(ctx context.Context) error {
		return a.objects.Put(ctx, audiopath.Marker(orgID, sess.ID), strings.NewReader(""), 0, "application/octet-stream")
	})
	return sess, nil
}

// ListSessions returns the caller's organization sessions, newest first.
func (a *App) ListSessions(ctx context.Context, id domain.Identity, limit int) ([]domain.Session, error) {
	if id.OrganizationID == "" {
		return []domain.Session{}, nil
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	items, err := a.store.ListSessionsByOrg(ctx, id.OrganizationID, limit)
	if err != nil {
		return nil, Upstream("Failed to list sessions", err)
	}
	return items, nil
}

// ListSessionsByStatus serves the transcription worker's poll.
func (a *App) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]domain.Session, error) {
	if !status.Valid() {
		return nil, Validation("unknown status")
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	items, err := a.store.ListSessionsByStatus(ctx, status, limit)
	if err != nil {
		return nil, Upstream("Failed to list sessions", err)
	}
	return items, nil
}

// StopSession stamps ended_at and the duration and marks the session
// uploaded. Repeated calls overwrite both.
func (a *App) StopSession(ctx context.Context, sessionID string, id domain.Identity) (domain.Session, error) {
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Stop(a.now())
	if err := a.store.MarkStopped(ctx, sess.ID, *sess.EndedAt, sess.DurationSeconds); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return domain.Session{}, notFound("Session not found")
		}
		return domain.Session{}, Upstream("Failed to stop session", err)
	}
	return sess, nil
}

// LinkCalendarEvent attaches a calendar event of the session's organization,
// looked up by id or by the integration's external reference.
func (a *App) LinkCalendarEvent(ctx context.Context, sessionID string, id domain.Identity, eventID, externalRef string) (domain.CalendarEvent, error) {
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return domain.CalendarEvent{}, err
	}
	eventID = strings.TrimSpace(eventID)
	externalRef = strings.TrimSpace(externalRef)
	if eventID == "" && externalRef == "" {
		return domain.CalendarEvent{}, Validation("event_id or external_ref required")
	}
	ev, ok, err := a.store.FindCalendarEvent(ctx, sess.OrganizationID, eventID, externalRef)
	if err != nil {
		return domain.CalendarEvent{}, Upstream("Failed to load calendar event", err)
	}
	if !ok {
		return domain.CalendarEvent{}, Validation("calendar event not found in this organization")
	}
	if err := a.store.SetCalendarEvent(ctx, sess.ID, &ev.ID); err != nil {
		return domain.CalendarEvent{}, Upstream("Failed to link calendar event", err)
	}
	return ev, nil
}

// UnlinkCalendarEvent clears the session's calendar reference.
func (a *App) UnlinkCalendarEvent(ctx context.Context, sessionID string, id domain.Identity) error {
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return err
	}
	if err := a.store.SetCalendarEvent(ctx, sess.ID, nil); err != nil {
		return Upstream("Failed to unlink calendar event", err)
	}
	return nil
}
