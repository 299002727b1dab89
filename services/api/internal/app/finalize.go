package app

import (
	"context"
	"errors"

	"voxa/pkg/domain"
	"voxa/pkg/notify"
	"voxa/pkg/store"
)

// Finalize hands a session to the transcription worker by flipping its status
// to uploaded. A session with no stored audio is rejected and left unchanged.
// The worker is never invoked directly; the stream signal is only a hint.
func (a *App) Finalize(ctx context.Context, sessionID string, id domain.Identity, in SessionInput) (domain.Session, error) {
	if err := in.validate(); err != nil {
		return domain.Session{}, err
	}
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return domain.Session{}, err
	}
	inv, err := a.Inventory(ctx, sess.OrganizationID, sess.ID)
	if err != nil {
		return domain.Session{}, Upstream("Failed to list parts", err)
	}
	if inv.Empty() {
		return domain.Session{}, Validation("No audio parts to process")
	}

	o := in.overrides()
	stopped := sess
	stopped.Stop(a.now())
	if err := a.store.MarkUploaded(ctx, sess.ID, o, *stopped.EndedAt, stopped.DurationSeconds); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return domain.Session{}, notFound("Session not found")
		}
		return domain.Session{}, Upstream("Failed to finalize session", err)
	}
	if sess.EndedAt == nil {
		sess.EndedAt = stopped.EndedAt
		sess.DurationSeconds = stopped.DurationSeconds
	}
	if o.Title != nil {
		sess.Title = *o.Title
	}
	if o.SummaryPrompt != nil {
		sess.SummaryPrompt = *o.SummaryPrompt
	}
	sess.Status = sess.Status.Advance(domain.StatusUploaded)

	ev := notify.Event{
		Type:           notify.EventSessionUploaded,
		SessionID:      sess.ID,
		OrganizationID: sess.OrganizationID,
		Parts:          len(inv.Parts),
		Combined:       len(inv.Combined) > 0,
		At:             a.now().UTC(),
	}
	a.background(ctx, "session_uploaded_signal", func(ctx context.Context) error {
		return a.publisher.Publish(ctx, ev)
	})
	return sess, nil
}
