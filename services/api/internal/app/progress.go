package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"voxa/internal/util"
	"voxa/pkg/audiopath"
	"voxa/pkg/domain"
	"voxa/pkg/progress"
	"voxa/pkg/storage"
)

// Progress is the worker's reported position over a session's parts.
// Combined is set when a full recording was uploaded directly; such a
// session can finalize with Parts at zero.
type Progress struct {
	Parts     int
	Combined  bool
	Processed int
	LastSeq   int
}

// SessionStatus is the status view returned to clients.
type SessionStatus struct {
	Session        domain.Session
	Progress       Progress
	TranscriptPath string
}

// Status authorizes the caller and reports the session with worker progress.
func (a *App) Status(ctx context.Context, sessionID string, id domain.Identity) (SessionStatus, error) {
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{
		Session:        sess,
		Progress:       a.ReadProgress(ctx, sess.OrganizationID, sess.ID),
		TranscriptPath: audiopath.Transcript(sess.OrganizationID, sess.ID),
	}, nil
}

// ReadProgress lists the stored audio and reads the progress documents concurrently.
// It never fails: listing or document errors fall back to zero values.
func (a *App) ReadProgress(ctx context.Context, orgID, sessionID string) Progress {
	logger := util.LoggerFromContext(ctx)
	var (
		inv                Inventory
		current, legacy    []byte
		currentErr, legErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		inv, err = a.Inventory(ctx, orgID, sessionID)
		if err != nil {
			logger.Warn("soft failure", "op", "list_parts", "session_id", sessionID, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		current, currentErr = a.objects.Get(ctx, audiopath.Progress(orgID, sessionID))
		return nil
	})
	g.Go(func() error {
		legacy, legErr = a.objects.Get(ctx, audiopath.LegacyProgress(orgID, sessionID))
		return nil
	})
	_ = g.Wait()

	out := Progress{Parts: len(inv.Parts), Combined: len(inv.Combined) > 0}
	rec := progress.Zero()
	switch {
	case currentErr == nil:
		rec = decodeProgress(ctx, current)
	case errors.Is(currentErr, storage.ErrObjectNotFound) && legErr == nil:
		rec = decodeProgress(ctx, legacy)
	default:
		if !errors.Is(currentErr, storage.ErrObjectNotFound) {
			logger.Warn("soft failure", "op", "read_progress", "session_id", sessionID, "err", currentErr)
		}
	}
	out.Processed = rec.Processed
	out.LastSeq = rec.LastSeq
	return out
}

func decodeProgress(ctx context.Context, data []byte) progress.Record {
	rec, err := progress.Decode(data)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("soft failure", "op", "decode_progress", "err", err)
		return progress.Zero()
	}
	return rec
}
