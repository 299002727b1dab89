package app

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"voxa/pkg/audiopath"
	"voxa/pkg/domain"
)

// SignedPart is a presigned direct upload for one audio part.
type SignedPart struct {
	Path        string
	Token       string
	ContentType string
	ExpiresAt   time.Time
}

// Inventory lists the audio stored for a session.
type Inventory struct {
	Parts    []string
	Combined []string
}

// Empty reports whether the session has neither parts nor a combined recording.
func (inv Inventory) Empty() bool { return len(inv.Parts) == 0 && len(inv.Combined) == 0 }

// SignUpload issues a presigned PUT for the next part of a session. The URL
// is bound to the part key and the declared mimeType, which the client must
// send unchanged on the PUT. An empty mimeType binds the extension's default
// type. When seq is nil the next sequence is the number of parts already stored.
func (a *App) SignUpload(ctx context.Context, sessionID string, id domain.Identity, mimeType string, seq *int) (SignedPart, error) {
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return SignedPart{}, err
	}
	if seq != nil && *seq < 0 {
		return SignedPart{}, Validation("seq must be >= 0")
	}
	next := 0
	if seq != nil {
		next = *seq
	} else {
		parts, err := a.listParts(ctx, sess.OrganizationID, sess.ID)
		if err != nil {
			return SignedPart{}, Upstream("Failed to list parts", err)
		}
		next = len(parts)
	}
	ext := audiopath.ExtForMIME(mimeType)
	key := audiopath.Part(sess.OrganizationID, sess.ID, next, ext)
	contentType := strings.TrimSpace(mimeType)
	if contentType == "" {
		contentType = audiopath.ContentType(ext)
	}
	signed, err := a.objects.PresignPut(ctx, key, contentType, a.signedURLTTL)
	if err != nil {
		return SignedPart{}, Upstream("Failed to create signed upload", err)
	}
	return SignedPart{Path: key, Token: signed.URL, ContentType: contentType, ExpiresAt: signed.ExpiresAt}, nil
}

// DirectUpload stores a full recording at the session's combined-audio key,
// overwriting any previous one with the same extension.
func (a *App) DirectUpload(ctx context.Context, sessionID string, id domain.Identity, r io.Reader, size int64, mimeType string) (string, error) {
	sess, err := a.authorizeSession(ctx, sessionID, id)
	if err != nil {
		return "", err
	}
	if size > a.maxUploadBytes {
		return "", Validation("file too large")
	}
	ext := audiopath.ExtForMIME(mimeType)
	key := audiopath.Combined(sess.OrganizationID, sess.ID, ext)
	if err := a.objects.Put(ctx, key, r, size, audiopath.ContentType(ext)); err != nil {
		return "", Upstream("Failed to upload audio", err)
	}
	return key, nil
}

// Inventory returns the recognized parts and combined recordings of a session.
func (a *App) Inventory(ctx context.Context, orgID, sessionID string) (Inventory, error) {
	parts, err := a.listParts(ctx, orgID, sessionID)
	if err != nil {
		return Inventory{}, err
	}
	objs, err := a.objects.List(ctx, audiopath.CombinedPrefix(orgID, sessionID))
	if err != nil {
		return Inventory{}, err
	}
	inv := Inventory{Parts: parts}
	for _, obj := range objs {
		if audiopath.IsCombined(orgID, sessionID, obj.Key) {
			inv.Combined = append(inv.Combined, obj.Key)
		}
	}
	return inv, nil
}

// listParts returns sequenced part keys directly under the session folder,
// in sequence order.
func (a *App) listParts(ctx context.Context, orgID, sessionID string) ([]string, error) {
	prefix := audiopath.SessionPrefix(orgID, sessionID)
	objs, err := a.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	type part struct {
		key string
		seq int
	}
	found := make([]part, 0, len(objs))
	for _, obj := range objs {
		if strings.Contains(strings.TrimPrefix(obj.Key, prefix), "/") {
			continue
		}
		seq, ok := audiopath.PartSeq(obj.Key)
		if !ok {
			continue
		}
		found = append(found, part{key: obj.Key, seq: seq})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]string, len(found))
	for i, p := range found {
		out[i] = p.key
	}
	return out, nil
}
