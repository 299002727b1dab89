package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voxa/internal/servicetoken"
	"voxa/internal/util"
	"voxa/pkg/domain"
	"voxa/services/api/internal/app"
	"voxa/services/api/internal/identity"
)

type sessionRequest struct {
	Title         *string `json:"title"`
	SummaryPrompt *string `json:"summary_prompt"`
}

func (req sessionRequest) input() app.SessionInput {
	return app.SessionInput{Title: req.Title, SummaryPrompt: req.SummaryPrompt}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.app.CreateSession(r.Context(), id, req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "session": sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListSessions(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if _, err := s.app.StopSession(r.Context(), r.PathValue("id"), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type signRequest struct {
	MimeType string `json:"mimeType"`
	Seq      *int   `json:"seq"`
}

func (s *Server) handleSignChunk(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var req signRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	signed, err := s.app.SignUpload(r.Context(), r.PathValue("id"), id, req.MimeType, req.Seq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"path":        signed.Path,
		"token":       signed.Token,
		"contentType": signed.ContentType,
		"expiresAt":   signed.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	limit := s.app.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, app.Validation("file too large"))
			return
		}
		writeError(w, r, app.Validation("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, app.Validation("file is required"))
		return
	}
	defer file.Close()
	mimeType := strings.TrimSpace(r.FormValue("mimeType"))
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}
	path, err := s.app.DirectUpload(r.Context(), r.PathValue("id"), id, file, header.Size, mimeType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.app.Finalize(r.Context(), r.PathValue("id"), id, req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "queued": true, "status": sess.Status})
}

type statusResponse struct {
	ID              string               `json:"id"`
	Status          domain.SessionStatus `json:"status"`
	Parts           int                  `json:"parts"`
	Combined        bool                 `json:"combined"`
	Processed       int                  `json:"processed"`
	LastSeq         int                  `json:"lastSeq"`
	TranscriptPath  string               `json:"transcript_path"`
	StartedAt       *time.Time           `json:"started_at"`
	EndedAt         *time.Time           `json:"ended_at"`
	DurationSeconds *int64               `json:"duration_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	st, err := s.app.Status(r.Context(), r.PathValue("id"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:              st.Session.ID,
		Status:          st.Session.Status,
		Parts:           st.Progress.Parts,
		Combined:        st.Progress.Combined,
		Processed:       st.Progress.Processed,
		LastSeq:         st.Progress.LastSeq,
		TranscriptPath:  st.TranscriptPath,
		StartedAt:       st.Session.StartedAt,
		EndedAt:         st.Session.EndedAt,
		DurationSeconds: st.Session.DurationSeconds,
	})
}

type calendarRequest struct {
	EventID  string `json:"calendar_event_id"`
	EventRef string `json:"calendar_event_ref"`
}

// handleLinkCalendar links by id or external reference; a body naming
// neither clears the link.
func (s *Server) handleLinkCalendar(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var req calendarRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.EventID) == "" && strings.TrimSpace(req.EventRef) == "" {
		s.handleUnlinkCalendar(w, r, id)
		return
	}
	ev, err := s.app.LinkCalendarEvent(r.Context(), r.PathValue("id"), id, req.EventID, req.EventRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "calendar_event_id": ev.ID})
}

func (s *Server) handleUnlinkCalendar(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if err := s.app.UnlinkCalendarEvent(r.Context(), r.PathValue("id"), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type deviceView struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	KeyMasked  string     `json:"key_masked"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	issued, err := s.app.CreateDevice(r.Context(), id, req.Label)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("security_event",
		"event", "device_key_create",
		"outcome", "success",
		"user_id", id.UserID,
		"credential_id", issued.Credential.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         issued.Credential.ID,
		"key":        issued.Key,
		"label":      issued.Credential.Label,
		"created_at": issued.Credential.CreatedAt,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	creds, err := s.app.ListDevices(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	keys := make([]deviceView, 0, len(creds))
	for _, c := range creds {
		keys = append(keys, deviceView{
			ID:         c.ID,
			Label:      c.Label,
			Active:     c.Active,
			CreatedAt:  c.CreatedAt,
			LastUsedAt: c.LastUsedAt,
			KeyMasked:  identity.MaskDeviceKey(c.KeyLast4),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if err := s.app.RevokeDevice(r.Context(), id, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("security_event",
		"event", "device_key_revoke",
		"outcome", "success",
		"user_id", id.UserID,
		"credential_id", r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type askRequest struct {
	Prompt     string   `json:"prompt"`
	SessionIDs []string `json:"sessionIds"`
	TopK       int      `json:"topK"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if !s.allowRate(w, r, s.askLimiter, id.UserID) {
		return
	}
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.answers.Answer(r.Context(), id, req.Prompt, req.SessionIDs, req.TopK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// handleInternalSessions lets the transcription worker poll for work. It is
// guarded by a service token rather than user identity.
func (s *Server) handleInternalSessions(w http.ResponseWriter, r *http.Request) {
	if s.internalTokens == nil {
		writeProblem(w, r, http.StatusNotFound, "not_found", "Not Found", "")
		return
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		writeError(w, r, identity.ErrUnauthorized)
		return
	}
	claims, err := s.internalTokens.Verify(token)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("security_event",
			"event", "internal_token_verify",
			"outcome", "fail",
			"err", err)
		writeError(w, r, identity.ErrUnauthorized)
		return
	}
	status := domain.SessionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = domain.StatusUploaded
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListSessionsByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Debug("worker poll", "issuer", claims.Issuer, "status", status, "sessions", len(items))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}
