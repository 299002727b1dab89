package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"voxa/pkg/domain"
)

const migrateLockID int64 = 58114702

const (
	defaultEmbeddingDim      = 1536
	canonicalEmbeddingDimEnv = "VOXA_EMBEDDING_DIM"
)

type GormStoreOptions struct {
	EmbeddingDim int
	// SkipMigrate opens the connection without running migrations.
	SkipMigrate bool
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// WithoutMigrate skips schema migration on open.
func WithoutMigrate() GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SkipMigrate = true
	}
}

// GormStore implements Store using GORM + Postgres + pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, embeddingDim: embeddingDim}
	if !opts.SkipMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates the schema under a Postgres advisory lock.
func (s *GormStore) Migrate() error {
	return withMigrationLock(s.db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&SessionModel{}, &MembershipModel{}, &DeviceCredentialModel{}, &CalendarEventModel{}, &SessionChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE session_chunks ALTER COLUMN embedding TYPE vector(%d)", s.embeddingDim,
		)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(
			"CREATE INDEX IF NOT EXISTS idx_session_chunks_embedding ON session_chunks USING hnsw (embedding vector_cosine_ops)",
		).Error; err != nil {
			return fmt.Errorf("create chunk embedding index: %w", err)
		}
		return nil
	})
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateSession inserts a new session row.
func (s *GormStore) CreateSession(ctx context.Context, sess domain.Session) error {
	model := sessionToModel(sess)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetSession returns a session by id.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.Session, bool, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessionsByOrg returns the newest sessions of an organization.
func (s *GormStore) ListSessionsByOrg(ctx context.Context, orgID string, limit int) ([]domain.Session, error) {
	return s.listSessions(ctx, limit, "created_at DESC", "organization_id = ?", orgID)
}

// ListSessionsByStatus returns the oldest sessions in a status.
func (s *GormStore) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]domain.Session, error) {
	return s.listSessions(ctx, limit, "updated_at ASC", "status = ?", string(status))
}

func (s *GormStore) listSessions(ctx context.Context, limit int, order string, conds ...any) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []SessionModel
	if err := s.db.WithContext(ctx).Where(conds[0], conds[1:]...).Order(order).Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(models))
	for _, m := range models {
		out = append(out, sessionFromModel(m))
	}
	return out, nil
}

// MarkStopped overwrites ended_at and duration and sets status uploaded.
func (s *GormStore) MarkStopped(ctx context.Context, id string, endedAt time.Time, duration *int64) error {
	return s.updateSession(ctx, id, map[string]any{
		"status":           advanceToUploaded(),
		"ended_at":         endedAt.UTC(),
		"duration_seconds": duration,
		"updated_at":       time.Now().UTC(),
	})
}

// advanceToUploaded never rewrites a status the worker has moved past uploaded.
func advanceToUploaded() clause.Expr {
	return gorm.Expr("CASE WHEN status IN ('', ?) THEN ? ELSE status END", string(domain.StatusTranscribing), string(domain.StatusUploaded))
}

// MarkUploaded applies overrides and sets status uploaded. ended_at and
// duration are only filled when the session was never stopped.
func (s *GormStore) MarkUploaded(ctx context.Context, id string, o SessionOverrides, endedAt time.Time, duration *int64) error {
	updates := map[string]any{
		"status":           advanceToUploaded(),
		"ended_at":         gorm.Expr("COALESCE(ended_at, ?)", endedAt.UTC()),
		"duration_seconds": gorm.Expr("CASE WHEN ended_at IS NULL THEN ? ELSE duration_seconds END", duration),
		"updated_at":       time.Now().UTC(),
	}
	if o.Title != nil {
		updates["title"] = *o.Title
	}
	if o.SummaryPrompt != nil {
		updates["summary_prompt"] = *o.SummaryPrompt
	}
	return s.updateSession(ctx, id, updates)
}

// SetCalendarEvent links (or with nil, unlinks) a calendar event.
func (s *GormStore) SetCalendarEvent(ctx context.Context, id string, eventID *string) error {
	return s.updateSession(ctx, id, map[string]any{
		"calendar_event_id": eventID,
		"updated_at":        time.Now().UTC(),
	})
}

func (s *GormStore) updateSession(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AccessibleSessionIDs keeps the ids of sessions in organizations userID
// belongs to.
func (s *GormStore) AccessibleSessionIDs(ctx context.Context, userID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	var out []string
	err := s.db.WithContext(ctx).
		Table("sessions").
		Joins("JOIN organization_members m ON m.organization_id = sessions.organization_id").
		Where("m.user_id = ? AND sessions.id IN ?", userID, ids).
		Distinct().
		Pluck("sessions.id", &out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PrimaryOrganization returns the user's earliest membership.
func (s *GormStore) PrimaryOrganization(ctx context.Context, userID string) (string, bool, error) {
	var model MembershipModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return model.OrganizationID, true, nil
}

// IsMember reports whether userID belongs to orgID.
func (s *GormStore) IsMember(ctx context.Context, userID, orgID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("user_id = ? AND organization_id = ?", userID, orgID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateDeviceCredential stores a new credential.
func (s *GormStore) CreateDeviceCredential(ctx context.Context, c domain.DeviceCredential) error {
	model := deviceToModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

// FindActiveDeviceCredential looks up an active credential by key hash.
func (s *GormStore) FindActiveDeviceCredential(ctx context.Context, keyHash string) (domain.DeviceCredential, bool, error) {
	var model DeviceCredentialModel
	if err := s.db.WithContext(ctx).First(&model, "key_hash = ? AND active = ?", keyHash, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DeviceCredential{}, false, nil
		}
		return domain.DeviceCredential{}, false, err
	}
	return deviceFromModel(model), true, nil
}

// ListDeviceCredentials returns a user's credentials in an organization.
func (s *GormStore) ListDeviceCredentials(ctx context.Context, orgID, userID string) ([]domain.DeviceCredential, error) {
	var models []DeviceCredentialModel
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND user_id = ?", orgID, userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DeviceCredential, 0, len(models))
	for _, m := range models {
		out = append(out, deviceFromModel(m))
	}
	return out, nil
}

// DeactivateDeviceCredential disables a credential owned by userID in orgID.
func (s *GormStore) DeactivateDeviceCredential(ctx context.Context, id, orgID, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&DeviceCredentialModel{}).
		Where("id = ? AND organization_id = ? AND user_id = ?", id, orgID, userID).
		Update("active", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TouchDeviceCredential stamps last_used_at.
func (s *GormStore) TouchDeviceCredential(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&DeviceCredentialModel{}).
		Where("id = ?", id).
		Update("last_used_at", at.UTC()).Error
}

// FindCalendarEvent looks up an event of orgID by id or external reference.
func (s *GormStore) FindCalendarEvent(ctx context.Context, orgID, eventID, externalRef string) (domain.CalendarEvent, bool, error) {
	tx := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	switch {
	case eventID != "":
		tx = tx.Where("id = ?", eventID)
	case externalRef != "":
		tx = tx.Where("external_ref = ?", externalRef)
	default:
		return domain.CalendarEvent{}, false, nil
	}
	var model CalendarEventModel
	if err := tx.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CalendarEvent{}, false, nil
		}
		return domain.CalendarEvent{}, false, err
	}
	return calendarEventFromModel(model), true, nil
}

// SearchSessionChunks returns chunks of the given sessions whose cosine
// similarity to the query is at least MinSimilarity, best first.
func (s *GormStore) SearchSessionChunks(ctx context.Context, q ChunkQuery) ([]domain.ScoredChunk, error) {
	if q.Limit <= 0 || len(q.SessionIDs) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := s.validateEmbeddingDim(q.Embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(q.Embedding)
	var rows []scoredChunkRow
	if err := s.db.WithContext(ctx).Model(&SessionChunkModel{}).
		Select("id, session_id, content, start_seconds, end_seconds, speaker, metadata, created_at, 1 - (embedding <=> ?) AS similarity", vec).
		Where("session_id IN ? AND embedding IS NOT NULL", q.SessionIDs).
		Where("1 - (embedding <=> ?) >= ?", vec, q.MinSimilarity).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(q.Limit).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ScoredChunk{
			SessionChunk: domain.SessionChunk{
				ID:           row.ID,
				SessionID:    row.SessionID,
				Content:      row.Content,
				StartSeconds: row.StartSeconds,
				EndSeconds:   row.EndSeconds,
				Speaker:      row.Speaker,
				Metadata:     decodeMetadata(row.Metadata),
				CreatedAt:    row.CreatedAt,
			},
			Similarity: row.Similarity,
		})
	}
	return out, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func sessionToModel(s domain.Session) SessionModel {
	return SessionModel{
		ID:              s.ID,
		OrganizationID:  s.OrganizationID,
		CreatedBy:       s.CreatedBy,
		Status:          string(s.Status),
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		Title:           s.Title,
		SummaryPrompt:   s.SummaryPrompt,
		CalendarEventID: s.CalendarEventID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	status := domain.SessionStatus(m.Status)
	if status == "" {
		status = domain.StatusTranscribing
	}
	return domain.Session{
		ID:              m.ID,
		OrganizationID:  m.OrganizationID,
		CreatedBy:       m.CreatedBy,
		Status:          status,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
		DurationSeconds: m.DurationSeconds,
		Title:           m.Title,
		SummaryPrompt:   m.SummaryPrompt,
		CalendarEventID: m.CalendarEventID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func deviceToModel(c domain.DeviceCredential) DeviceCredentialModel {
	return DeviceCredentialModel{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		UserID:         c.UserID,
		Label:          c.Label,
		KeyHash:        c.KeyHash,
		KeyLast4:       c.KeyLast4,
		Active:         c.Active,
		CreatedAt:      c.CreatedAt,
		LastUsedAt:     c.LastUsedAt,
	}
}

func deviceFromModel(m DeviceCredentialModel) domain.DeviceCredential {
	return domain.DeviceCredential{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		UserID:         m.UserID,
		Label:          m.Label,
		KeyHash:        m.KeyHash,
		KeyLast4:       m.KeyLast4,
		Active:         m.Active,
		CreatedAt:      m.CreatedAt,
		LastUsedAt:     m.LastUsedAt,
	}
}

func calendarEventFromModel(m CalendarEventModel) domain.CalendarEvent {
	return domain.CalendarEvent{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		ExternalRef:    m.ExternalRef,
		Title:          m.Title,
		StartsAt:       m.StartsAt,
		EndsAt:         m.EndsAt,
		Metadata:       decodeMetadata(m.Metadata),
	}
}

func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
