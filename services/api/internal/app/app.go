package app

import (
	"context"
	"errors"
	"time"

	"voxa/internal/util"
	"voxa/pkg/domain"
	"voxa/pkg/notify"
	"voxa/pkg/storage"
	"voxa/pkg/store"
)

const (
	defaultSignedURLTTL   = 15 * time.Minute
	defaultMaxUploadBytes = 512 << 20
	backgroundTimeout     = 10 * time.Second
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Publisher      notify.Publisher
	Keys           KeyFactory
	SignedURLTTL   time.Duration
	MaxUploadBytes int64
	// Now overrides the clock in tests.
	Now func() time.Time
}

// App implements session lifecycle, part storage, progress and device
// credential operations on top of the store and the object store.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	publisher      notify.Publisher
	keys           KeyFactory
	signedURLTTL   time.Duration
	maxUploadBytes int64
	now            func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("device key factory required")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		publisher:      publisher,
		keys:           cfg.Keys,
		signedURLTTL:   ttl,
		maxUploadBytes: maxUpload,
		now:            now,
	}, nil
}

// MaxUploadBytes is the body limit for direct uploads.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

// authorizeSession loads a session and checks the caller may act on it.
func (a *App) authorizeSession(ctx context.Context, sessionID string, id domain.Identity) (domain.Session, error) {
	if sessionID == "" {
		return domain.Session{}, Validation("session id required")
	}
	sess, ok, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, Upstream("Failed to load session", err)
	}
	if !ok {
		return domain.Session{}, notFound("Session not found")
	}
	if err := a.checkOrganization(ctx, sess.OrganizationID, id); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// checkOrganization: devices are bound to one organization, users must be
// members of it.
func (a *App) checkOrganization(ctx context.Context, orgID string, id domain.Identity) error {
	switch id.Mode {
	case domain.ModeDevice:
		if id.OrganizationID == "" || id.OrganizationID != orgID {
			return forbidden("Forbidden")
		}
		return nil
	case domain.ModeUser:
		if id.UserID == "" {
			return newError(ErrUnauthorized, "Unauthorized", nil)
		}
		ok, err := a.store.IsMember(ctx, id.UserID, orgID)
		if err != nil {
			return Upstream("Failed to check membership", err)
		}
		if !ok {
			return forbidden("Forbidden")
		}
		return nil
	default:
		return newError(ErrUnauthorized, "Unauthorized", nil)
	}
}

// background runs fn detached from the request with its own timeout.
// Failures are logged and never retried.
func (a *App) background(ctx context.Context, what string, fn func(context.Context) error) {
	logger := util.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("soft failure", "op", what, "err", err)
		}
	}()
}
