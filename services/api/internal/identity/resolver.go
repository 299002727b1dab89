// Package identity resolves the caller of an API request from a session
// cookie, a bearer access token or a device key.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"voxa/internal/servicetoken"
	"voxa/internal/util"
	"voxa/pkg/domain"
)

// ErrUnauthorized is returned when no strategy accepts the request.
var ErrUnauthorized = errors.New("unauthorized")

const defaultTouchTimeout = 5 * time.Second

// Strategy attempts to identify the caller of r.
type Strategy interface {
	Name() string
	Mode() domain.AuthMode
	TryResolve(r *http.Request) (domain.Identity, bool)
}

// ProfileProvider validates session tokens with the identity provider.
type ProfileProvider interface {
	Me(ctx context.Context, token string) (Profile, error)
}

// TokenVerifier validates bearer access tokens and returns the subject.
type TokenVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// OrganizationLookup finds a user's primary organization.
type OrganizationLookup interface {
	PrimaryOrganization(ctx context.Context, userID string) (string, bool, error)
}

// CredentialStore finds and stamps device credentials.
type CredentialStore interface {
	FindActiveDeviceCredential(ctx context.Context, keyHash string) (domain.DeviceCredential, bool, error)
	TouchDeviceCredential(ctx context.Context, id string, at time.Time) error
}

// Resolver runs strategies in order; the first success wins.
type Resolver struct {
	strategies []Strategy
	trusted    *util.TrustedProxies
}

// NewResolver builds a resolver over strategies. Nil strategies are skipped.
func NewResolver(trusted *util.TrustedProxies, strategies ...Strategy) *Resolver {
	out := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Resolver{strategies: out, trusted: trusted}
}

// Resolve identifies the caller of r or returns ErrUnauthorized.
func (res *Resolver) Resolve(r *http.Request) (domain.Identity, error) {
	return res.resolve(r, false)
}

// ResolveUser is Resolve restricted to user strategies; device keys are not
// consulted.
func (res *Resolver) ResolveUser(r *http.Request) (domain.Identity, error) {
	return res.resolve(r, true)
}

func (res *Resolver) resolve(r *http.Request, usersOnly bool) (domain.Identity, error) {
	for _, s := range res.strategies {
		if usersOnly && s.Mode() != domain.ModeUser {
			continue
		}
		id, ok := s.TryResolve(r)
		if !ok {
			continue
		}
		res.audit(r, "success", "strategy", s.Name(), "mode", string(id.Mode), "user_id", id.UserID, "credential_id", id.CredentialID)
		return id, nil
	}
	res.audit(r, "rejected")
	return domain.Identity{}, ErrUnauthorized
}

func (res *Resolver) audit(r *http.Request, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", "identity_resolve",
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, res.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// CookieStrategy validates the session cookie with the identity provider.
type CookieStrategy struct {
	Cookie   string
	Provider ProfileProvider
	Orgs     OrganizationLookup
}

func (s *CookieStrategy) Name() string         { return "cookie" }
func (s *CookieStrategy) Mode() domain.AuthMode { return domain.ModeUser }

func (s *CookieStrategy) TryResolve(r *http.Request) (domain.Identity, bool) {
	if s.Cookie == "" || s.Provider == nil {
		return domain.Identity{}, false
	}
	c, err := r.Cookie(s.Cookie)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return domain.Identity{}, false
	}
	profile, err := s.Provider.Me(r.Context(), c.Value)
	if err != nil {
		util.LoggerFromContext(r.Context()).Debug("session cookie rejected", "err", err)
		return domain.Identity{}, false
	}
	return userIdentity(r.Context(), s.Orgs, profile.ID)
}

// BearerStrategy verifies an RS256 access token against the provider JWKS.
type BearerStrategy struct {
	Verifier TokenVerifier
	Orgs     OrganizationLookup
}

func (s *BearerStrategy) Name() string         { return "bearer" }
func (s *BearerStrategy) Mode() domain.AuthMode { return domain.ModeUser }

func (s *BearerStrategy) TryResolve(r *http.Request) (domain.Identity, bool) {
	if s.Verifier == nil {
		return domain.Identity{}, false
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		return domain.Identity{}, false
	}
	sub, err := s.Verifier.VerifySubject(r.Context(), token)
	if err != nil {
		return domain.Identity{}, false
	}
	return userIdentity(r.Context(), s.Orgs, sub)
}

func userIdentity(ctx context.Context, orgs OrganizationLookup, userID string) (domain.Identity, bool) {
	id := domain.Identity{Mode: domain.ModeUser, UserID: userID}
	if orgs == nil {
		return id, true
	}
	org, ok, err := orgs.PrimaryOrganization(ctx, userID)
	if err != nil {
		util.LoggerFromContext(ctx).Error("primary organization lookup failed", "user_id", userID, "err", err)
		return domain.Identity{}, false
	}
	if ok {
		id.OrganizationID = org
	}
	return id, true
}

// DeviceStrategy accepts an active device key from the X-Device-Key header
// or, failing that, the bearer value.
type DeviceStrategy struct {
	Credentials  CredentialStore
	TouchTimeout time.Duration
	Now          func() time.Time
}

func (s *DeviceStrategy) Name() string         { return "device" }
func (s *DeviceStrategy) Mode() domain.AuthMode { return domain.ModeDevice }

func (s *DeviceStrategy) TryResolve(r *http.Request) (domain.Identity, bool) {
	if s.Credentials == nil {
		return domain.Identity{}, false
	}
	key := strings.TrimSpace(r.Header.Get(DeviceKeyHeader))
	if key == "" {
		key, _ = servicetoken.BearerToken(r)
	}
	if key == "" {
		return domain.Identity{}, false
	}
	cred, ok, err := s.Credentials.FindActiveDeviceCredential(r.Context(), HashDeviceKey(key))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("device credential lookup failed", "err", err)
		return domain.Identity{}, false
	}
	if !ok {
		return domain.Identity{}, false
	}
	s.touch(r.Context(), cred.ID)
	return domain.Identity{
		Mode:           domain.ModeDevice,
		UserID:         cred.UserID,
		OrganizationID: cred.OrganizationID,
		CredentialID:   cred.ID,
	}, true
}

// touch stamps last_used_at without holding up the request.
func (s *DeviceStrategy) touch(ctx context.Context, credentialID string) {
	timeout := s.TouchTimeout
	if timeout <= 0 {
		timeout = defaultTouchTimeout
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	at := now().UTC()
	logger := util.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.Credentials.TouchDeviceCredential(ctx, credentialID, at); err != nil {
			logger.Warn("device last-used update failed", "credential_id", credentialID, "err", err)
		}
	}()
}

