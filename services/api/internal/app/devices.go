package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"voxa/pkg/domain"
)

const maxDeviceLabelRunes = 100

// IssuedDevice is a newly created credential with its one-time plaintext key.
type IssuedDevice struct {
	Credential domain.DeviceCredential
	Key        string
}

// KeyFactory generates a plaintext device key and derives its stored hash
// and display suffix.
type KeyFactory interface {
	NewKey() (key, hash, last4 string, err error)
}

// CreateDevice issues a device key bound to the caller's primary organization.
func (a *App) CreateDevice(ctx context.Context, id domain.Identity, label string) (IssuedDevice, error) {
	if id.Mode != domain.ModeUser || id.UserID == "" {
		return IssuedDevice{}, forbidden("Only signed-in users can create device keys")
	}
	if id.OrganizationID == "" {
		return IssuedDevice{}, Validation("no organization")
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "Device"
	}
	if utf8.RuneCountInString(label) > maxDeviceLabelRunes {
		return IssuedDevice{}, Validation("label must be at most 100 characters")
	}
	key, hash, last4, err := a.keys.NewKey()
	if err != nil {
		return IssuedDevice{}, Upstream("Failed to generate device key", err)
	}
	cred := domain.DeviceCredential{
		ID:             uuid.NewString(),
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		Label:          label,
		KeyHash:        hash,
		KeyLast4:       last4,
		Active:         true,
		CreatedAt:      a.now().UTC(),
	}
	if err := a.store.CreateDeviceCredential(ctx, cred); err != nil {
		return IssuedDevice{}, Upstream("Failed to create device key", err)
	}
	return IssuedDevice{Credential: cred, Key: key}, nil
}

// ListDevices lists the caller's credentials in their primary organization.
func (a *App) ListDevices(ctx context.Context, id domain.Identity) ([]domain.DeviceCredential, error) {
	if id.Mode != domain.ModeUser || id.UserID == "" {
		return nil, forbidden("Only signed-in users can list device keys")
	}
	if id.OrganizationID == "" {
		return []domain.DeviceCredential{}, nil
	}
	items, err := a.store.ListDeviceCredentials(ctx, id.OrganizationID, id.UserID)
	if err != nil {
		return nil, Upstream("Failed to list device keys", err)
	}
	return items, nil
}

// RevokeDevice deactivates one of the caller's own credentials. Keys of other
// members report not found, as ListDevices never shows them.
func (a *App) RevokeDevice(ctx context.Context, id domain.Identity, credentialID string) error {
	if id.Mode != domain.ModeUser || id.UserID == "" {
		return forbidden("Only signed-in users can revoke device keys")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return Validation("device id required")
	}
	ok, err := a.store.DeactivateDeviceCredential(ctx, credentialID, id.OrganizationID, id.UserID)
	if err != nil {
		return Upstream("Failed to revoke device key", err)
	}
	if !ok {
		return notFound("Device key not found")
	}
	return nil
}
