package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DeviceKeyHeader carries device credentials on requests from embedded clients.
const DeviceKeyHeader = "X-Device-Key"

const deviceKeyPrefix = "dk_"

// NewDeviceKey returns a fresh plaintext device key. It is shown once and
// only its hash is stored.
func NewDeviceKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	return deviceKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashDeviceKey returns the lookup hash stored for key.
func HashDeviceKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// LastFour returns the trailing characters kept for display.
func LastFour(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}

// MaskDeviceKey renders a stored credential for listings.
func MaskDeviceKey(last4 string) string {
	return deviceKeyPrefix + "••••" + last4
}

// KeyGenerator issues device keys for the credential registry.
type KeyGenerator struct{}

func (KeyGenerator) NewKey() (key, hash, last4 string, err error) {
	key, err = NewDeviceKey()
	if err != nil {
		return "", "", "", err
	}
	return key, HashDeviceKey(key), LastFour(key), nil
}
