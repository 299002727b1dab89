package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestSignerVerifierRoundTrip(t *testing.T) {
	privatePath, publicPath := writeKeyPair(t)
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "transcriber", TTL: time.Minute})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "voxa-api",
		AllowedIssuers: []string{"transcriber"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign("voxa-api")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "transcriber" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifierRejections(t *testing.T) {
	privatePath, publicPath := writeKeyPair(t)
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "voxa-api",
		AllowedIssuers: []string{"transcriber"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	key, err := loadPrivateKey(privatePath)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	now := time.Now()
	base := jwt.RegisteredClaims{
		Issuer:    "transcriber",
		Subject:   "transcriber",
		Audience:  jwt.ClaimStrings{"voxa-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		ID:        "jti-1",
	}

	tests := []struct {
		name   string
		mutate func(*jwt.RegisteredClaims)
		kid    string
	}{
		{name: "wrong audience", mutate: func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"other"} }, kid: DefaultKeyID},
		{name: "issuer not allowed", mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "stranger" }, kid: DefaultKeyID},
		{name: "future iat", mutate: func(c *jwt.RegisteredClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute)) }, kid: DefaultKeyID},
		{name: "missing jti", mutate: func(c *jwt.RegisteredClaims) { c.ID = "" }, kid: DefaultKeyID},
		{name: "unknown kid", mutate: func(*jwt.RegisteredClaims) {}, kid: "kid-2"},
		{name: "missing kid", mutate: func(*jwt.RegisteredClaims) {}, kid: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := base
			tc.mutate(&claims)
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(key)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := verifier.Verify(signed); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestNewSignerRequiresKey(t *testing.T) {
	if _, err := NewSigner(SignerOptions{Issuer: "transcriber"}); err == nil {
		t.Fatalf("expected missing key path to fail")
	}
}

func TestParseKeyMap(t *testing.T) {
	parsed, err := ParseKeyMap("k1=/a.pem, k2=/b.pem")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 || parsed["k2"] != "/b.pem" {
		t.Fatalf("unexpected parse result: %v", parsed)
	}
	if _, err := ParseKeyMap("broken"); err == nil {
		t.Fatalf("expected error for entry without '='")
	}
	if parsed, _ := ParseKeyMap(""); parsed != nil {
		t.Fatalf("expected nil map for empty input")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	if token, ok := BearerToken(req); !ok || token != "abc" {
		t.Fatalf("expected bearer token, got %q %v", token, ok)
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(req); ok {
		t.Fatalf("basic auth must not count as bearer")
	}
}

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
