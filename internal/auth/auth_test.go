package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/auth"
)

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UID)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, auth.Issuer, claims.Issuer)
}

func TestIssueTokenRequiresUID(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	_, _, err = mgr.IssueToken("  ")
	assert.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privPath, pubPath := writeKeys(t, priv, pub)

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func writeKeys(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey) (string, string) {
	t.Helper()
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(subject, issuer string, exp time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{auth.Issuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
		ID:        uuid.New().String(),
	}
}

func TestValidateTokenRejects(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{
			name:    "wrong issuer",
			token:   forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("u1", "not-refly", time.Hour), UID: "u1"}),
			wantErr: "invalid issuer",
		},
		{
			name:    "empty issuer",
			token:   forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("u1", "", time.Hour), UID: "u1"}),
			wantErr: "invalid issuer",
		},
		{
			name:    "missing subject",
			token:   forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("", auth.Issuer, time.Hour)}),
			wantErr: "missing subject",
		},
		{
			name:    "uid differs from subject",
			token:   forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("u1", auth.Issuer, time.Hour), UID: "u2"}),
			wantErr: "does not match subject",
		},
		{
			name:    "expired",
			token:   forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("u1", auth.Issuer, -time.Minute), UID: "u1"}),
			wantErr: "expired",
		},
		{
			name:    "signed by another key",
			token:   forgeToken(t, otherKey, &auth.Claims{RegisteredClaims: registered("u1", auth.Issuer, time.Hour), UID: "u1"}),
			wantErr: "signature",
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: "validate token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(tt.token)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTokenDefaultsUIDToSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("u9", auth.Issuer, time.Hour)})

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u9", claims.UID)
}

func TestNewJWTManagerMismatchedKeys(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privPath, pubPath := writeKeys(t, priv, otherPub)

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
