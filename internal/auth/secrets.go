package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerateSecret returns a one-time pairing secret (32 random bytes,
// URL-safe base64) and its SHA-256 hex digest. Only the digest is ever
// stored.
func GenerateSecret() (secret, digest string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate pairing secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)
	return secret, DigestSecret(secret), nil
}

// DigestSecret returns the SHA-256 hex digest of a presented secret.
func DigestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyDigest hashes the presented secret and compares with the stored
// digest in constant time.
func VerifyDigest(secret, digest string) bool {
	computed := DigestSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

// GeneratePIN returns a 6-digit zero-padded PIN from a uniform
// cryptographic source.
func GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
