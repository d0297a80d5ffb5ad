// Package oauth runs the local authorization-code + PKCE flow against the
// marketplace: it issues the consent redirect, receives the provider's
// callback and exchanges the code for tokens.
package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// VerifierLength is the length of every generated code verifier.
	VerifierLength = 128

	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// Bytes at or above this value are rejected so every alphabet index is
	// equally likely.
	maxUnbiasedByte = 256 - 256%len(verifierAlphabet)
)

// PKCE is one verifier/challenge pair. Generate a new pair per attempt.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier and its S256 challenge.
func NewPKCE() (PKCE, error) {
	verifier, err := randomVerifier(VerifierLength)
	if err != nil {
		return PKCE{}, err
	}
	return PKCE{Verifier: verifier, Challenge: Challenge(verifier)}, nil
}

// Challenge returns base64url(SHA256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomVerifier(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate code verifier: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// NewState returns a random, URL-safe CSRF state token.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
