package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/icholy/digest"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// CredentialStore resolves a username to its plaintext SIP password.
type CredentialStore interface {
	Password(username string) (string, bool)
}

// StaticCredentials is a CredentialStore over a fixed map, the shape the
// JSON profile directory loads into.
type StaticCredentials map[string]string

func (s StaticCredentials) Password(username string) (string, bool) {
	pw, ok := s[username]
	return pw, ok
}

// Authenticator validates inbound digest credentials for a profile realm.
// Issued nonces are tracked so replayed or expired credentials trigger a
// fresh challenge instead of passing.
type Authenticator struct {
	realm  string
	creds  CredentialStore
	logger *slog.Logger
	nonces sync.Map // nonce -> time.Time issued
}

// NewAuthenticator creates an authenticator for a realm.
func NewAuthenticator(realm string, creds CredentialStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		realm:  realm,
		creds:  creds,
		logger: logger.With("subsystem", "auth"),
	}
}

// ChallengeHeader mints a nonce and returns the WWW-Authenticate value for
// a 401 challenge.
func (a *Authenticator) ChallengeHeader() string {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())
	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Algorithm: authAlgoMD5,
	}
	return chal.String()
}

// Verify checks an Authorization header value for a request method.
// Returns the authenticated username; ErrAuthRequired means the caller
// should re-challenge, ErrAuthFailed means reject.
func (a *Authenticator) Verify(method, authorization string) (string, error) {
	if authorization == "" {
		return "", ErrAuthRequired
	}
	cred, err := digest.ParseCredentials(authorization)
	if err != nil {
		return "", fmt.Errorf("parsing credentials: %w", ErrAuthFailed)
	}

	issued, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		return "", ErrAuthRequired
	}
	if time.Since(issued.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		return "", ErrAuthRequired
	}

	password, ok := a.creds.Password(cred.Username)
	if !ok {
		a.logger.Warn("digest auth for unknown user", "username", cred.Username)
		return "", ErrAuthFailed
	}

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("computing digest: %w", err)
	}
	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed", "username", cred.Username)
		return "", ErrAuthFailed
	}

	a.nonces.Delete(cred.Nonce)
	return cred.Username, nil
}

// CleanExpiredNonces drops nonces older than the expiry window. Run from
// the profile worker tick.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// answerChallenge computes the Authorization header value answering a
// WWW-Authenticate / Proxy-Authenticate challenge for a gateway
// transaction.
func answerChallenge(challenge, method, uri, username, password string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("computing digest: %w", err)
	}
	return cred.String(), nil
}
