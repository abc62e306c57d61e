package session

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore supplies the bearer credential for the realtime endpoint. The
// session does not own the credential; it only reads it, and polls for
// rotation. An empty token with a nil error is a valid steady state meaning
// "not signed in".
type TokenStore interface {
	Token() (string, error)
}

// StaticStore holds a token in memory. Useful for CLIs and tests, and as
// the push-path target when the auth layer can notify on rotation.
type StaticStore struct {
	mu    sync.Mutex
	token string
}

func NewStaticStore(token string) *StaticStore {
	return &StaticStore{token: token}
}

func (s *StaticStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *StaticStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// EnvStore reads the token from an environment variable on every call.
type EnvStore struct {
	Key string
}

func (s EnvStore) Token() (string, error) {
	return os.Getenv(s.Key), nil
}

// CookieStore reads the token from a named cookie in an http.CookieJar,
// mirroring the browser-cookie-backed credential the web app uses.
type CookieStore struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

func (s CookieStore) Token() (string, error) {
	if s.Jar == nil || s.URL == nil {
		return "", errors.New("internal/session: cookie store not configured")
	}
	for _, cookie := range s.Jar.Cookies(s.URL) {
		if cookie.Name == s.Name {
			return cookie.Value, nil
		}
	}
	return "", nil
}

// TokenExpired inspects a JWT's exp claim without verifying the signature;
// verification is the server's job, the client only needs to know whether
// connecting with this token is pointless. Non-JWT tokens report false.
func TokenExpired(token string) bool {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Before(time.Now())
}

// wrapTokenErr keeps store failures distinguishable in logs.
func wrapTokenErr(err error) error {
	return fmt.Errorf("internal/session: token read failed: %w", err)
}
