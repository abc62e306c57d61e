package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJWT(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokenExpired(t *testing.T) {
	assert.False(t, TokenExpired(makeJWT(t, 5*time.Minute)))
	assert.True(t, TokenExpired(makeJWT(t, -5*time.Minute)))

	// Opaque tokens can't be judged client-side.
	assert.False(t, TokenExpired("not-a-jwt"))
	assert.False(t, TokenExpired(""))
}

func TestStaticStore(t *testing.T) {
	store := NewStaticStore("a")
	tok, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "a", tok)

	store.Set("b")
	tok, _ = store.Token()
	assert.Equal(t, "b", tok)
}

func TestCookieStore(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	site, err := url.Parse("https://app.tutorhub.test")
	require.NoError(t, err)

	jar.SetCookies(site, []*http.Cookie{
		{Name: "session_other", Value: "noise"},
		{Name: "jwt", Value: "cookie-token"},
	})

	store := CookieStore{Jar: jar, URL: site, Name: "jwt"}
	tok, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "cookie-token", tok)

	// Missing cookie is empty, not an error.
	missing := CookieStore{Jar: jar, URL: site, Name: "absent"}
	tok, err = missing.Token()
	require.NoError(t, err)
	assert.Empty(t, tok)

	// Unconfigured store is a programmer error.
	_, err = CookieStore{}.Token()
	assert.Error(t, err)
}

func TestEnvStore(t *testing.T) {
	t.Setenv("TEST_REALTIME_TOKEN", "from-env")
	tok, err := EnvStore{Key: "TEST_REALTIME_TOKEN"}.Token()
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)
}
