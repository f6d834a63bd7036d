package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/protocol"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

func newMiddleware(t *testing.T, cfg manifest.Auth, delegate Delegate) *Middleware {
	t.Helper()
	m, err := New(cfg, delegate, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestTokenMode(t *testing.T) {
	m := newMiddleware(t, manifest.Auth{
		Mode:   manifest.AuthToken,
		Header: "x-runner-token",
		Token:  "s3cret",
	}, nil)

	r := httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("x-runner-token", "s3cret")
	assert.NoError(t, m.Authenticate(r))

	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("x-runner-token", "wrong")
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)

	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)
}

func TestNoneModePermitsAnything(t *testing.T) {
	m := newMiddleware(t, manifest.Auth{Mode: manifest.AuthNone}, nil)
	r := httptest.NewRequest("POST", "/__runner/task/x", nil)
	assert.NoError(t, m.Authenticate(r))
}

func signAssertion(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAssertionMode(t *testing.T) {
	m := newMiddleware(t, manifest.Auth{
		Mode:   manifest.AuthJWT,
		Token:  "shared-secret",
		Issuer: "steeze",
	}, nil)

	valid := jwt.RegisteredClaims{
		Issuer:    "steeze",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}

	r := httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Bearer "+signAssertion(t, "shared-secret", valid))
	assert.NoError(t, m.Authenticate(r))

	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Bearer "+signAssertion(t, "other-secret", valid))
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)

	badIssuer := valid
	badIssuer.Issuer = "someone-else"
	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Bearer "+signAssertion(t, "shared-secret", badIssuer))
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Bearer "+signAssertion(t, "shared-secret", expired))
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)

	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)
}

func TestAssertionAudience(t *testing.T) {
	m := newMiddleware(t, manifest.Auth{
		Mode:     manifest.AuthJWT,
		Token:    "shared-secret",
		Audience: "tunnel",
	}, nil)

	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{"other", "tunnel"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	r := httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Bearer "+signAssertion(t, "shared-secret", claims))
	assert.NoError(t, m.Authenticate(r))

	claims.Audience = jwt.ClaimStrings{"other"}
	r = httptest.NewRequest("POST", "/__runner/task/x", nil)
	r.Header.Set("Authorization", "Bearer "+signAssertion(t, "shared-secret", claims))
	assert.ErrorIs(t, m.Authenticate(r), ErrDenied)
}

type fakeDelegate struct {
	got protocol.RequestContext
	err error
}

func (f *fakeDelegate) Authenticate(_ context.Context, rc protocol.RequestContext) error {
	f.got = rc
	return f.err
}

func TestDelegateMode(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		d := &fakeDelegate{}
		m := newMiddleware(t, manifest.Auth{Mode: manifest.AuthDelegate}, d)
		r := httptest.NewRequest("POST", "/__runner/task/x?tenant=a", nil)
		r.Header.Set("X-Custom", "v")
		require.NoError(t, m.Authenticate(r))
		assert.Equal(t, "POST", d.got.Method)
		assert.Equal(t, "/__runner/task/x", d.got.Path)
		assert.Equal(t, "v", d.got.Headers["x-custom"])
		assert.Equal(t, "a", d.got.Query["tenant"])
	})

	t.Run("worker verdict maps to denial", func(t *testing.T) {
		d := &fakeDelegate{err: &worker.RemoteError{Detail: protocol.ErrorDetail{Message: "nope"}}}
		m := newMiddleware(t, manifest.Auth{Mode: manifest.AuthDelegate}, d)
		r := httptest.NewRequest("POST", "/__runner/task/x", nil)
		assert.ErrorIs(t, m.Authenticate(r), ErrDenied)
	})

	t.Run("transport failure propagates", func(t *testing.T) {
		d := &fakeDelegate{err: worker.ErrTerminated}
		m := newMiddleware(t, manifest.Auth{Mode: manifest.AuthDelegate}, d)
		r := httptest.NewRequest("POST", "/__runner/task/x", nil)
		err := m.Authenticate(r)
		assert.ErrorIs(t, err, worker.ErrTerminated)
		assert.NotErrorIs(t, err, ErrDenied)
	})

	t.Run("requires a delegate", func(t *testing.T) {
		_, err := New(manifest.Auth{Mode: manifest.AuthDelegate}, nil, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestRequestContextKeepsFirstValues(t *testing.T) {
	r := httptest.NewRequest("GET", "/p?k=1&k=2", nil)
	r.Header.Add("X-Multi", "first")
	r.Header.Add("X-Multi", "second")

	rc := RequestContextFrom(r)
	assert.Equal(t, "first", rc.Headers["x-multi"])
	assert.Equal(t, "1", rc.Query["k"])
}
