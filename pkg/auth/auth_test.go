package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/nedpals/supabase-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
)

const secret = "super-secret-jwt-token-with-at-least-32-characters"

func sign(t *testing.T, key string, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, supabaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: sub + "@example.com",
		Role:  "authenticated",
	})
	s, err := tok.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

type fakeRemote struct {
	calls    atomic.Int32
	failures int32
	err      error
	claims   Claims
}

func (f *fakeRemote) User(_ context.Context, _ string) (Claims, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		if f.err != nil {
			return Claims{}, f.err
		}
		return Claims{}, errors.New("supabase unavailable")
	}
	return f.claims, nil
}

func TestVerifyLocal(t *testing.T) {
	v := NewVerifier(Config{JWTSecret: secret}, nil, nil)
	token := sign(t, secret, "user-1", time.Now().Add(time.Hour))

	c, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, "user-1@example.com", c.Email)
	assert.Equal(t, "authenticated", c.Role)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewVerifier(Config{JWTSecret: secret}, nil, nil)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "Bearer not-a-jwt",
		"wrong secret": "Bearer " + sign(t, "another-secret-of-sufficient-length-000", "u", time.Now().Add(time.Hour)),
		"expired":      "Bearer " + sign(t, secret, "u", time.Now().Add(-time.Minute)),
		"no subject":   "Bearer " + sign(t, secret, "", time.Now().Add(time.Hour)),
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), header)
			require.Error(t, err)
			assert.True(t, ierr.Is(err, ierr.ErrUnauthenticated))
			assert.Equal(t, http.StatusUnauthorized, ierr.HTTPStatus(err))
		})
	}
}

func TestVerifyRemoteRetries(t *testing.T) {
	remote := &fakeRemote{failures: 2, claims: Claims{UserID: "user-2"}}
	v := NewVerifier(Config{InitialBackoff: time.Millisecond}, remote, nil)

	c, err := v.Verify(context.Background(), "Bearer opaque")
	require.NoError(t, err)
	assert.Equal(t, "user-2", c.UserID)
	assert.Equal(t, int32(3), remote.calls.Load())

	// cached
	_, err = v.Verify(context.Background(), "opaque")
	require.NoError(t, err)
	assert.Equal(t, int32(3), remote.calls.Load())
}

func TestVerifyRemoteGivesUp(t *testing.T) {
	remote := &fakeRemote{failures: 10}
	v := NewVerifier(Config{InitialBackoff: time.Millisecond, RemoteAttempts: 3}, remote, nil)

	_, err := v.Verify(context.Background(), "Bearer opaque")
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrUnauthenticated))
	assert.Equal(t, int32(3), remote.calls.Load())
}

func TestVerifyRemoteRejectionIsNotRetried(t *testing.T) {
	remote := &fakeRemote{
		failures: 10,
		err:      fmt.Errorf("supabase user: %w", ErrTokenRejected),
	}
	v := NewVerifier(Config{InitialBackoff: time.Millisecond, RemoteAttempts: 3}, remote, nil)

	_, err := v.Verify(context.Background(), "Bearer revoked")
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrUnauthenticated))
	assert.Equal(t, int32(1), remote.calls.Load())
}

func TestClassifySupabaseError(t *testing.T) {
	tests := map[string]struct {
		err      error
		rejected bool
	}{
		"unauthorized": {&supabase.ErrorResponse{Code: http.StatusUnauthorized, Message: "invalid JWT"}, true},
		"forbidden":    {&supabase.ErrorResponse{Code: http.StatusForbidden, Message: "banned"}, true},
		"rate limited": {&supabase.ErrorResponse{Code: http.StatusTooManyRequests, Message: "slow down"}, false},
		"server error": {&supabase.ErrorResponse{Code: http.StatusBadGateway, Message: "upstream"}, false},
		"network":      {errors.New("dial tcp: connection refused"), false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.rejected, errors.Is(classifySupabaseError(tt.err), ErrTokenRejected))
		})
	}
}

func TestVerifyUnconfigured(t *testing.T) {
	v := NewVerifier(Config{}, nil, nil)
	_, err := v.Verify(context.Background(), "Bearer x")
	assert.True(t, ierr.Is(err, ierr.ErrSystem))
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(Config{JWTSecret: secret}, nil, nil)
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		assert.True(t, ok)
		w.Write([]byte(c.UserID))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, "user-3", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-3", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or expired access token")
}

func TestAdminMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "admin", "Bearer admin", http.StatusNoContent},
		{"wrong", "admin", "Bearer nope", http.StatusUnauthorized},
		{"disabled", "", "Bearer ", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/billing/run", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			AdminMiddleware(tt.token)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
