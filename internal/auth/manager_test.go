package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	return NewManager(config.SecurityConfig{
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Agents: []config.AgentAccount{
			{ID: "alice", Role: models.RoleAgent, PasswordHash: hash},
			{ID: "root", Role: models.RoleAdmin, PasswordHash: hash},
			{ID: "locked", Role: models.RoleAgent},
		},
	}, nil)
}

func TestLogin(t *testing.T) {
	m := newManager(t)

	resp, err := m.Login("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.AgentID)
	assert.Equal(t, models.RoleAgent, resp.Role)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	claims, err := m.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.AgentID)
	assert.Equal(t, models.RoleAgent, claims.Role)

	for _, tt := range []struct{ id, pw string }{
		{"alice", "wrong"},
		{"nobody", "s3cret"},
		{"locked", ""},
	} {
		_, err := m.Login(tt.id, tt.pw)
		assert.ErrorIs(t, err, ErrInvalidCredentials, tt.id)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	m := newManager(t)
	other := NewManager(config.SecurityConfig{JWTSecret: "another-secret"}, nil)

	foreign, err := other.GenerateToken("alice", models.RoleAdmin)
	require.NoError(t, err)
	_, err = m.ValidateToken(foreign)
	assert.Error(t, err, "signed with another secret")

	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := m.GenerateToken("alice", models.RoleAgent)
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.ValidateToken(expired)
	assert.Error(t, err, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{AgentID: "alice", Role: models.RoleAdmin})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.ValidateToken(unsigned)
	assert.Error(t, err, "alg none")

	_, err = m.ValidateToken("garbage")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	m := newManager(t)
	token, err := m.GenerateToken("root", models.RoleAdmin)
	require.NoError(t, err)

	var got Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	denied := func(w http.ResponseWriter, status int, message string) {
		http.Error(w, message, status)
	}

	tests := []struct {
		name    string
		enabled bool
		prepare func(r *http.Request)
		status  int
		want    Principal
	}{
		{"header token", true, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusNoContent, Principal{AgentID: "root", Role: models.RoleAdmin}},
		{"query token", true, func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusNoContent, Principal{AgentID: "root", Role: models.RoleAdmin}},
		{"missing", true, func(r *http.Request) {}, http.StatusUnauthorized, Principal{}},
		{"bad scheme", true, func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, http.StatusUnauthorized, Principal{}},
		{"invalid", true, func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, Principal{}},
		{"disabled", false, func(r *http.Request) { r.Header.Set("X-Agent-ID", "bob") }, http.StatusNoContent, Principal{AgentID: "bob", Role: models.RoleAdmin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = Principal{}
			r := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			tt.prepare(r)
			w := httptest.NewRecorder()
			m.Middleware(tt.enabled, denied)(next).ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}
