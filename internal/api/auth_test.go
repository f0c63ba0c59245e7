package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLoginAndPostFlow(t *testing.T) {
	s, _ := newTestServer(t, "mbps")
	mux := s.ServeMux()

	rec := doJSON(t, mux, "POST", "/api/auth/register", map[string]string{
		"email": "Student@pwr.edu.pl", "password": "correct-horse",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Email is normalized, so the original casing logs in fine.
	var login map[string]string
	rec = doJSON(t, mux, "POST", "/api/auth/login", map[string]string{
		"email": "student@pwr.edu.pl", "password": "correct-horse",
	}, &login)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, login["access_token"])
	assert.Equal(t, "bearer", login["token_type"])

	// Posting without a token is rejected.
	rec = doJSON(t, mux, "POST", "/api/posts", map[string]string{"content": "hello"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Posting with the token succeeds.
	body, _ := json.Marshal(map[string]string{"content": "C-3 wifi is back"})
	req := httptest.NewRequest("POST", "/api/posts", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+login["access_token"])
	authRec := httptest.NewRecorder()
	mux.ServeHTTP(authRec, req)
	assert.Equal(t, http.StatusCreated, authRec.Code, authRec.Body.String())

	// The post shows up in the public listing.
	var posts []map[string]interface{}
	rec = doJSON(t, mux, "GET", "/api/posts", nil, &posts)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, posts, 1)
	assert.Equal(t, "C-3 wifi is back", posts[0]["content"])
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestServer(t, "mbps")
	mux := s.ServeMux()

	cases := []struct {
		name string
		body map[string]string
	}{
		{"short password", map[string]string{"email": "a@b.pl", "password": "short"}},
		{"missing email", map[string]string{"password": "long-enough"}},
		{"bad email", map[string]string{"email": "not-an-email", "password": "long-enough"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, mux, "POST", "/api/auth/register", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s, _ := newTestServer(t, "mbps")
	mux := s.ServeMux()

	body := map[string]string{"email": "a@pwr.edu.pl", "password": "long-enough"}
	rec := doJSON(t, mux, "POST", "/api/auth/register", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, mux, "POST", "/api/auth/register", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, _ := newTestServer(t, "mbps")
	mux := s.ServeMux()

	doJSON(t, mux, "POST", "/api/auth/register", map[string]string{
		"email": "a@pwr.edu.pl", "password": "correct-horse",
	}, nil)

	rec := doJSON(t, mux, "POST", "/api/auth/login", map[string]string{
		"email": "a@pwr.edu.pl", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, "POST", "/api/auth/login", map[string]string{
		"email": "nobody@pwr.edu.pl", "password": "correct-horse",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsGarbageToken(t *testing.T) {
	s, _ := newTestServer(t, "mbps")
	mux := s.ServeMux()

	req := httptest.NewRequest("POST", "/api/posts", bytes.NewBufferString(`{"content":"x"}`))
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
