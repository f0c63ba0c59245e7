package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Maciek28675/wifi-scout-backend/internal/httputil"
)

const minPasswordLength = 8
const tokenLifetime = 24 * time.Hour

type contextKey string

const userIDKey contextKey = "user_id"

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if creds.Email == "" || !strings.Contains(creds.Email, "@") {
		httputil.BadRequest(w, "a valid email is required")
		return
	}
	if len(creds.Password) < minPasswordLength {
		httputil.BadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		httputil.InternalServerError(w, "failed to hash password")
		return
	}

	u, err := s.db.CreateUser(r.Context(), creds.Email, string(hash))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":    u.ID,
		"email": u.Email,
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))

	u, err := s.db.GetUserByEmail(r.Context(), creds.Email)
	if err != nil {
		// Same response for unknown email and bad password.
		httputil.Unauthorized(w, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(creds.Password)) != nil {
		httputil.Unauthorized(w, "invalid credentials")
		return
	}

	token, err := s.issueToken(u.ID)
	if err != nil {
		httputil.InternalServerError(w, "failed to issue token")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) issueToken(userID int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(tokenLifetime).Unix(),
		"iat": time.Now().Unix(),
	})
	return token.SignedString(s.jwtSecret)
}

// requireAuth wraps a handler, rejecting requests without a valid bearer
// token and stashing the caller's user id in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			httputil.Unauthorized(w, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			httputil.Unauthorized(w, "invalid token claims")
			return
		}
		sub, ok := claims["sub"].(float64)
		if !ok {
			httputil.Unauthorized(w, "invalid token subject")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, int64(sub))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
