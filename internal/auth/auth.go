// Package auth provides JWT-based authentication middleware backed by
// the configured user list.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/liplum/Medimesh/internal/config"
	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/metrics"
)

type contextKey string

const userContextKey contextKey = "user"

const tokenLifetime = 30 * 24 * time.Hour

// Claims holds JWT token claims.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Auth handles JWT authentication. With no users configured every
// request passes through unauthenticated.
type Auth struct {
	users  map[string]config.User
	secret []byte
	issuer string
}

// New creates an Auth handler from the node configuration.
func New(cfg *config.Config) *Auth {
	users := make(map[string]config.User, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Name] = u
	}
	return &Auth{
		users:  users,
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Name,
	}
}

// Enabled reports whether authentication is configured.
func (a *Auth) Enabled() bool { return len(a.users) > 0 }

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		claims, err := a.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// extractToken pulls the JWT from the Authorization header or, for
// media players that cannot set headers, the token query parameter.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}
	return claims, nil
}

// HandleLogin handles POST /api/v1/auth/token.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, ok := a.users[req.Username]
	if !ok {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: unknown user", zap.String("username", req.Username))
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: invalid password", zap.String("username", req.Username))
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	claims := &Claims{
		Username: req.Username,
		IsAdmin:  user.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("username", req.Username))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenStr,
		"expires_at": claims.ExpiresAt.Time,
		"user": map[string]any{
			"username": req.Username,
			"is_admin": user.Admin,
		},
	})
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
