// Package middleware holds the HTTP middleware of the control API.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

type contextKey string

const (
	ContextKeyTokenHash   contextKey = "token_hash"
	ContextKeyIsMasterKey contextKey = "is_master_key"
)

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// MasterKey guards every route. Auth is disabled when empty.
	MasterKey string
}

// NewAuthMiddleware creates a middleware that admits requests carrying the
// master key.
func NewAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.MasterKey == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	masterKeyHash := hashToken(cfg.MasterKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				authError(w, "missing API key", http.StatusUnauthorized)
				return
			}

			tokenHash := hashToken(token)
			if subtle.ConstantTimeCompare([]byte(tokenHash), []byte(masterKeyHash)) != 1 {
				log.Debug().Str("path", r.URL.Path).Str("hash", tokenHash[:8]).Msg("auth failed: invalid key")
				authError(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ContextKeyIsMasterKey, true)
			ctx = context.WithValue(ctx, ContextKeyTokenHash, tokenHash)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken reads the key from "Authorization: Bearer <key>", falling
// back to the api-key and x-api-key headers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		if token, ok := strings.CutPrefix(auth, "bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func authError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Message: msg, Type: "authentication_error"},
	})
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
