package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is the type for context keys
type ContextKey string

// KeyIndexKey is the context key for the index of the matched API key hash
const KeyIndexKey ContextKey = "api_key_index"

// Service checks bearer API keys against a fixed set of bcrypt hashes.
type Service struct {
	hashes [][]byte
}

// NewService creates a new auth service. With no hashes every request is allowed.
func NewService(hashes []string) *Service {
	s := &Service{}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			s.hashes = append(s.hashes, []byte(h))
		}
	}
	if len(s.hashes) == 0 {
		log.Warn().Msg("No API key hashes configured, API authentication disabled")
	}
	return s
}

// Enabled reports whether requests must carry an API key.
func (s *Service) Enabled() bool {
	return len(s.hashes) > 0
}

// Middleware creates an authentication middleware
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && isWebSocketUpgrade(r) {
			// browsers cannot set headers on websocket handshakes
			if key := r.URL.Query().Get("api_key"); key != "" {
				authHeader = "Bearer " + key
			}
		}
		if authHeader == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		apiKey := parts[1]
		if apiKey == "" {
			writeJSONError(w, http.StatusUnauthorized, "empty api key")
			return
		}

		idx, ok := s.ValidateAPIKey(apiKey)
		if !ok {
			log.Debug().Str("path", r.URL.Path).Msg("Rejected API key")
			writeJSONError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		ctx := context.WithValue(r.Context(), KeyIndexKey, idx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateAPIKey returns the index of the hash apiKey matches.
func (s *Service) ValidateAPIKey(apiKey string) (int, bool) {
	for i, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(apiKey)) == nil {
			return i, true
		}
	}
	return -1, false
}

// HashAPIKey returns the bcrypt hash to put in API_KEY_HASHES for apiKey.
func HashAPIKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
