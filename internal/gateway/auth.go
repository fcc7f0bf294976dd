package gateway

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/taskforce/internal/shared"
)

const tokenFile = "auth.token"

// requireToken rejects requests without the daemon's bearer token.
func (s *Server) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Class: string(shared.ErrorClassPermissionDenied)})
			return
		}
		next(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// LoadAuthToken returns TASKFORCE_AUTH_TOKEN, else <home>/auth.token. The
// file is generated on first use.
func LoadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("TASKFORCE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	path := filepath.Join(homeDir, tokenFile)
	if b, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", path)
	return token, nil
}
