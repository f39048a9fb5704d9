package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/qgen/internal/i18n"
)

// HashToken returns the bcrypt hash stored for an API token.
func HashToken(token string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// requireToken rejects requests without a bearer token matching the stored hash.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tokenHash == nil {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			h.unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)); err != nil {
			slog.Warn("invalid API token", "path", r.URL.Path, "remote", r.RemoteAddr)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="qgen"`)
	writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
}
