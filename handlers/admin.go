// handlers/admin.go
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"gopkg.in/yaml.v3"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/cache"
	"ctf-scoreboard/leaderboard"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/middleware"
	"ctf-scoreboard/reconcile"
)

type AdminLoginRequest struct {
	Key string `json:"key"`
}

// AdminLogin trades the admin key for an admin session and a bearer token.
func AdminLogin(key *middleware.AdminKey, store sessions.Store, tokens *middleware.Tokens, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AdminLoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
			return
		}

		if !key.Check(req.Key) {
			logger.Warn("admin login rejected", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			return
		}

		token, err := tokens.Sign("admin", middleware.RoleAdmin)
		if err != nil {
			writeError(w, err)
			return
		}

		session, _ := store.Get(r, middleware.AdminSession)
		session.Values["authenticated"] = true
		session.Values["role"] = middleware.RoleAdmin
		session.Values["admin_id"] = "admin"
		if err := session.Save(r, w); err != nil {
			writeError(w, err)
			return
		}

		logger.Info("admin logged in", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"token":   token,
		})
	}
}

func AdminLogout(store sessions.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, _ := store.Get(r, middleware.AdminSession)
		session.Values = map[interface{}]interface{}{}
		session.Options.MaxAge = -1
		if err := session.Save(r, w); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// AdminReconcile runs a reconciliation pass and rebuilds the leaderboard
// from the repaired records. ?format=yaml returns the report as YAML.
func AdminReconcile(rec *reconcile.Reconciler, agg *leaderboard.Aggregator, c *cache.Leaderboard, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, runErr := rec.Run(r.Context())
		if runErr != nil && !errors.Is(runErr, apperrors.ErrUnstable) {
			writeError(w, runErr)
			return
		}

		if err := agg.Rebuild(r.Context()); err != nil {
			logger.Error("leaderboard rebuild after reconciliation failed", "error", err)
		}
		if err := c.Invalidate(r.Context()); err != nil {
			logger.Warn("leaderboard cache not cleared", "error", err)
		}

		status := http.StatusOK
		if runErr != nil {
			status = statusFor(runErr)
		}

		if r.URL.Query().Get("format") == "yaml" {
			out, err := yaml.Marshal(report)
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			w.WriteHeader(status)
			w.Write(out)
			return
		}
		writeJSON(w, status, report)
	}
}

type ConsistencyResponse struct {
	ChallengeID  string   `json:"challenge_id"`
	Consistent   bool     `json:"consistent"`
	Competitions []string `json:"diverging_competitions,omitempty"`
}

// AdminConsistency reports whether every competition copy of a challenge
// matches the standalone one. It never repairs.
func AdminConsistency(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		err := l.Verify(r.Context(), id)

		var inc *apperrors.InconsistentStateError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, ConsistencyResponse{ChallengeID: id, Consistent: true})
		case errors.As(err, &inc):
			writeJSON(w, http.StatusOK, ConsistencyResponse{ChallengeID: id, Competitions: inc.Competitions})
		default:
			writeError(w, err)
		}
	}
}
