// handlers/profile.go
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/leaderboard"
	"ctf-scoreboard/middleware"
)

// GetProfile serves a user's rank and per-challenge points. Without an
// {id} route variable it serves the authenticated user.
func GetProfile(agg *leaderboard.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mux.Vars(r)["id"]
		if !ok {
			userID, _ = middleware.UserID(r.Context())
		}

		profile, found := agg.Profile(userID)
		if !found {
			writeError(w, fmt.Errorf("user %q has no solves: %w", userID, apperrors.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}
