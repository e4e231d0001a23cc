// handlers/challenges.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/middleware"
)

type SolveRequest struct {
	CompetitionID string `json:"competition_id"`
}

func GetChallenges(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := l.Values(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenges": values,
			"total":      len(values),
		})
	}
}

func GetChallengeValue(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := l.CurrentChallengeValue(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func GetSolvers(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		solvers, err := l.SolverHistory(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenge_id": id,
			"solvers":      solvers,
			"total":        len(solvers),
		})
	}
}

// SubmitSolve records an accepted solve for the authenticated user. Flag
// checking happens upstream.
func SubmitSolve(l *ledger.Ledger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserID(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
			return
		}

		var req SolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("decode body: %v: %w", err, apperrors.ErrInvalidInput))
			return
		}

		rec, err := l.RecordSolve(r.Context(), ledger.SolveRequest{
			ChallengeID:   mux.Vars(r)["id"],
			UserID:        userID,
			CompetitionID: req.CompetitionID,
		})
		status := http.StatusCreated
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrReplicationPending):
			// Stored, but the solver list catches up only on reconciliation.
			status = http.StatusAccepted
		case errors.Is(err, apperrors.ErrInconsistentDenormalizedState):
			// The solve is stored; only a competition copy lags behind.
		default:
			writeError(w, err)
			return
		}

		resp := map[string]interface{}{
			"success": true,
			"solve":   rec,
		}
		if err != nil {
			logger.Error("solve recorded with lagging solver records", "challenge_id", mux.Vars(r)["id"], "error", err)
			resp["warning"] = err.Error()
		}
		writeJSON(w, status, resp)
	}
}
