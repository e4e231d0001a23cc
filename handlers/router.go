package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"

	"ctf-scoreboard/cache"
	"ctf-scoreboard/leaderboard"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/middleware"
	"ctf-scoreboard/reconcile"
)

type Deps struct {
	Ledger      *ledger.Ledger
	Reconciler  *reconcile.Reconciler
	Leaderboard *leaderboard.Aggregator
	Cache       *cache.Leaderboard
	Hub         *Hub
	Sessions    sessions.Store
	Tokens      *middleware.Tokens
	AdminKey    *middleware.AdminKey
	Logger      *slog.Logger
}

func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logger(d.Logger))

	api := r.PathPrefix("/api").Subrouter()

	// Public endpoints
	api.HandleFunc("/challenges", GetChallenges(d.Ledger)).Methods("GET")
	api.HandleFunc("/challenges/{id}/value", GetChallengeValue(d.Ledger)).Methods("GET")
	api.HandleFunc("/challenges/{id}/solvers", GetSolvers(d.Ledger)).Methods("GET")
	api.HandleFunc("/leaderboard", GetLeaderboard(d.Leaderboard, d.Cache)).Methods("GET")
	api.HandleFunc("/users/{id}", GetProfile(d.Leaderboard)).Methods("GET")
	api.HandleFunc("/ws/scores", d.Hub.ServeWS)

	// Protected endpoints
	protected := api.PathPrefix("/").Subrouter()
	protected.Use(middleware.Auth(d.Sessions, d.Tokens))
	protected.HandleFunc("/challenges/{id}/solves", SubmitSolve(d.Ledger, d.Logger)).Methods("POST")
	protected.HandleFunc("/me", GetProfile(d.Leaderboard)).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/login", AdminLogin(d.AdminKey, d.Sessions, d.Tokens, d.Logger)).Methods("POST")

	adminAPI := admin.PathPrefix("/api").Subrouter()
	adminAPI.Use(middleware.AdminAuth(d.Sessions, d.Tokens))
	adminAPI.HandleFunc("/reconcile", AdminReconcile(d.Reconciler, d.Leaderboard, d.Cache, d.Logger)).Methods("POST")
	adminAPI.HandleFunc("/consistency/{id}", AdminConsistency(d.Ledger)).Methods("GET")
	adminAPI.HandleFunc("/logout", AdminLogout(d.Sessions)).Methods("POST")

	return r
}

// ConnectLedger feeds accepted solves into the leaderboard, the cache and
// the live feed. The returned func detaches them.
func ConnectLedger(l *ledger.Ledger, agg *leaderboard.Aggregator, c *cache.Leaderboard, hub *Hub, logger *slog.Logger) func() {
	return l.Subscribe(func(ch ledger.Change) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := agg.Apply(ctx, ch); err != nil {
			logger.Error("leaderboard not updated, rebuilding", "challenge_id", ch.ChallengeID, "error", err)
			if err := agg.Rebuild(ctx); err != nil {
				logger.Error("leaderboard rebuild failed", "error", err)
			}
		}
		if err := c.Invalidate(ctx); err != nil {
			logger.Warn("leaderboard cache not cleared", "error", err)
		}
		hub.Publish(ch)
	})
}
