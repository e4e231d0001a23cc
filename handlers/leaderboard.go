// handlers/leaderboard.go
package handlers

import (
	"net/http"
	"strconv"

	"ctf-scoreboard/cache"
	"ctf-scoreboard/leaderboard"
)

const maxPageLimit = 100

// GetLeaderboard serves one ranked page, from the cache when possible.
func GetLeaderboard(agg *leaderboard.Aggregator, c *cache.Leaderboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		if page < 1 {
			page = 1
		}
		if limit < 1 || limit > maxPageLimit {
			limit = 50
		}

		p, version, ok := c.Get(r.Context(), page, limit)
		if ok {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, p)
			return
		}

		p = agg.Page(page, limit)
		c.Set(r.Context(), version, p)
		w.Header().Set("X-Cache", "miss")
		writeJSON(w, http.StatusOK, p)
	}
}
