package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/hub"
	"go.uber.org/zap"
)

// Pinger reports whether the checkpoint database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter is satisfied by *store.Store.
type SessionCounter interface {
	Count() int
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Database    string `json:"database"`
}

// Health answers 200 while the hub is running. A failed database ping is
// reported but does not fail the check: checkpoints are best effort.
func Health(h *hub.Hub, sessions SessionCounter, db Pinger, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		reply := make(chan hub.Stats, 1)
		if !h.Send(ctx, hub.GetStats{Reply: reply}) {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopping"}, log)
			return
		}
		var stats hub.Stats
		select {
		case stats = <-reply:
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "busy"}, log)
			return
		}

		resp := healthResponse{
			Status:      "ok",
			Sessions:    sessions.Count(),
			Connections: stats.Connections,
			Rooms:       stats.Rooms,
			Database:    "ok",
		}
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				log.Warn("database ping failed", zap.Error(err))
				resp.Database = "unreachable"
			}
		}
		writeJSON(w, http.StatusOK, resp, log)
	}
}

type configCheckResponse struct {
	DatabaseDriver   string `json:"databaseDriver"`
	ContentGenerator bool   `json:"contentGenerator"`
}

// ConfigCheck tells the UI which collaborators are configured. It never
// echoes secrets.
func ConfigCheck(driver string, contentConfigured bool, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, configCheckResponse{
			DatabaseDriver:   driver,
			ContentGenerator: contentConfigured,
		}, log)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}
