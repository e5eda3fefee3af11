// Package api is the small HTTP surface next to the websocket endpoint:
// liveness and engine stats. Document CRUD lives in a different service.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/coscribe/backend/internal/room"
)

type API struct {
	rooms *room.Manager
}

func New(rooms *room.Manager) *API {
	return &API{rooms: rooms}
}

// Router mounts the HTTP handlers.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := a.rooms.Stats()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"active_rooms":    stats.ActiveRooms,
		"active_sessions": stats.ActiveSessions,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}
