package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	phx "github.com/go-phx-channels/phxchannels"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type presenceView struct {
	Key   string             `json:"key"`
	Metas []phx.PresenceMeta `json:"metas"`
}

type statusView struct {
	Socket  string `json:"socket"`
	Channel string `json:"channel"`
	Topic   string `json:"topic"`
}

// newAdminRouter serves metrics, the tracked presence list and the
// connection status of the chat session.
func newAdminRouter(gatherer prometheus.Gatherer, socket *phx.Socket, channel *phx.Channel, presence *phx.Presence) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/presence", func(w http.ResponseWriter, r *http.Request) {
		views := phx.ListBy(presence.State(), func(key string, entry *phx.PresenceEntry) presenceView {
			return presenceView{Key: key, Metas: entry.Metas}
		})
		writeJSON(w, http.StatusOK, views)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !socket.IsConnected() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, statusView{
			Socket:  socket.ConnectionState().String(),
			Channel: channel.State().String(),
			Topic:   channel.Topic(),
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
