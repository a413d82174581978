package app

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/englishear/internal/health"
	"github.com/MrWong99/englishear/internal/observe"
)

// Handler returns the HTTP surface: /healthz, /readyz, /metrics and /session.
// Readiness requires an open realtime session and, when TTS backends are
// configured, at least one of them with a closed circuit.
func (a *App) Handler() http.Handler {
	var checkers []health.Checker
	if a.sessions != nil {
		checkers = append(checkers, health.Session("realtime", a.sessions.State))
	}
	if a.providers.TTS != nil {
		checkers = append(checkers, health.TTSBackends(a.providers.TTS))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /session", a.handleSession)
	return observe.Middleware(a.metrics)(mux)
}

// handleSession reports the open realtime session, or 404 when none is open.
func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	if a.sessions == nil {
		http.Error(w, "no realtime provider configured", http.StatusNotFound)
		return
	}
	info, ok := a.sessions.Info()
	if !ok {
		http.Error(w, "no open session", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(info)
}
