// Package web exposes the local control surface for the GUI collaborator:
// a websocket notification hub plus a small status/profiles API.
package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"vergecore/internal/shared/corestate"
	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/settings"
	"vergecore/internal/shared/types"
	"vergecore/internal/store"
)

// StatusProvider reports the live control-plane state.
type StatusProvider interface {
	Status() map[string]interface{}
}

// basicAuthMiddleware enforces HTTP Basic Authentication when credentials
// are configured; otherwise requests pass through untouched.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer serves the control API on the configured port and returns the
// server so the caller can shut it down. A zero port disables the surface
// entirely (headless supervision still works) and returns nil.
func StartServer(wg *sync.WaitGroup, cfg *types.Config, st *store.Store, prefs *settings.Manager, status StatusProvider, hub *Hub) *http.Server {
	if cfg.WebConf.WebPort <= 0 {
		logger.Info().Msg("control API disabled (web_port is 0 or not set)")
		return nil
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.WebConf.WebPort),
		Handler: newMux(cfg, st, prefs, status, hub),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", srv.Addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("control API server stopped")
		}
	}()
	return srv
}

func newMux(cfg *types.Config, st *store.Store, prefs *settings.Manager, status StatusProvider, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	user, pass := cfg.WebConf.WebUser, cfg.WebConf.WebPassword

	mux.Handle("/api/profiles", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, st.List())
	}), user, pass))

	mux.Handle("/api/settings/", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		moduleKey := r.URL.Path[len("/api/settings/"):]
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := prefs.Update(moduleKey, json.RawMessage(body)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}), user, pass))

	mux.Handle("/api/settings", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, prefs.Get())
	}), user, pass))

	// Public status endpoint, mirrored after the engine's own /version.
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"engine_mode":   corestate.Mode().String(),
			"circuit_state": corestate.Circuit().String(),
		}
		if status != nil {
			for k, v := range status.Status() {
				out[k] = v
			}
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to encode API response")
	}
}
