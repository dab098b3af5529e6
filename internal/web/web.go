// Package web serves the frame's HTTP API and the embedded UI.
package web

import (
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"epdframe/internal/battery"
	"epdframe/internal/config"
	"epdframe/internal/convert"
	appLog "epdframe/internal/log"
	"epdframe/internal/plugin"
	"epdframe/internal/refresh"
	"epdframe/internal/state"
)

// Deps are the collaborators a Server needs. Runner and Battery may be nil.
type Deps struct {
	Config    *config.Config
	Store     *state.Store
	Registry  *plugin.Registry
	Converter *convert.Converter
	Runner    *refresh.Runner
	Battery   battery.Reader
}

// Server provides the HTTP API used by the web UI and by remote display
// clients polling /api/current_image.
type Server struct {
	Deps
	mux *http.ServeMux

	// In-memory cache for battery status. This avoids hitting I2C on every
	// single HTTP call.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	s := &Server{Deps: d, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.Config.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.Config.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.Config.BasicAuth.Username
	password := s.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdframe", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/current_image", s.handleCurrentImage)
	s.mux.HandleFunc("GET /api/preview_image", s.handlePreviewImage)
	s.mux.HandleFunc("GET /api/plugins", s.handleListPlugins)
	s.mux.HandleFunc("POST /api/plugins", s.handleSavePlugin)
	s.mux.HandleFunc("DELETE /api/plugins/{id}", s.handleDeletePlugin)
	s.mux.HandleFunc("POST /api/plugin_order", s.handlePluginOrder)
	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)

	// Everything else falls back to the embedded UI.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

const batteryCacheTTL = 30 * time.Second

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.Battery == nil {
		writeError(w, http.StatusNotFound, "battery reader unavailable")
		return
	}

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && time.Since(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, bc.status)
		return
	}

	status, err := s.Battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: status, updatedAt: time.Now()}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unknown API paths must 404 as JSON, never return HTML.
		if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// errorStatus maps pipeline and state errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case convert.IsKind(err, convert.KindSourceRead):
		return http.StatusUnprocessableEntity
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, refresh.ErrNoInstances):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage is the user-facing text for err.
func errorMessage(err error) string {
	if convert.IsKind(err, convert.KindSourceRead) {
		return "Failed to read image file."
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
