package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vpnwarden/vpnwarden/internal/session"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr    string
	Token   string
	Version string
}

// Server is the administrative API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	log        *slog.Logger
}

// NewServer wires the routes and middleware.
func NewServer(cfg ServerConfig, svc *session.Service, st *store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	handlers := NewHandlers(svc, st, cfg.Version)

	mux := http.NewServeMux()
	auth := TokenAuth(cfg.Token)

	mux.Handle("/status", applyMiddleware(
		http.HandlerFunc(handlers.StatusHandler),
		auth,
	))

	mux.Handle("/grants", applyMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				handlers.ListGrantsHandler(w, r)
			case http.MethodPost:
				handlers.CreateGrantHandler(w, r)
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		}),
		auth,
	))

	mux.Handle("/grants/", applyMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := splitPath(r.URL.Path, "/grants/")
			switch {
			case len(parts) == 1 && r.Method == http.MethodGet:
				handlers.GetGrantHandler(w, r, parts[0])
			case len(parts) == 2 && r.Method == http.MethodPost && parts[1] == "disconnect":
				handlers.DisconnectGrantHandler(w, r, parts[0])
			case len(parts) == 2 && r.Method == http.MethodPost && parts[1] == "extend":
				handlers.ExtendGrantHandler(w, r, parts[0])
			case len(parts) == 2 && r.Method == http.MethodPost && parts[1] == "confirm":
				handlers.ConfirmGrantHandler(w, r, parts[0])
			case len(parts) == 2 && r.Method == http.MethodGet && parts[1] == "audit":
				handlers.GrantAuditHandler(w, r, parts[0])
			default:
				writeError(w, http.StatusNotFound, "not found")
			}
		}),
		auth,
	))

	mux.Handle("/grantees", applyMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				handlers.ListGranteesHandler(w, r)
			case http.MethodPost:
				handlers.CreateGranteeHandler(w, r)
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		}),
		auth,
	))

	mux.Handle("/grantees/", applyMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := splitPath(r.URL.Path, "/grantees/")
			switch {
			case len(parts) == 1 && r.Method == http.MethodGet:
				handlers.GetGranteeHandler(w, r, parts[0])
			case len(parts) == 1 && r.Method == http.MethodPatch:
				handlers.UpdateGranteeHandler(w, r, parts[0])
			case len(parts) == 2 && r.Method == http.MethodPost && parts[1] == "identities":
				handlers.BindIdentityHandler(w, r, parts[0])
			case len(parts) == 3 && r.Method == http.MethodDelete && parts[1] == "identities":
				handlers.UnbindIdentityHandler(w, r, parts[0], parts[2])
			default:
				writeError(w, http.StatusNotFound, "not found")
			}
		}),
		auth,
	))

	mux.Handle("/settings", applyMiddleware(
		http.HandlerFunc(handlers.SettingsHandler),
		auth,
	))

	mux.Handle("/device/test", applyMiddleware(
		http.HandlerFunc(handlers.DeviceTestHandler),
		auth,
	))

	// Health check (no auth)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      applyMiddleware(mux, RequestLogger(log)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		handlers:   handlers,
		log:        log,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("admin api listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handlers returns the handlers (for testing).
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// applyMiddleware applies middleware to a handler.
func applyMiddleware(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
