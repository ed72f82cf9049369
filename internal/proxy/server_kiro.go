package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kiroproxy/gateway/internal/store"
	"github.com/kiroproxy/gateway/internal/tracing"
)

// KiroServer binds a KiroHandler to the gateway's own route table (spec.md
// §6); it is the only router in this package. Every route except the
// health checks is authenticated per-user against the ledger.
type KiroServer struct {
	router  chi.Router
	handler *KiroHandler
	httpSrv *http.Server
}

// NewKiroServer wires handler's routes behind KiroAPIKeyMiddleware, with
// health checks left open.
func NewKiroServer(handler *KiroHandler, ledger *store.Store, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool) *KiroServer {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/health", handleKiroHealth)
	r.Get("/health/ready", handleKiroHealth)

	r.Group(func(r chi.Router) {
		r.Use(KiroAPIKeyMiddleware(ledger))

		r.Post("/v1/messages", handler.HandleMessages)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Post("/v1/messages/count_tokens", handler.HandleCountTokens)

		r.Get("/v1/models", handler.HandleModels)
		r.Get("/v1/models/{id}", func(w http.ResponseWriter, req *http.Request) {
			handler.HandleModelByID(w, req, chi.URLParam(req, "id"))
		})

		r.Post("/v1/messages/batches", handler.HandleCreateBatch)
		r.Get("/v1/messages/batches/{id}", func(w http.ResponseWriter, req *http.Request) {
			handler.HandleGetBatch(w, req, chi.URLParam(req, "id"))
		})
		r.Post("/v1/messages/batches/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
			handler.HandleCancelBatch(w, req, chi.URLParam(req, "id"))
		})
		r.Get("/v1/messages/batches/{id}/results", func(w http.ResponseWriter, req *http.Request) {
			handler.HandleBatchResults(w, req, chi.URLParam(req, "id"))
		})
	})

	srv := &KiroServer{router: r, handler: handler}
	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return srv
}

func handleKiroHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Router returns the underlying chi.Router.
func (s *KiroServer) Router() chi.Router { return s.router }

// Start begins listening for HTTP connections on the configured address.
func (s *KiroServer) Start() error {
	return s.httpSrv.ListenAndServe()
}

// StartTLS begins listening for HTTPS connections using the given certificate and key files.
func (s *KiroServer) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("kiro server (TLS): %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *KiroServer) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
