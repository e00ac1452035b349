package ipc

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Server wraps an HTTP server with session routing.
type Server struct {
	httpServer *http.Server
}

// NewRouter returns the API routes of h.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Catalog endpoints.
	mux.HandleFunc("GET /api/v1/catalog/workflows", h.ListCatalogWorkflows)
	mux.HandleFunc("GET /api/v1/catalog/teams", h.ListCatalogTeams)

	// Workflow endpoints.
	mux.HandleFunc("POST /api/v1/workflows", h.StartWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", h.ListActiveWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/step", h.StepWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/outputs", h.RecordOutputs)
	mux.HandleFunc("POST /api/v1/workflows/{id}/gate", h.CheckGate)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.CancelWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/save", h.SaveWorkflow)

	// Team endpoints.
	mux.HandleFunc("POST /api/v1/teams", h.ActivateTeam)
	mux.HandleFunc("POST /api/v1/teams/match", h.MatchTeam)
	mux.HandleFunc("GET /api/v1/teams/{id}", h.GetTeam)
	mux.HandleFunc("POST /api/v1/teams/{id}/delegate", h.Delegate)
	mux.HandleFunc("POST /api/v1/teams/{id}/broadcast", h.Broadcast)
	mux.HandleFunc("POST /api/v1/teams/{id}/complete", h.CompleteTeam)
	mux.HandleFunc("POST /api/v1/teams/{id}/save", h.SaveTeam)
	mux.HandleFunc("GET /api/v1/teams/{id}/brief/{member}", h.Brief)

	// Handoff endpoint.
	mux.HandleFunc("POST /api/v1/handoffs", h.CreateHandoff)

	// Event endpoints.
	mux.HandleFunc("GET /api/v1/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/events/stream", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/events/summary", h.Summary)

	return corsMiddleware(mux)
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    listenAddr,
			Handler: NewRouter(h),
		},
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a browsable URL. An empty or
// unspecified host is shown as localhost.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
