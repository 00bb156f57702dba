package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rallymcp/rally-mcp/pkg/rally"
)

// HTTPConfig extends Config with HTTP-specific settings.
type HTTPConfig struct {
	Config

	// Addr is the address to listen on (e.g., ":8080" or "localhost:8080").
	Addr string

	// EndpointPath is the path for the MCP endpoint (default: "/mcp").
	EndpointPath string

	TLSCertFile string
	TLSKeyFile  string

	// EnableCORS enables CORS headers for browser-based clients.
	EnableCORS bool

	// AllowedOrigins is a list of allowed CORS origins (if EnableCORS is true).
	// If empty, allows all origins.
	AllowedOrigins []string
}

// NewHTTPHandler returns the mux serving the MCP endpoint and a health check.
func NewHTTPHandler(service *rally.Service, cfg HTTPConfig) (http.Handler, string, error) {
	mcpServer, err := NewServer(service, cfg.Config)
	if err != nil {
		return nil, "", err
	}

	endpointPath := cfg.EndpointPath
	if endpointPath == "" {
		endpointPath = "/mcp"
	}

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpServer,
		mcpserver.WithEndpointPath(endpointPath),
	)

	var handler http.Handler = streamable
	if cfg.EnableCORS {
		handler = corsMiddleware(cfg.AllowedOrigins)(handler)
	}

	mux := http.NewServeMux()
	mux.Handle(endpointPath, handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if service.Store().DefaultProject() == nil {
			http.Error(w, "default project not loaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return mux, endpointPath, nil
}

// RunHTTPServer starts the MCP server over streamable HTTP transport and
// shuts it down when ctx is cancelled.
func RunHTTPServer(ctx context.Context, service *rally.Service, cfg HTTPConfig) error {
	handler, endpointPath, err := NewHTTPHandler(service, cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE streaming
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting MCP HTTP server",
		"addr", cfg.Addr,
		"endpoint", endpointPath,
		"tls", cfg.TLSCertFile != "",
		"cors", cfg.EnableCORS,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down MCP HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	}()

	var serverErr error
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		serverErr = server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		serverErr = server.ListenAndServe()
	}

	if serverErr != nil && !errors.Is(serverErr, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", serverErr)
	}
	return nil
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := len(allowedOrigins) == 0
			for _, o := range allowedOrigins {
				if o == origin || o == "*" {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Mcp-Protocol-Version")
				w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
