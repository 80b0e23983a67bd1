package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/deviceflow/internal/runtime/connection"
	"github.com/drblury/deviceflow/internal/runtime/jsoncodec"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/internal/runtime/resources"
	"github.com/drblury/deviceflow/transport"
)

// DefaultStatusPort serves the status API when no port is configured.
const DefaultStatusPort = 8081

// SessionStatus is served on /api/session.
type SessionStatus struct {
	Device              string                 `json:"device"`
	Session             connection.Info        `json:"session"`
	Transport           transport.Capabilities `json:"transport"`
	SupportedOperations []string               `json:"supportedOperations"`
	Topics              []string               `json:"topics"`
	SessionsStarted     int64                  `json:"sessionsStarted"`
	DispatchPaused      bool                   `json:"dispatchPaused"`
	OutboxDepth         int                    `json:"outboxDepth"`
	Resources           resources.Usage        `json:"resources"`
}

func (a *Agent) registerStatusEndpoints() {
	port := a.cfg.Status.Port
	if port == 0 {
		port = DefaultStatusPort
	}
	if a.cfg.Status.Enabled {
		a.RegisterHTTPHandler(port, "/api/modules", http.HandlerFunc(a.handleGetModules))
		a.RegisterHTTPHandler(port, "/api/session", http.HandlerFunc(a.handleGetSession))
	}
	if a.cfg.Status.MetricsEnabled {
		handler := promhttp.Handler()
		if a.gatherer != nil {
			handler = promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})
		}
		a.RegisterHTTPHandler(port, "/metrics", handler)
	}
}

// SessionStatus reports the current session and dispatch state.
func (a *Agent) SessionStatus(ctx context.Context) SessionStatus {
	status := SessionStatus{
		Device:              a.cfg.ExternalID(),
		Session:             a.conn.Session().Info(),
		Transport:           a.conn.Capabilities(),
		SupportedOperations: a.registry.SupportedOperations(),
		Topics:              a.registry.SupportedTopics(),
		SessionsStarted:     a.lifecycle.Runs(),
		DispatchPaused:      a.dispatcher.Paused(),
		Resources:           a.resources.Snapshot(),
	}
	if a.outbox != nil {
		if n, err := a.outbox.Len(ctx); err == nil {
			status.OutboxDepth = n
		}
	}
	return status
}

func (a *Agent) handleGetModules(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, func() any { return a.dispatcher.Modules() })
}

func (a *Agent) handleGetSession(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, func() any { return a.SessionStatus(r.Context()) })
}

func (a *Agent) writeJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	if len(a.cfg.Status.CORSAllowedOrigins) > 0 {
		if allowed := a.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, body()); err != nil {
		a.Logger.Error("Failed to encode status response", err, logging.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (a *Agent) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range a.cfg.Status.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// RegisterHTTPHandler mounts handler on the server listening on port. Call
// it before Run.
func (a *Agent) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	a.httpServersMu.Lock()
	defer a.httpServersMu.Unlock()

	if a.httpServers == nil {
		a.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := a.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		a.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (a *Agent) startHTTPServers() {
	a.httpServersMu.Lock()
	defer a.httpServersMu.Unlock()

	for port, mux := range a.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.servers = append(a.servers, srv)
		a.Logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("HTTP server failed", err, logging.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (a *Agent) shutdownHTTPServers(ctx context.Context) error {
	a.httpServersMu.Lock()
	servers := a.servers
	a.servers = nil
	a.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// metricsGatherer returns the gatherer matching registerer when it can
// serve one.
func metricsGatherer(registerer prometheus.Registerer) prometheus.Gatherer {
	if g, ok := registerer.(prometheus.Gatherer); ok {
		return g
	}
	return nil
}
