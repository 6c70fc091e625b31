package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	goswcache "github.com/dgduncan/go-sw-cache"
)

// hop-by-hop headers are meaningful for a single connection only.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxyHandler forwards absolute-URI requests through the cache transport and
// serves the control endpoints for origin-form requests.
type proxyHandler struct {
	transport *goswcache.CacheTransport
	control   http.Handler
	logger    *slog.Logger
}

func newProxyHandler(tr *goswcache.CacheTransport, gatherer prometheus.Gatherer, logger *slog.Logger) *proxyHandler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /__sw/message", messageHandler(tr.Controller(), logger))
	mux.HandleFunc("POST /__sw/clients", func(w http.ResponseWriter, _ *http.Request) {
		tr.Controller().ClientAttached()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /__sw/clients", func(w http.ResponseWriter, r *http.Request) {
		if err := tr.Controller().ClientDetached(r.Context()); err != nil {
			logger.WarnContext(r.Context(), "error activating waiting version", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &proxyHandler{
		transport: tr,
		control:   mux,
		logger:    logger,
	}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.logger.DebugContext(r.Context(), "refusing tunnel", "host", r.Host)
		http.Error(w, "CONNECT tunnels cannot be cached", http.StatusMethodNotAllowed)
		return
	}

	if !r.URL.IsAbs() {
		h.control.ServeHTTP(w, r)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upstream request failed", "url", r.URL.String(), "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.DebugContext(r.Context(), "error copying response", "url", r.URL.String(), "error", err)
	}
}

func messageHandler(ctrl *goswcache.Controller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg goswcache.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}

		if err := ctrl.HandleMessage(r.Context(), msg); err != nil {
			logger.WarnContext(r.Context(), "error handling message", "type", msg.Type, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
