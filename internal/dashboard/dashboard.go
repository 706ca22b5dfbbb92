// Package dashboard provides an optional real-time HTTP dashboard for
// observing a running client: a snapshot of the variable store, an SSE
// stream of accepted VariableChanged events, and an SSE stream of engine
// metrics. Adapted from dashboard/server.go's map[chan X]struct{}
// SSE-subscriber-set idiom; the config hot-reload, cluster-node, and
// proxy-upload endpoints have no equivalent in this domain and are not
// carried over (see DESIGN.md).
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/notify"
	"github.com/scratchcloud/client/internal/varstore"
)

// Server serves the operational dashboard endpoints.
type Server struct {
	store *varstore.Store
	metrics *enginemetrics.Metrics
	log *enginelog.Logger

	eventSubMu sync.Mutex
	eventSubs map[chan arbitrate.VariableChanged]struct{}

	mux *http.ServeMux
}

// New creates a Server backed by store and metrics, subscribing to subs so
// every accepted VariableChanged event is fanned out to SSE clients.
func New(store *varstore.Store, metrics *enginemetrics.Metrics, subs *notify.Registry[arbitrate.VariableChanged], log *enginelog.Logger) *Server {
	s := &Server{
		store: store,
		metrics: metrics,
		log: log,
		eventSubs: make(map[chan arbitrate.VariableChanged]struct{}),
		mux: http.NewServeMux(),
	}
	subs.Subscribe(s.broadcast)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/variables", s.withCORS(s.handleVariables))
	s.mux.HandleFunc("/api/variables/stream", s.withCORS(s.handleVariablesStream))
	s.mux.HandleFunc("/api/metrics/stream", s.withCORS(s.handleMetricsStream))
}

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// ListenAndServe starts the HTTP server on addr and blocks until it exits.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Infof("dashboard: listening on %s", addr)
	srv := &http.Server{
		Addr: addr,
		Handler: s.mux,
		ReadTimeout: 30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout: 120 * time.Second,
	}
	return srv.ListenAndServe()
}

// broadcast fans an accepted event out to every live SSE subscriber,
// dropping it for any subscriber whose buffer is full rather than blocking.
func (s *Server) broadcast(evt arbitrate.VariableChanged) {
	s.eventSubMu.Lock()
	defer s.eventSubMu.Unlock()
	for ch := range s.eventSubs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.store.Snapshot()); err != nil {
		s.log.Errorf("dashboard: encode variables: %v", err)
	}
}

func (s *Server) handleVariablesStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan arbitrate.VariableChanged, 64)
	s.eventSubMu.Lock()
	s.eventSubs[ch] = struct{}{}
	s.eventSubMu.Unlock()
	flusher.Flush()

	defer func() {
		s.eventSubMu.Lock()
		delete(s.eventSubs, ch)
		s.eventSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if err := sseWrite(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sseWrite(w, s.metrics.Snapshot()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseWrite(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
