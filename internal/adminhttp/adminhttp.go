// Package adminhttp exposes a process's open namespaces over HTTP: a
// Prometheus scrape endpoint plus a handful of read/operate routes for
// the same things walctl does from the command line (SPEC_FULL.md
// §13.3). Grounded on the teacher's use of chi-style routing conventions
// generalized from the pack's go-chi/chi example repos, since the
// teacher itself ships no HTTP surface of its own.
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	wal "github.com/volantdb/wal"
)

// Server is an http.Handler over one DB's namespaces.
type Server struct {
	db  *wal.DB
	mux *chi.Mux
}

// New builds a Server. reg must be the same prometheus.Registerer passed
// as Config.MetricsRegisterer when the DB was opened, so GET /metrics
// scrapes the counters each namespace's metrics.Metrics registered.
func New(db *wal.DB, reg *prometheus.Registry) *Server {
	s := &Server{db: db, mux: chi.NewRouter()}

	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.mux.Get("/namespaces", s.listNamespaces)
	s.mux.Get("/namespaces/{ns}/segments", s.namespaceSegments)
	s.mux.Post("/namespaces/{ns}/checkpoint", s.checkpointNamespace)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Namespaces []string `json:"namespaces"`
	}{s.db.Names()})
}

func (s *Server) namespaceSegments(w http.ResponseWriter, r *http.Request) {
	ns, err := s.db.Namespace(chi.URLParam(r, "ns"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := ns.BeginReadTx()
	if err != nil {
		writeError(w, err)
		return
	}
	defer snap.Close()

	writeJSON(w, http.StatusOK, struct {
		Namespace       string `json:"namespace"`
		CommittedFrame  uint64 `json:"committed_frame_no"`
		DurableFrameNo  uint64 `json:"durable_frame_no"`
	}{ns.Name(), snap.MaxFrameNo, ns.DurableFrameNo()})
}

func (s *Server) checkpointNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := s.db.Namespace(chi.URLParam(r, "ns"))
	if err != nil {
		writeError(w, err)
		return
	}
	inWAL, checkpointed, err := ns.Checkpoint(wal.CheckpointPassive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PagesInWAL        int `json:"segments_in_wal"`
		PagesCheckpointed int `json:"segments_checkpointed"`
	}{inWAL, checkpointed})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, struct {
		Error string `json:"error"`
	}{err.Error()})
}
