package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	wal "github.com/volantdb/wal"
)

func TestListNamespaces(t *testing.T) {
	db, err := wal.Open(t.TempDir(), wal.Config{PageSize: 4096})
	require.NoError(t, err)
	defer db.Shutdown()

	_, err = db.Namespace("ns1")
	require.NoError(t, err)

	srv := New(db, prometheus.NewRegistry())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/namespaces", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Namespaces []string `json:"namespaces"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"ns1"}, body.Namespaces)
}

func TestNamespaceSegmentsAndCheckpoint(t *testing.T) {
	db, err := wal.Open(t.TempDir(), wal.Config{PageSize: 4096})
	require.NoError(t, err)
	defer db.Shutdown()

	ns, err := db.Namespace("ns1")
	require.NoError(t, err)
	wt, err := ns.BeginWriteTx()
	require.NoError(t, err)
	require.NoError(t, ns.Frames(wt, []wal.FrameInput{{PageNo: 1, Data: make([]byte, 4096), SizeAfter: 1}}, true, wal.FlagSync))

	srv := New(db, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/namespaces/ns1/segments", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var seg struct {
		CommittedFrame uint64 `json:"committed_frame_no"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seg))
	require.Equal(t, uint64(1), seg.CommittedFrame)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/namespaces/ns1/checkpoint", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	db, err := wal.Open(t.TempDir(), wal.Config{PageSize: 4096})
	require.NoError(t, err)
	defer db.Shutdown()

	srv := New(db, prometheus.NewRegistry())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
