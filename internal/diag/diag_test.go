package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"maelstrom-node/internal/gcounter"
	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/seqkv"
	"maelstrom-node/internal/valuestore"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, g *gcounter.Module) (*gin.Engine, *peers.Registry, *valuestore.Store) {
	t.Helper()
	reg := peers.New()
	store := valuestore.New()
	h := NewHandler(zap.NewNop(), func() string { return "n1" }, reg, store, g)
	r := gin.New()
	h.Register(r)
	return r, reg, store
}

func doGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthzReportsNodeID(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := doGet(r, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["node_id"] != "n1" || body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestPeersListReflectsRegistry(t *testing.T) {
	r, reg, _ := newTestRouter(t, nil)
	reg.UpdateNeighbors([]string{"n2", "n3"})

	w := doGet(r, "/peers")
	var body struct {
		Peers []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", body.Peers)
	}
}

func TestValuesReturnsEmptyArrayNotNull(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := doGet(r, "/values")
	if w.Body.String() == `{"values":null}` {
		t.Fatalf("expected an empty array, got null: %s", w.Body.String())
	}
	var body struct {
		Values []uint64 `json:"values"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Values) != 0 {
		t.Fatalf("expected no values, got %v", body.Values)
	}
}

func TestValuesReflectsStoreContents(t *testing.T) {
	r, _, store := newTestRouter(t, nil)
	store.Insert(42, "", nil)

	w := doGet(r, "/values")
	var body struct {
		Values []uint64 `json:"values"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Values) != 1 || body.Values[0] != 42 {
		t.Fatalf("expected [42], got %v", body.Values)
	}
}

func TestCounterReturns404WhenNotCounterWorkload(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := doGet(r, "/counter")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCounterReportsLocalAndSum(t *testing.T) {
	var idSeq uint64
	ctx := nodectx.Context{
		NextID:       func() uint64 { return atomic.AddUint64(&idSeq, 1) },
		Send:         func(nodectx.Envelope) error { return nil },
		NodeID:       func() string { return "n1" },
		Ready:        func() bool { return true },
		OnlinePeers:  func() []string { return nil },
		OfflinePeers: func() []string { return nil },
	}
	skv := seqkv.New(zap.NewNop(), ctx)
	g := gcounter.New(zap.NewNop(), ctx, skv)

	r, _, _ := newTestRouter(t, g)
	w := doGet(r, "/counter")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Local float64 `json:"local"`
		Sum   float64 `json:"sum"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Local != 0 || body.Sum != 0 {
		t.Fatalf("expected a freshly-constructed counter to report zero, got %+v", body)
	}
}
