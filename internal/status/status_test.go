package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/circuitmesh/circuit"
	"github.com/dskow/circuitmesh/store/mem"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*Handler, *circuit.Factory) {
	t.Helper()
	st := mem.New()
	t.Cleanup(func() { st.Close() })

	factory := circuit.NewFactory(st, circuit.Options{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	}, testLogger())
	t.Cleanup(factory.Cleanup)

	if _, err := factory.CreateGroup(circuit.GroupConfig{Name: "payment", ShardCount: 2}); err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	return New(factory, testLogger()), factory
}

func TestLiveness(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}`+"\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestBreakers_ReportsShardStates(t *testing.T) {
	h, factory := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Trip shard 1 so the report shows a mixed picture.
	factory.ExecuteOn(context.Background(), "payment", 1, func(context.Context) (any, error) {
		return nil, context.DeadlineExceeded
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Services map[string]map[string]struct {
			State          string `json:"state"`
			FailedRequests int64  `json:"failed_requests"`
		} `json:"services"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	shards, ok := body.Services["payment"]
	if !ok {
		t.Fatalf("payment group missing from %+v", body.Services)
	}
	if len(shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(shards))
	}
	if shards["0"].State != "CLOSED" {
		t.Fatalf("expected shard 0 CLOSED, got %q", shards["0"].State)
	}
	if shards["1"].State != "OPEN" {
		t.Fatalf("expected shard 1 OPEN, got %q", shards["1"].State)
	}
	if shards["1"].FailedRequests != 1 {
		t.Fatalf("expected 1 failed request on shard 1, got %d", shards["1"].FailedRequests)
	}
}
