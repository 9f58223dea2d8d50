package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{name: "returns env value when set", key: "TEST_NODE_VAR", value: "custom", def: "default", expected: "custom"},
		{name: "returns default when unset", key: "TEST_NODE_UNSET", def: "default", expected: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

func TestMustGetenv(t *testing.T) {
	t.Setenv("TEST_NODE_REQUIRED", "value")
	if v, err := mustGetenv("TEST_NODE_REQUIRED"); err != nil || v != "value" {
		t.Errorf("mustGetenv() = %q, %v; want value", v, err)
	}
	if _, err := mustGetenv("TEST_NODE_MISSING_VAR"); err == nil || !strings.Contains(err.Error(), "TEST_NODE_MISSING_VAR") {
		t.Errorf("mustGetenv(missing) error = %v", err)
	}
}

func TestHandleControl(t *testing.T) {
	node := NewNode(cluster.NodeInfo{ID: "n1"}, "")
	for _, body := range []string{`{"cmd":"ping"}`, "not json", ""} {
		w := httptest.NewRecorder()
		node.handleControl(w, httptest.NewRequest(http.MethodPost, "/control", strings.NewReader(body)))
		if w.Code != http.StatusNoContent {
			t.Errorf("body %q: status = %d, want 204", body, w.Code)
		}
	}
}

func TestRegister(t *testing.T) {
	var calls atomic.Int32
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		var req cluster.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Node.ID != "n1" || req.Node.Region != "east" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		cluster.WriteJSON(w, map[string]any{"shards": []cluster.ShardRange{
			{ShardID: 0, Range: keyrange.New("", "m"), Primary: true},
			{ShardID: 1, Range: keyrange.New("m", "\xff")},
		}})
	}))
	defer coord.Close()

	node := NewNode(cluster.NodeInfo{ID: "n1", Addr: "http://n1", Region: "east"}, coord.URL)
	if err := node.register(context.Background(), 5, time.Millisecond); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("register made %d calls, want 3", calls.Load())
	}
	got := node.ShardRanges()
	if len(got) != 2 || !got[0].Primary || got[1].Primary || got[1].Range.End != "\xff" {
		t.Errorf("unexpected shards %+v", got)
	}
}

func TestRegisterWithUnreachableServer(t *testing.T) {
	node := NewNode(cluster.NodeInfo{ID: "n1", Addr: "http://n1"}, "http://127.0.0.1:1")
	if err := node.register(context.Background(), 2, time.Millisecond); err == nil {
		t.Error("expected an error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := node.register(ctx, 10, time.Hour); err == nil {
		t.Error("expected cancellation to stop the retries")
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := httptest.NewServer(NewNode(cluster.NodeInfo{ID: "n1"}, "").routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
