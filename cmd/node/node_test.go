package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/shard"
)

var (
	lowRange  = keyrange.New("", "m")
	highRange = keyrange.New("m", "\xff")
)

func newTestNode(t *testing.T, id string) *Node {
	t.Helper()
	n := NewNode(cluster.NodeInfo{ID: id, Region: "east"}, "")
	n.ApplyShards([]cluster.ShardRange{
		{ShardID: 0, Range: lowRange, Primary: true},
		{ShardID: 1, Range: highRange},
	})
	return n
}

func TestApplyShards(t *testing.T) {
	n := newTestNode(t, "n1")
	low := n.GetShard(0)
	if err := low.Put("apple", []byte("red")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Same range keeps the data and updates the primary flag; shard 1 is
	// dropped; shard 2 is new.
	n.ApplyShards([]cluster.ShardRange{
		{ShardID: 0, Range: lowRange, Primary: false},
		{ShardID: 2, Range: highRange, Primary: true},
	})

	if n.GetShard(0) != low || low.IsPrimary() {
		t.Error("shard 0 should be kept and demoted")
	}
	if v, err := low.Get("apple"); err != nil || string(v) != "red" {
		t.Errorf("shard 0 lost its data: %q, %v", v, err)
	}
	if n.GetShard(1) != nil {
		t.Error("shard 1 should be dropped")
	}
	if s := n.GetShard(2); s == nil || !s.IsPrimary() || s.Range != highRange {
		t.Errorf("shard 2 = %+v", s)
	}
}

func TestShardFor(t *testing.T) {
	n := newTestNode(t, "n1")
	tests := []struct {
		name    string
		rng     keyrange.Range
		wantID  int
		wantNil bool
	}{
		{name: "inside low", rng: keyrange.New("a", "c"), wantID: 0},
		{name: "whole high", rng: highRange, wantID: 1},
		{name: "spans both", rng: keyrange.New("a", "z"), wantNil: true},
		{name: "system keys", rng: keyrange.New("\xff", "\xff\xff"), wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := n.ShardFor(tt.rng)
			if tt.wantNil {
				if s != nil {
					t.Errorf("ShardFor(%s) = shard %d, want nil", tt.rng, s.ID)
				}
				return
			}
			if s == nil || s.ID != tt.wantID {
				t.Errorf("ShardFor(%s) = %v, want shard %d", tt.rng, s, tt.wantID)
			}
		})
	}
}

// TestHandleShardRequest tests the /shard/ routes
func TestHandleShardRequest(t *testing.T) {
	n := newTestNode(t, "n1")
	n.GetShard(0).Put("apple", []byte("red"))
	n.GetShard(0).Put("banana", []byte("yellow"))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "get existing", method: http.MethodGet, path: "/shard/0/store/apple", wantStatus: http.StatusOK, wantBody: "red"},
		{name: "get missing", method: http.MethodGet, path: "/shard/0/store/cherry", wantStatus: http.StatusNotFound},
		{name: "put", method: http.MethodPut, path: "/shard/0/store/cherry", body: "dark", wantStatus: http.StatusNoContent},
		{name: "put outside shard", method: http.MethodPut, path: "/shard/0/store/zebra", body: "x", wantStatus: http.StatusBadRequest},
		{name: "delete", method: http.MethodDelete, path: "/shard/0/store/banana", wantStatus: http.StatusNoContent},
		{name: "key with slashes", method: http.MethodPut, path: "/shard/0/store/docs/a/b", body: "nested", wantStatus: http.StatusNoContent},
		{name: "unknown shard", method: http.MethodGet, path: "/shard/7/store/apple", wantStatus: http.StatusNotFound},
		{name: "bad shard id", method: http.MethodGet, path: "/shard/x/store/apple", wantStatus: http.StatusBadRequest},
		{name: "no separator", method: http.MethodGet, path: "/shard/0", wantStatus: http.StatusBadRequest},
		{name: "unsupported method", method: http.MethodPost, path: "/shard/0/store/apple", wantStatus: http.StatusMethodNotAllowed},
		{name: "unknown route", method: http.MethodGet, path: "/shard/0/other", wantStatus: http.StatusNotFound},
		{name: "stats", method: http.MethodGet, path: "/shard/0/stats", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			n.handleShardRequest(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	if v, err := n.GetShard(0).Get("docs/a/b"); err != nil || string(v) != "nested" {
		t.Errorf("nested key = %q, %v", v, err)
	}
}

func TestHandleListKeys(t *testing.T) {
	n := newTestNode(t, "n1")
	for _, k := range []string{"d", "a", "c", "b"} {
		n.GetShard(0).Put(k, []byte(k))
	}

	tests := []struct {
		query string
		want  []string
	}{
		{query: "", want: []string{"a", "b", "c", "d"}},
		{query: "?begin=b", want: []string{"b", "c", "d"}},
		{query: "?begin=b&end=d", want: []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			n.handleShardRequest(w, httptest.NewRequest(http.MethodGet, "/shard/0/store"+tt.query, nil))
			var reply struct {
				Keys  []string `json:"keys"`
				Count int      `json:"count"`
			}
			if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if fmt.Sprint(reply.Keys) != fmt.Sprint(tt.want) || reply.Count != len(tt.want) {
				t.Errorf("keys = %v (%d), want %v", reply.Keys, reply.Count, tt.want)
			}
		})
	}
}

func TestHandleAssignAndShards(t *testing.T) {
	n := NewNode(cluster.NodeInfo{ID: "n1"}, "")

	w := httptest.NewRecorder()
	n.handleAssign(w, httptest.NewRequest(http.MethodGet, "/shards/assign", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}

	w = httptest.NewRecorder()
	n.handleAssign(w, httptest.NewRequest(http.MethodPost, "/shards/assign", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", w.Code)
	}

	body, _ := json.Marshal(map[string]any{"shards": []cluster.ShardRange{{ShardID: 3, Range: highRange, Primary: true}}})
	w = httptest.NewRecorder()
	n.handleAssign(w, httptest.NewRequest(http.MethodPost, "/shards/assign", strings.NewReader(string(body))))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	w = httptest.NewRecorder()
	n.handleShards(w, httptest.NewRequest(http.MethodGet, "/shards", nil))
	var reply struct {
		Shards []cluster.ShardRange `json:"shards"`
	}
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reply.Shards) != 1 || reply.Shards[0].ShardID != 3 || reply.Shards[0].Range != highRange {
		t.Errorf("unexpected shards %+v", reply.Shards)
	}
}

// TestNodeInfo tests the /info endpoint
func TestNodeInfo(t *testing.T) {
	n := newTestNode(t, "n1")
	n.GetShard(1).Put("pear", []byte("green"))

	w := httptest.NewRecorder()
	n.handleNodeInfo(w, httptest.NewRequest(http.MethodGet, "/info", nil))

	var reply struct {
		Node   cluster.NodeInfo  `json:"node"`
		Shards []shard.ShardInfo `json:"shards"`
		Count  int               `json:"shard_count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Node.ID != "n1" || reply.Count != 2 {
		t.Fatalf("unexpected info %+v", reply)
	}
	if reply.Shards[1].ID != 1 || reply.Shards[1].KeyCount != 1 || reply.Shards[1].Range != highRange {
		t.Errorf("unexpected shard info %+v", reply.Shards[1])
	}
}

func TestSpecialCharacterKeys(t *testing.T) {
	n := newTestNode(t, "n1")
	ts := httptest.NewServer(n.routes())
	defer ts.Close()

	for _, key := range []string{"user:123", "with space", "a/b/c", "ünïcode", "q?x=1"} {
		t.Run(key, func(t *testing.T) {
			u := fmt.Sprintf("%s/shard/%d/store/%s", ts.URL, shardOf(key), url.PathEscape(key))
			req, _ := http.NewRequest(http.MethodPut, u, strings.NewReader("v:"+key))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("PUT: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				t.Fatalf("PUT status = %d", resp.StatusCode)
			}
			if v, err := n.GetShard(shardOf(key)).Get(key); err != nil || string(v) != "v:"+key {
				t.Errorf("stored %q, %v", v, err)
			}
		})
	}
}

func shardOf(key string) int {
	if lowRange.ContainsKey(key) {
		return 0
	}
	return 1
}

func TestConcurrentShardOperations(t *testing.T) {
	n := newTestNode(t, "n1")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				w := httptest.NewRecorder()
				n.handleShardRequest(w, httptest.NewRequest(http.MethodPut,
					fmt.Sprintf("/shard/0/store/k-%d-%d", id, j), strings.NewReader("v")))
				if w.Code != http.StatusNoContent {
					t.Errorf("PUT status = %d", w.Code)
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				n.ShardRanges()
				n.ShardFor(keyrange.New("a", "b"))
			}
		}()
	}
	wg.Wait()

	if got := n.GetShard(0).GetStats().Storage.Keys; got != 200 {
		t.Errorf("stored %d keys, want 200", got)
	}
}
