// Package main implements the Torua node service, which holds shard copies
// assigned by the coordinator and answers audit requests about them.
//
// The node is a worker in the Torua distributed system, responsible for:
//   - Holding the shard copies the coordinator assigns to it
//   - Executing data operations (GET, PUT, DELETE)
//   - Digesting its copies and comparing them with other copies on request
//   - Registering with the coordinator
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health        - Health check        │
//	│    /control       - Control messages    │
//	│    /shard/*       - Shard operations    │
//	│    /shards        - Held shard ranges   │
//	│    /shards/assign - New assignments     │
//	│    /digest        - Hash of a range     │
//	│    /audit         - Verify a range      │
//	│    /info          - Node information    │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - NODE_REGION: Region the node runs in
//   - NODE_TEST_REPLICA: "true" for a copy that is never audited
//   - NODE_AUDIT_KEY_LIMIT: Keys hashed per audit request (default: 1000)
//   - TORUA_LOG_LEVEL, TORUA_TRACING: Log level and trace exporter
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_REGION=us-east \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/config"
	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/shard"
	"github.com/dreamware/torua-audit/internal/storage"
	"github.com/dreamware/torua-audit/internal/telemetry"
)

var exit = os.Exit

// defaultDigestLimit bounds how many keys one audit request hashes.
const defaultDigestLimit = 1000

// Node is a storage node: the shard copies the coordinator assigned to it
// and the client it uses to compare them with other copies.
type Node struct {
	Info cluster.NodeInfo

	// coord is the coordinator's base URL.
	coord       string
	client      *cluster.Client
	digestLimit int

	mu     sync.RWMutex
	shards map[int]*shard.Shard

	logger zerolog.Logger
}

func NewNode(info cluster.NodeInfo, coord string) *Node {
	return &Node{
		Info:        info,
		coord:       coord,
		client:      cluster.NewClient(10 * time.Second),
		digestLimit: defaultDigestLimit,
		shards:      make(map[int]*shard.Shard),
		logger:      zerolog.Nop(),
	}
}

func (n *Node) SetLogger(logger zerolog.Logger) {
	n.logger = logger
}

// ApplyShards makes the node's shard set match assigned. Shards that are
// no longer assigned are dropped along with their data; kept shards only
// have their primary flag updated.
func (n *Node) ApplyShards(assigned []cluster.ShardRange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keep := make(map[int]bool, len(assigned))
	for _, a := range assigned {
		keep[a.ShardID] = true
		if s, ok := n.shards[a.ShardID]; ok && s.Range == a.Range {
			s.SetPrimary(a.Primary)
			continue
		}
		n.shards[a.ShardID] = shard.NewShard(a.ShardID, a.Range, a.Primary)
		n.logger.Info().Int("shard", a.ShardID).Str("range", a.Range.String()).Bool("primary", a.Primary).Msg("shard assigned")
	}
	for id, s := range n.shards {
		if !keep[id] {
			s.SetState(shard.ShardStateDeleted)
			delete(n.shards, id)
			n.logger.Info().Int("shard", id).Msg("shard unassigned")
		}
	}
}

func (n *Node) GetShard(id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[id]
}

// ShardFor returns the shard whose range contains r, or nil.
func (n *Node) ShardFor(r keyrange.Range) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.shards {
		if s.Range.Contains(r) {
			return s
		}
	}
	return nil
}

// ShardRanges lists the node's shards by id.
func (n *Node) ShardRanges() []cluster.ShardRange {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]cluster.ShardRange, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, cluster.ShardRange{ShardID: s.ID, Range: s.Range, Primary: s.IsPrimary()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

func main() {
	logger := telemetry.NewLogger(config.Logging{Level: getenv("TORUA_LOG_LEVEL", "info")}, "node")

	nodeID, err := mustGetenv("NODE_ID")
	if err != nil {
		logger.Error().Err(err).Send()
		exit(1)
		return
	}
	coord, err := mustGetenv("COORDINATOR_ADDR")
	if err != nil {
		logger.Error().Err(err).Send()
		exit(1)
		return
	}
	listen := getenv("NODE_LISTEN", ":8081")
	public := getenv("NODE_ADDR", "http://127.0.0.1:8081")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, config.Tracing{
		Exporter:    getenv("TORUA_TRACING", "none"),
		ServiceName: "torua-node",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer shutdownTracing(context.Background())

	node := NewNode(cluster.NodeInfo{
		ID:          nodeID,
		Addr:        public,
		Region:      getenv("NODE_REGION", ""),
		TestReplica: getenv("NODE_TEST_REPLICA", "") == "true",
	}, coord)
	node.SetLogger(logger.With().Str("node", nodeID).Logger())
	if v := getenv("NODE_AUDIT_KEY_LIMIT", ""); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			logger.Fatal().Str("value", v).Msg("NODE_AUDIT_KEY_LIMIT must be a positive integer")
		}
		node.digestLimit = limit
	}

	s := &http.Server{
		Addr:              listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("listen", listen).Str("public", public).Msg("node listening")
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	if err := node.register(ctx, 10, 400*time.Millisecond); err != nil {
		logger.Fatal().Err(err).Msg("failed to register with coordinator")
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("node stopped")
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", n.handleControl)
	// Path: /shard/{shardID}/store/{key}
	mux.HandleFunc("/shard/", n.handleShardRequest)
	mux.HandleFunc("/shards", n.handleShards)
	mux.HandleFunc("/shards/assign", n.handleAssign)
	mux.HandleFunc("/info", n.handleNodeInfo)
	mux.HandleFunc("/digest", n.handleDigest)
	mux.HandleFunc("/audit", n.handleAudit)
	return mux
}

// register announces the node to the coordinator and applies the shards
// it is given, retrying while the coordinator is unreachable.
func (n *Node) register(ctx context.Context, attempts int, delay time.Duration) error {
	body := cluster.RegisterRequest{Node: n.Info}
	var reply struct {
		Shards []cluster.ShardRange `json:"shards"`
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, cluster.BaseURL(n.coord)+"/register", body, &reply)
		if lastErr == nil {
			n.ApplyShards(reply.Shards)
			n.logger.Info().Str("coordinator", n.coord).Int("shards", len(reply.Shards)).Msg("registered with coordinator")
			return nil
		}
		n.logger.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// handleControl logs control messages broadcast by the coordinator.
func (n *Node) handleControl(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if json.Valid(raw) {
		n.logger.Info().RawJSON("payload", raw).Msg("control message")
	} else {
		n.logger.Info().Bytes("payload", raw).Msg("control message")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cluster.WriteJSON(w, struct {
		Shards []cluster.ShardRange `json:"shards"`
	}{Shards: n.ShardRanges()})
}

// handleAssign replaces the node's shard set with the coordinator's view.
func (n *Node) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Shards []cluster.ShardRange `json:"shards"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.ApplyShards(req.Shards)
	w.WriteHeader(http.StatusNoContent)
}

// handleShardRequest serves /shard/{shardID}/store[/{key}] and
// /shard/{shardID}/stats. Keys may contain slashes.
func (n *Node) handleShardRequest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/shard/")
	idStr, remaining, ok := strings.Cut(rest, "/")
	if !ok {
		http.Error(w, "invalid path format", http.StatusBadRequest)
		return
	}
	shardID, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "invalid shard ID", http.StatusBadRequest)
		return
	}
	s := n.GetShard(shardID)
	if s == nil {
		http.Error(w, fmt.Sprintf("shard %d not on this node", shardID), http.StatusNotFound)
		return
	}

	switch {
	case remaining == "store" || remaining == "store/":
		if r.Method == http.MethodGet {
			handleListKeys(s, w, r)
			return
		}
	case strings.HasPrefix(remaining, "store/"):
		key := strings.TrimPrefix(remaining, "store/")
		switch r.Method {
		case http.MethodGet:
			handleGet(s, key, w, r)
		case http.MethodPut:
			handlePut(s, key, w, r)
		case http.MethodDelete:
			handleDelete(s, key, w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	case remaining == "stats":
		if r.Method == http.MethodGet {
			handleShardStats(s, w, r)
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func handleGet(s *shard.Shard, key string, w http.ResponseWriter, _ *http.Request) {
	value, err := s.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func handlePut(s *shard.Shard, key string, w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.Put(key, value); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, shard.ErrWrongShard) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleDelete(s *shard.Shard, key string, w http.ResponseWriter, _ *http.Request) {
	if err := s.Delete(key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListKeys lists the shard's keys in order, optionally limited to
// [begin, end) by query parameters.
func handleListKeys(s *shard.Shard, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng := s.Range
	if q.Has("begin") {
		rng.Begin = q.Get("begin")
	}
	if q.Has("end") {
		rng.End = q.Get("end")
	}
	keys := s.ListKeysInRange(rng)

	cluster.WriteJSON(w, struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{
		Keys:  keys,
		Count: len(keys),
	})
}

func handleShardStats(s *shard.Shard, w http.ResponseWriter, _ *http.Request) {
	stats := s.GetStats()
	cluster.WriteJSON(w, struct {
		ShardID int                  `json:"shard_id"`
		Range   keyrange.Range       `json:"range"`
		Ops     shard.OperationStats `json:"operations"`
		Storage storage.StoreStats   `json:"storage"`
	}{
		ShardID: s.ID,
		Range:   s.Range,
		Ops:     stats.Ops,
		Storage: stats.Storage,
	})
}

func (n *Node) handleNodeInfo(w http.ResponseWriter, _ *http.Request) {
	n.mu.RLock()
	infos := make([]shard.ShardInfo, 0, len(n.shards))
	for _, s := range n.shards {
		infos = append(infos, s.Info())
	}
	n.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	cluster.WriteJSON(w, struct {
		Node   cluster.NodeInfo  `json:"node"`
		Shards []shard.ShardInfo `json:"shards"`
		Count  int               `json:"shard_count"`
	}{
		Node:   n.Info,
		Shards: infos,
		Count:  len(infos),
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) (string, error) {
	if v := os.Getenv(k); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing env %s", k)
}
