package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/config"
	"github.com/dreamware/torua-audit/internal/coordinator"
	"github.com/dreamware/torua-audit/internal/distributor"
	"github.com/dreamware/torua-audit/internal/storage"
	"github.com/dreamware/torua-audit/internal/telemetry"
)

var exit = os.Exit

func main() {
	cfgPath := getenv("TORUA_CONFIG", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		exit(1)
		return
	}
	logger := telemetry.NewLogger(cfg.Logging, "coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer shutdownTracing(context.Background())

	db, err := openDB(cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open audit metadata store")
	}
	defer db.Close()

	srv := newServer(cfg, db, cluster.NewClient(cfg.Audit.VerifyTimeout), logger)
	if err := srv.dist.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start audit distributor")
	}
	defer srv.dist.Stop()

	srv.health.Start(ctx, srv.registry.Nodes)
	defer srv.health.Stop()

	if cfgPath != "" {
		reloader, err := config.NewReloader(cfgPath, srv.dist.SetKnobs)
		if err != nil {
			logger.Warn().Err(err).Msg("config reload disabled")
		} else {
			reloader.SetLogger(logger.With().Str("component", "reloader").Logger())
			go reloader.Run(ctx)
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Coordinator.Addr).Str("owner", srv.dist.OwnerID()).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info().Msg("coordinator stopped")
}

func openDB(cfg config.Store) (storage.DB, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return storage.OpenSQLite(cfg.Path)
	default:
		return storage.NewMemoryDB(), nil
	}
}

type server struct {
	registry *coordinator.ShardRegistry
	health   *coordinator.HealthMonitor
	dist     *distributor.Distributor
	client   *http.Client
	logger   zerolog.Logger
}

func newServer(cfg *config.Config, db storage.DB, verifier distributor.Verifier, logger zerolog.Logger) *server {
	registry := coordinator.NewShardRegistry(cfg.Coordinator.NumShards)
	registry.SetReplicationFactor(cfg.Coordinator.ReplicationFactor)
	registry.SetPrimaryRegion(cfg.Coordinator.PrimaryRegion)

	health := coordinator.NewHealthMonitor(cfg.Health)
	health.SetLogger(logger)
	health.SetOnStatusChange(registry.SetNodeStatus)

	store := auditmeta.NewStore(db)
	store.SetLogger(logger)

	dist := distributor.New(store, registry, verifier, cfg.Audit)
	dist.SetLogger(logger)

	return &server{
		registry: registry,
		health:   health,
		dist:     dist,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/deregister", s.handleDeregister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/broadcast", s.handleBroadcast)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Data routing endpoints
	mux.HandleFunc("/data/", s.handleData)
	// Shard management endpoints
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/shards/assign", s.handleShardAssign)
	mux.HandleFunc("/shards/locate", s.handleLocate)
	// Audit endpoints
	mux.HandleFunc("/audit/trigger", s.handleTriggerAudit)
	mux.HandleFunc("/audit/states", s.handleAuditStates)
	mux.HandleFunc("/audit/progress", s.handleAuditProgress)
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if s.registry.RegisterNode(req.Node) {
		s.logger.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Str("region", req.Node.Region).
			Bool("test_replica", req.Node.TestReplica).Msg("node registered")
	}
	made := s.registry.AutoAssign()
	for _, a := range made {
		s.logger.Info().Int("shard", a.ShardID).Str("node", a.NodeID).Bool("primary", a.IsPrimary).Msg("auto-assigned shard")
	}

	// The registering node learns its shards from the reply; other nodes
	// that gained a copy are told directly.
	touched := make(map[string]bool)
	for _, a := range made {
		if a.NodeID != req.Node.ID {
			touched[a.NodeID] = true
		}
	}
	for nodeID := range touched {
		s.pushShards(r.Context(), nodeID)
	}

	cluster.WriteJSON(w, struct {
		Shards []cluster.ShardRange `json:"shards"`
	}{Shards: s.shardsForNode(req.Node.ID)})
}

func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.registry.RemoveNode(req.NodeID)
	s.logger.Info().Str("node", req.NodeID).Msg("node removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.registry.Nodes()})
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	targets := s.registry.Nodes()

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	for _, n := range targets {
		err := cluster.PostJSON(ctx, cluster.BaseURL(n.Addr)+req.Path, req.Payload, nil)
		res := result{NodeID: n.ID}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}

	cluster.WriteJSON(w, struct {
		SentTo  int      `json:"sent_to"`
		Results []result `json:"results"`
	}{SentTo: len(targets), Results: out})
}

// handleData routes data operations to the shard owning the key. Reads go
// to the primary copy; writes go to every copy, primary first.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	shardID, err := s.registry.GetShardForKey(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	copies := s.copiesOf(shardID)
	if len(copies) == 0 {
		http.Error(w, fmt.Sprintf("no node assigned for shard %d", shardID), http.StatusServiceUnavailable)
		return
	}
	path := fmt.Sprintf("/shard/%d/store/%s", shardID, url.PathEscape(key))

	switch r.Method {
	case http.MethodGet:
		s.forward(w, r, http.MethodGet, cluster.BaseURL(copies[0].Addr)+path, nil)
	case http.MethodPut, http.MethodDelete:
		var body []byte
		if r.Method == http.MethodPut {
			if body, err = io.ReadAll(r.Body); err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
		}
		s.forward(w, r, r.Method, cluster.BaseURL(copies[0].Addr)+path, body)
		for _, n := range copies[1:] {
			if err := s.replicate(r.Context(), r.Method, cluster.BaseURL(n.Addr)+path, body); err != nil {
				s.logger.Warn().Err(err).Str("node", n.ID).Int("shard", shardID).Msg("replica write failed")
			}
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// forward sends one request to a node and copies its response back.
func (s *server) forward(w http.ResponseWriter, r *http.Request, method, targetURL string, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *server) replicate(ctx context.Context, method, targetURL string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %d", method, targetURL, resp.StatusCode)
	}
	return nil
}

// copiesOf returns the registered nodes holding shardID, primary first.
func (s *server) copiesOf(shardID int) []cluster.NodeInfo {
	var out []cluster.NodeInfo
	for _, info := range s.registry.Shards() {
		if info.ShardID != shardID {
			continue
		}
		for _, a := range info.Assignments {
			n, ok := s.registry.Node(a.NodeID)
			if !ok {
				continue
			}
			if a.IsPrimary {
				out = append([]cluster.NodeInfo{n}, out...)
			} else {
				out = append(out, n)
			}
		}
	}
	return out
}

// shardsForNode lists the shard copies nodeID holds.
func (s *server) shardsForNode(nodeID string) []cluster.ShardRange {
	var out []cluster.ShardRange
	for _, info := range s.registry.Shards() {
		for _, a := range info.Assignments {
			if a.NodeID == nodeID {
				out = append(out, cluster.ShardRange{ShardID: info.ShardID, Range: info.Range, Primary: a.IsPrimary})
			}
		}
	}
	return out
}

// pushShards sends nodeID its complete shard list.
func (s *server) pushShards(ctx context.Context, nodeID string) {
	n, ok := s.registry.Node(nodeID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	body := struct {
		Shards []cluster.ShardRange `json:"shards"`
	}{Shards: s.shardsForNode(nodeID)}
	if err := cluster.PostJSON(ctx, cluster.BaseURL(n.Addr)+"/shards/assign", body, nil); err != nil {
		s.logger.Warn().Err(err).Str("node", nodeID).Msg("failed to push shard assignments")
	}
}

// handleShards returns the shard map
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cluster.WriteJSON(w, struct {
		Shards    []coordinator.ShardInfo `json:"shards"`
		NumShards int                     `json:"num_shards"`
	}{
		Shards:    s.registry.Shards(),
		NumShards: s.registry.NumShards(),
	})
}

// handleShardAssign manually assigns a shard to a node (admin operation)
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ShardID   int    `json:"shard_id"`
		NodeID    string `json:"node_id"`
		IsPrimary bool   `json:"is_primary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.Node(req.NodeID); !ok {
		http.Error(w, fmt.Sprintf("unknown node %q", req.NodeID), http.StatusBadRequest)
		return
	}
	if err := s.registry.AssignShard(req.ShardID, req.NodeID, req.IsPrimary); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.pushShards(r.Context(), req.NodeID)
	w.WriteHeader(http.StatusNoContent)
}

// handleLocate lists the shards covering [begin, end) and their copies.
func (s *server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	rng, err := rangeFromQuery(q)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	locs, err := s.registry.SourceServersForRange(r.Context(), rng)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, struct {
		Locations []cluster.ShardLocation `json:"locations"`
	}{Locations: locs})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
