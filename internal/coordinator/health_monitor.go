package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/config"
)

// NodeHealth tracks the health of a single node.
type NodeHealth struct {
	LastCheck        time.Time          `json:"last_check"`
	LastHealthy      time.Time          `json:"last_healthy"`
	NodeID           string             `json:"node_id"`
	Status           cluster.NodeStatus `json:"status"`
	ConsecutiveFails int                `json:"consecutive_fails"`
}

// HealthMonitor periodically probes every node's /health endpoint and
// reports status changes. The audit scheduler uses the resulting status to
// prefer healthy replicas when it picks which node runs a check.
type HealthMonitor struct {
	nodes          map[string]*NodeHealth
	httpClient     *http.Client
	checkFunc      func(ctx context.Context, addr string) error
	onStatusChange func(nodeID string, status cluster.NodeStatus)
	ctx            context.Context
	cancel         context.CancelFunc
	interval       time.Duration
	timeout        time.Duration
	mu             sync.RWMutex
	wg             sync.WaitGroup
	maxFailures    int
	logger         zerolog.Logger
}

// NewHealthMonitor creates a monitor from cfg. Zero fields fall back to a
// 5s interval, a 2s probe timeout and 3 failures before a node is marked
// unhealthy.
//
// Example:
//
//	monitor := NewHealthMonitor(cfg.Health)
//	monitor.SetOnStatusChange(registry.SetNodeStatus)
//	go monitor.Start(ctx, registry.Nodes)
func NewHealthMonitor(cfg config.Health) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		ctx:         ctx,
		cancel:      cancel,
		logger:      zerolog.Nop(),
	}
}

// SetLogger sets the logger for the monitor.
func (h *HealthMonitor) SetLogger(logger zerolog.Logger) {
	h.logger = logger.With().Str("component", "health").Logger()
}

// SetOnStatusChange sets the callback invoked when a node turns healthy or
// unhealthy. It runs without the monitor's lock held.
func (h *HealthMonitor) SetOnStatusChange(callback func(nodeID string, status cluster.NodeStatus)) {
	h.onStatusChange = callback
}

// SetCheckFunction overrides the HTTP probe, for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start checks every node returned by nodeProvider once immediately and
// then every interval, until ctx is cancelled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels monitoring and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Info().Msg("health monitor stopped")
}

func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Info().Str("node_id", nodeID).Msg("stopped monitoring node")
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      cluster.NodeStatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(probeCtx, node.Addr)
	cancel()

	h.mu.Lock()
	health.LastCheck = time.Now()
	previous := health.Status
	log := h.logger.With().Str("node_id", node.ID).Logger()

	if err != nil {
		health.ConsecutiveFails++
		log.Debug().Err(err).
			Int("attempt", health.ConsecutiveFails).
			Int("max_failures", h.maxFailures).
			Msg("health check failed")
		if health.ConsecutiveFails >= h.maxFailures {
			health.Status = cluster.NodeStatusUnhealthy
		}
	} else {
		health.Status = cluster.NodeStatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	status := health.Status
	h.mu.Unlock()

	if status == previous {
		return
	}
	switch status {
	case cluster.NodeStatusUnhealthy:
		log.Warn().Err(err).Msg("node marked unhealthy")
	case cluster.NodeStatusHealthy:
		log.Info().Str("previous", string(previous)).Msg("node healthy")
	}
	if h.onStatusChange != nil {
		h.onStatusChange(node.ID, status)
	}
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cluster.BaseURL(addr)+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health, or nil if the node is
// not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns a copy of every monitored node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether nodeID passed its last check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == cluster.NodeStatusHealthy
}
