package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// NodeStatus is the health of a node as last seen by the coordinator.
type NodeStatus string

const (
	NodeStatusUnknown   NodeStatus = "unknown"
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// NodeInfo describes a storage node. Region groups nodes for HA audits;
// test replicas hold copies for experiments and are never audited.
type NodeInfo struct {
	ID          string     `json:"id"`
	Addr        string     `json:"addr"`
	Region      string     `json:"region,omitempty"`
	TestReplica bool       `json:"test_replica,omitempty"`
	Status      NodeStatus `json:"status,omitempty"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// ShardLocation is one shard's key range and the nodes holding it, as the
// coordinator's shard map records it at read time.
type ShardLocation struct {
	ShardID       int            `json:"shard_id"`
	Range         keyrange.Range `json:"range"`
	PrimaryRegion string         `json:"primary_region,omitempty"`
	Servers       []NodeInfo     `json:"servers"`
}

// ShardRange is a shard as a node reports holding it.
type ShardRange struct {
	ShardID int            `json:"shard_id"`
	Range   keyrange.Range `json:"range"`
	Primary bool           `json:"primary"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// BaseURL returns addr with an http scheme when it has none.
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

// doJSON sends body as JSON and decodes the response into out. Non-2xx
// responses become a *StatusError carrying the server's message.
func doJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			URL:     url,
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(msg)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
