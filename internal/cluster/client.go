package cluster

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/telemetry"
)

// Client calls storage nodes and the coordinator over HTTP.
type Client struct {
	http *http.Client
}

// NewClient returns a Client whose requests time out after timeout. Audit
// calls are additionally bounded by their context.
func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Audit asks node to verify req.Range. A returned error means the call
// itself failed; an inconsistency is reported through the reply's Phase.
func (c *Client) Audit(ctx context.Context, node NodeInfo, req AuditRequest) (AuditReply, error) {
	ctx, span := telemetry.StartSpan(ctx, "cluster.Audit",
		attribute.String("audit.type", req.Type.String()),
		attribute.Int64("audit.id", int64(req.AuditID)),
		attribute.String("audit.range", req.Range.String()),
		attribute.String("node.id", node.ID),
	)
	defer span.End()

	var reply AuditReply
	if err := doJSON(ctx, c.http, http.MethodPost, BaseURL(node.Addr)+"/audit", req, &reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AuditReply{}, err
	}
	return reply, nil
}

// Digest fetches node's digest of the keys it holds in r.
func (c *Client) Digest(ctx context.Context, node NodeInfo, r keyrange.Range) (DigestReply, error) {
	var reply DigestReply
	err := doJSON(ctx, c.http, http.MethodPost, BaseURL(node.Addr)+"/digest", DigestRequest{Range: r}, &reply)
	return reply, err
}

// Shards lists the shards node holds.
func (c *Client) Shards(ctx context.Context, node NodeInfo) ([]ShardRange, error) {
	var reply struct {
		Shards []ShardRange `json:"shards"`
	}
	err := doJSON(ctx, c.http, http.MethodGet, BaseURL(node.Addr)+"/shards", nil, &reply)
	return reply.Shards, err
}

// Locate asks the coordinator at coord which shards cover r.
func (c *Client) Locate(ctx context.Context, coord string, r keyrange.Range) ([]ShardLocation, error) {
	q := url.Values{}
	q.Set("begin", r.Begin)
	q.Set("end", r.End)
	var reply struct {
		Locations []ShardLocation `json:"locations"`
	}
	err := doJSON(ctx, c.http, http.MethodGet, BaseURL(coord)+"/shards/locate?"+q.Encode(), nil, &reply)
	return reply.Locations, err
}

// TriggerAudit asks the coordinator at coord to start an audit and returns
// its id.
func (c *Client) TriggerAudit(ctx context.Context, coord string, t auditmeta.Type, r keyrange.Range) (uint64, error) {
	var reply TriggerAuditReply
	err := doJSON(ctx, c.http, http.MethodPost, BaseURL(coord)+"/audit/trigger",
		TriggerAuditRequest{Type: t, Range: r}, &reply)
	return reply.ID, err
}

// CancelAudit asks the coordinator at coord to cancel audit id.
func (c *Client) CancelAudit(ctx context.Context, coord string, t auditmeta.Type, id uint64) error {
	return doJSON(ctx, c.http, http.MethodPost, BaseURL(coord)+"/audit/trigger",
		TriggerAuditRequest{Type: t, Cancel: true, ID: id}, nil)
}

// GetAuditStates queries audit records from the coordinator at coord.
func (c *Client) GetAuditStates(ctx context.Context, coord string, req GetAuditStatesRequest) ([]auditmeta.State, error) {
	q := url.Values{}
	q.Set("type", req.Type.String())
	if req.ID != 0 {
		q.Set("id", strconv.FormatUint(req.ID, 10))
	}
	if req.Phase != auditmeta.PhaseInvalid {
		q.Set("phase", req.Phase.String())
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var reply GetAuditStatesReply
	err := doJSON(ctx, c.http, http.MethodGet, BaseURL(coord)+"/audit/states?"+q.Encode(), nil, &reply)
	return reply.States, err
}

// GetAuditProgress fetches the progress report of audit id.
func (c *Client) GetAuditProgress(ctx context.Context, coord string, t auditmeta.Type, id uint64) (auditmeta.Progress, error) {
	q := url.Values{}
	q.Set("type", t.String())
	q.Set("id", strconv.FormatUint(id, 10))
	var p auditmeta.Progress
	err := doJSON(ctx, c.http, http.MethodGet, BaseURL(coord)+"/audit/progress?"+q.Encode(), nil, &p)
	return p, err
}
