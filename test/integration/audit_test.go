package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

type testNode struct {
	id, region, addr, listen string
}

// TestSystem is a coordinator and three storage nodes running as
// separate processes: two in the primary region and one remote.
type TestSystem struct {
	t          *testing.T
	coord      *exec.Cmd
	procs      []*exec.Cmd
	coordAddr  string
	nodes      []testNode
	httpClient *http.Client
	client     *cluster.Client
}

func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:         t,
		coordAddr: "http://127.0.0.1:18080",
		nodes: []testNode{
			{id: "east-1", region: "east", addr: "http://127.0.0.1:18081", listen: ":18081"},
			{id: "east-2", region: "east", addr: "http://127.0.0.1:18082", listen: ":18082"},
			{id: "west-1", region: "west", addr: "http://127.0.0.1:18083", listen: ":18083"},
		},
		httpClient: &http.Client{Timeout: 5 * time.Second},
		client:     cluster.NewClient(5 * time.Second),
	}
}

func (ts *TestSystem) Start() error {
	ts.t.Log("Starting coordinator...")
	ts.coord = exec.Command("./bin/coordinator")
	ts.coord.Env = append(os.Environ(), "COORDINATOR_ADDR=:18080")
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for _, n := range ts.nodes {
		ts.t.Logf("Starting node %s...", n.id)
		proc := exec.Command("./bin/node")
		proc.Env = append(os.Environ(),
			"NODE_ID="+n.id,
			"NODE_REGION="+n.region,
			"NODE_LISTEN="+n.listen,
			"NODE_ADDR="+n.addr,
			"COORDINATOR_ADDR="+ts.coordAddr,
			"NODE_AUDIT_KEY_LIMIT=16",
		)
		proc.Stdout = os.Stdout
		proc.Stderr = os.Stderr
		if err := proc.Start(); err != nil {
			return fmt.Errorf("failed to start node %s: %w", n.id, err)
		}
		ts.procs = append(ts.procs, proc)
		if err := ts.waitForService(n.addr + "/health"); err != nil {
			return fmt.Errorf("node %s failed to start: %w", n.id, err)
		}
	}

	// Give nodes time to register with coordinator
	time.Sleep(500 * time.Millisecond)
	return nil
}

func (ts *TestSystem) Stop() {
	for _, proc := range append(ts.procs, ts.coord) {
		if proc != nil && proc.Process != nil {
			proc.Process.Kill()
			proc.Wait()
		}
	}
}

func (ts *TestSystem) waitForService(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		default:
			resp, err := ts.httpClient.Get(url)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (ts *TestSystem) do(method, url, body string) (int, string) {
	ts.t.Helper()
	req, _ := http.NewRequest(method, url, bytes.NewBufferString(body))
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

// runAudit starts an audit and waits for it to finish.
func (ts *TestSystem) runAudit(t *testing.T, typ auditmeta.Type, r keyrange.Range) auditmeta.State {
	t.Helper()
	ctx := context.Background()
	id, err := ts.client.TriggerAudit(ctx, ts.coordAddr, typ, r)
	if err != nil {
		t.Fatalf("TriggerAudit(%s, %s): %v", typ, r, err)
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		states, err := ts.client.GetAuditStates(ctx, ts.coordAddr, cluster.GetAuditStatesRequest{Type: typ, ID: id})
		if err != nil {
			t.Fatalf("GetAuditStates: %v", err)
		}
		if states[0].Phase != auditmeta.PhaseRunning {
			return states[0]
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("audit %s/%d did not finish", typ, id)
	return auditmeta.State{}
}

// TestStorageAudit runs audits end to end against real processes.
func TestStorageAudit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := os.Stat("./bin/coordinator"); os.IsNotExist(err) {
		t.Skip("Skipping integration test: coordinator binary not found (go build -o test/integration/bin/ ./cmd/... first)")
	}
	if _, err := os.Stat("./bin/node"); os.IsNotExist(err) {
		t.Skip("Skipping integration test: node binary not found (go build -o test/integration/bin/ ./cmd/... first)")
	}

	ts := NewTestSystem(t)
	if err := ts.Start(); err != nil {
		t.Fatalf("Failed to start test system: %v", err)
	}
	defer ts.Stop()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if code, body := ts.do(http.MethodPut, ts.coordAddr+"/data/"+key, "value-"+key); code != http.StatusNoContent {
			t.Fatalf("PUT %s: %d %s", key, code, body)
		}
	}
	if code, body := ts.do(http.MethodGet, ts.coordAddr+"/data/key-042", ""); code != http.StatusOK || body != "value-key-042" {
		t.Fatalf("GET key-042: %d %q", code, body)
	}

	t.Run("ConsistentCopies", func(t *testing.T) {
		for _, typ := range []auditmeta.Type{auditmeta.TypeReplica, auditmeta.TypeHA, auditmeta.TypeLocationMetadata} {
			st := ts.runAudit(t, typ, keyrange.AllKeys)
			if st.Phase != auditmeta.PhaseComplete {
				t.Errorf("%s audit finished %s: %s", typ, st.Phase, st.Error)
			}
		}
		st := ts.runAudit(t, auditmeta.TypeStorageServerShard, keyrange.AllKeys)
		if st.Phase != auditmeta.PhaseComplete {
			t.Errorf("ssshard audit finished %s: %s", st.Phase, st.Error)
		}
	})

	t.Run("TamperedReplica", func(t *testing.T) {
		// "key-" sorts into shard 1 of 4; write around the coordinator.
		url := ts.nodes[1].addr + "/shard/1/store/key-077"
		if code, body := ts.do(http.MethodPut, url, "tampered"); code != http.StatusNoContent {
			t.Fatalf("direct PUT: %d %s", code, body)
		}

		st := ts.runAudit(t, auditmeta.TypeReplica, keyrange.New("key-", "key-\xff"))
		if st.Phase != auditmeta.PhaseError {
			t.Fatalf("replica audit finished %s, want error", st.Phase)
		}
		p, err := ts.client.GetAuditProgress(context.Background(), ts.coordAddr, auditmeta.TypeReplica, st.ID)
		if err != nil {
			t.Fatalf("GetAuditProgress: %v", err)
		}
		if p.ErrorSegments == 0 {
			t.Errorf("expected error segments in %+v", p)
		}
	})
}
