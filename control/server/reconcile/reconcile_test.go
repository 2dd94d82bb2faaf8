package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/caldog20/fleetcore/control/server/fleetclient"
	"github.com/caldog20/fleetcore/control/server/health"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/store"
)

type fakeController struct {
	pingErr   error
	listErr   error
	agents    []fleetclient.Agent
	protocols []fleetclient.AgentProtocols
	protoErr  error
}

func (f *fakeController) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeController) ListAgents(ctx context.Context) ([]fleetclient.Agent, error) {
	return f.agents, f.listErr
}

func (f *fakeController) GetAgent(ctx context.Context, id string) (*fleetclient.Agent, error) {
	for _, a := range f.agents {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, fleetclient.ErrAgentNotFound
}

func (f *fakeController) ListProtocols(ctx context.Context) ([]fleetclient.AgentProtocols, error) {
	return f.protocols, f.protoErr
}

func newTestStore(t *testing.T) *store.SqlStore {
	t.Helper()
	s, err := store.NewSqlStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgents() []fleetclient.Agent {
	return []fleetclient.Agent{
		{ID: "a1", Hostname: "edge-1", IPAddress: "10.0.0.1", Status: "online",
			Metadata: &fleetclient.AgentMetadata{Location: "Virginia", Country: "US"}},
		{ID: "a2", Hostname: "edge-2", IPAddress: "10.0.0.2", Status: "OFFLINE"},
		{ID: "a3", Hostname: "edge-3", IPAddress: "10.0.0.3", Status: "rebooting",
			Metrics: &fleetclient.AgentMetrics{Connections: 10, CPU: 20, Memory: 30, Disk: 40, LatencyMs: 5}},
	}
}

func TestReconcileAllInsertsAndMapsStatus(t *testing.T) {
	s := newTestStore(t)
	r := New(&fakeController{agents: testAgents()}, s, Options{})
	ctx := context.Background()

	summary, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 3 || summary.Inserted != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	want := map[string]node.Status{
		"a1": node.StatusRunning,
		"a2": node.StatusDisabled,
		"a3": node.StatusFaulty,
	}
	for code, status := range want {
		n, err := s.GetNodeByCode(ctx, code)
		if err != nil {
			t.Fatal(err)
		}
		if n.Status != status {
			t.Errorf("%s: got status %s, want %s", code, n.Status, status)
		}
	}

	a1, _ := s.GetNodeByCode(ctx, "a1")
	if a1.Country != "US" || a1.Region != "Virginia" || a1.MaxConnections != node.DefaultMaxConnections || a1.Type != node.TypeFull {
		t.Fatalf("unexpected defaults %+v", a1)
	}
	a2, _ := s.GetNodeByCode(ctx, "a2")
	if a2.Country != node.UnknownCountry {
		t.Fatalf("got country %q, want %q", a2.Country, node.UnknownCountry)
	}
	a3, _ := s.GetNodeByCode(ctx, "a3")
	if a3.CurrentConnections != 10 || a3.CPUUsage != 20 {
		t.Fatalf("metrics not applied on insert: %+v", a3)
	}
}

func TestReconcileAllIdempotent(t *testing.T) {
	s := newTestStore(t)
	r := New(&fakeController{agents: testAgents()}, s, Options{})
	ctx := context.Background()

	if _, err := r.ReconcileAll(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := s.GetNodes(ctx, store.NodeFilter{})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Unchanged != 3 || summary.Inserted != 0 || summary.Updated != 0 {
		t.Fatalf("second run was not a no-op: %+v", summary)
	}

	after, err := s.GetNodes(ctx, store.NodeFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("node count changed from %d to %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || !before[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Fatalf("node %s changed between runs", before[i].Code)
		}
	}
}

func TestReconcileAllUpdatesPreservesUnreported(t *testing.T) {
	s := newTestStore(t)
	fc := &fakeController{agents: testAgents()}
	r := New(fc, s, Options{})
	ctx := context.Background()

	if _, err := r.ReconcileAll(ctx); err != nil {
		t.Fatal(err)
	}
	a1, _ := s.GetNodeByCode(ctx, "a1")
	a1.MaxConnections = 5000
	if err := s.UpdateNode(ctx, a1); err != nil {
		t.Fatal(err)
	}

	fc.agents[0].Status = "offline"
	fc.agents[0].Metadata = nil
	summary, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Updated != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	got, _ := s.GetNodeByCode(ctx, "a1")
	if got.ID != a1.ID || got.Status != node.StatusDisabled {
		t.Fatalf("unexpected node %+v", got)
	}
	if got.MaxConnections != 5000 || got.Country != "US" || got.Region != "Virginia" {
		t.Fatalf("unreported fields were overwritten: %+v", got)
	}
}

func TestReconcileAllConnectivityAbort(t *testing.T) {
	s := newTestStore(t)
	pingErr := &fleetclient.ConnectivityError{Op: "ping", Err: errors.New("refused")}
	r := New(&fakeController{pingErr: pingErr, agents: testAgents()}, s, Options{})

	_, err := r.ReconcileAll(context.Background())
	var cerr *fleetclient.ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, expected ConnectivityError", err)
	}
	nodes, _ := s.GetNodes(context.Background(), store.NodeFilter{})
	if len(nodes) != 0 {
		t.Fatalf("registry written despite unreachable controller: %v", nodes)
	}
}

func TestReconcileAllPartialFailure(t *testing.T) {
	s := newTestStore(t)
	agents := append(testAgents(),
		fleetclient.Agent{ID: "bad", Status: "online"},
		fleetclient.Agent{ID: "dup", IPAddress: "10.0.0.1", Status: "online"},
	)
	r := New(&fakeController{agents: agents}, s, Options{})

	summary, err := r.ReconcileAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Inserted != 3 || summary.Failed != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestReconcileAllMarkMissing(t *testing.T) {
	s := newTestStore(t)
	fc := &fakeController{agents: testAgents()}
	ctx := context.Background()

	if _, err := New(fc, s, Options{}).ReconcileAll(ctx); err != nil {
		t.Fatal(err)
	}

	fc.agents = fc.agents[1:]
	summary, err := New(fc, s, Options{MarkMissing: true}).ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Missing != 1 {
		t.Fatalf("got %d missing, want 1", summary.Missing)
	}
	a1, err := s.GetNodeByCode(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a1.Status != node.StatusDisabled {
		t.Fatalf("got status %s, want disabled", a1.Status)
	}
}

func TestSyncStatusOnly(t *testing.T) {
	s := newTestStore(t)
	fc := &fakeController{agents: testAgents()}
	r := New(fc, s, Options{})
	ctx := context.Background()

	if _, err := r.ReconcileAll(ctx); err != nil {
		t.Fatal(err)
	}

	fc.agents[0].Status = "offline"
	fc.agents[0].Metrics = &fleetclient.AgentMetrics{Connections: 99, CPU: 55}
	fc.agents[0].Hostname = "renamed"
	fc.agents = append(fc.agents, fleetclient.Agent{ID: "new", IPAddress: "10.0.0.9", Status: "online"})

	summary, err := r.SyncStatusOnly(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Updated != 3 || summary.Unknown != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	a1, _ := s.GetNodeByCode(ctx, "a1")
	if a1.Status != node.StatusDisabled || a1.CurrentConnections != 99 || a1.CPUUsage != 55 {
		t.Fatalf("status sync not applied: %+v", a1)
	}
	if a1.Name != "edge-1" {
		t.Fatalf("status sync touched identity: %q", a1.Name)
	}
	if a1.LastCheckedAt == nil {
		t.Fatal("expected last checked time to be set")
	}
	if _, err := s.GetNodeByCode(ctx, "new"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("status sync inserted an unknown agent: %v", err)
	}
}

type countingProber struct {
	mu     sync.Mutex
	probed map[string]int
}

func (p *countingProber) Probe(ctx context.Context, address string) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[address]++
	return true, time.Millisecond
}

func TestStatusSyncLeavesNodesStale(t *testing.T) {
	s := newTestStore(t)
	fc := &fakeController{agents: testAgents()}
	r := New(fc, s, Options{})
	ctx := context.Background()

	if _, err := r.ReconcileAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SyncStatusOnly(ctx); err != nil {
		t.Fatal(err)
	}

	prober := &countingProber{probed: make(map[string]int)}
	batch, err := health.New(s, prober, health.Options{}).CheckStale(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Total != len(fc.agents) {
		t.Fatalf("got %d stale nodes, want %d", batch.Total, len(fc.agents))
	}
	for _, a := range fc.agents {
		if prober.probed[a.IPAddress] != 1 {
			t.Fatalf("node %s probed %d times", a.ID, prober.probed[a.IPAddress])
		}
	}
}

func TestTranslateRejectsBadPayloads(t *testing.T) {
	cases := []fleetclient.Agent{
		{ID: "t", IPAddress: "10.0.1.1", Metadata: &fleetclient.AgentMetadata{NodeType: "relay"}},
		{ID: "m", IPAddress: "10.0.1.2", Metadata: &fleetclient.AgentMetadata{MaxConnections: -1}},
		{ID: "c", IPAddress: "10.0.1.3", Metrics: &fleetclient.AgentMetrics{CPU: 101}},
		{ID: "l", IPAddress: "10.0.1.4", Metrics: &fleetclient.AgentMetrics{LatencyMs: -5}},
	}
	for _, a := range cases {
		var terr *TranslationError
		if _, err := translate(a); !errors.As(err, &terr) || terr.AgentID != a.ID {
			t.Errorf("agent %s: got %v, expected TranslationError", a.ID, err)
		}
	}

	n, err := translate(fleetclient.Agent{ID: "ok", IPAddress: "10.0.1.5",
		Metadata: &fleetclient.AgentMetadata{NodeType: " Forwarding "}})
	if err != nil {
		t.Fatal(err)
	}
	if n.Type != node.TypeForwarding {
		t.Fatalf("got type %q, want forwarding", n.Type)
	}
}

func TestSyncNode(t *testing.T) {
	s := newTestStore(t)
	r := New(&fakeController{agents: testAgents()}, s, Options{})
	ctx := context.Background()

	outcome, err := r.SyncNode(ctx, "a2")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Inserted {
		t.Fatalf("got %s, want inserted", outcome)
	}
	if _, err := r.SyncNode(ctx, "missing"); !errors.Is(err, fleetclient.ErrAgentNotFound) {
		t.Fatalf("got %v, expected ErrAgentNotFound", err)
	}
}

func TestSyncProtocolCapabilities(t *testing.T) {
	s := newTestStore(t)
	fc := &fakeController{agents: testAgents()}
	r := New(fc, s, Options{})
	ctx := context.Background()

	if _, err := r.ReconcileAll(ctx); err != nil {
		t.Fatal(err)
	}

	fc.protocols = []fleetclient.AgentProtocols{
		{AgentID: "a1", Protocols: []json.RawMessage{
			json.RawMessage(`{"type":"trojan","port":443,"tls":{"server_name":"edge-1"}}`),
			json.RawMessage(`{"type":"trojan","port":443}`),
			json.RawMessage(`not json`),
		}},
		{AgentID: "ghost", Protocols: []json.RawMessage{json.RawMessage(`{"type":"socks","port":1080}`)}},
	}

	summary := r.SyncProtocolCapabilities(ctx)
	if summary.Stored != 1 || summary.Invalid != 2 || summary.Unknown != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	a1, _ := s.GetNodeByCode(ctx, "a1")
	if len(a1.Protocols) != 1 {
		t.Fatalf("got %d protocols, want 1", len(a1.Protocols))
	}

	fc.protoErr = errors.New("404 page not found")
	if summary := r.SyncProtocolCapabilities(ctx); summary != (ProtocolSummary{}) {
		t.Fatalf("expected empty summary on failure, got %+v", summary)
	}
}
