package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/internal/protocol"
)

func newTestStore(t *testing.T) *SqlStore {
	t.Helper()
	s, err := NewSqlStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode(code string) *node.Node {
	n := &node.Node{
		Code:          code,
		Name:          code,
		ServerAddress: code + ".example.net",
		Country:       "US",
		Status:        node.StatusRunning,
	}
	n.SetDefaults(0)
	return n
}

func seedIPs(t *testing.T, s *SqlStore, count int, country string) []ipam.IPResource {
	t.Helper()
	var ips []ipam.IPResource
	for i := 0; i < count; i++ {
		ip := &ipam.IPResource{Address: fmt.Sprintf("192.0.2.%d", len(country)*50+i+1), Country: country}
		ip.SetDefaults()
		if err := s.CreateIP(context.Background(), ip); err != nil {
			t.Fatal(err)
		}
		ips = append(ips, *ip)
	}
	return ips
}

func TestCreateNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := testNode("n1")
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	if n.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	got, err := s.GetNodeByCode(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != n.ID || got.MaxConnections != node.DefaultMaxConnections {
		t.Fatalf("unexpected node %+v", got)
	}
}

func TestCreateNodeDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateNode(ctx, testNode("n1")); err != nil {
		t.Fatal(err)
	}

	var verr *ValidationError
	err := s.CreateNode(ctx, testNode("n1"))
	if !errors.As(err, &verr) || verr.Field != "node_code" {
		t.Fatalf("got %v, expected node_code validation error", err)
	}

	dup := testNode("n2")
	dup.ServerAddress = "n1.example.net"
	err = s.CreateNode(ctx, dup)
	if !errors.As(err, &verr) || verr.Field != "server_address" {
		t.Fatalf("got %v, expected server_address validation error", err)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetNodeByID(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
	if _, err := s.GetNodeByCode(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
}

func TestUpdateNodeMonitor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := testNode("n1")
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Truncate(time.Millisecond)
	err := s.UpdateNodeMonitor(ctx, n.ID, node.Monitor{
		CurrentConnections: 12,
		CPUUsage:           33.5,
		MemoryUsage:        40,
		DiskUsage:          10,
		NetworkLatencyMs:   25,
		CheckedAt:          now,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNodeByID(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentConnections != 12 || got.CPUUsage != 33.5 || got.NetworkLatencyMs != 25 {
		t.Fatalf("monitor not applied: %+v", got)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(now) {
		t.Fatalf("got last checked %v, expected %v", got.LastCheckedAt, now)
	}

	if err := s.UpdateNodeMonitor(ctx, 999, node.Monitor{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
}

func TestNodesHealthCheckedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, stale, synced := testNode("fresh"), testNode("stale"), testNode("synced")
	for _, n := range []*node.Node{fresh, stale, synced} {
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordNodeCheck(ctx, fresh.ID, true, 10, time.Now()); err != nil {
		t.Fatal(err)
	}
	// a usage snapshot is not a health evaluation
	if err := s.UpdateNodeMonitor(ctx, synced.ID, node.Monitor{CheckedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	nodes, err := s.GetNodesHealthCheckedBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].Code != "stale" || nodes[1].Code != "synced" {
		t.Fatalf("got %v, expected the two unevaluated nodes", nodes)
	}

	got, err := s.GetNodeByID(ctx, fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastHealthCheckAt == nil || got.LastCheckedAt != nil {
		t.Fatalf("health check wrote the wrong column: %+v", got)
	}
}

func TestUpdateNodeProtocols(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := testNode("n1")
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	caps := []protocol.Capability{{Type: protocol.Trojan, Port: 443, TLS: &protocol.TLS{ServerName: "n1"}}}
	if err := s.UpdateNodeProtocols(ctx, n.ID, caps); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNodeByID(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Protocols) != 1 || got.Protocols[0].TLS == nil || got.Protocols[0].TLS.ServerName != "n1" {
		t.Fatalf("protocols not persisted: %+v", got.Protocols)
	}
}

func TestDisableMissingNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, code := range []string{"a", "b", "c"} {
		if err := s.CreateNode(ctx, testNode(code)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DisableMissingNodes(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("disabled %d nodes, expected 1", n)
	}
	c, _ := s.GetNodeByCode(ctx, "c")
	if c.Status != node.StatusDisabled {
		t.Fatalf("got status %s, expected disabled", c.Status)
	}
}

func TestDeleteRunningNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := testNode("n1")
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNode(ctx, n.ID); !errors.Is(err, ErrNodeRunning) {
		t.Fatalf("got %v, expected ErrNodeRunning", err)
	}
	if _, err := s.UpdateNodeStatus(ctx, []uint64{n.ID}, node.StatusDisabled); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNode(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
}

func TestNodeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := testNode("a"), testNode("b")
	b.Country = "DE"
	b.Status = node.StatusFaulty
	for _, n := range []*node.Node{a, b} {
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := s.NodeStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || len(stats.ByCountry) != 2 || len(stats.ByStatus) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateIPDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ip := &ipam.IPResource{Address: "198.51.100.1"}
	ip.SetDefaults()
	if err := s.CreateIP(ctx, ip); err != nil {
		t.Fatal(err)
	}
	var verr *ValidationError
	dup := &ipam.IPResource{Address: "198.51.100.1", Status: ipam.StatusAvailable}
	if err := s.CreateIP(ctx, dup); !errors.As(err, &verr) || verr.Field != "address" {
		t.Fatalf("got %v, expected address validation error", err)
	}
}

func TestClaimIPs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIPs(t, s, 3, "US")

	claimed, err := s.ClaimIPs(ctx, ClaimQuery{Country: "US", Count: 2, OrderRef: "ORD1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d ips, expected 2", len(claimed))
	}
	for _, ip := range claimed {
		if ip.Status != ipam.StatusOccupied || ip.CurrentOrderRef == nil || *ip.CurrentOrderRef != "ORD1" {
			t.Fatalf("unexpected claimed ip %+v", ip)
		}
	}

	_, err = s.ClaimIPs(ctx, ClaimQuery{Country: "US", Count: 2, OrderRef: "ORD2"})
	var exhausted *ipam.ResourceExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("got %v, expected ResourceExhaustedError", err)
	}
	if exhausted.Required != 2 || exhausted.Available != 1 {
		t.Fatalf("unexpected counts %+v", exhausted)
	}

	// nothing was claimed by the failed request
	n, err := s.CountAvailableIPs(ctx, ClaimQuery{Country: "US"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d available, expected 1", n)
	}
}

func TestClaimIPsConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const available, requests = 5, 20
	seedIPs(t, s, available, "US")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exhausted int
		owners    = map[uint64]string{}
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("ORD%d", i)
			claimed, err := s.ClaimIPs(ctx, ClaimQuery{Count: 1, OrderRef: ref})
			mu.Lock()
			defer mu.Unlock()
			var e *ipam.ResourceExhaustedError
			switch {
			case err == nil:
				successes++
				for _, ip := range claimed {
					if prev, ok := owners[ip.ID]; ok {
						t.Errorf("ip %d claimed by %s and %s", ip.ID, prev, ref)
					}
					owners[ip.ID] = ref
				}
			case errors.As(err, &e), errors.Is(err, ErrClaimConflict):
				exhausted++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != available || exhausted != requests-available {
		t.Fatalf("got %d successes and %d failures", successes, exhausted)
	}
}

func TestReleaseIPs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, 2, "US")

	if _, err := s.ClaimIPs(ctx, ClaimQuery{IDs: []uint64{ips[0].ID}, OrderRef: "ORD1"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReleaseIPs(ctx, []uint64{ips[0].ID, ips[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released %d, expected 1", n)
	}
	got, _ := s.GetIPByID(ctx, ips[0].ID)
	if got.Status != ipam.StatusAvailable || got.CurrentOrderRef != nil {
		t.Fatalf("ip not released: %+v", got)
	}

	// releasing available ips again is a no-op
	if n, err = s.ReleaseIPs(ctx, []uint64{ips[0].ID}); err != nil || n != 0 {
		t.Fatalf("got %d, %v; expected no-op", n, err)
	}

	if _, err := s.ReleaseIPs(ctx, []uint64{ips[0].ID, 999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
}

func TestUpdateIPStatusSkipsOccupied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, 2, "US")

	if _, err := s.ClaimIPs(ctx, ClaimQuery{IDs: []uint64{ips[0].ID}, OrderRef: "ORD1"}); err != nil {
		t.Fatal(err)
	}
	n, err := s.UpdateIPStatus(ctx, []uint64{ips[0].ID, ips[1].ID}, ipam.StatusMaintenance)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("updated %d, expected 1", n)
	}
	if _, err := s.UpdateIPStatus(ctx, []uint64{ips[1].ID}, ipam.StatusOccupied); err == nil {
		t.Fatal("expected occupied status to be rejected")
	}
}

func TestDeleteOccupiedIP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, 1, "US")

	if _, err := s.ClaimIPs(ctx, ClaimQuery{Count: 1, OrderRef: "ORD1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteIP(ctx, ips[0].ID); !errors.Is(err, ErrIPOccupied) {
		t.Fatalf("got %v, expected ErrIPOccupied", err)
	}
}

func TestIPTestedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, 2, "US")

	if err := s.RecordIPTest(ctx, ips[0].ID, ipam.TestSuccess, 12, "ok", time.Now()); err != nil {
		t.Fatal(err)
	}
	untested, err := s.GetIPsTestedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(untested) != 1 || untested[0].ID != ips[1].ID {
		t.Fatalf("got %v, expected only the untested ip", untested)
	}
}
