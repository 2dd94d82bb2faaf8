// Package health evaluates node health from the registry snapshot and a live
// reachability probe.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/store"
)

const (
	MaxCPUUsage    = 80.0
	MaxMemoryUsage = 80.0
	MaxDiskUsage   = 90.0
	// MaxConnRatio is the share of max connections below which the
	// connection check passes.
	MaxConnRatio = 0.9

	DefaultConcurrency = 8
	DefaultStaleAfter  = time.Hour
)

const (
	SuggestUnreachable = "network unreachable, check node connectivity"
	SuggestCPU         = "cpu usage too high, optimize or scale out"
	SuggestMemory      = "memory usage too high, optimize or scale out"
	SuggestDisk        = "disk space low, clean up the node"
	SuggestConnections = "connections near limit, shift load or scale out"
)

type Report struct {
	NodeID        uint64    `json:"node_id"`
	NodeCode      string    `json:"node_code,omitempty"`
	NodeName      string    `json:"node_name,omitempty"`
	ServerAddress string    `json:"server_address,omitempty"`
	Healthy       bool      `json:"healthy"`
	Reachable     bool      `json:"reachable"`
	LatencyMs     int64     `json:"latency_ms"`
	CPUHealthy    bool      `json:"cpu_healthy"`
	MemoryHealthy bool      `json:"memory_healthy"`
	DiskHealthy   bool      `json:"disk_healthy"`
	ConnHealthy   bool      `json:"connection_healthy"`
	Suggestions   []string  `json:"suggestions"`
	CheckedAt     time.Time `json:"checked_at"`
	Error         string    `json:"error,omitempty"`
}

type BatchReport struct {
	Total       int      `json:"total"`
	Healthy     int      `json:"healthy"`
	Unhealthy   int      `json:"unhealthy"`
	HealthyRate float64  `json:"healthy_rate"`
	Details     []Report `json:"details"`
}

type Options struct {
	Concurrency int
}

type Evaluator struct {
	nodes       store.NodeStore
	prober      Prober
	concurrency int
	log         *logrus.Entry
	now         func() time.Time
}

func New(nodes store.NodeStore, prober Prober, opts Options) *Evaluator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Evaluator{
		nodes:       nodes,
		prober:      prober,
		concurrency: opts.Concurrency,
		log:         logrus.WithField("component", "health"),
		now:         time.Now,
	}
}

// Check applies the fixed thresholds to n. It does not probe or write.
func Check(n *node.Node, reachable bool, latency time.Duration) Report {
	r := Report{
		NodeID:        n.ID,
		NodeCode:      n.Code,
		NodeName:      n.Name,
		ServerAddress: n.ServerAddress,
		Reachable:     reachable,
		LatencyMs:     latency.Milliseconds(),
		CPUHealthy:    n.CPUUsage <= MaxCPUUsage,
		MemoryHealthy: n.MemoryUsage <= MaxMemoryUsage,
		DiskHealthy:   n.DiskUsage <= MaxDiskUsage,
		ConnHealthy:   float64(n.CurrentConnections) < float64(n.MaxConnections)*MaxConnRatio,
		Suggestions:   []string{},
	}
	r.Healthy = r.Reachable && r.CPUHealthy && r.MemoryHealthy && r.DiskHealthy && r.ConnHealthy

	if !r.Reachable {
		r.Suggestions = append(r.Suggestions, SuggestUnreachable)
	}
	if !r.CPUHealthy {
		r.Suggestions = append(r.Suggestions, SuggestCPU)
	}
	if !r.MemoryHealthy {
		r.Suggestions = append(r.Suggestions, SuggestMemory)
	}
	if !r.DiskHealthy {
		r.Suggestions = append(r.Suggestions, SuggestDisk)
	}
	if !r.ConnHealthy {
		r.Suggestions = append(r.Suggestions, SuggestConnections)
	}
	return r
}

// EvaluateHealth probes the node, applies the thresholds and records the
// probe latency and check time on the node.
func (e *Evaluator) EvaluateHealth(ctx context.Context, nodeID uint64) (*Report, error) {
	n, err := e.nodes.GetNodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	reachable, latency := e.prober.Probe(ctx, n.ServerAddress)
	r := Check(n, reachable, latency)
	r.CheckedAt = e.now()

	if err := e.nodes.RecordNodeCheck(ctx, n.ID, reachable, r.LatencyMs, r.CheckedAt); err != nil {
		e.log.WithError(err).WithField("node", n.Code).Warn("failed to record health check")
	}
	if !r.Healthy {
		e.log.WithFields(logrus.Fields{"node": n.Code, "suggestions": r.Suggestions}).Info("node unhealthy")
	}
	return &r, nil
}

// EvaluateHealthBatch evaluates every id independently. A failing id is
// reported in its detail and counted unhealthy.
func (e *Evaluator) EvaluateHealthBatch(ctx context.Context, ids []uint64) BatchReport {
	details := make([]Report, len(ids))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r, err := e.EvaluateHealth(ctx, id)
			if err != nil {
				details[i] = Report{NodeID: id, Suggestions: []string{}, CheckedAt: e.now(), Error: err.Error()}
				return
			}
			details[i] = *r
		}(i, id)
	}
	wg.Wait()

	batch := BatchReport{Total: len(ids), Details: details}
	for _, r := range details {
		if r.Healthy {
			batch.Healthy++
		} else {
			batch.Unhealthy++
		}
	}
	if batch.Total > 0 {
		batch.HealthyRate = float64(batch.Healthy) / float64(batch.Total)
	}
	return batch
}

// CheckStale evaluates nodes that have not been checked within olderThan.
func (e *Evaluator) CheckStale(ctx context.Context, olderThan time.Duration) (BatchReport, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	nodes, err := e.nodes.GetNodesHealthCheckedBefore(ctx, e.now().Add(-olderThan))
	if err != nil {
		return BatchReport{}, err
	}
	ids := make([]uint64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}

	batch := e.EvaluateHealthBatch(ctx, ids)
	e.log.WithFields(logrus.Fields{
		"total":     batch.Total,
		"healthy":   batch.Healthy,
		"unhealthy": batch.Unhealthy,
	}).Info("stale node check complete")
	return batch, nil
}
