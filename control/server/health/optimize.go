package health

import (
	"context"

	"github.com/caldog20/fleetcore/control/server/internal/node"
)

const MaxLatencyMs = 200

const (
	AdviceCPUHigh     = "cpu usage high: check process load, upgrade cpu or move connections to other nodes"
	AdviceCPULow      = "cpu usage low: node can take more connections or be downsized"
	AdviceMemoryHigh  = "memory usage high: check for leaks or add memory"
	AdviceDiskHigh    = "disk almost full: clean logs, grow the disk or enable log rotation"
	AdviceConnHigh    = "connections near limit: raise max connections or move load to other nodes"
	AdviceConnLow     = "connections low: node can absorb load from busier nodes"
	AdviceLatencyHigh = "network latency high: check network configuration or provider"
	AdviceRunningWell = "node is running well, no optimization needed"
)

// Advise returns optimization advice for n. It is never empty.
func Advise(n *node.Node) []string {
	var advice []string

	switch {
	case n.CPUUsage > MaxCPUUsage:
		advice = append(advice, AdviceCPUHigh)
	case n.CPUUsage < 20:
		advice = append(advice, AdviceCPULow)
	}
	if n.MemoryUsage > MaxMemoryUsage {
		advice = append(advice, AdviceMemoryHigh)
	}
	if n.DiskUsage > MaxDiskUsage {
		advice = append(advice, AdviceDiskHigh)
	}

	switch rate := n.ConnUtilization(); {
	case rate > MaxConnRatio:
		advice = append(advice, AdviceConnHigh)
	case rate < 0.1:
		advice = append(advice, AdviceConnLow)
	}
	if n.NetworkLatencyMs > MaxLatencyMs {
		advice = append(advice, AdviceLatencyHigh)
	}

	if len(advice) == 0 {
		advice = append(advice, AdviceRunningWell)
	}
	return advice
}

func (e *Evaluator) Optimize(ctx context.Context, nodeID uint64) ([]string, error) {
	n, err := e.nodes.GetNodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return Advise(n), nil
}
