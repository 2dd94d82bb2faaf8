// Package balancer picks the least loaded node for a new allocation.
package balancer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/store"
)

const (
	MaxConnUtilization = 0.8
	MaxCPUUsage        = 70.0
	MaxMemoryUsage     = 70.0
)

type NodeLister interface {
	GetNodes(ctx context.Context, filter store.NodeFilter) ([]node.Node, error)
}

// Recommendation is the chosen node. Fallback is set when no candidate
// passed the load filter and the first candidate was returned instead.
type Recommendation struct {
	Node     node.Node `json:"node"`
	Score    float64   `json:"score"`
	Fallback bool      `json:"fallback"`
}

// Recommender is read only and safe for concurrent use.
type Recommender struct {
	nodes NodeLister
	log   *logrus.Entry
}

func New(nodes NodeLister) *Recommender {
	return &Recommender{
		nodes: nodes,
		log:   logrus.WithField("component", "balancer"),
	}
}

// Score is the composite load of n; lower is better.
func Score(n *node.Node) float64 {
	return n.ConnUtilization() + n.CPUUsage/100 + n.MemoryUsage/100
}

func eligible(n *node.Node) bool {
	return n.IsRunning() &&
		n.ConnUtilization() < MaxConnUtilization &&
		n.CPUUsage <= MaxCPUUsage &&
		n.MemoryUsage <= MaxMemoryUsage
}

// Recommend returns the lowest scoring eligible node in country. Without
// nodes in country every running node is considered.
func (r *Recommender) Recommend(ctx context.Context, country string) (*Recommendation, error) {
	candidates, err := r.nodes.GetNodes(ctx, store.NodeFilter{Country: country})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.nodes.GetNodes(ctx, store.NodeFilter{Status: node.StatusRunning})
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no nodes available for country %q: %w", country, store.ErrNotFound)
	}

	best := -1
	var bestScore float64
	for i := range candidates {
		if !eligible(&candidates[i]) {
			continue
		}
		s := Score(&candidates[i])
		if best < 0 || s < bestScore {
			best, bestScore = i, s
		}
	}

	if best < 0 {
		n := candidates[0]
		r.log.WithFields(logrus.Fields{"country": country, "node": n.Code}).
			Warn("no node passed the load filter, falling back to first candidate")
		return &Recommendation{Node: n, Score: Score(&n), Fallback: true}, nil
	}
	return &Recommendation{Node: candidates[best], Score: bestScore}, nil
}

// HighConnections returns running nodes holding at least threshold
// connections. A threshold of zero or less selects nodes at or above
// MaxConnUtilization of their capacity.
func (r *Recommender) HighConnections(ctx context.Context, threshold int) ([]node.Node, error) {
	nodes, err := r.nodes.GetNodes(ctx, store.NodeFilter{Status: node.StatusRunning})
	if err != nil {
		return nil, err
	}
	busy := []node.Node{}
	for _, n := range nodes {
		over := n.ConnUtilization() >= MaxConnUtilization
		if threshold > 0 {
			over = n.CurrentConnections >= threshold
		}
		if over {
			busy = append(busy, n)
		}
	}
	return busy, nil
}

// HighLoad returns running nodes whose cpu or memory usage exceeds the given
// thresholds.
func (r *Recommender) HighLoad(ctx context.Context, cpu, memory float64) ([]node.Node, error) {
	nodes, err := r.nodes.GetNodes(ctx, store.NodeFilter{Status: node.StatusRunning})
	if err != nil {
		return nil, err
	}
	hot := []node.Node{}
	for _, n := range nodes {
		if n.CPUUsage > cpu || n.MemoryUsage > memory {
			hot = append(hot, n)
		}
	}
	return hot, nil
}
