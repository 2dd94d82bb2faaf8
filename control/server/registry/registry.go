// Package registry is the operator facing side of the node registry: manual
// node management, lifecycle transitions and statistics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/internal/validate"
	"github.com/caldog20/fleetcore/control/server/store"
)

var (
	ErrInvalidTransition = errors.New("invalid node status transition")
	ErrImmutableCode     = errors.New("node code cannot be changed")
	ErrInvalidNode       = errors.New("invalid node")
)

type TransitionError struct {
	Op   string
	From node.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s node in status %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type Registry struct {
	nodes          store.NodeStore
	maxConnections int
	log            *logrus.Entry
	now            func() time.Time
}

func New(nodes store.NodeStore, defaultMaxConnections int) *Registry {
	return &Registry{
		nodes:          nodes,
		maxConnections: defaultMaxConnections,
		log:            logrus.WithField("component", "registry"),
		now:            time.Now,
	}
}

// check normalizes n and applies the node field rules and the protocol
// rules of every capability.
func check(n *node.Node) error {
	n.Code = strings.TrimSpace(n.Code)
	n.ServerAddress = strings.TrimSpace(n.ServerAddress)
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidNode, validate.Message(err))
	}
	for i := range n.Protocols {
		if err := n.Protocols[i].Validate(); err != nil {
			return fmt.Errorf("%w: protocol %d: %w", ErrInvalidNode, i, err)
		}
	}
	return nil
}

func (r *Registry) Create(ctx context.Context, n *node.Node) error {
	n.ID = 0
	n.SetDefaults(r.maxConnections)
	if err := check(n); err != nil {
		return err
	}
	if err := r.nodes.CreateNode(ctx, n); err != nil {
		return err
	}
	r.log.WithField("node", n.Code).Info("node created")
	return nil
}

// Update replaces the mutable fields of an existing node. An empty code keeps
// the stored one.
func (r *Registry) Update(ctx context.Context, n *node.Node) error {
	existing, err := r.nodes.GetNodeByID(ctx, n.ID)
	if err != nil {
		return err
	}
	if n.Code == "" {
		n.Code = existing.Code
	} else if n.Code != existing.Code {
		return ErrImmutableCode
	}
	if n.Protocols == nil {
		n.Protocols = existing.Protocols
	}
	n.CreatedAt = existing.CreatedAt
	n.LastCheckedAt = existing.LastCheckedAt
	n.LastHealthCheckAt = existing.LastHealthCheckAt
	n.SetDefaults(r.maxConnections)
	if err := check(n); err != nil {
		return err
	}
	return r.nodes.UpdateNode(ctx, n)
}

func (r *Registry) Get(ctx context.Context, id uint64) (*node.Node, error) {
	return r.nodes.GetNodeByID(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter store.NodeFilter) ([]node.Node, error) {
	return r.nodes.GetNodes(ctx, filter)
}

// Delete removes a node that is not running.
func (r *Registry) Delete(ctx context.Context, id uint64) error {
	if err := r.nodes.DeleteNode(ctx, id); err != nil {
		return err
	}
	r.log.WithField("id", id).Info("node deleted")
	return nil
}

// DeleteBatch deletes each id on its own. Running or missing nodes are
// reported and skipped.
func (r *Registry) DeleteBatch(ctx context.Context, ids []uint64) store.DeleteSummary {
	summary := store.DeleteBatch(ctx, ids, r.nodes.DeleteNode)
	r.log.WithField("deleted", summary.Deleted).
		WithField("failed", len(summary.Failed)).
		Info("node batch delete complete")
	return summary
}

func (r *Registry) UpdateStatus(ctx context.Context, ids []uint64, status node.Status) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: status %q", ErrInvalidNode, status)
	}
	return r.nodes.UpdateNodeStatus(ctx, ids, status)
}

// UpdateMonitor stores a usage snapshot reported out of band.
func (r *Registry) UpdateMonitor(ctx context.Context, id uint64, m node.Monitor) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidNode, validate.Message(err))
	}
	if m.CheckedAt.IsZero() {
		m.CheckedAt = r.now()
	}
	return r.nodes.UpdateNodeMonitor(ctx, id, m)
}

func (r *Registry) transition(ctx context.Context, id uint64, op string, allowed func(node.Status) bool, to node.Status, reason string) (*node.Node, error) {
	n, err := r.nodes.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed(n.Status) {
		return nil, &TransitionError{Op: op, From: n.Status}
	}

	from := n.Status
	if to != from {
		if _, err := r.nodes.UpdateNodeStatus(ctx, []uint64{id}, to); err != nil {
			return nil, err
		}
		n.Status = to
	}

	entry := r.log.WithFields(logrus.Fields{"node": n.Code, "from": from, "to": to})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Infof("node %s", op)
	return n, nil
}

func (r *Registry) Start(ctx context.Context, id uint64) (*node.Node, error) {
	return r.transition(ctx, id, "start", func(s node.Status) bool {
		return s != node.StatusRunning && s != node.StatusMaintenance
	}, node.StatusRunning, "")
}

func (r *Registry) Stop(ctx context.Context, id uint64, reason string) (*node.Node, error) {
	return r.transition(ctx, id, "stop", func(s node.Status) bool {
		return s != node.StatusDisabled
	}, node.StatusDisabled, reason)
}

// Restart only accepts running nodes and leaves the status unchanged.
func (r *Registry) Restart(ctx context.Context, id uint64) (*node.Node, error) {
	return r.transition(ctx, id, "restart", func(s node.Status) bool {
		return s == node.StatusRunning
	}, node.StatusRunning, "")
}

func (r *Registry) Maintain(ctx context.Context, id uint64, reason string) (*node.Node, error) {
	return r.transition(ctx, id, "maintain", func(s node.Status) bool {
		return s != node.StatusMaintenance
	}, node.StatusMaintenance, reason)
}

// ExitMaintenance moves a node out of maintenance into disabled; it has to be
// started explicitly afterwards.
func (r *Registry) ExitMaintenance(ctx context.Context, id uint64) (*node.Node, error) {
	return r.transition(ctx, id, "exit maintenance", func(s node.Status) bool {
		return s == node.StatusMaintenance
	}, node.StatusDisabled, "")
}

func (r *Registry) Stats(ctx context.Context) (*store.NodeStats, error) {
	return r.nodes.NodeStats(ctx)
}
