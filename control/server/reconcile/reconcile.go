// Package reconcile keeps the node registry in line with the fleet
// controller. The controller owns identity and liveness; the registry owns
// everything the controller does not report.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/fleetclient"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/internal/protocol"
	"github.com/caldog20/fleetcore/control/server/store"
)

type Controller interface {
	Ping(ctx context.Context) error
	ListAgents(ctx context.Context) ([]fleetclient.Agent, error)
	GetAgent(ctx context.Context, id string) (*fleetclient.Agent, error)
	ListProtocols(ctx context.Context) ([]fleetclient.AgentProtocols, error)
}

type Options struct {
	// DefaultMaxConnections is applied to nodes inserted without a reported
	// capacity.
	DefaultMaxConnections int
	// MarkMissing disables registry nodes that are absent from a successful
	// full agent listing.
	MarkMissing bool
}

type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

type SyncSummary struct {
	Total     int `json:"total"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Missing   int `json:"missing"`
}

type StatusSummary struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Unknown int `json:"unknown"`
	Failed  int `json:"failed"`
}

type ProtocolSummary struct {
	Agents  int `json:"agents"`
	Stored  int `json:"stored"`
	Invalid int `json:"invalid"`
	Unknown int `json:"unknown"`
}

type Reconciler struct {
	controller Controller
	nodes      store.NodeStore
	opts       Options
	log        *logrus.Entry
	now        func() time.Time
}

func New(controller Controller, nodes store.NodeStore, opts Options) *Reconciler {
	if opts.DefaultMaxConnections <= 0 {
		opts.DefaultMaxConnections = node.DefaultMaxConnections
	}
	return &Reconciler{
		controller: controller,
		nodes:      nodes,
		opts:       opts,
		log:        logrus.WithField("component", "reconcile"),
		now:        time.Now,
	}
}

// ReconcileAll upserts every controller agent into the registry keyed by node
// code. An unreachable controller aborts the cycle before any write; a single
// agent that fails to translate or persist is counted and skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) (SyncSummary, error) {
	var summary SyncSummary

	if err := r.controller.Ping(ctx); err != nil {
		return summary, err
	}
	agents, err := r.controller.ListAgents(ctx)
	if err != nil {
		return summary, fmt.Errorf("list agents: %w", err)
	}

	summary.Total = len(agents)
	codes := make([]string, 0, len(agents))
	for _, a := range agents {
		if a.ID != "" {
			codes = append(codes, a.ID)
		}
		outcome, err := r.upsert(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Failed++
			r.log.WithError(err).Warn("skipping agent")
			continue
		}
		switch outcome {
		case Inserted:
			summary.Inserted++
		case Updated:
			summary.Updated++
		default:
			summary.Unchanged++
		}
	}

	if r.opts.MarkMissing && len(codes) > 0 {
		missing, err := r.nodes.DisableMissingNodes(ctx, codes)
		if err != nil {
			r.log.WithError(err).Error("failed to disable missing nodes")
		}
		summary.Missing = int(missing)
	}

	r.log.WithFields(logrus.Fields{
		"total":     summary.Total,
		"inserted":  summary.Inserted,
		"updated":   summary.Updated,
		"unchanged": summary.Unchanged,
		"failed":    summary.Failed,
		"missing":   summary.Missing,
	}).Info("full sync complete")
	return summary, nil
}

// SyncNode reconciles a single agent.
func (r *Reconciler) SyncNode(ctx context.Context, agentID string) (Outcome, error) {
	a, err := r.controller.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	return r.upsert(ctx, *a)
}

func (r *Reconciler) upsert(ctx context.Context, a fleetclient.Agent) (Outcome, error) {
	incoming, err := translate(a)
	if err != nil {
		return "", err
	}

	existing, err := r.nodes.GetNodeByCode(ctx, incoming.Code)
	if errors.Is(err, store.ErrNotFound) {
		incoming.SetDefaults(r.opts.DefaultMaxConnections)
		if a.Metrics != nil {
			applyMetrics(incoming, a.Metrics)
		}
		err = r.nodes.CreateNode(ctx, incoming)
		if err == nil {
			return Inserted, nil
		}

		// an overlapping run may have inserted the same code first
		var verr *store.ValidationError
		if !errors.As(err, &verr) || verr.Field != "node_code" {
			return "", &TranslationError{AgentID: incoming.Code, Err: err}
		}
		existing, err = r.nodes.GetNodeByCode(ctx, incoming.Code)
	}
	if err != nil {
		return "", &TranslationError{AgentID: incoming.Code, Err: err}
	}

	if !merge(existing, incoming, a) {
		return Unchanged, nil
	}
	if err := r.nodes.UpdateNode(ctx, existing); err != nil {
		return "", &TranslationError{AgentID: incoming.Code, Err: err}
	}
	return Updated, nil
}

// SyncStatusOnly refreshes status and the usage snapshot of nodes the
// registry already knows. Unknown agents are counted, never inserted.
func (r *Reconciler) SyncStatusOnly(ctx context.Context) (StatusSummary, error) {
	var summary StatusSummary

	if err := r.controller.Ping(ctx); err != nil {
		return summary, err
	}
	agents, err := r.controller.ListAgents(ctx)
	if err != nil {
		return summary, fmt.Errorf("list agents: %w", err)
	}

	summary.Total = len(agents)
	now := r.now()
	for _, a := range agents {
		n, err := r.nodes.GetNodeByCode(ctx, a.ID)
		if errors.Is(err, store.ErrNotFound) {
			summary.Unknown++
			continue
		}
		if err != nil {
			summary.Failed++
			r.log.WithError(err).WithField("agent", a.ID).Warn("status lookup failed")
			continue
		}

		if status := node.StatusFromAgent(a.Status); status != n.Status {
			if _, err := r.nodes.UpdateNodeStatus(ctx, []uint64{n.ID}, status); err != nil {
				summary.Failed++
				r.log.WithError(err).WithField("agent", a.ID).Warn("status update failed")
				continue
			}
		}

		m := node.Monitor{
			CurrentConnections: n.CurrentConnections,
			CPUUsage:           n.CPUUsage,
			MemoryUsage:        n.MemoryUsage,
			DiskUsage:          n.DiskUsage,
			NetworkLatencyMs:   n.NetworkLatencyMs,
			CheckedAt:          now,
		}
		if am := a.Metrics; am != nil {
			m.CurrentConnections = am.Connections
			m.CPUUsage = am.CPU
			m.MemoryUsage = am.Memory
			m.DiskUsage = am.Disk
			m.NetworkLatencyMs = am.LatencyMs
		}
		if err := r.nodes.UpdateNodeMonitor(ctx, n.ID, m); err != nil {
			summary.Failed++
			r.log.WithError(err).WithField("agent", a.ID).Warn("monitor update failed")
			continue
		}
		summary.Updated++
	}

	r.log.WithFields(logrus.Fields{
		"total":   summary.Total,
		"updated": summary.Updated,
		"unknown": summary.Unknown,
		"failed":  summary.Failed,
	}).Info("status sync complete")
	return summary, nil
}

// SyncProtocolCapabilities stores the validated protocol set of every known
// agent. It is best effort: controller failures degrade to an empty summary.
func (r *Reconciler) SyncProtocolCapabilities(ctx context.Context) ProtocolSummary {
	var summary ProtocolSummary

	lists, err := r.controller.ListProtocols(ctx)
	if err != nil {
		r.log.WithError(err).Warn("protocol sync skipped")
		return summary
	}

	summary.Agents = len(lists)
	for _, l := range lists {
		n, err := r.nodes.GetNodeByCode(ctx, l.AgentID)
		if err != nil {
			summary.Unknown++
			continue
		}

		caps := make([]protocol.Capability, 0, len(l.Protocols))
		for _, raw := range l.Protocols {
			var c protocol.Capability
			if err := json.Unmarshal(raw, &c); err != nil {
				summary.Invalid++
				r.log.WithError(err).WithField("agent", l.AgentID).Warn("undecodable protocol")
				continue
			}
			if err := c.Validate(); err != nil {
				summary.Invalid++
				r.log.WithError(err).WithField("agent", l.AgentID).Warn("invalid protocol")
				continue
			}
			caps = append(caps, c)
		}

		if len(caps) == 0 && len(n.Protocols) == 0 || reflect.DeepEqual(caps, n.Protocols) {
			continue
		}
		if err := r.nodes.UpdateNodeProtocols(ctx, n.ID, caps); err != nil {
			r.log.WithError(err).WithField("agent", l.AgentID).Warn("failed to store protocols")
			continue
		}
		summary.Stored++
	}
	return summary
}

// CheckConnection reports whether the controller is reachable.
func (r *Reconciler) CheckConnection(ctx context.Context) error {
	if err := r.controller.Ping(ctx); err != nil {
		r.log.WithError(err).Warn("controller unreachable")
		return err
	}
	r.log.Debug("controller reachable")
	return nil
}
