package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caldog20/fleetcore/control/server/fleetclient"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/internal/validate"
)

// translate maps an agent onto a fresh node carrying only the fields the
// agent reports.
func translate(a fleetclient.Agent) (*node.Node, error) {
	code := strings.TrimSpace(a.ID)
	if code == "" {
		return nil, &TranslationError{Err: errors.New("missing agent id")}
	}
	addr := strings.TrimSpace(a.IPAddress)
	if addr == "" {
		return nil, &TranslationError{AgentID: code, Err: errors.New("missing ip address")}
	}

	n := &node.Node{
		Code:          code,
		Name:          strings.TrimSpace(a.Hostname),
		ServerAddress: addr,
		Status:        node.StatusFromAgent(a.Status),
	}
	if n.Name == "" {
		n.Name = code
	}

	if a.Metadata != nil {
		md := *a.Metadata
		md.NodeType = strings.ToLower(strings.TrimSpace(md.NodeType))
		if err := validate.Struct(md); err != nil {
			return nil, &TranslationError{AgentID: code, Err: fmt.Errorf("metadata: %s", validate.Message(err))}
		}
		n.Region = md.Location
		n.Country = md.Country
		n.Type = node.Type(md.NodeType)
		n.MaxConnections = md.MaxConnections
	}

	if a.Metrics != nil {
		if err := validate.Struct(a.Metrics); err != nil {
			return nil, &TranslationError{AgentID: code, Err: fmt.Errorf("metrics: %s", validate.Message(err))}
		}
	}
	return n, nil
}

// merge copies the reported fields of incoming and a onto existing and
// reports whether anything changed. Identity and unreported fields are kept.
func merge(existing, incoming *node.Node, a fleetclient.Agent) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}

	set(&existing.Name, incoming.Name)
	set(&existing.ServerAddress, incoming.ServerAddress)
	if existing.Status != incoming.Status {
		existing.Status = incoming.Status
		changed = true
	}
	if incoming.Region != "" {
		set(&existing.Region, incoming.Region)
	}
	if incoming.Country != "" {
		set(&existing.Country, incoming.Country)
	}
	if incoming.Type != "" && existing.Type != incoming.Type {
		existing.Type = incoming.Type
		changed = true
	}
	if incoming.MaxConnections > 0 && existing.MaxConnections != incoming.MaxConnections {
		existing.MaxConnections = incoming.MaxConnections
		changed = true
	}

	if m := a.Metrics; m != nil {
		if existing.CurrentConnections != m.Connections ||
			existing.CPUUsage != m.CPU ||
			existing.MemoryUsage != m.Memory ||
			existing.DiskUsage != m.Disk ||
			existing.NetworkLatencyMs != m.LatencyMs {
			applyMetrics(existing, m)
			changed = true
		}
	}
	return changed
}

func applyMetrics(n *node.Node, m *fleetclient.AgentMetrics) {
	n.CurrentConnections = m.Connections
	n.CPUUsage = m.CPU
	n.MemoryUsage = m.Memory
	n.DiskUsage = m.Disk
	n.NetworkLatencyMs = m.LatencyMs
}
