package apiservice

import (
	"time"

	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/reconcile"
	"github.com/caldog20/fleetcore/control/server/store"
)

type Nodes struct {
	Nodes []node.Node `json:"nodes"`
	Total int         `json:"total"`
}

type IDs struct {
	IDs []uint64 `json:"ids"`
}

type NodeStatusUpdate struct {
	IDs    []uint64    `json:"ids"`
	Status node.Status `json:"status"`
}

type Monitor struct {
	CurrentConnections int     `json:"current_connections"`
	CPUUsage           float64 `json:"cpu_usage"`
	MemoryUsage        float64 `json:"memory_usage"`
	DiskUsage          float64 `json:"disk_usage"`
	NetworkLatencyMs   int64   `json:"network_latency_ms"`
}

type Reason struct {
	Reason string `json:"reason"`
}

type Updated struct {
	Updated int64 `json:"updated"`
}

type Suggestions struct {
	NodeID      uint64   `json:"node_id"`
	Suggestions []string `json:"suggestions"`
}

type SyncResult struct {
	AgentID string            `json:"agent_id"`
	Outcome reconcile.Outcome `json:"outcome"`
}

type Connection struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

type IPs struct {
	IPs   []ipam.IPResource `json:"ips"`
	Total int               `json:"total"`
}

type IPStatusUpdate struct {
	IDs    []uint64    `json:"ids"`
	Status ipam.Status `json:"status"`
}

// IPTemplate carries the attributes shared by addresses imported in bulk.
type IPTemplate struct {
	Country     string  `json:"country"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	QualityTier string  `json:"quality_tier"`
	OwnerNodeID *uint64 `json:"owner_node_id,omitempty"`
}

func (t IPTemplate) resource() ipam.IPResource {
	return ipam.IPResource{
		Country:     t.Country,
		Region:      t.Region,
		City:        t.City,
		QualityTier: t.QualityTier,
		OwnerNodeID: t.OwnerNodeID,
	}
}

// ImportIPs accepts either full records or bare addresses sharing one
// template.
type ImportIPs struct {
	IPs       []ipam.IPResource `json:"ips"`
	Addresses []string          `json:"addresses"`
	IPTemplate
}

type ImportRange struct {
	Range string `json:"range"`
	IPTemplate
}

type Assign struct {
	IDs      []uint64 `json:"ids"`
	OrderRef string   `json:"order_ref"`
}

type Released struct {
	Released int64 `json:"released"`
}

type Replace struct {
	OrderRef string `json:"order_ref"`
	Reason   string `json:"reason"`
}

type Assigned struct {
	OrderRef string            `json:"order_ref"`
	IPs      []ipam.IPResource `json:"ips"`
}

type OrderNumber struct {
	OrderNumber string    `json:"order_number"`
	IssuedAt    time.Time `json:"issued_at"`
}

type Job struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	LastRun *store.JobRun `json:"last_run,omitempty"`
}

type Jobs struct {
	Jobs []Job `json:"jobs"`
}

type Runs struct {
	Job  string         `json:"job"`
	Runs []store.JobRun `json:"runs"`
}
