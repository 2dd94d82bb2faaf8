package fleetclient

import "encoding/json"

// Agent is a node as reported by the controller.
type Agent struct {
	ID        string         `json:"id"`
	Hostname  string         `json:"hostname"`
	IPAddress string         `json:"ip_address"`
	Status    string         `json:"status"`
	Metadata  *AgentMetadata `json:"metadata,omitempty"`
	Metrics   *AgentMetrics  `json:"metrics,omitempty"`
}

type AgentMetadata struct {
	Location       string `json:"location,omitempty" validate:"max=128"`
	Country        string `json:"country,omitempty" validate:"max=64"`
	NodeType       string `json:"node_type,omitempty" validate:"omitempty,oneof=full forwarding decrypting"`
	MaxConnections int    `json:"max_connections,omitempty" validate:"gte=0"`
}

// AgentMetrics is the usage snapshot an agent may attach to its listing.
type AgentMetrics struct {
	Connections int     `json:"connections" validate:"gte=0"`
	CPU         float64 `json:"cpu" validate:"gte=0,lte=100"`
	Memory      float64 `json:"memory" validate:"gte=0,lte=100"`
	Disk        float64 `json:"disk" validate:"gte=0,lte=100"`
	LatencyMs   int64   `json:"latency_ms" validate:"gte=0"`
}

// AgentProtocols lists the protocol documents one agent serves. Documents are
// left raw and validated by the caller.
type AgentProtocols struct {
	AgentID   string            `json:"agent_id"`
	Protocols []json.RawMessage `json:"protocols"`
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type itemList[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
