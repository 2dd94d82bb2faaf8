package node

import (
	"strings"
	"time"

	"github.com/caldog20/fleetcore/control/server/internal/protocol"
)

const (
	DefaultMaxConnections = 1000
	UnknownCountry        = "unknown"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusMaintenance Status = "maintenance"
	StatusFaulty      Status = "faulty"
	StatusDisabled    Status = "disabled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusMaintenance, StatusFaulty, StatusDisabled:
		return true
	}
	return false
}

// StatusFromAgent maps a controller agent status onto the registry status.
// Anything other than online/offline is treated as a fault.
func StatusFromAgent(agentStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(agentStatus)) {
	case "online":
		return StatusRunning
	case "offline":
		return StatusDisabled
	default:
		return StatusFaulty
	}
}

type Type string

const (
	TypeFull       Type = "full"
	TypeForwarding Type = "forwarding"
	TypeDecrypting Type = "decrypting"
)

func (t Type) Valid() bool {
	switch t {
	case TypeFull, TypeForwarding, TypeDecrypting:
		return true
	}
	return false
}

type Node struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Code          string `gorm:"column:node_code;size:128;uniqueIndex;not null" json:"node_code" validate:"required,max=128"`
	Name          string `gorm:"size:128" json:"name" validate:"max=128"`
	ServerAddress string `gorm:"size:255;uniqueIndex;not null" json:"server_address" validate:"required,max=255"`

	Country string `gorm:"size:64;index" json:"country" validate:"max=64"`
	Region  string `gorm:"size:128" json:"region" validate:"max=128"`
	Type    Type   `gorm:"size:16" json:"node_type" validate:"oneof=full forwarding decrypting"`
	Status  Status `gorm:"size:16;index" json:"status" validate:"oneof=running maintenance faulty disabled"`

	MaxConnections     int     `json:"max_connections" validate:"gte=0"`
	CurrentConnections int     `json:"current_connections" validate:"gte=0"`
	CPUUsage           float64 `json:"cpu_usage" validate:"gte=0,lte=100"`
	MemoryUsage        float64 `json:"memory_usage" validate:"gte=0,lte=100"`
	DiskUsage          float64 `json:"disk_usage" validate:"gte=0,lte=100"`
	NetworkLatencyMs   int64   `json:"network_latency_ms" validate:"gte=0"`

	// LastCheckedAt is the time of the last usage snapshot. LastHealthCheckAt
	// is only set by health evaluation.
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	LastHealthCheckAt *time.Time `gorm:"index" json:"last_health_check_at,omitempty"`

	Protocols []protocol.Capability `gorm:"serializer:json" json:"protocols,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Monitor is a usage snapshot written by status sync and monitor updates.
type Monitor struct {
	CurrentConnections int     `validate:"gte=0"`
	CPUUsage           float64 `validate:"gte=0,lte=100"`
	MemoryUsage        float64 `validate:"gte=0,lte=100"`
	DiskUsage          float64 `validate:"gte=0,lte=100"`
	NetworkLatencyMs   int64   `validate:"gte=0"`
	CheckedAt          time.Time
}

func (n *Node) IsRunning() bool {
	return n.Status == StatusRunning
}

// ConnUtilization returns current/max connections. A node without capacity
// is reported as fully utilized.
func (n *Node) ConnUtilization() float64 {
	if n.MaxConnections <= 0 {
		return 1
	}
	return float64(n.CurrentConnections) / float64(n.MaxConnections)
}

func (n *Node) SetDefaults(maxConnections int) {
	if n.Status == "" {
		n.Status = StatusDisabled
	}
	if n.Type == "" {
		n.Type = TypeFull
	}
	if n.Country == "" {
		n.Country = UnknownCountry
	}
	if n.MaxConnections <= 0 {
		if maxConnections <= 0 {
			maxConnections = DefaultMaxConnections
		}
		n.MaxConnections = maxConnections
	}
}
