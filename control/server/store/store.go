package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/internal/protocol"
)

var (
	ErrNotFound        = errors.New("not found in database")
	ErrClaimConflict   = errors.New("ip claim lost to a concurrent request")
	ErrNodeRunning     = errors.New("node is running")
	ErrIPOccupied      = errors.New("ip is occupied")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidationError is returned when a write would break a uniqueness
// constraint.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Field, e.Value)
}

type NodeFilter struct {
	Country string
	Status  node.Status
	Type    node.Type
}

type IPFilter struct {
	Country     string
	Region      string
	City        string
	QualityTier string
	Status      ipam.Status
	OwnerNodeID *uint64
	OrderRef    string
	TestResult  string
}

// ClaimQuery selects available ips to lease to OrderRef. When IDs is set only
// those ips are considered and the filters are ignored.
type ClaimQuery struct {
	Country     string
	Region      string
	City        string
	QualityTier string
	OwnerNodeID *uint64
	Count       int
	OrderRef    string
	IDs         []uint64
	ExcludeIDs  []uint64
}

type StatCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type NodeStats struct {
	Total     int64       `json:"total"`
	ByStatus  []StatCount `json:"by_status"`
	ByCountry []StatCount `json:"by_country"`
	ByType    []StatCount `json:"by_type"`
}

type IPStats struct {
	Total     int64       `json:"total"`
	ByStatus  []StatCount `json:"by_status"`
	ByCountry []StatCount `json:"by_country"`
	ByQuality []StatCount `json:"by_quality"`
}

type NodeStore interface {
	GetNodes(ctx context.Context, filter NodeFilter) ([]node.Node, error)
	GetNodeByID(ctx context.Context, id uint64) (*node.Node, error)
	GetNodeByCode(ctx context.Context, code string) (*node.Node, error)
	GetNodesHealthCheckedBefore(ctx context.Context, t time.Time) ([]node.Node, error)
	CreateNode(ctx context.Context, n *node.Node) error
	UpdateNode(ctx context.Context, n *node.Node) error
	UpdateNodeStatus(ctx context.Context, ids []uint64, status node.Status) (int64, error)
	UpdateNodeMonitor(ctx context.Context, id uint64, m node.Monitor) error
	RecordNodeCheck(ctx context.Context, id uint64, reachable bool, latencyMs int64, at time.Time) error
	UpdateNodeProtocols(ctx context.Context, id uint64, caps []protocol.Capability) error
	DisableMissingNodes(ctx context.Context, presentCodes []string) (int64, error)
	DeleteNode(ctx context.Context, id uint64) error
	NodeStats(ctx context.Context) (*NodeStats, error)
}

type IPStore interface {
	CreateIP(ctx context.Context, ip *ipam.IPResource) error
	GetIPByID(ctx context.Context, id uint64) (*ipam.IPResource, error)
	GetIPs(ctx context.Context, filter IPFilter) ([]ipam.IPResource, error)
	GetIPsByIDs(ctx context.Context, ids []uint64) ([]ipam.IPResource, error)
	GetIPsTestedBefore(ctx context.Context, t time.Time) ([]ipam.IPResource, error)
	CountAvailableIPs(ctx context.Context, q ClaimQuery) (int64, error)
	ClaimIPs(ctx context.Context, q ClaimQuery) ([]ipam.IPResource, error)
	ReleaseIPs(ctx context.Context, ids []uint64) (int64, error)
	UpdateIPStatus(ctx context.Context, ids []uint64, status ipam.Status) (int64, error)
	RecordIPTest(ctx context.Context, id uint64, result string, latencyMs int64, message string, at time.Time) error
	DeleteIP(ctx context.Context, id uint64) error
	IPStats(ctx context.Context) (*IPStats, error)
}

type Store interface {
	NodeStore
	IPStore
	Close() error
}

type DeleteFailure struct {
	ID    uint64 `json:"id"`
	Error string `json:"error"`
}

type DeleteSummary struct {
	Requested int             `json:"requested"`
	Deleted   int             `json:"deleted"`
	Failed    []DeleteFailure `json:"failed,omitempty"`
}

// DeleteBatch calls del for every unique id and collects the failures.
func DeleteBatch(ctx context.Context, ids []uint64, del func(context.Context, uint64) error) DeleteSummary {
	ids = uniqueIDs(ids)
	summary := DeleteSummary{Requested: len(ids)}
	for _, id := range ids {
		if err := del(ctx, id); err != nil {
			summary.Failed = append(summary.Failed, DeleteFailure{ID: id, Error: err.Error()})
			continue
		}
		summary.Deleted++
	}
	return summary
}
