package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"
)

const (
	DefaultQualityTier = "standard"

	// MaxRangeSize bounds a single range import.
	MaxRangeSize = 4096
)

var (
	ErrInvalidRange = errors.New("invalid ip range")
	ErrRangeTooBig  = errors.New("ip range exceeds import limit")
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusOccupied    Status = "occupied"
	StatusFaulty      Status = "faulty"
	StatusTesting     Status = "testing"
	StatusMaintenance Status = "maintenance"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusOccupied, StatusFaulty, StatusTesting, StatusMaintenance:
		return true
	}
	return false
}

const (
	TestSuccess = "success"
	TestFailure = "failure"
)

// IPResource is a leasable address. CurrentOrderRef is set exactly when
// Status is occupied.
type IPResource struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Address     string `gorm:"size:64;uniqueIndex;not null" json:"address" validate:"required,ip"`
	Country     string `gorm:"size:64;index:idx_ip_pool_lookup,priority:2" json:"country" validate:"max=64"`
	Region      string `gorm:"size:128" json:"region" validate:"max=128"`
	City        string `gorm:"size:128" json:"city,omitempty" validate:"max=128"`
	QualityTier string `gorm:"size:32;index:idx_ip_pool_lookup,priority:3" json:"quality_tier" validate:"max=32"`

	OwnerNodeID     *uint64 `gorm:"index" json:"owner_node_id,omitempty"`
	Status          Status  `gorm:"size:16;index:idx_ip_pool_lookup,priority:1" json:"status" validate:"oneof=available occupied faulty testing maintenance"`
	CurrentOrderRef *string `gorm:"size:64;index" json:"current_order_ref,omitempty" validate:"omitempty,max=64"`

	LastTestedAt      *time.Time `json:"last_tested_at,omitempty"`
	LastTestResult    string     `gorm:"size:16" json:"last_test_result,omitempty" validate:"omitempty,oneof=success failure"`
	LastTestLatencyMs int64      `json:"last_test_latency_ms"`
	LastTestMessage   string     `gorm:"size:255" json:"last_test_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (IPResource) TableName() string {
	return "ip_pool"
}

func (ip *IPResource) SetDefaults() {
	if ip.Status == "" {
		ip.Status = StatusAvailable
	}
	if ip.QualityTier == "" {
		ip.QualityTier = DefaultQualityTier
	}
}

// ResourceExhaustedError reports a request that the pool cannot satisfy in
// full. Nothing is claimed when it is returned.
type ResourceExhaustedError struct {
	Required  int
	Available int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("insufficient available ips: required %d, available %d", e.Required, e.Available)
}

// ParseRange accepts a single address, a CIDR prefix or an "a-b" range and
// returns the usable addresses it covers. Network and broadcast addresses of
// IPv4 prefixes shorter than /31 are skipped.
func ParseRange(s string) ([]netip.Addr, error) {
	s = strings.TrimSpace(s)
	var b netipx.IPSetBuilder

	switch {
	case strings.Contains(s, "/"):
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, err)
		}
		prefix = prefix.Masked()
		b.AddPrefix(prefix)
		if prefix.Addr().Is4() && prefix.Bits() < 31 {
			b.Remove(prefix.Addr())
			b.Remove(netipx.PrefixLastIP(prefix))
		}
	case strings.Contains(s, "-"):
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, err)
		}
		b.AddRange(r)
	default:
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, err)
		}
		b.Add(addr)
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRange, err)
	}

	var addrs []netip.Addr
	for _, r := range set.Ranges() {
		for a := r.From(); a.IsValid(); a = a.Next() {
			if len(addrs) >= MaxRangeSize {
				return nil, ErrRangeTooBig
			}
			addrs = append(addrs, a)
			if a == r.To() {
				break
			}
		}
	}
	return addrs, nil
}

// Dedupe removes repeated and unparsable addresses while keeping the order of
// first appearance. Addresses are returned in canonical form.
func Dedupe(addresses []string) (unique []string, invalid []string) {
	seen := make(map[netip.Addr]struct{}, len(addresses))
	for _, raw := range addresses {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		unique = append(unique, addr.String())
	}
	return unique, invalid
}
