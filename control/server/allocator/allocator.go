// Package allocator leases IP pool resources to orders.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/health"
	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/store"
)

const (
	// claimAttempts bounds how often a claim that lost a race is retried
	// with a fresh selection.
	claimAttempts = 3
	claimDelay    = 5 * time.Millisecond

	DefaultTestConcurrency = 16
	DefaultUntestedAfter   = 24 * time.Hour
)

var (
	ErrOrderMismatch  = errors.New("ip is leased to a different order")
	ErrInvalidRequest = errors.New("invalid allocation request")
)

type Request struct {
	Country     string  `json:"country"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	QualityTier string  `json:"quality_tier"`
	Count       int     `json:"count"`
	OrderRef    string  `json:"order_ref"`
	NodeID      *uint64 `json:"node_id,omitempty"`
}

type Options struct {
	TestConcurrency int
}

type Allocator struct {
	ips         store.IPStore
	prober      health.Prober
	concurrency int
	log         *logrus.Entry
	now         func() time.Time
}

func New(ips store.IPStore, prober health.Prober, opts Options) *Allocator {
	if opts.TestConcurrency <= 0 {
		opts.TestConcurrency = DefaultTestConcurrency
	}
	return &Allocator{
		ips:         ips,
		prober:      prober,
		concurrency: opts.TestConcurrency,
		log:         logrus.WithField("component", "allocator"),
		now:         time.Now,
	}
}

func (a *Allocator) claim(ctx context.Context, q store.ClaimQuery) ([]ipam.IPResource, error) {
	return retry.DoWithData(
		func() ([]ipam.IPResource, error) {
			return a.ips.ClaimIPs(ctx, q)
		},
		retry.Context(ctx),
		retry.Attempts(claimAttempts),
		retry.Delay(claimDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, store.ErrClaimConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			a.log.WithField("order", q.OrderRef).Debugf("claim conflict, retrying (attempt %d)", n+1)
		}),
	)
}

// AutoAssign leases req.Count available ips matching the request to
// req.OrderRef, oldest first. Either every ip is claimed or none is.
func (a *Allocator) AutoAssign(ctx context.Context, req Request) ([]ipam.IPResource, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidRequest, req.Count)
	}
	if req.OrderRef == "" {
		return nil, fmt.Errorf("%w: order reference is required", ErrInvalidRequest)
	}

	ips, err := a.claim(ctx, store.ClaimQuery{
		Country:     req.Country,
		Region:      req.Region,
		City:        req.City,
		QualityTier: req.QualityTier,
		OwnerNodeID: req.NodeID,
		Count:       req.Count,
		OrderRef:    req.OrderRef,
	})
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"order":   req.OrderRef,
		"count":   len(ips),
		"country": req.Country,
		"tier":    req.QualityTier,
	}).Info("ips assigned")
	return ips, nil
}

// Assign leases the given ips to orderRef. It fails without claiming
// anything if any of them is not available.
func (a *Allocator) Assign(ctx context.Context, ids []uint64, orderRef string) ([]ipam.IPResource, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no ips given", ErrInvalidRequest)
	}
	if orderRef == "" {
		return nil, fmt.Errorf("%w: order reference is required", ErrInvalidRequest)
	}
	return a.ips.ClaimIPs(ctx, store.ClaimQuery{IDs: ids, OrderRef: orderRef})
}

// Release returns leased ips to the pool. Ips that are already available are
// left alone.
func (a *Allocator) Release(ctx context.Context, ids []uint64) (int64, error) {
	n, err := a.ips.ReleaseIPs(ctx, ids)
	if err != nil {
		return 0, err
	}
	a.log.WithField("released", n).Info("ips released")
	return n, nil
}

// Replace swaps oldID for another available ip of the same country and
// quality tier leased to orderRef. If the old ip was released but no
// replacement could be claimed, the old ip is leased back to the order.
func (a *Allocator) Replace(ctx context.Context, oldID uint64, orderRef, reason string) (*ipam.IPResource, error) {
	old, err := a.ips.GetIPByID(ctx, oldID)
	if err != nil {
		return nil, err
	}
	if old.CurrentOrderRef != nil {
		if orderRef == "" {
			orderRef = *old.CurrentOrderRef
		} else if *old.CurrentOrderRef != orderRef {
			return nil, fmt.Errorf("ip %d: %w", oldID, ErrOrderMismatch)
		}
	}
	if orderRef == "" {
		return nil, fmt.Errorf("%w: order reference is required", ErrInvalidRequest)
	}

	q := store.ClaimQuery{
		Country:     old.Country,
		QualityTier: old.QualityTier,
		Count:       1,
		OrderRef:    orderRef,
		ExcludeIDs:  []uint64{old.ID},
	}
	available, err := a.ips.CountAvailableIPs(ctx, q)
	if err != nil {
		return nil, err
	}
	if available == 0 {
		return nil, &ipam.ResourceExhaustedError{Required: 1, Available: 0}
	}

	if _, err := a.ips.ReleaseIPs(ctx, []uint64{old.ID}); err != nil {
		return nil, err
	}

	claimed, err := a.claim(ctx, q)
	if err != nil {
		if old.Status == ipam.StatusOccupied {
			if _, cerr := a.ips.ClaimIPs(ctx, store.ClaimQuery{IDs: []uint64{old.ID}, OrderRef: orderRef}); cerr != nil {
				a.log.WithError(cerr).WithField("ip", old.Address).Error("failed to restore replaced ip")
			}
		}
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"order":  orderRef,
		"old":    old.Address,
		"new":    claimed[0].Address,
		"reason": reason,
	}).Info("ip replaced")
	return &claimed[0], nil
}

func (a *Allocator) UpdateStatus(ctx context.Context, ids []uint64, status ipam.Status) (int64, error) {
	return a.ips.UpdateIPStatus(ctx, ids, status)
}

func (a *Allocator) Delete(ctx context.Context, id uint64) error {
	return a.ips.DeleteIP(ctx, id)
}

// DeleteBatch deletes each id on its own. Occupied or missing ips are
// reported and skipped.
func (a *Allocator) DeleteBatch(ctx context.Context, ids []uint64) store.DeleteSummary {
	summary := store.DeleteBatch(ctx, ids, a.ips.DeleteIP)
	a.log.WithField("deleted", summary.Deleted).
		WithField("failed", len(summary.Failed)).
		Info("ip batch delete complete")
	return summary
}

// FailedTests returns ips whose last connectivity test failed.
func (a *Allocator) FailedTests(ctx context.Context) ([]ipam.IPResource, error) {
	return a.ips.GetIPs(ctx, store.IPFilter{TestResult: ipam.TestFailure})
}

func (a *Allocator) List(ctx context.Context, filter store.IPFilter) ([]ipam.IPResource, error) {
	return a.ips.GetIPs(ctx, filter)
}

func (a *Allocator) Stats(ctx context.Context) (*store.IPStats, error) {
	return a.ips.IPStats(ctx)
}
