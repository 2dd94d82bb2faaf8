package allocator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/internal/ipam"
)

const (
	testMessageOK      = "connection ok"
	testMessageTimeout = "connection timed out"
)

type TestResult struct {
	IPID      uint64    `json:"ip_id"`
	Address   string    `json:"address"`
	Reachable bool      `json:"reachable"`
	LatencyMs int64     `json:"latency_ms"`
	Result    string    `json:"result"`
	Message   string    `json:"message"`
	TestedAt  time.Time `json:"tested_at"`
}

type TestReport struct {
	Total       int          `json:"total"`
	Success     int          `json:"success"`
	Failed      int          `json:"failed"`
	SuccessRate float64      `json:"success_rate"`
	Results     []TestResult `json:"results"`
}

func (a *Allocator) test(ctx context.Context, ip *ipam.IPResource) TestResult {
	reachable, latency := a.prober.Probe(ctx, ip.Address)
	r := TestResult{
		IPID:      ip.ID,
		Address:   ip.Address,
		Reachable: reachable,
		LatencyMs: latency.Milliseconds(),
		Result:    ipam.TestFailure,
		Message:   testMessageTimeout,
		TestedAt:  a.now(),
	}
	if reachable {
		r.Result = ipam.TestSuccess
		r.Message = testMessageOK
	}

	if err := a.ips.RecordIPTest(ctx, ip.ID, r.Result, r.LatencyMs, r.Message, r.TestedAt); err != nil {
		a.log.WithError(err).WithField("ip", ip.Address).Warn("failed to record ip test")
	}
	return r
}

// TestConnectivity probes one ip and records the outcome on it.
func (a *Allocator) TestConnectivity(ctx context.Context, id uint64) (*TestResult, error) {
	ip, err := a.ips.GetIPByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r := a.test(ctx, ip)
	return &r, nil
}

// TestBatch probes the given ips concurrently. Unknown ids are skipped.
func (a *Allocator) TestBatch(ctx context.Context, ids []uint64) (TestReport, error) {
	ips, err := a.ips.GetIPsByIDs(ctx, ids)
	if err != nil {
		return TestReport{}, err
	}
	return a.testAll(ctx, ips), nil
}

// CheckUntested probes every ip not tested within olderThan.
func (a *Allocator) CheckUntested(ctx context.Context, olderThan time.Duration) (TestReport, error) {
	if olderThan <= 0 {
		olderThan = DefaultUntestedAfter
	}
	ips, err := a.ips.GetIPsTestedBefore(ctx, a.now().Add(-olderThan))
	if err != nil {
		return TestReport{}, err
	}
	report := a.testAll(ctx, ips)
	a.log.WithFields(logrus.Fields{
		"total":   report.Total,
		"success": report.Success,
		"failed":  report.Failed,
	}).Info("ip check complete")
	return report, nil
}

func (a *Allocator) testAll(ctx context.Context, ips []ipam.IPResource) TestReport {
	results := make([]TestResult, len(ips))
	sem := make(chan struct{}, a.concurrency)
	var wg sync.WaitGroup

	for i := range ips {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = a.test(ctx, &ips[i])
		}(i)
	}
	wg.Wait()

	report := TestReport{Total: len(results), Results: results}
	for _, r := range results {
		if r.Reachable {
			report.Success++
		} else {
			report.Failed++
		}
	}
	if report.Total > 0 {
		report.SuccessRate = float64(report.Success) / float64(report.Total)
	}
	return report
}
