package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/internal/validate"
	"github.com/caldog20/fleetcore/control/server/store"
)

type ImportSummary struct {
	Total      int      `json:"total"`
	Imported   int      `json:"imported"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Import adds ips to the pool one by one. Duplicates and bad entries are
// counted and skipped. Status defaults to available and quality tier to
// standard.
func (a *Allocator) Import(ctx context.Context, ips []ipam.IPResource) ImportSummary {
	summary := ImportSummary{Total: len(ips)}

	for i := range ips {
		ip := ips[i]
		addr, err := netip.ParseAddr(strings.TrimSpace(ip.Address))
		if err != nil {
			summary.Invalid++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%q: invalid address", ip.Address))
			continue
		}
		ip.ID = 0
		ip.Address = addr.String()
		ip.SetDefaults()
		if err := validate.Struct(&ip); err != nil {
			summary.Invalid++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", ip.Address, validate.Message(err)))
			continue
		}

		err = a.ips.CreateIP(ctx, &ip)
		var verr *store.ValidationError
		switch {
		case err == nil:
			summary.Imported++
		case errors.As(err, &verr):
			summary.Duplicates++
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", ip.Address, err))
		}
	}

	a.log.WithField("imported", summary.Imported).
		WithField("duplicates", summary.Duplicates).
		WithField("invalid", summary.Invalid+summary.Failed).
		Info("ip import complete")
	return summary
}

// ImportRange expands a single address, CIDR prefix or "a-b" range and
// imports every address with the attributes of template.
func (a *Allocator) ImportRange(ctx context.Context, rangeText string, template ipam.IPResource) (ImportSummary, error) {
	addrs, err := ipam.ParseRange(rangeText)
	if err != nil {
		return ImportSummary{}, err
	}
	ips := make([]ipam.IPResource, 0, len(addrs))
	for _, addr := range addrs {
		ip := template
		ip.Address = addr.String()
		ips = append(ips, ip)
	}
	return a.Import(ctx, ips), nil
}
