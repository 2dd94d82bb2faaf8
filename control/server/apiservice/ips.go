package apiservice

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/caldog20/fleetcore/control/server/allocator"
	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/store"
)

func (r *RestAPI) handleGetIPs(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := store.IPFilter{
		Country:     q.Get("country"),
		Region:      q.Get("region"),
		City:        q.Get("city"),
		QualityTier: q.Get("quality_tier"),
		Status:      ipam.Status(q.Get("status")),
		OrderRef:    q.Get("order_ref"),
		TestResult:  q.Get("test_result"),
	}
	if v := q.Get("owner_node_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			r.writeJSONError(w, fmt.Errorf("%w: invalid owner_node_id %q", errBadRequest, v))
			return
		}
		filter.OwnerNodeID = &id
	}

	ips, err := r.svc.Allocator.List(req.Context(), filter)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if ips == nil {
		ips = []ipam.IPResource{}
	}
	r.writeJSON(w, http.StatusOK, IPs{IPs: ips, Total: len(ips)})
}

func (r *RestAPI) handleIPStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.svc.Allocator.Stats(req.Context())
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, stats)
}

func (r *RestAPI) handleFailedTests(w http.ResponseWriter, req *http.Request) {
	ips, err := r.svc.Allocator.FailedTests(req.Context())
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if ips == nil {
		ips = []ipam.IPResource{}
	}
	r.writeJSON(w, http.StatusOK, IPs{IPs: ips, Total: len(ips)})
}

func (r *RestAPI) handleDeleteIPs(w http.ResponseWriter, req *http.Request) {
	var body IDs
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	if len(body.IDs) == 0 {
		r.writeJSONError(w, fmt.Errorf("%w: ids are required", errBadRequest))
		return
	}
	r.writeJSON(w, http.StatusOK, r.svc.Allocator.DeleteBatch(req.Context(), body.IDs))
}

func (r *RestAPI) handleUpdateIPStatus(w http.ResponseWriter, req *http.Request) {
	var body IPStatusUpdate
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	n, err := r.svc.Allocator.UpdateStatus(req.Context(), body.IDs, body.Status)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Updated{Updated: n})
}

// handleImportIPs imports full records and bare addresses in one call. Bare
// addresses are deduplicated before they reach the store; repeats count as
// duplicates.
func (r *RestAPI) handleImportIPs(w http.ResponseWriter, req *http.Request) {
	var body ImportIPs
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}

	unique, invalid := ipam.Dedupe(body.Addresses)
	ips := append([]ipam.IPResource{}, body.IPs...)
	for _, addr := range unique {
		ip := body.IPTemplate.resource()
		ip.Address = addr
		ips = append(ips, ip)
	}

	summary := r.svc.Allocator.Import(req.Context(), ips)
	summary.Total += len(body.Addresses) - len(unique)
	summary.Invalid += len(invalid)
	summary.Duplicates += len(body.Addresses) - len(unique) - len(invalid)
	for _, a := range invalid {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%q: invalid address", a))
	}
	r.writeJSON(w, http.StatusOK, summary)
}

func (r *RestAPI) handleImportRange(w http.ResponseWriter, req *http.Request) {
	var body ImportRange
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	summary, err := r.svc.Allocator.ImportRange(req.Context(), body.Range, body.IPTemplate.resource())
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, summary)
}

func (r *RestAPI) handleAutoAssign(w http.ResponseWriter, req *http.Request) {
	var body allocator.Request
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	ips, err := r.svc.Allocator.AutoAssign(req.Context(), body)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Assigned{OrderRef: body.OrderRef, IPs: ips})
}

func (r *RestAPI) handleAssign(w http.ResponseWriter, req *http.Request) {
	var body Assign
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	ips, err := r.svc.Allocator.Assign(req.Context(), body.IDs, body.OrderRef)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Assigned{OrderRef: body.OrderRef, IPs: ips})
}

func (r *RestAPI) handleRelease(w http.ResponseWriter, req *http.Request) {
	var body IDs
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	n, err := r.svc.Allocator.Release(req.Context(), body.IDs)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Released{Released: n})
}

func (r *RestAPI) handleReplace(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	var body Replace
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	ip, err := r.svc.Allocator.Replace(req.Context(), id, body.OrderRef, body.Reason)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, ip)
}

func (r *RestAPI) handleTestIP(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	res, err := r.svc.Allocator.TestConnectivity(req.Context(), id)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, res)
}

func (r *RestAPI) handleTestBatch(w http.ResponseWriter, req *http.Request) {
	var body IDs
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	report, err := r.svc.Allocator.TestBatch(req.Context(), body.IDs)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, report)
}

func (r *RestAPI) handleDeleteIP(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if err := r.svc.Allocator.Delete(req.Context(), id); err != nil {
		r.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
