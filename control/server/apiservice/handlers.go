package apiservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/caldog20/fleetcore/control/server/allocator"
	"github.com/caldog20/fleetcore/control/server/fleetclient"
	"github.com/caldog20/fleetcore/control/server/health"
	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/reconcile"
	"github.com/caldog20/fleetcore/control/server/registry"
	"github.com/caldog20/fleetcore/control/server/store"
)

const maxBodyBytes = 4 << 20

var errBadRequest = errors.New("bad request")

type JSONError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// statusFor maps domain errors onto http status codes.
func statusFor(err error) int {
	var (
		validation  *store.ValidationError
		exhausted   *ipam.ResourceExhaustedError
		connErr     *fleetclient.ConnectivityError
		translation *reconcile.TranslationError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &exhausted):
		return http.StatusConflict
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &translation):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fleetclient.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, store.ErrNodeRunning),
		errors.Is(err, store.ErrIPOccupied),
		errors.Is(err, store.ErrClaimConflict),
		errors.Is(err, allocator.ErrOrderMismatch):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, registry.ErrInvalidNode),
		errors.Is(err, registry.ErrImmutableCode),
		errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, allocator.ErrInvalidRequest),
		errors.Is(err, ipam.ErrInvalidRange),
		errors.Is(err, ipam.ErrRangeTooBig):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (r *RestAPI) writeJSONError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.WithError(err).Error("request failed")
	}
	r.writeJSON(w, code, JSONError{Error: err.Error(), Code: code})
}

func (r *RestAPI) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.log.WithError(err).Warn("error encoding json response")
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %s", errBadRequest, err)
	}
	return nil
}

func pathID(req *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(req.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: error parsing id %q", errBadRequest, req.PathValue("id"))
	}
	return id, nil
}

func queryFloat(req *http.Request, key string, def float64) (float64, error) {
	v := req.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, key, v)
	}
	return f, nil
}

func (r *RestAPI) handleGetNodes(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	nodes, err := r.svc.Registry.List(req.Context(), store.NodeFilter{
		Country: q.Get("country"),
		Status:  node.Status(q.Get("status")),
		Type:    node.Type(q.Get("type")),
	})
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if nodes == nil {
		nodes = []node.Node{}
	}
	r.writeJSON(w, http.StatusOK, Nodes{Nodes: nodes, Total: len(nodes)})
}

func (r *RestAPI) handleGetNodeByID(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}

	n, err := r.svc.Registry.Get(req.Context(), id)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, n)
}

func (r *RestAPI) handleCreateNode(w http.ResponseWriter, req *http.Request) {
	var n node.Node
	if err := decodeJSON(w, req, &n); err != nil {
		r.writeJSONError(w, err)
		return
	}
	if err := r.svc.Registry.Create(req.Context(), &n); err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusCreated, n)
}

func (r *RestAPI) handleUpdateNode(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	var n node.Node
	if err := decodeJSON(w, req, &n); err != nil {
		r.writeJSONError(w, err)
		return
	}
	n.ID = id
	if err := r.svc.Registry.Update(req.Context(), &n); err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, n)
}

func (r *RestAPI) handleDeleteNode(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if err := r.svc.Registry.Delete(req.Context(), id); err != nil {
		r.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *RestAPI) handleDeleteNodes(w http.ResponseWriter, req *http.Request) {
	var body IDs
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	if len(body.IDs) == 0 {
		r.writeJSONError(w, fmt.Errorf("%w: ids are required", errBadRequest))
		return
	}
	r.writeJSON(w, http.StatusOK, r.svc.Registry.DeleteBatch(req.Context(), body.IDs))
}

func (r *RestAPI) handleUpdateNodeStatus(w http.ResponseWriter, req *http.Request) {
	var body NodeStatusUpdate
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	n, err := r.svc.Registry.UpdateStatus(req.Context(), body.IDs, body.Status)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Updated{Updated: n})
}

func (r *RestAPI) handleUpdateMonitor(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	var body Monitor
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	err = r.svc.Registry.UpdateMonitor(req.Context(), id, node.Monitor{
		CurrentConnections: body.CurrentConnections,
		CPUUsage:           body.CPUUsage,
		MemoryUsage:        body.MemoryUsage,
		DiskUsage:          body.DiskUsage,
		NetworkLatencyMs:   body.NetworkLatencyMs,
	})
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *RestAPI) handleNodeStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.svc.Registry.Stats(req.Context())
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, stats)
}

type lifecycleOp int

const (
	lifecycleStart lifecycleOp = iota
	lifecycleStop
	lifecycleRestart
	lifecycleMaintain
	lifecycleExitMaintenance
)

func (r *RestAPI) handleLifecycle(op lifecycleOp) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := pathID(req)
		if err != nil {
			r.writeJSONError(w, err)
			return
		}

		// the reason body is optional
		var body Reason
		if req.ContentLength > 0 {
			if err := decodeJSON(w, req, &body); err != nil {
				r.writeJSONError(w, err)
				return
			}
		}

		ctx := req.Context()
		var n *node.Node
		switch op {
		case lifecycleStart:
			n, err = r.svc.Registry.Start(ctx, id)
		case lifecycleStop:
			n, err = r.svc.Registry.Stop(ctx, id, body.Reason)
		case lifecycleRestart:
			n, err = r.svc.Registry.Restart(ctx, id)
		case lifecycleMaintain:
			n, err = r.svc.Registry.Maintain(ctx, id, body.Reason)
		case lifecycleExitMaintenance:
			n, err = r.svc.Registry.ExitMaintenance(ctx, id)
		}
		if err != nil {
			r.writeJSONError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, n)
	}
}

func (r *RestAPI) handleHealth(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	report, err := r.svc.Health.EvaluateHealth(req.Context(), id)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, report)
}

func (r *RestAPI) handleHealthBatch(w http.ResponseWriter, req *http.Request) {
	var body IDs
	if err := decodeJSON(w, req, &body); err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.svc.Health.EvaluateHealthBatch(req.Context(), body.IDs))
}

func (r *RestAPI) handleOptimize(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	advice, err := r.svc.Health.Optimize(req.Context(), id)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Suggestions{NodeID: id, Suggestions: advice})
}

func (r *RestAPI) handleRecommend(w http.ResponseWriter, req *http.Request) {
	rec, err := r.svc.Balancer.Recommend(req.Context(), req.URL.Query().Get("country"))
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, rec)
}

func (r *RestAPI) handleHighConnections(w http.ResponseWriter, req *http.Request) {
	threshold := 0
	if v := req.URL.Query().Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			r.writeJSONError(w, fmt.Errorf("%w: invalid threshold %q", errBadRequest, v))
			return
		}
		threshold = n
	}
	nodes, err := r.svc.Balancer.HighConnections(req.Context(), threshold)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, Nodes{Nodes: nodes, Total: len(nodes)})
}

func (r *RestAPI) handleHighLoad(w http.ResponseWriter, req *http.Request) {
	cpu, err := queryFloat(req, "cpu", health.MaxCPUUsage)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	memory, err := queryFloat(req, "memory", health.MaxMemoryUsage)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	nodes, err := r.svc.Balancer.HighLoad(req.Context(), cpu, memory)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if nodes == nil {
		nodes = []node.Node{}
	}
	r.writeJSON(w, http.StatusOK, Nodes{Nodes: nodes, Total: len(nodes)})
}
