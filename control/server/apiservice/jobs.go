package apiservice

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/caldog20/fleetcore/control/server/store"
)

const defaultRunsLimit = 50

func (r *RestAPI) handleReconcileAll(w http.ResponseWriter, req *http.Request) {
	summary, err := r.svc.Reconciler.ReconcileAll(req.Context())
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, summary)
}

func (r *RestAPI) handleSyncStatus(w http.ResponseWriter, req *http.Request) {
	summary, err := r.svc.Reconciler.SyncStatusOnly(req.Context())
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, summary)
}

func (r *RestAPI) handleSyncProtocols(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, r.svc.Reconciler.SyncProtocolCapabilities(req.Context()))
}

func (r *RestAPI) handleSyncNode(w http.ResponseWriter, req *http.Request) {
	agentID := req.PathValue("agent")
	outcome, err := r.svc.Reconciler.SyncNode(req.Context(), agentID)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, SyncResult{AgentID: agentID, Outcome: outcome})
}

func (r *RestAPI) handleCheckConnection(w http.ResponseWriter, req *http.Request) {
	if err := r.svc.Reconciler.CheckConnection(req.Context()); err != nil {
		r.writeJSON(w, http.StatusServiceUnavailable, Connection{Error: err.Error()})
		return
	}
	r.writeJSON(w, http.StatusOK, Connection{Reachable: true})
}

func (r *RestAPI) handleOrderNumber(w http.ResponseWriter, req *http.Request) {
	num, err := r.svc.Orders.Next()
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	r.writeJSON(w, http.StatusCreated, OrderNumber{OrderNumber: num, IssuedAt: time.Now().UTC()})
}

func (r *RestAPI) handleGetJobs(w http.ResponseWriter, req *http.Request) {
	names := r.svc.Scheduler.JobNames()
	sort.Strings(names)

	jobs := Jobs{Jobs: make([]Job, 0, len(names))}
	for _, name := range names {
		job, _ := r.svc.Scheduler.Job(name)
		j := Job{Name: name, Spec: job.Spec}
		last, err := r.svc.Runs.LastRun(name)
		switch {
		case err == nil:
			j.LastRun = last
		case !errors.Is(err, store.ErrNotFound):
			r.writeJSONError(w, err)
			return
		}
		jobs.Jobs = append(jobs.Jobs, j)
	}
	r.writeJSON(w, http.StatusOK, jobs)
}

func (r *RestAPI) handleGetRuns(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	if _, ok := r.svc.Scheduler.Job(name); !ok {
		r.writeJSONError(w, fmt.Errorf("job %q: %w", name, store.ErrNotFound))
		return
	}

	limit := defaultRunsLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			r.writeJSONError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}

	runs, err := r.svc.Runs.Runs(name, limit)
	if err != nil {
		r.writeJSONError(w, err)
		return
	}
	if runs == nil {
		runs = []store.JobRun{}
	}
	r.writeJSON(w, http.StatusOK, Runs{Job: name, Runs: runs})
}

// handleRunJob triggers a registered job outside its schedule and waits for
// the run to finish.
func (r *RestAPI) handleRunJob(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	job, ok := r.svc.Scheduler.Job(name)
	if !ok {
		r.writeJSONError(w, fmt.Errorf("job %q: %w", name, store.ErrNotFound))
		return
	}
	r.writeJSON(w, http.StatusOK, r.svc.Scheduler.RunNow(req.Context(), job))
}
