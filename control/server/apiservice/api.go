package apiservice

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/allocator"
	"github.com/caldog20/fleetcore/control/server/balancer"
	"github.com/caldog20/fleetcore/control/server/health"
	"github.com/caldog20/fleetcore/control/server/ordernum"
	"github.com/caldog20/fleetcore/control/server/reconcile"
	"github.com/caldog20/fleetcore/control/server/registry"
	"github.com/caldog20/fleetcore/control/server/scheduler"
	"github.com/caldog20/fleetcore/control/server/store"
)

// RunHistory is the read side of the job run store.
type RunHistory interface {
	Runs(job string, limit int) ([]store.JobRun, error)
	LastRun(job string) (*store.JobRun, error)
}

type Services struct {
	Registry   *registry.Registry
	Reconciler *reconcile.Reconciler
	Health     *health.Evaluator
	Balancer   *balancer.Recommender
	Allocator  *allocator.Allocator
	Orders     *ordernum.Generator
	Scheduler  *scheduler.Scheduler
	Runs       RunHistory
	Events     http.Handler
	Gatherer   prometheus.Gatherer
}

type RestAPI struct {
	svc Services
	log *logrus.Entry
}

func New(svc Services) *RestAPI {
	return &RestAPI{
		svc: svc,
		log: logrus.WithField("component", "api"),
	}
}

func (r *RestAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/nodes", r.handleGetNodes)
	mux.HandleFunc("POST /api/v1/nodes", r.handleCreateNode)
	mux.HandleFunc("DELETE /api/v1/nodes", r.handleDeleteNodes)
	mux.HandleFunc("GET /api/v1/nodes/stats", r.handleNodeStats)
	mux.HandleFunc("PUT /api/v1/nodes/status", r.handleUpdateNodeStatus)
	mux.HandleFunc("POST /api/v1/nodes/health", r.handleHealthBatch)
	mux.HandleFunc("GET /api/v1/nodes/recommend", r.handleRecommend)
	mux.HandleFunc("GET /api/v1/nodes/high-load", r.handleHighLoad)
	mux.HandleFunc("GET /api/v1/nodes/high-connections", r.handleHighConnections)
	mux.HandleFunc("GET /api/v1/nodes/{id}", r.handleGetNodeByID)
	mux.HandleFunc("PUT /api/v1/nodes/{id}", r.handleUpdateNode)
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", r.handleDeleteNode)
	mux.HandleFunc("PUT /api/v1/nodes/{id}/monitor", r.handleUpdateMonitor)
	mux.HandleFunc("GET /api/v1/nodes/{id}/health", r.handleHealth)
	mux.HandleFunc("GET /api/v1/nodes/{id}/optimize", r.handleOptimize)
	mux.HandleFunc("POST /api/v1/nodes/{id}/start", r.handleLifecycle(lifecycleStart))
	mux.HandleFunc("POST /api/v1/nodes/{id}/stop", r.handleLifecycle(lifecycleStop))
	mux.HandleFunc("POST /api/v1/nodes/{id}/restart", r.handleLifecycle(lifecycleRestart))
	mux.HandleFunc("POST /api/v1/nodes/{id}/maintain", r.handleLifecycle(lifecycleMaintain))
	mux.HandleFunc("POST /api/v1/nodes/{id}/exit-maintenance", r.handleLifecycle(lifecycleExitMaintenance))

	mux.HandleFunc("POST /api/v1/reconcile/full", r.handleReconcileAll)
	mux.HandleFunc("POST /api/v1/reconcile/status", r.handleSyncStatus)
	mux.HandleFunc("POST /api/v1/reconcile/protocols", r.handleSyncProtocols)
	mux.HandleFunc("POST /api/v1/reconcile/agents/{agent}", r.handleSyncNode)
	mux.HandleFunc("GET /api/v1/reconcile/connection", r.handleCheckConnection)

	mux.HandleFunc("GET /api/v1/ips", r.handleGetIPs)
	mux.HandleFunc("DELETE /api/v1/ips", r.handleDeleteIPs)
	mux.HandleFunc("GET /api/v1/ips/stats", r.handleIPStats)
	mux.HandleFunc("GET /api/v1/ips/failed-tests", r.handleFailedTests)
	mux.HandleFunc("PUT /api/v1/ips/status", r.handleUpdateIPStatus)
	mux.HandleFunc("POST /api/v1/ips/import", r.handleImportIPs)
	mux.HandleFunc("POST /api/v1/ips/import-range", r.handleImportRange)
	mux.HandleFunc("POST /api/v1/ips/auto-assign", r.handleAutoAssign)
	mux.HandleFunc("POST /api/v1/ips/assign", r.handleAssign)
	mux.HandleFunc("POST /api/v1/ips/release", r.handleRelease)
	mux.HandleFunc("POST /api/v1/ips/test", r.handleTestBatch)
	mux.HandleFunc("POST /api/v1/ips/{id}/replace", r.handleReplace)
	mux.HandleFunc("POST /api/v1/ips/{id}/test", r.handleTestIP)
	mux.HandleFunc("DELETE /api/v1/ips/{id}", r.handleDeleteIP)

	mux.HandleFunc("POST /api/v1/orders/number", r.handleOrderNumber)

	mux.HandleFunc("GET /api/v1/jobs", r.handleGetJobs)
	mux.HandleFunc("GET /api/v1/jobs/{name}/runs", r.handleGetRuns)
	mux.HandleFunc("POST /api/v1/jobs/{name}/run", r.handleRunJob)

	if r.svc.Events != nil {
		mux.Handle("GET /api/v1/events", r.svc.Events)
	}
	if r.svc.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(r.svc.Gatherer, promhttp.HandlerOpts{}))
	}
}
