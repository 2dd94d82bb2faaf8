package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/caldog20/fleetcore/control/server/allocator"
	"github.com/caldog20/fleetcore/control/server/apiservice"
	"github.com/caldog20/fleetcore/control/server/balancer"
	"github.com/caldog20/fleetcore/control/server/config"
	"github.com/caldog20/fleetcore/control/server/events"
	"github.com/caldog20/fleetcore/control/server/fleetclient"
	"github.com/caldog20/fleetcore/control/server/health"
	"github.com/caldog20/fleetcore/control/server/ordernum"
	"github.com/caldog20/fleetcore/control/server/reconcile"
	"github.com/caldog20/fleetcore/control/server/registry"
	"github.com/caldog20/fleetcore/control/server/scheduler"
	"github.com/caldog20/fleetcore/control/server/store"
)

const (
	jobTimeout      = 10 * time.Minute
	shutdownTimeout = 15 * time.Second
)

var (
	httpPort      = flag.Int("http-port", 0, "http listen port")
	controllerURL = flag.String("controller", "", "fleet controller base url")
	logLevel      = flag.String("log-level", "", "log level (debug, info, warn, error)")
	configPath    = flag.String("config", "", "path to config file - if unset, ./fleetcore/config.yaml is used")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	conf := getConfig()
	level, _ := logrus.ParseLevel(conf.LogLevel)
	logrus.SetLevel(level)

	loc, _ := time.LoadLocation(conf.Schedule.Timezone)

	db, err := store.NewSqlStore(conf.StorePath)
	if err != nil {
		logrus.Fatal(err)
	}
	defer db.Close()

	runs, err := store.NewBoltStore(conf.BoltPath)
	if err != nil {
		logrus.Fatal(err)
	}
	defer runs.Close()

	client, err := fleetclient.New(conf.Controller.URL, fleetclient.Options{
		Timeout:  conf.Controller.Timeout,
		PageSize: conf.Controller.PageSize,
	})
	if err != nil {
		logrus.Fatal(err)
	}

	reconciler := reconcile.New(client, db, reconcile.Options{
		DefaultMaxConnections: conf.Reconcile.DefaultMaxConnections,
		MarkMissing:           conf.Reconcile.MarkMissing,
	})
	evaluator := health.New(db, &health.TCPProber{
		Timeout:     conf.Health.ProbeTimeout,
		DefaultPort: conf.Health.ProbePort,
	}, health.Options{Concurrency: conf.Health.Concurrency})
	alloc := allocator.New(db, &health.TCPProber{
		Timeout:     conf.Health.ProbeTimeout,
		DefaultPort: conf.Allocator.ProbePort,
	}, allocator.Options{TestConcurrency: conf.Allocator.TestConcurrency})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := events.NewHub()
	sched := scheduler.New(scheduler.Options{
		Location:   loc,
		Recorder:   runs,
		Publisher:  hub,
		Metrics:    scheduler.NewMetrics(reg),
		JobTimeout: jobTimeout,
	})
	for _, job := range fleetJobs(conf, reconciler, evaluator, alloc) {
		if err := sched.Add(job); err != nil {
			logrus.Fatal(err)
		}
	}

	api := apiservice.New(apiservice.Services{
		Registry:   registry.New(db, conf.Reconcile.DefaultMaxConnections),
		Reconciler: reconciler,
		Health:     evaluator,
		Balancer:   balancer.New(db),
		Allocator:  alloc,
		Orders:     ordernum.New(runs, loc),
		Scheduler:  sched,
		Runs:       runs,
		Events:     hub,
		Gatherer:   reg,
	})

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var l net.Listener
	if conf.AutoCertDomain != "" {
		l = autocert.NewListener(conf.AutoCertDomain)
	} else {
		l, err = net.Listen("tcp", fmt.Sprintf(":%d", uint16(conf.HTTPPort)))
		if err != nil {
			logrus.Fatal(err)
		}
	}
	logrus.Infof("http server listening on %s", l.Addr().String())

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	sched.Start()
	if full, ok := sched.Job("full_sync"); ok {
		sched.InitialSync(conf.Reconcile.InitialSyncDelay, conf.Reconcile.StartupWait, reconciler.CheckConnection, full)
	}

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("http server stopped")
			cancel()
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http server shutdown")
	}
	sched.Stop(shutdownCtx)
}

// fleetJobs returns the periodic jobs. full_sync also runs once at startup.
func fleetJobs(conf config.Config, r *reconcile.Reconciler, e *health.Evaluator, a *allocator.Allocator) []scheduler.Job {
	return []scheduler.Job{
		{
			Name: "status_sync",
			Spec: conf.Schedule.StatusSync,
			Run:  func(ctx context.Context) (any, error) { return r.SyncStatusOnly(ctx) },
		},
		{
			Name: "full_sync",
			Spec: conf.Schedule.FullSync,
			Run:  func(ctx context.Context) (any, error) { return r.ReconcileAll(ctx) },
		},
		{
			Name: "protocol_sync",
			Spec: conf.Schedule.ProtocolSync,
			Run:  func(ctx context.Context) (any, error) { return r.SyncProtocolCapabilities(ctx), nil },
		},
		{
			Name: "connection_check",
			Spec: conf.Schedule.ConnectionCheck,
			Run:  func(ctx context.Context) (any, error) { return nil, r.CheckConnection(ctx) },
		},
		{
			Name: "node_check",
			Spec: conf.Schedule.NodeCheck,
			Run: func(ctx context.Context) (any, error) {
				return e.CheckStale(ctx, conf.Health.StaleAfter)
			},
		},
		{
			Name: "ip_check",
			Spec: conf.Schedule.IPCheck,
			Run: func(ctx context.Context) (any, error) {
				return a.CheckUntested(ctx, conf.Allocator.UntestedAfter)
			},
		},
	}
}

func getConfig() config.Config {
	var conf config.Config
	conf.SetDefaults()

	path := *configPath
	if path == "" {
		path = filepath.Join(config.ConfigPath(), config.ConfigFileName)
	}

	// entries missing from the file keep their defaults
	err := conf.ReadConfigFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).Fatal("error reading config file")
		}
		if err := conf.WriteConfigFile(path); err != nil {
			logrus.WithError(err).Warn("error writing config file to disk")
		}
	}

	if err := conf.ApplyEnv(); err != nil {
		logrus.Fatal(err)
	}

	// Flags are prioritized over environment and config entries
	// These are not written back to the config file
	if *httpPort != 0 {
		conf.HTTPPort = *httpPort
	}
	if *controllerURL != "" {
		conf.Controller.URL = *controllerURL
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}

	if err := conf.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	return conf
}
