package aquaflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/aquaflow/internal/adapters/influx"
	"github.com/ghalamif/aquaflow/internal/adapters/kafka"
	"github.com/ghalamif/aquaflow/internal/adapters/memstore"
	"github.com/ghalamif/aquaflow/internal/adapters/observability"
	"github.com/ghalamif/aquaflow/internal/adapters/opcua"
	"github.com/ghalamif/aquaflow/internal/adapters/postgres"
	"github.com/ghalamif/aquaflow/internal/adapters/rediscache"
	"github.com/ghalamif/aquaflow/internal/adapters/wal"
	"github.com/ghalamif/aquaflow/internal/app/aggregate"
	"github.com/ghalamif/aquaflow/internal/app/api"
	"github.com/ghalamif/aquaflow/internal/app/derive"
	"github.com/ghalamif/aquaflow/internal/app/health"
	"github.com/ghalamif/aquaflow/internal/app/ingest"
	"github.com/ghalamif/aquaflow/internal/app/status"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// ErrNoTelemetrySource is returned by Capture when no telemetry driver is configured.
var ErrNoTelemetrySource = errors.New("aquaflow: no telemetry source configured")

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	stores    *ports.Stores
	telemetry ports.TelemetrySource
	notifier  ports.SnapshotNotifier
	spool     ports.SnapshotSpool
	cache     ports.StatusCache
	reporter  ports.HealthReporter
	obs       ports.Observability
	registry  *prometheus.Registry
}

// WithStores replaces the configured store driver.
func WithStores(s Stores) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.stores = &s
	}
}

// WithTelemetrySource injects a custom telemetry source (simulators, other time-series databases).
func WithTelemetrySource(src TelemetrySource) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.telemetry = src
	}
}

// WithNotifier adds a notifier whose snapshots are derived on arrival, on
// top of the runtime's own insert notifications.
func WithNotifier(n SnapshotNotifier) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.notifier = n
	}
}

// WithSpool lets callers bring their own capture spool.
func WithSpool(s SnapshotSpool) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.spool = s
	}
}

// WithStatusCache replaces the Redis status cache.
func WithStatusCache(c StatusCache) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.cache = c
	}
}

// WithHealthReporter replaces the Kafka health reporter.
func WithHealthReporter(r HealthReporter) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.reporter = r
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.obs = obs
	}
}

// WithRegistry registers the runtime's collectors on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// Runtime wires capture → snapshot store → derivation → aggregation, the
// health monitor and the HTTP surfaces, and exposes lifecycle hooks for
// embedding the pipeline inside any Go service.
type Runtime struct {
	cfg         *Config
	obs         ports.Observability
	registry    *prometheus.Registry
	stores      ports.Stores
	db          *sql.DB
	broadcaster *memstore.Broadcaster
	notifier    ports.SnapshotNotifier
	telemetry   ports.TelemetrySource
	spool       ports.SnapshotSpool
	cache       ports.StatusCache
	reporter    ports.HealthReporter
	closers     []func(context.Context) error

	recorder   *ingest.Recorder
	capture    *ingest.Capture
	deriver    *derive.Deriver
	aggregator *aggregate.Runner
	monitor    *health.Monitor
	status     *status.Service
	api        *api.Handler

	cancel     context.CancelFunc
	jobs       sync.WaitGroup
	metricsSrv *http.Server
	apiSrv     *http.Server
	closeOnce  sync.Once
	closeErr   error
}

// NewRuntime bootstraps the configured adapters (Postgres or in-memory
// stores, InfluxDB or OPC UA telemetry, file spool, Redis status cache,
// Kafka health reporter, Prometheus observability). RuntimeOption values
// override any dependency.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{cfg: cfg, broadcaster: memstore.NewBroadcaster(0)}
	if err := rt.build(overrides); err != nil {
		_ = rt.closeAdapters(context.Background())
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) build(o runtimeOverrides) error {
	cfg := r.cfg
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.registry = o.registry
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	r.obs = o.obs
	if r.obs == nil {
		logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		r.obs = observability.NewPromObs(logger, r.registry)
	}

	var listener ports.SnapshotNotifier
	switch {
	case o.stores != nil:
		r.stores = *o.stores
	case cfg.Store.Driver == "postgres":
		db, err := sql.Open("postgres", cfg.Store.ConnString)
		if err != nil {
			return err
		}
		r.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		r.stores = ports.Stores{
			Snapshots: postgres.NewSnapshotStore(db),
			Events:    postgres.NewEventStore(db),
			Buckets:   postgres.NewBucketStore(db),
			Resetter:  postgres.NewResetter(db),
			Machines:  postgres.NewMachineRegistry(db),
		}
		listener = postgres.NewListener(cfg.Store.ConnString, r.obs)
	default:
		r.stores = memstore.New(cfg.Machines...).Stores()
	}

	// Postgres NOTIFY already covers local inserts.
	notifiers := []ports.SnapshotNotifier{r.broadcaster}
	if listener != nil {
		notifiers = []ports.SnapshotNotifier{listener}
	}
	if o.notifier != nil {
		notifiers = append(notifiers, o.notifier)
	}
	r.notifier = derive.FanIn(notifiers...)

	r.telemetry = o.telemetry
	if r.telemetry == nil {
		switch cfg.Telemetry.Driver {
		case "influx":
			src, err := influx.NewSource(cfg.Telemetry.Influx)
			if err != nil {
				return fmt.Errorf("influx source: %w", err)
			}
			r.telemetry = src
			r.closers = append(r.closers, func(context.Context) error {
				src.Close()
				return nil
			})
		case "opcua":
			src, err := opcua.NewSource(cfg.Telemetry.OPCUA)
			if err != nil {
				return fmt.Errorf("opcua source: %w", err)
			}
			r.telemetry = src
			r.closers = append(r.closers, src.Close)
		}
	}

	r.spool = o.spool
	if r.spool == nil && r.telemetry != nil {
		sp, err := wal.Open(cfg.WAL.Dir)
		if err != nil {
			return fmt.Errorf("open spool: %w", err)
		}
		r.spool = sp
		r.closers = append(r.closers, func(context.Context) error { return sp.Close() })
	}

	r.cache = o.cache
	if r.cache == nil && cfg.Redis.Addr != "" {
		c, err := rediscache.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			r.obs.LogError("status_cache_disabled", err, ports.Field{Key: "addr", Value: cfg.Redis.Addr})
		}
		r.cache = c
		r.closers = append(r.closers, func(context.Context) error { return c.Close() })
	}

	r.reporter = o.reporter
	if r.reporter == nil && len(cfg.Kafka.Brokers) > 0 {
		rep, err := kafka.NewReporter(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka reporter: %w", err)
		}
		r.reporter = rep
		r.closers = append(r.closers, func(context.Context) error { return rep.Close() })
	}

	source, err := aggregate.ParseSource(cfg.Aggregate.Source)
	if err != nil {
		return err
	}

	r.recorder = ingest.NewRecorder(r.stores.Snapshots, r.stores.Machines, r.broadcaster, r.obs)
	if r.telemetry != nil {
		r.capture = ingest.NewCapture(ingest.CaptureConfig{
			Window:  cfg.Telemetry.Window,
			Workers: cfg.Workers.Derive,
		}, r.recorder, r.telemetry, r.stores.Machines, r.spool, r.obs)
	}
	r.deriver = derive.NewDeriver(derive.Config{
		Noise:    cfg.Thresholds.Noise,
		Lookback: cfg.Schedule.DeriveLookback,
		Workers:  cfg.Workers.Derive,
	}, r.stores.Snapshots, r.stores.Events, r.stores.Machines, r.obs)
	r.aggregator = aggregate.NewRunner(aggregate.Config{
		Source:           source,
		Workers:          cfg.Workers.Aggregate,
		SampleGap:        sampleGap(cfg),
		FullWaterPercent: cfg.Thresholds.FullWaterPercent,
	}, r.stores, r.obs)
	r.monitor = health.NewMonitor(health.Config{
		Staleness: cfg.Thresholds.HealthStaleness,
		Workers:   cfg.Workers.Derive,
	}, r.stores, r.aggregator, r.reporter, r.obs)
	r.status = status.NewService(status.Config{
		LiveThreshold:    cfg.Thresholds.LiveStaleness,
		LegacyThreshold:  cfg.Thresholds.LegacyStaleness,
		FullWaterPercent: cfg.Thresholds.FullWaterPercent,
		TelemetryWindow:  cfg.Telemetry.Window,
		CacheTTL:         cfg.Redis.TTL,
	}, r.stores.Machines, r.stores.Snapshots, r.telemetry, r.cache, r.obs)
	r.api = api.NewHandler(api.Deps{
		Aggregator: r.aggregator,
		Status:     r.status,
		Rate:       r.deriver,
		Health:     r.monitor,
		Recorder:   r.recorder,
		Resetter:   r,
	}, r.obs, r.registry)
	return nil
}

// sampleGap is twice the capture interval, never below the legacy staleness.
func sampleGap(cfg *Config) time.Duration {
	gap := 2 * cfg.Schedule.Capture
	if gap < cfg.Thresholds.LegacyStaleness {
		gap = cfg.Thresholds.LegacyStaleness
	}
	return gap
}

// Start launches the capture, derivation, aggregation and health jobs plus
// the API and metrics servers. It returns immediately; call Run to block on
// a context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if r.cancel != nil {
		return fmt.Errorf("runtime already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	sched := r.cfg.Schedule

	if r.capture != nil {
		r.goJob(func() error { return r.capture.Run(ctx, sched.Capture) })
	}
	r.goJob(func() error { return r.deriver.Run(ctx, r.notifier, sched.DerivePoll) })
	r.goJob(func() error { return r.aggregator.Loop(ctx, sched.Aggregate) })
	r.goJob(func() error { return r.monitor.Run(ctx, sched.Health) })
	if r.spool != nil {
		r.goJob(func() error {
			r.recordResourceGauges(ctx, 5*time.Second)
			return nil
		})
	}

	r.startMetrics()
	r.apiSrv = r.serve("api", r.cfg.API.Addr, r.api)

	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "store", Value: r.cfg.Store.Driver},
		ports.Field{Key: "telemetry", Value: r.telemetryName()})
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the jobs and servers, then closes every adapter and the DB connection.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.cancel != nil {
		r.cancel()
	}

	for _, srv := range []*http.Server{r.apiSrv, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for jobs: %w", ctx.Err()))
	}

	if err := r.closeAdapters(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runtime) closeAdapters(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		for i := len(r.closers) - 1; i >= 0; i-- {
			if err := r.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if r.db != nil {
			if err := r.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Runtime) goJob(fn func() error) {
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		if err := fn(); err != nil {
			r.obs.LogError("job_exited", err)
		}
	}()
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.metricsSrv = r.serve("metrics", r.cfg.Metrics.Addr, mux)
}

// serve returns nil when addr is empty.
func (r *Runtime) serve(name, addr string, h http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("server_exited", err, ports.Field{Key: "server", Value: name})
		}
	}()
	return srv
}

func (r *Runtime) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.obs.SetGauge(ports.MetricSpoolSizeBytes, float64(r.spool.Stats().SizeBytes))
		}
	}
}

func (r *Runtime) telemetryName() string {
	if r.telemetry == nil {
		return "none"
	}
	return r.telemetry.Name()
}

// RecordSnapshot validates and stores one snapshot. A duplicate returns false without error.
func (r *Runtime) RecordSnapshot(ctx context.Context, s Snapshot) (bool, error) {
	return r.recorder.RecordSnapshot(ctx, s)
}

// Capture runs one capture tick over every bound machine.
func (r *Runtime) Capture(ctx context.Context) error {
	if r.capture == nil {
		return ErrNoTelemetrySource
	}
	return r.capture.Tick(ctx)
}

// Derive derives every snapshot inserted since the last call, then
// re-derives the lookback window of every bound machine.
func (r *Runtime) Derive(ctx context.Context) error {
	return r.deriver.Poll(ctx)
}

// Aggregate runs one aggregation pass; an empty machineID covers every machine.
func (r *Runtime) Aggregate(ctx context.Context, mode AggregationMode, machineID string) (AggregationResult, error) {
	return r.aggregator.Run(ctx, mode, machineID)
}

// Buckets returns the last n periods of g, oldest first, gap-filled with zero buckets.
func (r *Runtime) Buckets(ctx context.Context, machineID string, g Granularity, n int) ([]Bucket, error) {
	return r.aggregator.Series(ctx, machineID, g, n)
}

// StoredBuckets returns up to limit stored buckets of g, newest first,
// without gap filling.
func (r *Runtime) StoredBuckets(ctx context.Context, machineID string, g Granularity, limit int) ([]Bucket, error) {
	if _, err := r.stores.Machines.Machine(ctx, machineID); err != nil {
		return nil, err
	}
	return r.stores.Buckets.Buckets(ctx, machineID, g, limit)
}

func (r *Runtime) Status(ctx context.Context, machineID string, view StatusView) (StatusResult, error) {
	return r.status.Current(ctx, machineID, view)
}

// Rate is the pump-cycle production rate in liters per hour.
func (r *Runtime) Rate(ctx context.Context, machineID string) (float64, error) {
	return r.deriver.Rate(ctx, machineID)
}

func (r *Runtime) Sweep(ctx context.Context) (HealthSweep, error) {
	return r.monitor.Sweep(ctx)
}

// ResetMachine clears the snapshots, events, buckets and watermark of a
// registered machine in one operation.
func (r *Runtime) ResetMachine(ctx context.Context, machineID string) error {
	if _, err := r.stores.Machines.Machine(ctx, machineID); err != nil {
		return err
	}
	if err := r.stores.Resetter.ResetMachine(ctx, machineID); err != nil {
		return fmt.Errorf("reset %s: %w", machineID, err)
	}
	r.obs.LogInfo("machine_reset", ports.Field{Key: "machine_id", Value: machineID})
	return nil
}

// Notifications streams every snapshot stored through this runtime until ctx ends.
func (r *Runtime) Notifications(ctx context.Context) (<-chan SnapshotInserted, error) {
	return r.broadcaster.Subscribe(ctx)
}

// Handler is the HTTP API, for mounting inside another server.
func (r *Runtime) Handler() http.Handler {
	return r.api
}
