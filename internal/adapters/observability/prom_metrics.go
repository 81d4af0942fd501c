package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type PromObs struct {
	logger   *log.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the collectors on reg; a nil reg uses the default registerer.
func NewPromObs(logger *log.Logger, reg prometheus.Registerer) *PromObs {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	counters := map[string]prometheus.Counter{
		ports.MetricSnapshotsInserted:  counter(ports.MetricSnapshotsInserted, "Snapshots durably written to the snapshot store."),
		ports.MetricSnapshotsDuplicate: counter(ports.MetricSnapshotsDuplicate, "Snapshot submissions ignored because (machine, timestamp) already existed."),
		ports.MetricSnapshotsRejected:  counter(ports.MetricSnapshotsRejected, "Snapshots rejected as malformed at ingestion."),
		ports.MetricSnapshotsUnknown:   counter(ports.MetricSnapshotsUnknown, "Snapshots refused because the machine id is not registered."),
		ports.MetricEventsDerived:      counter(ports.MetricEventsDerived, "Production events written by the derivators."),
		ports.MetricBucketsWritten:     counter(ports.MetricBucketsWritten, "Aggregate buckets upserted."),
		ports.MetricJobErrors:          counter(ports.MetricJobErrors, "Per-machine job failures across capture, derivation and aggregation."),
		ports.MetricHealthIssues:       counter(ports.MetricHealthIssues, "Issues raised by pipeline health sweeps."),
	}
	gauges := map[string]prometheus.Gauge{
		ports.MetricUnhealthyMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ports.MetricUnhealthyMachines,
			Help: "Machines with at least one issue in the last health sweep.",
		}),
		ports.MetricSpoolSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ports.MetricSpoolSizeBytes,
			Help: "Size of the snapshot spool on disk.",
		}),
	}
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricJobDuration,
		Help:    "Wall-clock duration of one scheduled job run.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	for _, c := range counters {
		reg.MustRegister(c)
	}
	for _, g := range gauges {
		reg.MustRegister(g)
	}
	reg.MustRegister(duration)

	return &PromObs{
		logger:   logger,
		counters: counters,
		gauges:   gauges,
		histos: map[string]prometheus.Observer{
			ports.MetricJobDuration: duration,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.entry(fields).Info(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.entry(fields).WithError(err).Error(msg)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.entry(fields).WithError(err).WithField("critical", true).Error(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordRejected(s *domain.Snapshot, err error) {
	p.IncCounter(ports.MetricSnapshotsRejected, 1)
	e := p.logger.WithError(err)
	if s != nil {
		e = e.WithFields(log.Fields{
			"machine_id":  s.MachineID,
			"water_level": s.WaterLevel,
			"captured_at": s.CapturedAt,
		})
	}
	e.Warn("snapshot_rejected")
}

func (p *PromObs) entry(fields []ports.Field) *log.Entry {
	f := make(log.Fields, len(fields))
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return p.logger.WithFields(f)
}

// NewLogger builds the logrus logger from the log config section.
func NewLogger(level, format string) (*log.Logger, error) {
	logger := log.New()
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

var _ ports.Observability = (*PromObs)(nil)
