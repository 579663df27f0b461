package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GreedyKomodoDragon/collection-backup/internal/backup"
)

const namespace = "collection_backup"

// Recorder exports backup cycle outcomes as Prometheus metrics
type Recorder struct {
	registry *prometheus.Registry

	collectionTotal    *prometheus.CounterVec
	collectionDuration *prometheus.HistogramVec
	collectionBytes    *prometheus.GaugeVec
	collectionDocs     *prometheus.GaugeVec
	cycleTotal         *prometheus.CounterVec
	lastSuccess        prometheus.Gauge
	prunedTotal        prometheus.Counter
	pruneFailedTotal   prometheus.Counter
}

// NewRecorder creates a recorder on its own registry, with the Go runtime
// and process collectors included
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		collectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_backups_total",
			Help:      "Collection backups attempted, by collection and outcome.",
		}, []string{"collection", "result"}),
		collectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_backup_duration_seconds",
			Help:      "Time taken to snapshot and upload one collection.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"collection"}),
		collectionBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_backup_size_bytes",
			Help:      "Compressed size of the last successful backup of a collection.",
		}, []string{"collection"}),
		collectionDocs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_backup_documents",
			Help:      "Documents in the last successful backup of a collection.",
		}, []string{"collection"}),
		cycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Backup cycles run, by outcome.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that finished without errors.",
		}),
		prunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_objects_total",
			Help:      "Expired objects deleted by retention.",
		}),
		pruneFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prune_failures_total",
			Help:      "Expired objects that could not be deleted.",
		}),
	}

	r.registry.MustRegister(
		r.collectionTotal,
		r.collectionDuration,
		r.collectionBytes,
		r.collectionDocs,
		r.cycleTotal,
		r.lastSuccess,
		r.prunedTotal,
		r.pruneFailedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the metrics are registered on
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveCollection implements backup.Recorder
func (r *Recorder) ObserveCollection(res backup.CollectionResult) {
	if !res.Succeeded() {
		r.collectionTotal.WithLabelValues(res.Collection, "failure").Inc()
		return
	}
	r.collectionTotal.WithLabelValues(res.Collection, "success").Inc()
	r.collectionDuration.WithLabelValues(res.Collection).Observe(res.Duration.Seconds())
	r.collectionBytes.WithLabelValues(res.Collection).Set(float64(res.Stats.CompressedBytes))
	r.collectionDocs.WithLabelValues(res.Collection).Set(float64(res.Stats.Documents))
}

// ObserveCycle implements backup.Recorder
func (r *Recorder) ObserveCycle(res *backup.CycleResult, err error) {
	switch {
	case err != nil:
		r.cycleTotal.WithLabelValues("aborted").Inc()
		return
	case res.ErrorCount() > 0:
		r.cycleTotal.WithLabelValues("partial").Inc()
	default:
		r.cycleTotal.WithLabelValues("success").Inc()
		r.lastSuccess.Set(float64(res.FinishedAt.Unix()))
	}

	if res.Prune != nil {
		r.prunedTotal.Add(float64(len(res.Prune.Deleted)))
		r.pruneFailedTotal.Add(float64(len(res.Prune.Failed)))
	}
}
