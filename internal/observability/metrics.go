package observability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

// Metrics groups the pipeline's Prometheus collectors. Every method is safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	tileDownloads        *prometheus.CounterVec
	tileDownloadDuration prometheus.Histogram
	tileQueueDropped     prometheus.Counter
	workerCycles         prometheus.Counter
	workerPanics         prometheus.Counter

	tileResolutions *prometheus.CounterVec
	rasterCache     *prometheus.CounterVec

	chunkRequests          *prometheus.CounterVec
	chunkGenerateDuration  prometheus.Histogram
	metadataWritesInflight prometheus.Gauge
	metadataWaitDuration   prometheus.Histogram

	storageBootstrap *prometheus.CounterVec

	pgStats *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tileDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_tile_downloads_total",
			Help: "DEM tile download attempts by outcome.",
		}, []string{"result"}),
		tileDownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrain_tile_download_duration_seconds",
			Help:    "Wall time from claim to commit for one tile.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		tileQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrain_tile_queue_dropped_total",
			Help: "Work items dropped because the queue was full; the poll loop picks them up later.",
		}),
		workerCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrain_worker_cycles_total",
			Help: "Download worker reconciliation cycles.",
		}),
		workerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrain_worker_panics_total",
			Help: "Recovered panics while processing a tile.",
		}),
		tileResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_tile_resolutions_total",
			Help: "Tile resolutions by outcome.",
		}, []string{"result"}),
		rasterCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_raster_cache_total",
			Help: "Raster cache lookups by result.",
		}, []string{"result"}),
		chunkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_chunk_requests_total",
			Help: "Chunk requests by resulting status.",
		}, []string{"status"}),
		chunkGenerateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrain_chunk_generate_duration_seconds",
			Help:    "Time spent generating and encoding one chunk.",
			Buckets: prometheus.DefBuckets,
		}),
		metadataWritesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_metadata_writes_inflight",
			Help: "Chunk metadata writes currently holding a limiter slot.",
		}),
		metadataWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrain_metadata_write_wait_seconds",
			Help:    "Time spent queued for a metadata write slot.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		storageBootstrap: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_object_storage_bootstrap_total",
			Help: "Object storage provider bootstrap attempts by mode, result and error code.",
		}, []string{"mode", "result", "error_code"}),
		pgStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "terrain_postgres_pool",
			Help: "database/sql pool statistics.",
		}, []string{"stat"}),
	}
	reg.MustRegister(
		m.tileDownloads, m.tileDownloadDuration, m.tileQueueDropped, m.workerCycles, m.workerPanics,
		m.tileResolutions, m.rasterCache,
		m.chunkRequests, m.chunkGenerateDuration, m.metadataWritesInflight, m.metadataWaitDuration,
		m.storageBootstrap, m.pgStats,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
	if log != nil {
		log.Info("Metrics server listening", "addr", addr)
	}
}

func (m *Metrics) ObserveTileDownload(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.tileDownloads.WithLabelValues(result).Inc()
	if dur > 0 {
		m.tileDownloadDuration.Observe(dur.Seconds())
	}
}

func (m *Metrics) IncQueueDropped() {
	if m == nil {
		return
	}
	m.tileQueueDropped.Inc()
}

func (m *Metrics) IncWorkerCycle() {
	if m == nil {
		return
	}
	m.workerCycles.Inc()
}

func (m *Metrics) IncWorkerPanic() {
	if m == nil {
		return
	}
	m.workerPanics.Inc()
}

func (m *Metrics) IncTileResolution(result string) {
	if m == nil {
		return
	}
	m.tileResolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRasterCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.rasterCache.WithLabelValues("hit").Inc()
		return
	}
	m.rasterCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) IncChunkRequest(status string) {
	if m == nil {
		return
	}
	m.chunkRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveChunkGenerate(dur time.Duration) {
	if m == nil {
		return
	}
	m.chunkGenerateDuration.Observe(dur.Seconds())
}

func (m *Metrics) MetadataWriteStarted(waited time.Duration) {
	if m == nil {
		return
	}
	m.metadataWaitDuration.Observe(waited.Seconds())
	m.metadataWritesInflight.Inc()
}

func (m *Metrics) MetadataWriteDone() {
	if m == nil {
		return
	}
	m.metadataWritesInflight.Dec()
}

func (m *Metrics) ObserveStorageBootstrap(mode, result, errorCode string) {
	if m == nil {
		return
	}
	m.storageBootstrap.WithLabelValues(mode, result, errorCode).Inc()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB, interval time.Duration) {
	if m == nil || db == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.WithLabelValues("open_connections").Set(float64(stats.OpenConnections))
				m.pgStats.WithLabelValues("in_use").Set(float64(stats.InUse))
				m.pgStats.WithLabelValues("idle").Set(float64(stats.Idle))
				m.pgStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
				m.pgStats.WithLabelValues("wait_duration_seconds").Set(stats.WaitDuration.Seconds())
				m.pgStats.WithLabelValues("max_open_connections").Set(float64(stats.MaxOpenConnections))
			}
		}
	}()
}
