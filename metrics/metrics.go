// Package metrics exposes transfer, prediction, and cache statistics on a
// Prometheus HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valkyriedata/shardfs/cache"
	"github.com/valkyriedata/shardfs/internal/util"
	"github.com/valkyriedata/shardfs/predictor"
	"github.com/valkyriedata/shardfs/worker"
)

// Server serves /metrics on the configured port. Collectors read live
// snapshots from the pool, predictor, and cache at scrape time.
type Server struct {
	registry *prometheus.Registry
	srv      *http.Server
	logger   util.Logger
}

// NewServer registers collectors over the given components.
func NewServer(port int, pool *worker.Pool, pred *predictor.Predictor, store *cache.Store) *Server {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, read func() uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "shardfs", Name: name, Help: help,
		}, func() float64 { return float64(read()) })
	}
	gauge := func(name, help string, read func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "shardfs", Name: name, Help: help,
		}, read)
	}

	registry.MustRegister(
		counter("downloads_total", "Transfer tasks consumed by workers",
			func() uint64 { return pool.Stats().Total }),
		counter("downloads_successful_total", "Transfers that admitted bytes into the cache",
			func() uint64 { return pool.Stats().Successful }),
		counter("downloads_failed_total", "Transfers that resolved their handle with failure",
			func() uint64 { return pool.Stats().Failed }),
		counter("downloaded_bytes_total", "Bytes fetched from the remote store",
			func() uint64 { return pool.Stats().BytesDownloaded }),

		counter("predictions_total", "Prediction passes over the last-accessed key",
			func() uint64 { return pred.Stats().PredictionsMade }),
		counter("prediction_manifest_hits_total", "Predictions served from the manifest",
			func() uint64 { return pred.Stats().ManifestHits }),
		counter("prediction_pattern_hits_total", "Predictions served by the sequential heuristic",
			func() uint64 { return pred.Stats().PatternHits }),
		counter("prefetches_issued_total", "Speculative transfers submitted",
			func() uint64 { return pred.Stats().PrefetchesIssued }),

		gauge("cache_bytes", "Current cache occupancy",
			func() float64 { return float64(store.Stats().CurrentSize) }),
		gauge("cache_budget_bytes", "Configured cache byte budget",
			func() float64 { return float64(store.Stats().MaxSize) }),
		gauge("cache_hot_bytes", "Bytes held by HOT zone entries",
			func() float64 { return float64(store.Stats().HotSize) }),
		gauge("cache_prefetch_bytes", "Bytes held by PREFETCH zone entries",
			func() float64 { return float64(store.Stats().PrefetchSize) }),
		gauge("cache_files", "File entries in the cache",
			func() float64 { return float64(store.Stats().NumFiles) }),
		gauge("cache_chunks", "Chunks in the cache",
			func() float64 { return float64(store.Stats().NumChunks) }),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		registry: registry,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: util.GetLogger("Metrics"),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Metrics endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()
}

// Shutdown stops the endpoint, waiting briefly for in-flight scrapes.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Metrics shutdown incomplete")
	}
}
