/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package prometheus implements metrics.MonitoringService on top of
// client_golang.
package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardconsumer/kcl/logger"
)

// MonitoringService publishes shard worker metrics to Prometheus.
//
// Two modes of operation:
//   - Standalone (default): registers metrics on the global registry and
//     starts its own HTTP server.
//   - External registry: the caller provides a *prom.Registry (or
//     prom.Registerer); no HTTP server is started and the caller is
//     responsible for exposing metrics.
//
// streamName, workerID and region are fixed for the lifetime of the service,
// so they are baked in as ConstLabels at registration time rather than
// passed as dynamic label values on every call — only shard varies.
type MonitoringService struct {
	listenAddress string
	namespace     string
	streamName    string
	workerID      string
	region        string
	logger        logger.Logger
	buckets       []float64

	registerer  prom.Registerer
	gatherer    prom.Gatherer
	startServer bool
	server      *http.Server

	processedRecords   *prom.CounterVec
	processedBytes     *prom.CounterVec
	behindLatestMillis *prom.GaugeVec
	shardsOwned        *prom.GaugeVec
	checkpointsSaved   *prom.CounterVec
	getRecordsTime     *prom.HistogramVec
	processRecordsTime *prom.HistogramVec

	// handles caches the per-shard metric handles returned by *Vec.WithLabelValues
	// so the hot fetch/process/checkpoint path never allocates a Labels map.
	handles sync.Map // shard string -> *shardHandles
}

// shardHandles holds one bound metric handle per shard, populated lazily on
// first use and cleared when the shard stops being owned.
type shardHandles struct {
	recordsProcessed   prom.Counter
	bytesProcessed     prom.Counter
	behindLatest       prom.Gauge
	shardsOwned        prom.Gauge
	checkpointsSaved   prom.Counter
	getRecordsTime     prom.Observer
	processRecordsTime prom.Observer
}

// NewMonitoringService returns a MonitoringService that registers metrics on
// the global Prometheus registry and starts its own HTTP server on
// listenAddress.
func NewMonitoringService(listenAddress, region string, log logger.Logger) *MonitoringService {
	return NewMonitoringServiceWithOptions(
		WithListenAddress(listenAddress),
		WithRegion(region),
		WithLogger(log),
	)
}

// NewMonitoringServiceWithOptions creates a MonitoringService configured via
// functional options. When no WithRegistry / WithRegisterer option is
// supplied the service behaves identically to NewMonitoringService (global
// registry, own HTTP server).
func NewMonitoringServiceWithOptions(opts ...Option) *MonitoringService {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	return &MonitoringService{
		listenAddress: cfg.listenAddress,
		region:        cfg.region,
		logger:        cfg.logger,
		buckets:       cfg.buckets,
		registerer:    cfg.registerer,
		gatherer:      cfg.gatherer,
		startServer:   cfg.startServer,
	}
}

func (p *MonitoringService) Init(appName, streamName, workerID string) error {
	p.namespace = appName
	p.streamName = streamName
	p.workerID = workerID

	staticLabels := prom.Labels{"stream": streamName, "region": p.region}
	ownerLabels := prom.Labels{"stream": streamName, "region": p.region, "workerID": workerID}

	p.processedBytes = prom.NewCounterVec(prom.CounterOpts{
		Name:        p.namespace + `_processed_bytes`,
		Help:        "Number of bytes processed",
		ConstLabels: staticLabels,
	}, []string{"shard"})
	p.processedRecords = prom.NewCounterVec(prom.CounterOpts{
		Name:        p.namespace + `_processed_records`,
		Help:        "Number of records processed",
		ConstLabels: staticLabels,
	}, []string{"shard"})
	p.behindLatestMillis = prom.NewGaugeVec(prom.GaugeOpts{
		Name:        p.namespace + `_behind_latest_millis`,
		Help:        "The amount of milliseconds processing is behind",
		ConstLabels: staticLabels,
	}, []string{"shard"})
	p.shardsOwned = prom.NewGaugeVec(prom.GaugeOpts{
		Name:        p.namespace + `_shards_owned`,
		Help:        "The number of shards owned by the worker",
		ConstLabels: ownerLabels,
	}, []string{"shard"})
	p.checkpointsSaved = prom.NewCounterVec(prom.CounterOpts{
		Name:        p.namespace + `_checkpoints_saved`,
		Help:        "The number of successful checkpoint persists",
		ConstLabels: ownerLabels,
	}, []string{"shard"})
	p.getRecordsTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name:        p.namespace + `_get_records_duration_milliseconds`,
		Help:        "The time taken to fetch a batch of records",
		ConstLabels: staticLabels,
		Buckets:     p.buckets,
	}, []string{"shard"})
	p.processRecordsTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name:        p.namespace + `_process_records_duration_milliseconds`,
		Help:        "The time taken to process a batch of records",
		ConstLabels: staticLabels,
		Buckets:     p.buckets,
	}, []string{"shard"})

	collectors := []prom.Collector{
		p.processedBytes,
		p.processedRecords,
		p.behindLatestMillis,
		p.shardsOwned,
		p.checkpointsSaved,
		p.getRecordsTime,
		p.processRecordsTime,
	}
	for _, c := range collectors {
		if err := p.registerer.Register(c); err != nil {
			var are prom.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return fmt.Errorf("registering collector: %w", err)
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	if !p.startServer {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))

	p.server = &http.Server{
		Addr:              p.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {
	if p.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.Errorf("Error shutting down Prometheus metrics server: %+v", err)
	}
}

// handlesFor returns the cached metric handles for shard, creating and
// caching them on first use. Each *Vec.WithLabelValues call binds the shard
// label once; every subsequent metric event for that shard reuses the bound
// handle instead of re-resolving a label set.
func (p *MonitoringService) handlesFor(shard string) *shardHandles {
	if h, ok := p.handles.Load(shard); ok {
		return h.(*shardHandles)
	}
	h := &shardHandles{
		recordsProcessed:   p.processedRecords.WithLabelValues(shard),
		bytesProcessed:     p.processedBytes.WithLabelValues(shard),
		behindLatest:       p.behindLatestMillis.WithLabelValues(shard),
		shardsOwned:        p.shardsOwned.WithLabelValues(shard),
		checkpointsSaved:   p.checkpointsSaved.WithLabelValues(shard),
		getRecordsTime:     p.getRecordsTime.WithLabelValues(shard),
		processRecordsTime: p.processRecordsTime.WithLabelValues(shard),
	}
	actual, _ := p.handles.LoadOrStore(shard, h)
	return actual.(*shardHandles)
}

func (p *MonitoringService) IncrRecordsProcessed(shard string, count int) {
	p.handlesFor(shard).recordsProcessed.Add(float64(count))
}

func (p *MonitoringService) IncrBytesProcessed(shard string, count int64) {
	p.handlesFor(shard).bytesProcessed.Add(float64(count))
}

func (p *MonitoringService) MillisBehindLatest(shard string, millSeconds float64) {
	p.handlesFor(shard).behindLatest.Set(millSeconds)
}

// DeleteMetricMillisBehindLatest drops the shard's entire cached handle set,
// not just the lag gauge: once a shard is no longer owned, reusing a stale
// handle would keep writing to a time series detached from the vec.
func (p *MonitoringService) DeleteMetricMillisBehindLatest(shard string) {
	p.behindLatestMillis.DeleteLabelValues(shard)
	p.handles.Delete(shard)
}

func (p *MonitoringService) OwnershipGained(shard string) {
	p.handlesFor(shard).shardsOwned.Inc()
}

func (p *MonitoringService) OwnershipLost(shard string) {
	p.handlesFor(shard).shardsOwned.Dec()
}

func (p *MonitoringService) CheckpointSaved(shard string) {
	p.handlesFor(shard).checkpointsSaved.Inc()
}

func (p *MonitoringService) RecordGetRecordsTime(shard string, millis float64) {
	p.handlesFor(shard).getRecordsTime.Observe(millis)
}

func (p *MonitoringService) RecordProcessRecordsTime(shard string, millis float64) {
	p.handlesFor(shard).processRecordsTime.Observe(millis)
}
