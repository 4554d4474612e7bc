/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/llmgateway/lib/activerequests"
	"github.com/gravitational/llmgateway/lib/defaults"
)

var (
	windowRequestsDesc = prometheus.NewDesc(
		"llmgateway_backend_window_requests",
		"Requests per backend over the recent stats window.",
		[]string{"backend_id", "status"}, nil)
	successRateDesc = prometheus.NewDesc(
		"llmgateway_backend_success_rate",
		"Success rate per backend over the recent stats window.",
		[]string{"backend_id"}, nil)
	streamingTTFTDesc = prometheus.NewDesc(
		"llmgateway_backend_avg_streaming_ttft_ms",
		"Average streaming time to first token per backend, milliseconds.",
		[]string{"backend_id"}, nil)
	nonStreamingTTFTDesc = prometheus.NewDesc(
		"llmgateway_backend_avg_non_streaming_ttft_ms",
		"Average non-streaming time to first token per backend, milliseconds.",
		[]string{"backend_id"}, nil)
	activeRequestsDesc = prometheus.NewDesc(
		"llmgateway_backend_active_requests",
		"In-flight requests per backend as seen by the active-request store.",
		[]string{"backend_id"}, nil)
)

// Exporter bridges the metrics sink and the active-request store into
// a prometheus.Collector.
type Exporter struct {
	sink   Sink
	store  activerequests.Store
	window time.Duration
	log    *slog.Logger
}

// NewExporter creates a collector over the sink and store.
func NewExporter(sink Sink, store activerequests.Store, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{
		sink:   sink,
		store:  store,
		window: defaults.MetricsWindow,
		log:    log,
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- windowRequestsDesc
	ch <- successRateDesc
	ch <- streamingTTFTDesc
	ch <- nonStreamingTTFTDesc
	ch <- activeRequestsDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := e.sink.GetAllStats(ctx, e.window)
	if err != nil {
		e.log.WarnContext(ctx, "Failed to collect backend stats.", "error", err)
	}
	for backendID, s := range stats {
		ch <- prometheus.MustNewConstMetric(windowRequestsDesc, prometheus.GaugeValue,
			float64(s.Success), backendID, "success")
		ch <- prometheus.MustNewConstMetric(windowRequestsDesc, prometheus.GaugeValue,
			float64(s.Failure), backendID, "failure")
		ch <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue,
			s.SuccessRate, backendID)
		if s.StreamingSamples > 0 {
			ch <- prometheus.MustNewConstMetric(streamingTTFTDesc, prometheus.GaugeValue,
				s.AvgStreamingTTFTMillis, backendID)
		}
		if s.NonStreamingSamples > 0 {
			ch <- prometheus.MustNewConstMetric(nonStreamingTTFTDesc, prometheus.GaugeValue,
				s.AvgNonStreamingTTFTMillis, backendID)
		}
	}

	counts, err := e.store.GetAllCounts(ctx)
	if err != nil {
		e.log.WarnContext(ctx, "Failed to collect active-request counts.", "error", err)
	}
	for backendID, n := range counts {
		ch <- prometheus.MustNewConstMetric(activeRequestsDesc, prometheus.GaugeValue,
			float64(n), backendID)
	}
}

var _ prometheus.Collector = (*Exporter)(nil)
