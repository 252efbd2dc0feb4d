// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	tallyprometheus "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics is the surface the server components report operational data
// through. Gauges are refreshed by their owners, counters at the event site.
type Metrics interface {
	SnapshotMsgRateSec() float64

	GaugeSessions(value float64)
	GaugeMatches(value float64)
	GaugePresences(value float64)

	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)
	CountMessageReceived(recvBytes int64)
	CountMessageSent(sentBytes int64)
	CountDroppedEvents(delta int64)
	CountSubmissions(delta int64)
	CountGrades(delta int64, degraded bool)

	Matchmaker(tickets, activeTickets float64, processTime time.Duration)

	CustomCounter(name string, tags map[string]string, delta int64)
	CustomGauge(name string, tags map[string]string, value float64)
	CustomTimer(name string, tags map[string]string, value time.Duration)

	Stop(logger *zap.Logger)
}

// LocalMetrics reports through a tally root scope flushed to Prometheus.
type LocalMetrics struct {
	logger *zap.Logger
	config Config

	cancelFn context.CancelFunc

	snapshotMsgRateSec *atomic.Float64
	currentMsgCount    *atomic.Int64

	prometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	ctx, cancelFn := context.WithCancel(context.Background())
	m := &LocalMetrics{
		logger:   logger,
		config:   config,
		cancelFn: cancelFn,

		snapshotMsgRateSec: atomic.NewFloat64(0),
		currentMsgCount:    atomic.NewInt64(0),
	}

	go func() {
		const snapshotFrequencySec = 5
		ticker := time.NewTicker(snapshotFrequencySec * time.Second)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				msgCount := float64(m.currentMsgCount.Swap(0))
				m.snapshotMsgRateSec.Store(msgCount / snapshotFrequencySec)
			}
		}
	}()

	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}

	registry := prometheus.NewRegistry()
	reporter := tallyprometheus.NewReporter(tallyprometheus.Options{
		Registerer: registry,
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	m.prometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       tallyprometheus.DefaultSeparator,
		SanitizeOptions: &tallyprometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	if config.GetMetrics().PrometheusPort > 0 {
		router := mux.NewRouter()
		router.Handle("/", reporter.HTTPHandler()).Methods(http.MethodGet)
		router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}).Methods(http.MethodGet)

		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  time.Millisecond * time.Duration(int64(config.GetSocket().ReadTimeoutMs)),
			WriteTimeout: time.Millisecond * time.Duration(int64(config.GetSocket().WriteTimeoutMs)),
			IdleTimeout:  time.Millisecond * time.Duration(int64(config.GetSocket().IdleTimeoutMs)),
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *LocalMetrics) SnapshotMsgRateSec() float64 {
	return m.snapshotMsgRateSec.Load()
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.prometheusScope.Gauge("sessions").Update(value)
}

func (m *LocalMetrics) GaugeMatches(value float64) {
	m.prometheusScope.Gauge("matches").Update(value)
}

func (m *LocalMetrics) GaugePresences(value float64) {
	m.prometheusScope.Gauge("presences").Update(value)
}

func (m *LocalMetrics) CountWebsocketOpened(delta int64) {
	m.prometheusScope.Counter("socket_ws_opened").Inc(delta)
}

func (m *LocalMetrics) CountWebsocketClosed(delta int64) {
	m.prometheusScope.Counter("socket_ws_closed").Inc(delta)
}

func (m *LocalMetrics) CountMessageReceived(recvBytes int64) {
	m.currentMsgCount.Inc()
	m.prometheusScope.Counter("message_recv_bytes").Inc(recvBytes)
}

func (m *LocalMetrics) CountMessageSent(sentBytes int64) {
	m.prometheusScope.Counter("message_sent_bytes").Inc(sentBytes)
}

func (m *LocalMetrics) CountDroppedEvents(delta int64) {
	m.prometheusScope.Counter("dropped_events").Inc(delta)
}

func (m *LocalMetrics) CountSubmissions(delta int64) {
	m.prometheusScope.Counter("submissions").Inc(delta)
}

func (m *LocalMetrics) CountGrades(delta int64, degraded bool) {
	if degraded {
		m.prometheusScope.Counter("grades_degraded").Inc(delta)
		return
	}
	m.prometheusScope.Counter("grades").Inc(delta)
}

func (m *LocalMetrics) Matchmaker(tickets, activeTickets float64, processTime time.Duration) {
	m.prometheusScope.Gauge("matchmaker_tickets").Update(tickets)
	m.prometheusScope.Gauge("matchmaker_active_tickets").Update(activeTickets)
	m.prometheusScope.Timer("matchmaker_process_time").Record(processTime)
}

func (m *LocalMetrics) CustomCounter(name string, tags map[string]string, delta int64) {
	scope := m.prometheusScope
	if len(tags) != 0 {
		scope = scope.Tagged(tags)
	}
	scope.Counter(name).Inc(delta)
}

func (m *LocalMetrics) CustomGauge(name string, tags map[string]string, value float64) {
	scope := m.prometheusScope
	if len(tags) != 0 {
		scope = scope.Tagged(tags)
	}
	scope.Gauge(name).Update(value)
}

func (m *LocalMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {
	scope := m.prometheusScope
	if len(tags) != 0 {
		scope = scope.Tagged(tags)
	}
	scope.Timer(name).Record(value)
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.prometheusHTTPServer.Shutdown(ctx); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Prometheus reporter close failed", zap.Error(err))
	}
	m.cancelFn()
}
