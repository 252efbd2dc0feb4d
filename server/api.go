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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// serverStatsIntervalSec is how often connected clients receive an unsolicited
// server_stats broadcast.
const serverStatsIntervalSec = 30

// ApiServer owns the HTTP listener: the websocket acceptor, healthcheck and
// the read-only stats endpoint.
type ApiServer struct {
	logger          *zap.Logger
	config          Config
	metrics         Metrics
	sessionRegistry SessionRegistry
	matchRegistry   MatchRegistry
	matchmaker      Matchmaker

	startTime   time.Time
	server      *http.Server
	ctxCancelFn context.CancelFunc
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, metrics Metrics, sessionRegistry SessionRegistry, matchRegistry MatchRegistry, matchmaker Matchmaker, tracker Tracker, router MessageRouter, stateStore StateStore, store Store, pipeline *Pipeline) *ApiServer {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	s := &ApiServer{
		logger:          logger,
		config:          config,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
		matchRegistry:   matchRegistry,
		matchmaker:      matchmaker,

		startTime:   time.Now(),
		ctxCancelFn: ctxCancelFn,
	}

	httpRouter := mux.NewRouter()
	httpRouter.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	httpRouter.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	// Do NOT enable compression on the WebSocket route, it results in
	// "http: response.Write on hijacked connection" errors.
	httpRouter.HandleFunc("/ws", NewSocketWsAcceptor(logger, config, metrics, sessionRegistry, matchRegistry, matchmaker, tracker, stateStore, store, pipeline)).Methods("GET")
	httpRouter.HandleFunc("/v1/stats", s.statsHandler).Methods("GET")

	// Enable CORS on all requests.
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(httpRouter)

	s.server = &http.Server{
		Addr:           fmt.Sprintf("%v:%d", config.GetSocket().Address, config.GetSocket().Port),
		ReadTimeout:    time.Millisecond * time.Duration(int64(config.GetSocket().ReadTimeoutMs)),
		WriteTimeout:   time.Millisecond * time.Duration(int64(config.GetSocket().WriteTimeoutMs)),
		IdleTimeout:    time.Millisecond * time.Duration(int64(config.GetSocket().IdleTimeoutMs)),
		MaxHeaderBytes: 5120,
		Handler:        handlerWithCORS,
	}

	startupLogger.Info("Starting API server for client requests", zap.Int("port", config.GetSocket().Port))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(serverStatsIntervalSec * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sessionRegistry.Count() == 0 {
					continue
				}
				envelope, err := NewEnvelope(EventServerStats, s.statsEvent())
				if err != nil {
					continue
				}
				router.SendToAll(logger, envelope, true)
			}
		}
	}()

	return s
}

func (s *ApiServer) statsEvent() *ServerStatsEvent {
	return &ServerStatsEvent{
		Sessions:   s.sessionRegistry.Count(),
		Matches:    s.matchRegistry.Count(),
		Tickets:    s.matchmaker.TicketCount(),
		MsgRateSec: s.metrics.SnapshotMsgRateSec(),
		UptimeSec:  int64(time.Since(s.startTime).Seconds()),
	}
}

func (s *ApiServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.statsEvent()); err != nil {
		s.logger.Debug("Could not write stats response", zap.Error(err))
	}
}

func (s *ApiServer) Stop() {
	s.ctxCancelFn()
	if err := s.server.Shutdown(context.Background()); err != nil {
		s.logger.Error("API server listener shutdown failed", zap.Error(err))
	}
}
