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

package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/codeduelhq/codeduel/migrate"
	"github.com/codeduelhq/codeduel/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	// Always set default timeout on HTTP client.
	http.DefaultClient.Timeout = 1500 * time.Millisecond
	rand.Seed(time.Now().UnixNano())

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("CodeDuel starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))

	db := server.DbConnect(startupLogger, config)

	// Check migration status and fail fast if the schema has diverged.
	migrate.StartupCheck(startupLogger, db)

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	var stateStore server.StateStore
	if addr := config.GetStateStore().Address; addr == "" {
		startupLogger.Info("State store running in-process, single node only")
		stateStore = server.NewLocalStateStore()
	} else {
		redisStore, err := server.NewRedisStateStore(logger, config, false)
		if err != nil {
			startupLogger.Fatal("Failed connecting to state store", zap.String("address", addr), zap.Error(err))
		}
		startupLogger.Info("State store connected", zap.String("address", addr))
		stateStore = redisStore
	}

	store := server.NewPostgresStore(logger, db)
	grader := server.NewHTTPGraderClient(logger, config)
	clock := server.NewSystemClock()

	// Start up server components.
	sessionRegistry := server.NewLocalSessionRegistry(metrics)
	tracker := server.NewLocalTracker(metrics)
	router := server.NewLocalMessageRouter(sessionRegistry, tracker, stateStore)
	matchRegistry := server.NewLocalMatchRegistry(logger, startupLogger, config, clock, metrics, sessionRegistry, tracker, router, stateStore, store, grader, config.GetName())
	tracker.SetLeaveListener(matchRegistry.HandleLeaves)
	matchmaker := server.NewLocalMatchmaker(logger, startupLogger, config, clock, metrics, stateStore, matchRegistry)
	matchRegistry.SetMatchmaker(matchmaker)
	matchmaker.OnMatchedEntries(func(matches [][]*server.MatchmakerEntry) {
		for _, entries := range matches {
			matchRegistry.NewMatchmadeMatch(entries, entries[0].Mode)
		}
	})
	pipeline := server.NewPipeline(logger, config, metrics, sessionRegistry, matchRegistry, matchmaker, tracker)
	apiServer := server.StartApiServer(logger, startupLogger, config, metrics, sessionRegistry, matchRegistry, matchmaker, tracker, router, stateStore, store, pipeline)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c
	startupLogger.Info("Shutting down")

	// Gracefully stop server components, draining matches within the grace
	// period before forcing termination.
	apiServer.Stop()
	matchmaker.Stop()

	graceSeconds := config.GetShutdownGraceSec()
	stoppedCh := matchRegistry.Stop(graceSeconds)
	if graceSeconds > 0 {
		timer := time.NewTimer(time.Duration(graceSeconds+2) * time.Second)
		select {
		case <-stoppedCh:
			timer.Stop()
		case <-timer.C:
			startupLogger.Warn("Shutdown grace period expired, terminating remaining matches")
			matchRegistry.Stop(0)
		}
	}

	tracker.Stop()
	sessionRegistry.Stop()
	stateStore.Stop()
	metrics.Stop(logger)
	if err := db.Close(); err != nil {
		logger.Warn("Error closing database connection", zap.Error(err))
	}

	startupLogger.Info("Shutdown complete")
	os.Exit(0)
}
