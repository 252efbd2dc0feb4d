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
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewSocketWsAcceptor authenticates and upgrades incoming websocket requests
// and hands each connection to a session. Players holding a live match claim
// are re-attached to the match before the first client message is processed,
// so the resync envelope is always first on a fresh socket.
func NewSocketWsAcceptor(logger *zap.Logger, config Config, metrics Metrics, sessionRegistry SessionRegistry, matchRegistry MatchRegistry, matchmaker Matchmaker, tracker Tracker, stateStore StateStore, store Store, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Missing or invalid token", 401)
			return
		}
		playerID, username, expiry, ok := parseToken([]byte(config.GetSession().EncryptionKey), token)
		if !ok {
			http.Error(w, "Missing or invalid token", 401)
			return
		}

		// Load or lazily create the persistent profile, the session carries
		// the rating as of connect time.
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		profile, err := store.EnsurePlayer(ctx, playerID, username)
		cancel()
		if err != nil {
			logger.Error("Could not load player profile on connect", zap.String("pid", playerID), zap.Error(err))
			http.Error(w, "Profile unavailable", 500)
			return
		}

		clientIP, clientPort := clientAddressFromRequest(logger, r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Warn("Could not upgrade to WebSocket", zap.Error(err))
			return
		}
		metrics.CountWebsocketOpened(1)

		session := NewSessionWS(logger, config, profile, expiry, clientIP, clientPort, conn, stateStore, sessionRegistry, tracker, matchmaker, metrics, pipeline)
		sessionRegistry.Add(session)

		if matchID := matchRegistry.ActiveMatchFor(profile.PlayerID); matchID != "" {
			if mh := matchRegistry.GetMatch(matchID); mh != nil {
				mh.QueueReconnect(session)
			}
		}

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()
	}
}

func clientAddressFromRequest(logger *zap.Logger, r *http.Request) (string, string) {
	ip, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not extract client address from request", zap.Error(err))
		return r.RemoteAddr, ""
	}
	return ip, port
}
