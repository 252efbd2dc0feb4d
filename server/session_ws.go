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
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// presenceValue is the JSON stored under the player's presence key.
type presenceValue struct {
	LastSeen      int64  `json:"last_seen"`
	ActiveMatchID string `json:"active_match_id,omitempty"`
}

type sessionWS struct {
	sync.Mutex
	logger     *zap.Logger
	config     Config
	id         uuid.UUID
	playerID   string
	username   string
	rating     int
	expiry     int64
	clientIP   string
	clientPort string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	stateStore      StateStore
	sessionRegistry SessionRegistry
	tracker         Tracker
	matchmaker      Matchmaker
	metrics         Metrics
	pipeline        *Pipeline

	chatBucket *tokenBucket

	stopped      bool
	conn         *websocket.Conn
	inboxSub     Subscription
	pingTimer    *time.Timer
	pingTimerCAS *atomic.Uint32
	outgoingCh   chan []byte
}

// NewSessionWS wraps an accepted websocket connection for an authenticated
// player. Consume must be called exactly once to start the read loop.
func NewSessionWS(logger *zap.Logger, config Config, profile *PlayerProfile, expiry int64, clientIP, clientPort string,
	conn *websocket.Conn, stateStore StateStore, sessionRegistry SessionRegistry, tracker Tracker, matchmaker Matchmaker, metrics Metrics, pipeline *Pipeline) Session {

	sessionID := uuid.Must(uuid.NewV4())
	sessionLogger := logger.With(zap.String("pid", profile.PlayerID), zap.String("sid", sessionID.String()))

	sessionLogger.Info("New WebSocket session connected", zap.String("username", profile.Username))

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	return &sessionWS{
		logger:     sessionLogger,
		config:     config,
		id:         sessionID,
		playerID:   profile.PlayerID,
		username:   profile.Username,
		rating:     profile.Rating,
		expiry:     expiry,
		clientIP:   clientIP,
		clientPort: clientPort,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		pingPeriodDuration: time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond,
		pongWaitDuration:   time.Duration(config.GetSocket().PongWaitMs) * time.Millisecond,
		writeWaitDuration:  time.Duration(config.GetSocket().WriteWaitMs) * time.Millisecond,

		stateStore:      stateStore,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		matchmaker:      matchmaker,
		metrics:         metrics,
		pipeline:        pipeline,

		chatBucket: newTokenBucket(config.GetChat().RatePerInterval,
			time.Duration(config.GetChat().RateIntervalSec)*time.Second),

		conn:         conn,
		pingTimer:    time.NewTimer(time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond),
		pingTimerCAS: atomic.NewUint32(1),
		outgoingCh:   make(chan []byte, config.GetSocket().OutgoingQueueSize),
	}
}

func (s *sessionWS) Logger() *zap.Logger {
	return s.logger
}

func (s *sessionWS) ID() uuid.UUID {
	return s.id
}

func (s *sessionWS) PlayerID() string {
	return s.playerID
}

func (s *sessionWS) Username() string {
	return s.username
}

func (s *sessionWS) Rating() int {
	return s.rating
}

func (s *sessionWS) ClientIP() string {
	return s.clientIP
}

func (s *sessionWS) ClientPort() string {
	return s.clientPort
}

func (s *sessionWS) Context() context.Context {
	return s.ctx
}

func (s *sessionWS) Expiry() int64 {
	return s.expiry
}

func (s *sessionWS) ConsumeChatToken() bool {
	return s.chatBucket.Allow()
}

func (s *sessionWS) Consume() {
	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		s.Close("failed to set initial read deadline", PresenceReasonDisconnect)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration))
	})

	// Events published to the player's inbox topic from any process, e.g.
	// match_found from a matchmaker elsewhere, flow out on this socket.
	if sub, err := s.stateStore.Subscribe(inboxTopic(s.playerID)); err != nil {
		s.logger.Error("Could not subscribe to player inbox", zap.Error(err))
	} else {
		s.Lock()
		s.inboxSub = sub
		s.Unlock()
		go func() {
			for msg := range sub.Channel() {
				_ = s.SendBytes(msg.Data, true)
			}
		}()
	}

	go s.processOutgoing()
	s.refreshPresence()

IncomingLoop:
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("Error reading message from client", zap.Error(err))
			}
			break
		}
		s.metrics.CountMessageReceived(int64(len(data)))

		request := &Envelope{}
		if err = json.Unmarshal(data, request); err != nil {
			s.logger.Warn("Received malformed payload", zap.String("data", string(data)))
			_ = s.Send(NewErrorEnvelope("", "", ErrorCodeUnrecognizedPayload, "Unrecognized payload"), true)
			continue
		}
		if request.Event == "" {
			_ = s.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrorCodeBadRequest, "Missing event name"), true)
			continue
		}

		requestLogger := s.logger.With(zap.String("cid", request.Cid), zap.String("event", request.Event))
		if !s.pipeline.ProcessRequest(requestLogger, s, request) {
			break IncomingLoop
		}
	}

	s.Close("client disconnect", PresenceReasonDisconnect)
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// Single attempt, a concurrent reset is already doing this work.
	if !s.pingTimerCAS.CAS(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CAS(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	s.Unlock()
	return true
}

func (s *sessionWS) processOutgoing() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.pingTimer.C:
			if !s.pingNow() {
				s.Close("connection ping failure", PresenceReasonDisconnect)
				return
			}
			s.refreshPresence()
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				s.Unlock()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration))
			err := s.conn.WriteMessage(websocket.TextMessage, payload)
			s.Unlock()
			if err != nil {
				s.logger.Warn("Could not write message", zap.Error(err))
				s.Close("connection write failure", PresenceReasonDisconnect)
				return
			}
			s.metrics.CountMessageSent(int64(len(payload)))
		}
	}
}

func (s *sessionWS) pingNow() bool {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration))
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Info("Could not send ping", zap.Error(err))
		return false
	}
	s.Lock()
	if !s.stopped {
		s.pingTimer.Reset(s.pingPeriodDuration)
	}
	s.Unlock()
	return true
}

// refreshPresence keeps the shared presence key warm so other processes can
// see whether the player is online and which match they are in. The TTL is a
// multiple of the ping period so a crashed process's entries age out.
func (s *sessionWS) refreshPresence() {
	presence := presenceValue{
		LastSeen:      time.Now().UnixMilli(),
		ActiveMatchID: s.tracker.ActiveMatch(s.playerID),
	}
	data, _ := json.Marshal(&presence)

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	if _, err := s.stateStore.Set(ctx, presenceKey(s.playerID), data, 3*s.pingPeriodDuration); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("Could not refresh presence", zap.Error(err))
	}
}

func (s *sessionWS) Send(envelope *Envelope, reliable bool) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn("Could not marshal envelope", zap.Error(err))
		return err
	}
	return s.SendBytes(payload, reliable)
}

func (s *sessionWS) SendBytes(payload []byte, reliable bool) error {
	// WebSocket sessions ignore the reliable flag, delivery is always reliable.
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		// The outgoing queue is full, the client is too slow to keep up.
		// Dropping events would break the version ordering contract, so
		// terminate the session and let the client resync on reconnect.
		s.metrics.CountDroppedEvents(1)
		s.logger.Warn("Could not write message, session outgoing queue full")
		s.Close(ErrSessionQueueFull.Message, PresenceReasonDisconnect)
		return ErrSessionQueueFull
	}
}

func (s *sessionWS) Close(msg string, reason PresenceReason) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	inboxSub := s.inboxSub
	s.Unlock()

	s.ctxCancelFn()

	s.logger.Debug("Cleaning up closed client connection", zap.String("reason", msg))

	// Any queued matchmaking ticket dies with the connection.
	s.matchmaker.RemoveSessionAll(s.id)
	s.tracker.UntrackAll(s.id, reason)
	if inboxSub != nil {
		_ = inboxSub.Close()
	}
	s.sessionRegistry.Remove(s.id)

	if err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg),
		time.Now().Add(s.writeWaitDuration)); err != nil {
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close connection", zap.Error(err))
	}
	s.logger.Info("Closed client connection")
	s.metrics.CountWebsocketClosed(1)
}
