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
	"time"

	"go.uber.org/zap"
)

// MessageRouter delivers envelopes to sessions tracked on this process.
type MessageRouter interface {
	// SendToPresences routes an envelope to the sessions behind the given
	// presences. The envelope is marshaled once.
	SendToPresences(logger *zap.Logger, presences []*Presence, envelope *Envelope, reliable bool)
	// SendToRoom routes an envelope to every presence in a room.
	SendToRoom(logger *zap.Logger, roomID string, envelope *Envelope, reliable bool)
	// SendToMatch routes an envelope to the match's players and spectators
	// and publishes it on the match event topic for external observers.
	SendToMatch(logger *zap.Logger, matchID string, envelope *Envelope, reliable bool)
	// SendToAll routes an envelope to every session on this process.
	SendToAll(logger *zap.Logger, envelope *Envelope, reliable bool)
}

type LocalMessageRouter struct {
	sessionRegistry SessionRegistry
	tracker         Tracker
	stateStore      StateStore
}

func NewLocalMessageRouter(sessionRegistry SessionRegistry, tracker Tracker, stateStore StateStore) *LocalMessageRouter {
	return &LocalMessageRouter{
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		stateStore:      stateStore,
	}
}

func (r *LocalMessageRouter) SendToPresences(logger *zap.Logger, presences []*Presence, envelope *Envelope, reliable bool) {
	if len(presences) == 0 {
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}
	r.routeBytes(logger, presences, payload, reliable)
}

func (r *LocalMessageRouter) SendToRoom(logger *zap.Logger, roomID string, envelope *Envelope, reliable bool) {
	presences := r.tracker.ListByRoom(roomID)
	if len(presences) == 0 {
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}
	r.routeBytes(logger, presences, payload, reliable)
}

func (r *LocalMessageRouter) SendToMatch(logger *zap.Logger, matchID string, envelope *Envelope, reliable bool) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	r.routeBytes(logger, r.tracker.ListByRoom(matchPlayersRoom(matchID)), payload, reliable)
	r.routeBytes(logger, r.tracker.ListByRoom(matchSpectatorsRoom(matchID)), payload, reliable)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.stateStore.Publish(ctx, matchEventsTopic(matchID), payload); err != nil {
		logger.Debug("Could not publish match event", zap.Error(err))
	}
}

func (r *LocalMessageRouter) SendToAll(logger *zap.Logger, envelope *Envelope, reliable bool) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}
	r.sessionRegistry.Range(func(session Session) bool {
		_ = session.SendBytes(payload, reliable)
		return true
	})
}

func (r *LocalMessageRouter) routeBytes(logger *zap.Logger, presences []*Presence, payload []byte, reliable bool) {
	for _, p := range presences {
		session := r.sessionRegistry.Get(p.SessionID)
		if session == nil {
			logger.Debug("No session to route to", zap.String("sid", p.SessionID.String()))
			continue
		}
		if err := session.SendBytes(payload, reliable); err != nil {
			logger.Debug("Failed to route message", zap.String("sid", p.SessionID.String()), zap.Error(err))
		}
	}
}
