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
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Pipeline decodes incoming envelopes, applies the checks that do not need
// the match goroutine (payload shape, membership, chat rate) and dispatches
// to the matchmaker, the registry, or a match mailbox. Per-connection FIFO
// holds because each session calls ProcessRequest synchronously from its
// read loop.
type Pipeline struct {
	logger          *zap.Logger
	config          Config
	metrics         Metrics
	sessionRegistry SessionRegistry
	matchRegistry   MatchRegistry
	matchmaker      Matchmaker
	tracker         Tracker
	startTime       time.Time
}

func NewPipeline(logger *zap.Logger, config Config, metrics Metrics, sessionRegistry SessionRegistry, matchRegistry MatchRegistry, matchmaker Matchmaker, tracker Tracker) *Pipeline {
	return &Pipeline{
		logger:          logger,
		config:          config,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
		matchRegistry:   matchRegistry,
		matchmaker:      matchmaker,
		tracker:         tracker,
		startTime:       time.Now(),
	}
}

// ProcessRequest handles one decoded envelope. The return value reports
// whether the session read loop should continue.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, request *Envelope) bool {
	switch request.Event {
	case EventFindMatch:
		p.findMatch(logger, session, request)
	case EventCancelMatchmaking:
		p.cancelMatchmaking(logger, session, request)
	case EventCreateCustom:
		p.createCustom(logger, session, request)
	case EventJoinGame:
		p.joinGame(logger, session, request, false)
	case EventSpectateGame:
		p.joinGame(logger, session, request, true)
	case EventLeaveGame:
		p.leaveGame(session, request)
	case EventStopSpectating:
		p.stopSpectating(session, request)
	case EventReady:
		p.ready(session, request)
	case EventStartGame:
		p.startGame(session, request)
	case EventSubmitSolution:
		p.submitSolution(session, request)
	case EventSendChatMessage:
		p.chatMessage(session, request)
	case EventUserTyping:
		p.typing(session, request)
	case EventRequestHint:
		p.requestHint(session, request)
	case EventGetGameState:
		p.gameState(session, request)
	case EventGetServerStats:
		p.serverStats(session, request)
	default:
		logger.Warn("Received unrecognized event")
		_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrorCodeUnrecognizedPayload, "Unrecognized event"), true)
	}
	return true
}

// decode unpacks the request payload. An empty payload decodes to the zero
// value since several events carry no body.
func (p *Pipeline) decode(session Session, request *Envelope, v interface{}) bool {
	if len(request.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(request.Payload, v); err != nil {
		_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrorCodeBadRequest, "Malformed payload"), true)
		return false
	}
	return true
}

func (p *Pipeline) sendError(session Session, request *Envelope, err error) {
	code := ErrorCodeInternal
	message := "Internal error"
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		code = rtErr.Code
		message = rtErr.Message
	}
	_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, code, message), true)
}

func (p *Pipeline) sendBusy(session Session, request *Envelope) {
	_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrMatchCallShedding.Code, ErrMatchCallShedding.Message), true)
}

// matchFor resolves the handler for a match-scoped request and verifies the
// session is actually tracked into the match, so mistargeted or stale events
// never consume match mailbox slots.
func (p *Pipeline) matchFor(session Session, request *Envelope) *MatchHandler {
	if request.MatchID == "" {
		_ = session.Send(NewErrorEnvelope(request.Cid, "", ErrorCodeBadRequest, "Missing match ID"), true)
		return nil
	}
	mh := p.matchRegistry.GetMatch(request.MatchID)
	if mh == nil {
		_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrorCodeNotFound, "Match not found"), true)
		return nil
	}
	if p.tracker.GetBySessionRoom(session.ID(), matchPlayersRoom(request.MatchID)) == nil &&
		p.tracker.GetBySessionRoom(session.ID(), matchSpectatorsRoom(request.MatchID)) == nil {
		_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrorCodeNotInMatch, "Not in this match"), true)
		return nil
	}
	return mh
}

func (p *Pipeline) findMatch(logger *zap.Logger, session Session, request *Envelope) {
	var req FindMatchRequest
	if !p.decode(session, request, &req) {
		return
	}
	mode, ok := ParseMatchMode(req.Mode)
	if !ok || mode == MatchModeCustom {
		p.sendError(session, request, NewRuntimeError(ErrorCodeBadRequest, "unknown match mode"))
		return
	}
	ticket, err := p.matchmaker.Add(session.Context(), session, mode, req.Preferences)
	if err != nil {
		p.sendError(session, request, err)
		return
	}
	// No ack on the wire, match_found is the answer.
	logger.Debug("Matchmaking ticket added", zap.String("ticket", ticket), zap.String("mode", string(mode)))
}

func (p *Pipeline) cancelMatchmaking(logger *zap.Logger, session Session, request *Envelope) {
	if err := p.matchmaker.CancelSession(session.ID()); err != nil {
		p.sendError(session, request, err)
		return
	}
	logger.Debug("Matchmaking ticket cancelled")
}

func (p *Pipeline) createCustom(logger *zap.Logger, session Session, request *Envelope) {
	var req CreateCustomRequest
	if !p.decode(session, request, &req) {
		return
	}
	mh, snapshot, err := p.matchRegistry.CreateCustomMatch(session.Context(), session, req.Config)
	if err != nil {
		p.sendError(session, request, err)
		return
	}

	envelope, err := NewMatchEnvelope(EventLobbyCreated, mh.IDStr(), snapshot.Version, &LobbyCreatedEvent{
		MatchID:  mh.IDStr(),
		JoinCode: snapshot.JoinCode,
	})
	if err != nil {
		p.sendError(session, request, err)
		return
	}
	envelope.Cid = request.Cid
	_ = session.Send(envelope, true)

	p.sendResync(session, "", snapshot)
	logger.Info("Custom lobby created", zap.String("mid", mh.IDStr()))
}

func (p *Pipeline) joinGame(logger *zap.Logger, session Session, request *Envelope, spectator bool) {
	var req JoinGameRequest
	if !p.decode(session, request, &req) {
		return
	}
	result := p.matchRegistry.JoinAttempt(session.Context(), session, request.MatchID, strings.TrimSpace(req.JoinCode), spectator)
	if !result.Allow {
		err := result.Err
		if err == nil {
			err = ErrMatchNotFound
		}
		p.sendError(session, request, err)
		return
	}
	p.sendResync(session, request.Cid, result.Snapshot)
	logger.Debug("Session joined match", zap.String("mid", result.Snapshot.MatchID), zap.Bool("spectator", result.Spectator))
}

// sendResync delivers the authoritative snapshot, correlated to the request
// when a cid is present.
func (p *Pipeline) sendResync(session Session, cid string, snapshot *MatchSnapshot) {
	if snapshot == nil {
		return
	}
	envelope, err := NewMatchEnvelope(EventResync, snapshot.MatchID, snapshot.Version, &ResyncEvent{Snapshot: snapshot})
	if err != nil {
		return
	}
	envelope.Cid = cid
	_ = session.Send(envelope, true)
}

func (p *Pipeline) leaveGame(session Session, request *Envelope) {
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueLeave(session) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) stopSpectating(session Session, request *Envelope) {
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueStopSpectate(session) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) ready(session Session, request *Envelope) {
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueReady(session, request.Cid) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) startGame(session Session, request *Envelope) {
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueStart(session, request.Cid) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) submitSolution(session Session, request *Envelope) {
	var req SubmitSolutionRequest
	if !p.decode(session, request, &req) {
		return
	}
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueSubmit(session, request.Cid, &req) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) chatMessage(session Session, request *Envelope) {
	var req ChatMessageRequest
	if !p.decode(session, request, &req) {
		return
	}
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !session.ConsumeChatToken() {
		_ = session.Send(NewErrorEnvelope(request.Cid, request.MatchID, ErrorCodeRateLimited, "Slow down"), true)
		return
	}
	if !mh.QueueChat(session, request.Cid, &req) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) typing(session Session, request *Envelope) {
	var req TypingRequest
	if !p.decode(session, request, &req) {
		return
	}
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	// Typing notices share the chat budget but are never worth an error or a
	// busy reply, they are best effort.
	if !session.ConsumeChatToken() {
		return
	}
	_ = mh.QueueTyping(session, &req)
}

func (p *Pipeline) requestHint(session Session, request *Envelope) {
	var req RequestHintRequest
	if !p.decode(session, request, &req) {
		return
	}
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueHint(session, request.Cid, &req) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) gameState(session Session, request *Envelope) {
	mh := p.matchFor(session, request)
	if mh == nil {
		return
	}
	if !mh.QueueStateRequest(session, request.Cid) {
		p.sendBusy(session, request)
	}
}

func (p *Pipeline) serverStats(session Session, request *Envelope) {
	envelope, err := NewEnvelope(EventServerStats, &ServerStatsEvent{
		Sessions:   p.sessionRegistry.Count(),
		Matches:    p.matchRegistry.Count(),
		Tickets:    p.matchmaker.TicketCount(),
		MsgRateSec: p.metrics.SnapshotMsgRateSec(),
		UptimeSec:  int64(time.Since(p.startTime).Seconds()),
	})
	if err != nil {
		p.sendError(session, request, err)
		return
	}
	envelope.Cid = request.Cid
	_ = session.Send(envelope, true)
}
