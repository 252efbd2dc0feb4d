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
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MatchJoinResult is the reply to a queued join attempt.
type MatchJoinResult struct {
	Allow     bool
	Spectator bool
	Snapshot  *MatchSnapshot
	Err       error
}

// MatchHandler owns one match. All state lives behind a single goroutine
// draining callCh, so no part of the match ever needs a lock: sockets, timers
// and grader completions all queue closures and the owner goroutine applies
// them in arrival order. Every mutation bumps the state version and is
// snapshotted to the state store before its events go out.
type MatchHandler struct {
	logger        *zap.Logger
	config        Config
	clock         Clock
	metrics       Metrics
	matchRegistry MatchRegistry
	matchmaker    Matchmaker
	tracker       Tracker
	router        MessageRouter
	stateStore    StateStore
	store         Store
	grader        GraderClient

	id    uuid.UUID
	idStr string

	state *MatchState
	// pending holds the matchmade group until the confirm window resolves.
	// Custom lobbies and direct joins leave it nil.
	pending []*MatchmakerEntry

	// storedVersion is the state store's own counter for the snapshot key,
	// carried between compare-and-set writes. Losing a CAS here means another
	// process owns the match id and this handler must die.
	storedVersion uint64

	problems       []*Problem
	problemsReady  bool
	countdownFired bool
	gradingLeft    map[string]struct{}

	confirmTimer   ClockTimer
	autoStartTimer ClockTimer
	staleTimer     ClockTimer
	countdownTimer ClockTimer
	roundTimer     ClockTimer
	retireTimer    ClockTimer
	terminateTimer ClockTimer
	graceTimers    map[string]ClockTimer

	callCh  chan func(*MatchHandler)
	stopCh  chan struct{}
	stopped *atomic.Bool
}

// NewMatchHandler builds the match state, claims the snapshot key in the
// state store and starts the owner goroutine. A failed initial claim means
// the match id is already live somewhere and the handler is not started.
func NewMatchHandler(logger *zap.Logger, config Config, clock Clock, metrics Metrics, matchRegistry MatchRegistry, matchmaker Matchmaker, tracker Tracker, router MessageRouter, stateStore StateStore, store Store, grader GraderClient, stopped *atomic.Bool, id uuid.UUID, mode MatchMode, rules MatchRules, ownerID, joinCode string, entries []*MatchmakerEntry) (*MatchHandler, error) {
	now := clock.Now()
	state := NewMatchState(id.String(), mode, rules, ownerID, config.GetChat().HistorySize, now)
	state.JoinCode = joinCode
	for _, entry := range entries {
		state.AddPlayer(&MatchPlayer{
			PlayerID:  entry.PlayerID,
			SessionID: entry.SessionID,
			Username:  entry.Username,
			Rating:    entry.Rating,
			JoinedAt:  now,
		})
	}

	mh := &MatchHandler{
		logger:        logger.With(zap.String("mid", id.String())),
		config:        config,
		clock:         clock,
		metrics:       metrics,
		matchRegistry: matchRegistry,
		matchmaker:    matchmaker,
		tracker:       tracker,
		router:        router,
		stateStore:    stateStore,
		store:         store,
		grader:        grader,

		id:    id,
		idStr: id.String(),

		state:   state,
		pending: entries,

		graceTimers: make(map[string]ClockTimer),

		callCh:  make(chan func(mh *MatchHandler), config.GetMatch().CallQueueSize),
		stopCh:  make(chan struct{}),
		stopped: stopped,
	}

	snapshot, err := json.Marshal(state.Snapshot())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	version, err := mh.stateStore.CompareAndSet(ctx, matchKey(mh.idStr), 0, snapshot, mh.snapshotTTL())
	if err != nil {
		return nil, err
	}
	mh.storedVersion = version

	// Continuously run queued calls until the match stops.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				mh.logger.Error("Match runtime panicked", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
				mh.broadcast(EventMatchEnd, &MatchEndEvent{Reason: MatchEndReasonCancelled})
				mh.retire()
			}
		}()
		for {
			select {
			case <-mh.stopCh:
				return
			case call := <-mh.callCh:
				call(mh)
			}
		}
	}()

	mh.queueCall(func(mh *MatchHandler) { mh.armInitialTimers() })

	mh.logger.Info("Match started", zap.String("mode", string(mode)))

	return mh, nil
}

func (mh *MatchHandler) armInitialTimers() {
	now := mh.clock.Now()
	if len(mh.pending) > 0 {
		confirmAt := now.Add(time.Duration(mh.config.GetMatch().ConfirmWindowSec) * time.Second)
		mh.confirmTimer = mh.clock.Schedule(confirmAt, func() {
			mh.queueCall(func(mh *MatchHandler) { mh.onConfirmExpired() })
		})
	}
	staleAt := now.Add(time.Duration(mh.config.GetMatch().StaleWaitingSec) * time.Second)
	mh.staleTimer = mh.clock.Schedule(staleAt, func() {
		mh.queueCall(func(mh *MatchHandler) { mh.lifecycleCheck() })
	})
}

func (mh *MatchHandler) ID() uuid.UUID { return mh.id }

func (mh *MatchHandler) IDStr() string { return mh.idStr }

func (mh *MatchHandler) Mode() MatchMode { return mh.state.Mode }

func (mh *MatchHandler) CreateTime() time.Time { return mh.state.CreateTime }

// Stop makes the handler drop all future calls and unregisters the match.
// Timers owned by the match goroutine are left to fire into a stopped
// mailbox, which discards them.
func (mh *MatchHandler) Stop() {
	if !mh.stopped.CompareAndSwap(false, true) {
		return
	}
	close(mh.stopCh)
	mh.matchRegistry.RemoveMatch(mh.id)
}

// queueCall schedules internal work. A full mailbox here means the match is
// not keeping up with its own timers and completions, so it is closed rather
// than allowed to fall arbitrarily far behind.
func (mh *MatchHandler) queueCall(f func(*MatchHandler)) bool {
	if mh.stopped.Load() {
		return false
	}
	select {
	case mh.callCh <- f:
		return true
	default:
		mh.Stop()
		mh.logger.Warn("Match runtime call processing too slow, closing match")
		return false
	}
}

// offerCall schedules client-driven work. Client pressure is not a match
// health problem, so a full mailbox rejects the call and the caller reports
// busy to exactly that connection.
func (mh *MatchHandler) offerCall(f func(*MatchHandler)) bool {
	if mh.stopped.Load() {
		return false
	}
	select {
	case mh.callCh <- f:
		return true
	default:
		return false
	}
}

func (mh *MatchHandler) snapshotTTL() time.Duration {
	cfg := mh.config.GetMatch()
	switch mh.state.Status {
	case MatchStatusCompleted:
		return time.Duration(cfg.RetentionCompletedSec) * time.Second
	case MatchStatusCancelled:
		return time.Duration(cfg.RetentionCancelledSec) * time.Second
	default:
		return time.Duration(cfg.SnapshotTTLSec) * time.Second
	}
}

// persist snapshots the state through a compare-and-set on the stored
// version. A version conflict means another process took over the match id:
// this handler is no longer the single writer and kills itself without
// touching the store again. Exhausted retries cancel the match instead, the
// store is the source of truth for recovery and running without it would
// silently drop state. Returns false when the match died here.
func (mh *MatchHandler) persist() bool {
	if mh.stopped.Load() {
		return false
	}
	data, err := json.Marshal(mh.state.Snapshot())
	if err != nil {
		mh.logger.Error("Could not encode match snapshot", zap.Error(err))
		mh.failMatch(CancelReasonInternal)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = withRetry(ctx, 3, 100*time.Millisecond, func() error {
		version, casErr := mh.stateStore.CompareAndSet(ctx, matchKey(mh.idStr), mh.storedVersion, data, mh.snapshotTTL())
		if casErr != nil {
			return casErr
		}
		mh.storedVersion = version
		return nil
	})
	if err == nil {
		return true
	}

	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrKeyNotFound) {
		mh.logger.Error("Match snapshot ownership lost, stopping match", zap.Error(err))
		mh.failMatch(CancelReasonInternal)
		return false
	}
	mh.logger.Error("Match snapshot writes exhausted retries, stopping match", zap.Error(err))
	mh.failMatch(CancelReasonStoreUnavailable)
	return false
}

// failMatch ends a match that can no longer trust the state store. No
// snapshot is written and no retention window applies, the handler just
// announces the cancellation and frees everything now.
func (mh *MatchHandler) failMatch(detail string) {
	if mh.state.Terminal() {
		mh.retire()
		return
	}
	mh.stopActivityTimers()
	mh.state.Transition(MatchStatusCancelled, mh.clock.Now())
	mh.state.Reason = detail
	mh.broadcast(EventMatchEnd, &MatchEndEvent{Reason: MatchEndReasonCancelled})
	mh.recordResult(nil)
	mh.retire()
}

func (mh *MatchHandler) stopActivityTimers() {
	for _, timer := range []ClockTimer{mh.confirmTimer, mh.autoStartTimer, mh.staleTimer, mh.countdownTimer, mh.roundTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	mh.confirmTimer, mh.autoStartTimer, mh.staleTimer, mh.countdownTimer, mh.roundTimer = nil, nil, nil, nil, nil
	for pid, timer := range mh.graceTimers {
		timer.Stop()
		delete(mh.graceTimers, pid)
	}
}

// retire unregisters the match, releases every player claim and drops the
// room presences. The last step of every match lifecycle.
func (mh *MatchHandler) retire() {
	if mh.retireTimer != nil {
		mh.retireTimer.Stop()
		mh.retireTimer = nil
	}
	if mh.terminateTimer != nil {
		mh.terminateTimer.Stop()
		mh.terminateTimer = nil
	}
	mh.stopActivityTimers()
	mh.releaseAllPlayers()

	for _, room := range []string{matchPlayersRoom(mh.idStr), matchSpectatorsRoom(mh.idStr)} {
		for _, presence := range mh.tracker.ListByRoom(room) {
			mh.tracker.Untrack(presence.SessionID, room, PresenceReasonLeave)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mh.stateStore.Delete(ctx, matchOwnerKey(mh.idStr))
	if mh.state.JoinCode != "" {
		_ = mh.stateStore.Delete(ctx, lobbyKey(mh.idStr))
		_ = mh.stateStore.Delete(ctx, lobbyCodeKey(mh.state.JoinCode))
	}

	mh.Stop()
	mh.logger.Info("Match retired", zap.String("status", string(mh.state.Status)))
}

func (mh *MatchHandler) releaseAllPlayers() {
	for pid := range mh.state.Players {
		mh.matchRegistry.ReleasePlayer(pid, mh.idStr)
	}
}

// broadcast sends a match event to players, spectators and the match topic,
// stamped with the state version produced by the mutation it describes.
func (mh *MatchHandler) broadcast(event string, payload interface{}) {
	envelope, err := NewMatchEnvelope(event, mh.idStr, mh.state.Version, payload)
	if err != nil {
		mh.logger.Error("Could not encode match event", zap.String("event", event), zap.Error(err))
		return
	}
	mh.router.SendToMatch(mh.logger, mh.idStr, envelope, true)
}

func (mh *MatchHandler) sendTo(session Session, cid, event string, payload interface{}) {
	envelope, err := NewMatchEnvelope(event, mh.idStr, mh.state.Version, payload)
	if err != nil {
		mh.logger.Error("Could not encode match event", zap.String("event", event), zap.Error(err))
		return
	}
	envelope.Cid = cid
	if err := session.Send(envelope, true); err != nil {
		mh.logger.Debug("Could not send match event", zap.String("event", event), zap.Error(err))
	}
}

func (mh *MatchHandler) sendError(session Session, cid string, err error) {
	code, message := ErrorCodeInternal, err.Error()
	var runtimeErr *RuntimeError
	if errors.As(err, &runtimeErr) {
		code = runtimeErr.Code
	}
	if sendErr := session.Send(NewErrorEnvelope(cid, mh.idStr, code, message), true); sendErr != nil {
		mh.logger.Debug("Could not send error event", zap.Error(sendErr))
	}
}

// QueueJoinAttempt enqueues a join for a player or spectator and reports the
// decision on resultCh. Returns false if the match is stopped or too busy to
// even look at the attempt.
func (mh *MatchHandler) QueueJoinAttempt(ctx context.Context, resultCh chan<- *MatchJoinResult, session Session, joinCode string, spectator bool, freshClaim bool) bool {
	attempt := func(mh *MatchHandler) {
		select {
		case <-ctx.Done():
			// The client went away while the attempt sat in the queue.
			resultCh <- &MatchJoinResult{Err: ErrMatchNotFound}
			return
		default:
		}
		if spectator {
			resultCh <- mh.spectatorJoin(session)
			return
		}
		resultCh <- mh.playerJoin(session, joinCode, freshClaim)
	}
	return mh.offerCall(attempt)
}

func (mh *MatchHandler) spectatorJoin(session Session) *MatchJoinResult {
	if mh.state.Status == MatchStatusCancelled {
		return &MatchJoinResult{Err: ErrMatchNotFound}
	}
	if !mh.state.Rules.AllowSpectators {
		return &MatchJoinResult{Err: NewRuntimeError(ErrorCodePrivateDenied, "spectating is disabled for this match")}
	}
	pid := session.PlayerID()
	if mh.state.Rules.Private && !mh.state.Rules.Invited(pid) && pid != mh.state.OwnerID {
		if _, isPlayer := mh.state.Players[pid]; !isPlayer {
			return &MatchJoinResult{Err: ErrMatchPrivate}
		}
	}
	mh.state.AddSpectator(pid, session.Username())
	if !mh.persist() {
		return &MatchJoinResult{Err: ErrMatchNotFound}
	}
	return &MatchJoinResult{Allow: true, Spectator: true, Snapshot: mh.state.Snapshot()}
}

func (mh *MatchHandler) playerJoin(session Session, joinCode string, freshClaim bool) *MatchJoinResult {
	pid := session.PlayerID()

	if player, ok := mh.state.Players[pid]; ok {
		// Existing slot: a matchmade player attaching for the first time, or
		// a rebind within the disconnect grace window.
		if player.Forfeited || mh.state.Terminal() {
			return &MatchJoinResult{Err: ErrMatchWrongState}
		}
		mh.rebindPlayer(session, player)
		if !mh.persist() {
			return &MatchJoinResult{Err: ErrMatchNotFound}
		}
		mh.broadcast(EventPlayerJoined, &PlayerJoinedEvent{Player: player.Info()})
		return &MatchJoinResult{Allow: true, Snapshot: mh.state.Snapshot()}
	}

	if mh.state.Status != MatchStatusWaiting || len(mh.pending) > 0 {
		return &MatchJoinResult{Err: ErrMatchWrongState}
	}
	if len(mh.state.Players) >= mh.state.Rules.MaxPlayers {
		return &MatchJoinResult{Err: ErrMatchFull}
	}
	if mh.state.Rules.Private {
		// A valid join code is as good as an invitation.
		codeOK := joinCode != "" && strings.EqualFold(joinCode, mh.state.JoinCode)
		if !codeOK && !mh.state.Rules.Invited(pid) && pid != mh.state.OwnerID {
			return &MatchJoinResult{Err: ErrMatchPrivate}
		}
	}
	if !freshClaim {
		return &MatchJoinResult{Err: ErrAlreadyInMatch}
	}

	now := mh.clock.Now()
	player := &MatchPlayer{
		PlayerID:  pid,
		SessionID: session.ID(),
		Username:  session.Username(),
		Rating:    session.Rating(),
		Connected: true,
		JoinedAt:  now,
	}
	mh.state.AddPlayer(player)
	if !mh.persist() {
		return &MatchJoinResult{Err: ErrMatchNotFound}
	}
	mh.broadcast(EventPlayerJoined, &PlayerJoinedEvent{Player: player.Info()})
	mh.maybeArmAutoStart()
	return &MatchJoinResult{Allow: true, Snapshot: mh.state.Snapshot()}
}

func (mh *MatchHandler) rebindPlayer(session Session, player *MatchPlayer) {
	mh.state.Reconnect(player.PlayerID, session.ID(), session.Rating())
	if timer, ok := mh.graceTimers[player.PlayerID]; ok {
		timer.Stop()
		delete(mh.graceTimers, player.PlayerID)
	}
}

// QueueConnect marks a matchmade player's session as attached. The join
// already happened at pairing time, this only binds the live socket.
func (mh *MatchHandler) QueueConnect(session Session) bool {
	return mh.queueCall(func(mh *MatchHandler) {
		player, ok := mh.state.Players[session.PlayerID()]
		if !ok || player.Forfeited || mh.state.Terminal() {
			return
		}
		mh.rebindPlayer(session, player)
		mh.persist()
	})
}

// QueueReconnect rebinds a returning session to its live slot and replays the
// current snapshot. Used by the socket acceptor when a player with an active
// match opens a fresh connection.
func (mh *MatchHandler) QueueReconnect(session Session) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		pid := session.PlayerID()
		player, ok := mh.state.Players[pid]
		if !ok {
			return
		}
		if mh.state.Terminal() {
			mh.sendTo(session, "", EventResync, &ResyncEvent{Snapshot: mh.state.Snapshot()})
			return
		}
		if player.Forfeited {
			return
		}
		mh.rebindPlayer(session, player)
		if !mh.persist() {
			return
		}
		mh.tracker.Track(session.ID(), matchPlayersRoom(mh.idStr), pid, PresenceMeta{Username: session.Username()})
		mh.broadcast(EventPlayerJoined, &PlayerJoinedEvent{Player: player.Info()})
		mh.sendTo(session, "", EventResync, &ResyncEvent{Snapshot: mh.state.Snapshot()})
	})
}

// QueueReady records a player's ready (or matchmade confirmation) and starts
// the countdown once everyone still standing is ready.
func (mh *MatchHandler) QueueReady(session Session, cid string) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		if mh.state.Status != MatchStatusWaiting {
			mh.sendError(session, cid, ErrMatchWrongState)
			return
		}
		pid := session.PlayerID()
		player, ok := mh.state.Players[pid]
		if !ok || player.Forfeited {
			mh.sendError(session, cid, ErrNotInMatch)
			return
		}
		if !player.Connected {
			// Ready over a session the match never saw, bind it now.
			mh.rebindPlayer(session, player)
		}
		if !mh.state.SetReady(pid) {
			// Already ready, idempotent.
			return
		}
		if !mh.persist() {
			return
		}
		mh.broadcast(EventPlayerReady, &PlayerReadyEvent{PlayerID: pid})
		mh.maybeBeginCountdown()
	})
}

// QueueStart lets the lobby owner start before everyone has readied.
func (mh *MatchHandler) QueueStart(session Session, cid string) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		if mh.state.OwnerID == "" || session.PlayerID() != mh.state.OwnerID {
			mh.sendError(session, cid, NewRuntimeError(ErrorCodeUnauthorized, "only the lobby owner can start the match"))
			return
		}
		if mh.state.Status != MatchStatusWaiting {
			mh.sendError(session, cid, ErrMatchWrongState)
			return
		}
		if mh.state.ConnectedPlayerCount() < mh.state.Rules.MinPlayers {
			mh.sendError(session, cid, NewRuntimeError(ErrorCodeWrongState, "not enough players to start"))
			return
		}
		mh.beginCountdown()
	})
}

func (mh *MatchHandler) maybeArmAutoStart() {
	if len(mh.pending) > 0 || mh.state.Status != MatchStatusWaiting || mh.autoStartTimer != nil {
		return
	}
	if mh.state.ConnectedPlayerCount() < mh.state.Rules.MinPlayers {
		return
	}
	at := mh.clock.Now().Add(time.Duration(mh.config.GetMatch().AutoStartAfterSec) * time.Second)
	mh.autoStartTimer = mh.clock.Schedule(at, func() {
		mh.queueCall(func(mh *MatchHandler) { mh.onAutoStart() })
	})
}

func (mh *MatchHandler) disarmAutoStart() {
	if mh.autoStartTimer == nil {
		return
	}
	if mh.state.ConnectedPlayerCount() >= mh.state.Rules.MinPlayers {
		return
	}
	mh.autoStartTimer.Stop()
	mh.autoStartTimer = nil
}

func (mh *MatchHandler) onAutoStart() {
	mh.autoStartTimer = nil
	if mh.state.Status != MatchStatusWaiting {
		return
	}
	if mh.state.ConnectedPlayerCount() < mh.state.Rules.MinPlayers {
		return
	}
	mh.beginCountdown()
}

func (mh *MatchHandler) maybeBeginCountdown() {
	if mh.state.Status != MatchStatusWaiting {
		return
	}
	if mh.state.ConnectedPlayerCount() < mh.state.Rules.MinPlayers {
		return
	}
	if !mh.state.AllReady() {
		return
	}
	mh.beginCountdown()
}

// onConfirmExpired fires when the matchmade confirm window closes while the
// match is still waiting. Players who confirmed go back to the head of the
// queue with their original enqueue time, everyone else is dropped.
func (mh *MatchHandler) onConfirmExpired() {
	mh.confirmTimer = nil
	if mh.state.Status != MatchStatusWaiting {
		return
	}
	confirmed := make([]*MatchmakerEntry, 0, len(mh.pending))
	for _, entry := range mh.pending {
		if player, ok := mh.state.Players[entry.PlayerID]; ok && player.Ready && player.Connected && !player.Forfeited {
			confirmed = append(confirmed, entry)
		}
	}
	mh.logger.Info("Match confirmation window expired", zap.Int("confirmed", len(confirmed)), zap.Int("paired", len(mh.pending)))
	mh.cancelMatch(CancelReasonAbandoned, true)
	if len(confirmed) > 0 {
		mh.matchmaker.Requeue(confirmed)
	}
}

// beginCountdown moves the match to starting, announces the countdown and
// fetches the problem set in parallel. The first round opens once both the
// countdown and the fetch are done.
func (mh *MatchHandler) beginCountdown() {
	for _, timer := range []ClockTimer{mh.confirmTimer, mh.autoStartTimer, mh.staleTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	mh.confirmTimer, mh.autoStartTimer, mh.staleTimer = nil, nil, nil

	now := mh.clock.Now()
	if !mh.state.Transition(MatchStatusStarting, now) {
		return
	}
	if !mh.persist() {
		return
	}
	countdown := time.Duration(mh.config.GetMatch().StartingCountdownSec) * time.Second
	mh.broadcast(EventMatchStarting, &MatchStartingEvent{CountdownMs: countdown.Milliseconds()})

	rules := mh.state.Rules
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var problems []*Problem
		err := withRetry(ctx, 3, 200*time.Millisecond, func() error {
			var fetchErr error
			problems, fetchErr = mh.store.GetProblems(ctx, rules.ProblemKind, rules.Difficulty, rules.RoundCount, nil)
			return fetchErr
		})
		if err == nil && len(problems) == 0 {
			err = errors.New("no problems available")
		}
		mh.queueCall(func(mh *MatchHandler) { mh.onProblems(problems, err) })
	}()

	mh.countdownTimer = mh.clock.Schedule(now.Add(countdown), func() {
		mh.queueCall(func(mh *MatchHandler) { mh.onCountdownFired() })
	})
}

func (mh *MatchHandler) onProblems(problems []*Problem, err error) {
	if mh.state.Status != MatchStatusStarting {
		return
	}
	if err != nil {
		mh.logger.Error("Could not load problem set", zap.Error(err))
		mh.cancelMatch(CancelReasonStoreUnavailable, true)
		return
	}
	if len(problems) < mh.state.Rules.RoundCount {
		mh.logger.Warn("Problem set smaller than round count, problems will repeat", zap.Int("problems", len(problems)), zap.Int("rounds", mh.state.Rules.RoundCount))
	}
	mh.problems = problems
	mh.problemsReady = true
	mh.maybeOpenFirstRound()
}

func (mh *MatchHandler) onCountdownFired() {
	mh.countdownTimer = nil
	if mh.state.Status != MatchStatusStarting {
		return
	}
	mh.countdownFired = true
	mh.maybeOpenFirstRound()
}

func (mh *MatchHandler) maybeOpenFirstRound() {
	if !mh.problemsReady || !mh.countdownFired {
		return
	}
	if !mh.state.Transition(MatchStatusInProgress, mh.clock.Now()) {
		return
	}
	mh.openRound(0)
}

func (mh *MatchHandler) openRound(index int) {
	now := mh.clock.Now()
	problem := mh.problems[index%len(mh.problems)]
	deadline := now.Add(time.Duration(mh.state.Rules.RoundTimeLimitSec) * time.Second)
	if !mh.state.OpenRound(index, problem, now, deadline) {
		mh.logger.Error("Could not open round", zap.Int("round", index), zap.String("status", string(mh.state.Status)))
		mh.cancelMatch(CancelReasonInternal, true)
		return
	}
	if !mh.persist() {
		return
	}
	mh.broadcast(EventRoundStart, &RoundStartEvent{
		RoundIndex: index,
		Problem:    problem.View(),
		DeadlineAt: deadline.UnixMilli(),
	})
	mh.roundTimer = mh.clock.Schedule(deadline, func() {
		mh.queueCall(func(mh *MatchHandler) { mh.onRoundDeadline(index) })
	})
}

func (mh *MatchHandler) onRoundDeadline(index int) {
	mh.roundTimer = nil
	if mh.state.Terminal() || index != mh.state.Cursor {
		return
	}
	round := mh.state.Rounds[index]
	if round.Status != RoundStatusOpen {
		return
	}
	mh.beginGrading(index)
}

// QueueSubmit validates and retains a solution. The latest submission from a
// player wins, earlier ones are simply replaced. Acceptance is decided purely
// by round state at processing time, so a submission racing the deadline is
// accepted exactly when it drains before the deadline closure.
func (mh *MatchHandler) QueueSubmit(session Session, cid string, request *SubmitSolutionRequest) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		if mh.state.Status != MatchStatusInProgress {
			mh.sendError(session, cid, ErrMatchWrongState)
			return
		}
		pid := session.PlayerID()
		player, ok := mh.state.Players[pid]
		if !ok || player.Forfeited {
			mh.sendError(session, cid, ErrNotInMatch)
			return
		}
		round := mh.state.CurrentRound()
		if round == nil || round.Status != RoundStatusOpen || request.RoundIndex != round.Index {
			mh.sendError(session, cid, NewRuntimeError(ErrorCodeInvalidSubmission, "round is not accepting submissions"))
			return
		}
		if err := mh.validateSubmission(request); err != nil {
			mh.sendError(session, cid, err)
			return
		}

		now := mh.clock.Now()
		submission := &Submission{
			SubmissionID: uuid.Must(uuid.NewV4()).String(),
			MatchID:      mh.idStr,
			RoundIndex:   round.Index,
			PlayerID:     pid,
			Code:         request.Code,
			Language:     strings.ToLower(request.Language),
			SubmittedAt:  now,
		}
		replaced := mh.state.AddSubmission(submission)
		mh.metrics.CountSubmissions(1)
		if !mh.persist() {
			return
		}
		mh.sendTo(session, cid, EventSubmissionAck, &SubmissionAckEvent{
			SubmissionID: submission.SubmissionID,
			RoundIndex:   round.Index,
			ReceivedAt:   now.UnixMilli(),
		})
		if !replaced {
			mh.broadcast(EventPlayerSubmitted, &PlayerSubmittedEvent{PlayerID: pid, RoundIndex: round.Index})
		}
		if mh.state.AllActiveSubmitted(round.Index) {
			mh.beginGrading(round.Index)
		}
	})
}

func (mh *MatchHandler) validateSubmission(request *SubmitSolutionRequest) error {
	code := request.Code
	if code == "" {
		return NewRuntimeError(ErrorCodeInvalidSubmission, "submission is empty")
	}
	if len(code) > mh.config.GetMatch().MaxCodeSizeBytes {
		return NewRuntimeError(ErrorCodeInvalidSubmission, "submission exceeds maximum size")
	}
	if !utf8.ValidString(code) {
		return NewRuntimeError(ErrorCodeInvalidSubmission, "submission is not valid UTF-8")
	}
	for _, r := range code {
		if r == 0x7f || (r < 0x20 && r != '\n' && r != '\r' && r != '\t') {
			return NewRuntimeError(ErrorCodeInvalidSubmission, "submission contains control characters")
		}
	}
	if mh.state.Rules.Trivia {
		if _, err := strconv.Atoi(strings.TrimSpace(code)); err != nil {
			return NewRuntimeError(ErrorCodeInvalidSubmission, "trivia answers must be a choice index")
		}
		return nil
	}
	language := strings.ToLower(request.Language)
	for _, allowed := range mh.state.Rules.LanguageWhitelist {
		if language == allowed {
			return nil
		}
	}
	return NewRuntimeError(ErrorCodeInvalidSubmission, "language is not allowed")
}

// beginGrading freezes the round and fans grading out to the grader, one call
// per retained submission, each bounded by the grading budget. Every call
// resolves to a report: failures and timeouts come back as fallback verdicts
// so one sick grader cannot wedge the match.
func (mh *MatchHandler) beginGrading(index int) {
	if mh.roundTimer != nil {
		mh.roundTimer.Stop()
		mh.roundTimer = nil
	}
	if !mh.state.BeginGrading(index) {
		return
	}
	if !mh.persist() {
		return
	}

	round := mh.state.Rounds[index]
	if mh.state.Rules.Trivia {
		mh.gradeTrivia(index, round)
		return
	}

	weights := mh.state.Rules.Weights
	mh.gradingLeft = make(map[string]struct{})
	for pid, player := range mh.state.Players {
		if player.Forfeited {
			continue
		}
		submission, ok := round.Submissions[pid]
		if !ok {
			mh.state.SetRoundScore(index, pid, 0, nil)
			continue
		}
		mh.gradingLeft[pid] = struct{}{}
		mh.dispatchGrade(index, submission, round.Problem, weights)
	}
	if len(mh.gradingLeft) == 0 {
		mh.finishRound(index)
	}
}

func (mh *MatchHandler) dispatchGrade(index int, submission *Submission, problem *Problem, weights GradeWeights) {
	budget := time.Duration(mh.config.GetMatch().GradingBudgetSec) * time.Second
	request := &GradeRequest{
		SubmissionID: submission.SubmissionID,
		MatchID:      mh.idStr,
		PlayerID:     submission.PlayerID,
		RoundIndex:   index,
		Language:     submission.Language,
		Code:         submission.Code,
		Problem:      problem,
		Weights:      weights,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		report, err := mh.grader.Grade(ctx, request)
		if err != nil {
			passed, total := 0, 0
			if report != nil {
				passed, total = report.PassedTests, report.TotalTests
			}
			verdict := GradeVerdictForError(ctx, err)
			mh.logger.Warn("Grader call failed, applying fallback verdict", zap.String("pid", submission.PlayerID), zap.Int("round", index), zap.String("verdict", verdict), zap.Error(err))
			report = FallbackReport(submission.SubmissionID, weights, passed, total, verdict)
		}
		mh.queueCall(func(mh *MatchHandler) { mh.applyGradeResult(index, submission.PlayerID, report) })
	}()
}

func (mh *MatchHandler) applyGradeResult(index int, playerID string, report *GradeReport) {
	if mh.state.Terminal() || index >= len(mh.state.Rounds) {
		return
	}
	if mh.state.Rounds[index].Status != RoundStatusGrading {
		return
	}
	if _, waiting := mh.gradingLeft[playerID]; !waiting {
		return
	}
	delete(mh.gradingLeft, playerID)
	mh.state.SetRoundScore(index, playerID, report.Score, report)
	mh.metrics.CountGrades(1, report.Degraded)
	if len(mh.gradingLeft) == 0 {
		mh.finishRound(index)
	}
}

// gradeTrivia scores a trivia round locally: the retained answer either names
// the correct choice or it does not. No grader round-trip.
func (mh *MatchHandler) gradeTrivia(index int, round *Round) {
	weights := mh.state.Rules.Weights
	for pid, player := range mh.state.Players {
		if player.Forfeited {
			continue
		}
		score := 0.0
		var report *GradeReport
		if submission, ok := round.Submissions[pid]; ok {
			choice, err := strconv.Atoi(strings.TrimSpace(submission.Code))
			correct := err == nil && round.Problem != nil && choice == round.Problem.CorrectChoice
			report = triviaReport(submission.SubmissionID, weights, correct)
			score = report.Score
			mh.metrics.CountGrades(1, false)
		}
		mh.state.SetRoundScore(index, pid, score, report)
	}
	mh.finishRound(index)
}

func triviaReport(submissionID string, weights GradeWeights, correct bool) *GradeReport {
	report := &GradeReport{
		SubmissionID: submissionID,
		Verdict:      VerdictGraded,
		Feedback:     "Incorrect.",
	}
	if correct {
		report.Criteria = GradeCriteria{
			Correctness: weights.Correctness,
			Efficiency:  weights.Efficiency,
			Readability: weights.Readability,
			Style:       weights.Style,
			Innovation:  weights.Innovation,
		}
		report.Feedback = "Correct."
	}
	report.Score = roundHalfUp(report.Criteria.Sum())
	report.LetterGrade = letterGrade(report.Score)
	return report
}

func (mh *MatchHandler) finishRound(index int) {
	mh.gradingLeft = nil
	round := mh.state.Rounds[index]
	if !mh.state.CloseRound(index) {
		return
	}
	if !mh.persist() {
		return
	}

	perPlayer := make(map[string]*PlayerRoundResult, len(round.Scores))
	for pid, score := range round.Scores {
		perPlayer[pid] = &PlayerRoundResult{Score: score, GradeReport: round.Reports[pid]}
	}
	mh.broadcast(EventRoundResult, &RoundResultEvent{
		RoundIndex:      index,
		PerPlayer:       perPlayer,
		Totals:          mh.state.Totals(),
		GradingDegraded: round.Degraded,
	})

	if mh.state.Cursor >= len(mh.state.Rounds) {
		mh.completeMatch(MatchEndReasonCompleted)
		return
	}
	mh.openRound(mh.state.Cursor)
}

// completeMatch drives the terminal bookkeeping for a finished match: final
// snapshot, durable record, rating updates for ranked play, and the match_end
// broadcast once the rating deltas are known.
func (mh *MatchHandler) completeMatch(reason string) {
	mh.stopActivityTimers()
	now := mh.clock.Now()
	if !mh.state.Transition(MatchStatusCompleted, now) {
		return
	}
	mh.state.Reason = reason
	if !mh.persist() {
		return
	}

	standings := mh.state.Standings()
	mh.recordResult(func(deltas map[string]int, err error) {
		mh.queueCall(func(mh *MatchHandler) {
			if err != nil {
				mh.logger.Error("Could not persist match result", zap.Error(err))
			}
			for i := range standings {
				if newRating, ok := deltas[standings[i].PlayerID]; ok {
					if player, found := mh.state.Players[standings[i].PlayerID]; found {
						standings[i].RatingDelta = newRating - player.Rating
					}
				}
			}
			mh.broadcast(EventMatchEnd, &MatchEndEvent{Standings: standings, Reason: reason})
			mh.releaseAllPlayers()
		})
	})

	mh.scheduleRetire(now)
}

// cancelMatch ends a match without a winner. retain keeps the handler
// resident for the cancelled-match retention window so late resyncs still
// resolve.
func (mh *MatchHandler) cancelMatch(detail string, retain bool) {
	mh.stopActivityTimers()
	now := mh.clock.Now()
	if !mh.state.Transition(MatchStatusCancelled, now) {
		return
	}
	mh.state.Reason = detail
	mh.persist()
	mh.broadcast(EventMatchEnd, &MatchEndEvent{Reason: MatchEndReasonCancelled})
	mh.recordResult(nil)
	mh.releaseAllPlayers()
	mh.logger.Info("Match cancelled", zap.String("detail", detail))
	if retain {
		mh.scheduleRetire(now)
		return
	}
	mh.retire()
}

func (mh *MatchHandler) scheduleRetire(now time.Time) {
	retention := mh.snapshotTTL()
	mh.retireTimer = mh.clock.Schedule(now.Add(retention), func() {
		mh.queueCall(func(mh *MatchHandler) { mh.retire() })
	})
}

// recordResult writes the durable match record off the match goroutine. For
// ranked completions done receives the new ratings; a nil done means nobody
// is waiting on the outcome.
func (mh *MatchHandler) recordResult(done func(deltas map[string]int, err error)) {
	record := mh.buildRecord()
	standings := mh.state.Standings()
	ranked := mh.state.Rules.Ranked && mh.state.Status == MatchStatusCompleted
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := mh.store.RecordMatch(ctx, record)
		deltas := map[string]int{}
		if err == nil && ranked {
			deltas, err = mh.store.UpdateRatings(ctx, record.MatchID, standings)
		}
		if done != nil {
			done(deltas, err)
			return
		}
		if err != nil {
			mh.logger.Error("Could not persist match record", zap.Error(err))
		}
	}()
}

func (mh *MatchHandler) buildRecord() *MatchRecord {
	state := mh.state
	record := &MatchRecord{
		MatchID:    state.MatchID,
		Mode:       string(state.Mode),
		Status:     string(state.Status),
		Reason:     state.Reason,
		Ranked:     state.Rules.Ranked,
		RoundCount: state.Rules.RoundCount,
		OwnerID:    state.OwnerID,
		CreateTime: state.CreateTime,
		StartTime:  state.StartTime,
		EndTime:    state.EndTime,
	}
	for _, row := range state.Standings() {
		record.Players = append(record.Players, &MatchPlayerRecord{
			PlayerID:  row.PlayerID,
			Username:  row.Username,
			Total:     row.Total,
			Rank:      row.Rank,
			Forfeited: row.Forfeited,
		})
	}
	for _, round := range state.Rounds {
		if round.Status != RoundStatusClosed {
			continue
		}
		for pid, submission := range round.Submissions {
			sub := &SubmissionRecord{
				SubmissionID: submission.SubmissionID,
				PlayerID:     pid,
				RoundIndex:   round.Index,
				Language:     submission.Language,
				Code:         submission.Code,
				Score:        round.Scores[pid],
				SubmitTime:   submission.SubmittedAt,
			}
			if round.Problem != nil {
				sub.ProblemID = round.Problem.ProblemID
			}
			if report := round.Reports[pid]; report != nil {
				sub.Verdict = report.Verdict
				sub.Report = report
			}
			record.Submissions = append(record.Submissions, sub)
		}
	}
	return record
}

// QueueDisconnect reacts to a player's socket dropping. Slots survive for the
// grace window mid-match; in an unstarted lobby the slot is simply vacated.
func (mh *MatchHandler) QueueDisconnect(playerID string, sessionID uuid.UUID) bool {
	return mh.queueCall(func(mh *MatchHandler) {
		player, ok := mh.state.Players[playerID]
		if !ok || player.Forfeited || mh.state.Terminal() {
			return
		}
		if player.SessionID != sessionID {
			// The slot was already rebound to a newer session.
			return
		}
		now := mh.clock.Now()
		switch mh.state.Status {
		case MatchStatusWaiting:
			if len(mh.pending) > 0 {
				// Matchmade slots stay until the confirm window resolves.
				mh.state.SetDisconnected(playerID, now)
				mh.persist()
				return
			}
			if playerID == mh.state.OwnerID {
				mh.cancelMatch(CancelReasonOwnerCancel, true)
				return
			}
			mh.state.RemovePlayer(playerID)
			mh.matchRegistry.ReleasePlayer(playerID, mh.idStr)
			if !mh.persist() {
				return
			}
			mh.broadcast(EventPlayerLeft, &PlayerLeftEvent{PlayerID: playerID, Reason: "disconnected"})
			mh.disarmAutoStart()
			if len(mh.state.Players) == 0 {
				mh.cancelMatch(CancelReasonAbandoned, true)
			}
		case MatchStatusStarting, MatchStatusInProgress:
			if !mh.state.SetDisconnected(playerID, now) {
				return
			}
			if !mh.persist() {
				return
			}
			mh.broadcast(EventPlayerLeft, &PlayerLeftEvent{PlayerID: playerID, Reason: "disconnected"})
			grace := time.Duration(mh.config.GetMatch().GraceDisconnectSec) * time.Second
			mh.graceTimers[playerID] = mh.clock.Schedule(now.Add(grace), func() {
				mh.queueCall(func(mh *MatchHandler) { mh.onGraceExpired(playerID) })
			})
		}
	})
}

func (mh *MatchHandler) onGraceExpired(playerID string) {
	delete(mh.graceTimers, playerID)
	player, ok := mh.state.Players[playerID]
	if !ok || player.Connected || player.Forfeited || mh.state.Terminal() {
		return
	}
	mh.forfeit(playerID)
}

// forfeit removes a player from contention and settles the consequences: a
// two-player match ends immediately in the opponent's favor, larger matches
// carry on with the forfeiter scoring zero from here out.
func (mh *MatchHandler) forfeit(playerID string) {
	if !mh.state.ForfeitPlayer(playerID) {
		return
	}
	mh.matchRegistry.ReleasePlayer(playerID, mh.idStr)
	if !mh.persist() {
		return
	}
	mh.broadcast(EventPlayerLeft, &PlayerLeftEvent{PlayerID: playerID, Reason: "forfeited"})

	active := mh.state.ActivePlayerCount()
	switch {
	case active == 0:
		mh.cancelMatch(CancelReasonAbandoned, true)
	case active == 1 && mh.state.Rules.MaxPlayers > 1:
		mh.completeMatch(MatchEndReasonForfeit)
	default:
		// Someone who was blocking early grading may just have left.
		if round := mh.state.CurrentRound(); round != nil && round.Status == RoundStatusOpen && mh.state.AllActiveSubmitted(round.Index) {
			mh.beginGrading(round.Index)
		}
	}
}

// QueueLeave handles an explicit leave_game. Unlike a disconnect there is no
// grace window: leaving a live match is an immediate forfeit.
func (mh *MatchHandler) QueueLeave(session Session) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		pid := session.PlayerID()
		player, ok := mh.state.Players[pid]
		if !ok || mh.state.Terminal() {
			return
		}
		mh.tracker.Untrack(session.ID(), matchPlayersRoom(mh.idStr), PresenceReasonLeave)
		switch mh.state.Status {
		case MatchStatusWaiting:
			if len(mh.pending) > 0 {
				// Declining a matchmade pairing: drop out and let the
				// confirm window settle the rest.
				mh.state.SetDisconnected(pid, mh.clock.Now())
				mh.state.ForfeitPlayer(pid)
				mh.matchRegistry.ReleasePlayer(pid, mh.idStr)
				mh.persist()
				return
			}
			if pid == mh.state.OwnerID {
				mh.cancelMatch(CancelReasonOwnerCancel, true)
				return
			}
			mh.state.RemovePlayer(pid)
			mh.matchRegistry.ReleasePlayer(pid, mh.idStr)
			if !mh.persist() {
				return
			}
			mh.broadcast(EventPlayerLeft, &PlayerLeftEvent{PlayerID: pid, Reason: "left"})
			mh.disarmAutoStart()
			if len(mh.state.Players) == 0 {
				mh.cancelMatch(CancelReasonAbandoned, true)
			}
		case MatchStatusStarting, MatchStatusInProgress:
			if player.Forfeited {
				return
			}
			mh.forfeit(pid)
		}
	})
}

// QueueStopSpectate drops a spectator. Spectator churn is not broadcast, the
// roster is only visible through snapshots.
func (mh *MatchHandler) QueueStopSpectate(session Session) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		if !mh.state.RemoveSpectator(session.PlayerID()) {
			return
		}
		mh.tracker.Untrack(session.ID(), matchSpectatorsRoom(mh.idStr), PresenceReasonLeave)
		mh.persist()
	})
}

// QueueSpectatorDisconnect cleans up a spectator whose socket dropped.
func (mh *MatchHandler) QueueSpectatorDisconnect(playerID string) bool {
	return mh.queueCall(func(mh *MatchHandler) {
		if mh.state.RemoveSpectator(playerID) {
			mh.persist()
		}
	})
}

// QueueChat appends a chat message and fans it out to the sender's side of
// the match: player chat reaches everyone, spectator chat stays among
// spectators so the gallery cannot coach.
func (mh *MatchHandler) QueueChat(session Session, cid string, request *ChatMessageRequest) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		pid := session.PlayerID()
		_, isPlayer := mh.state.Players[pid]
		_, isSpectator := mh.state.Spectators[pid]
		if !isPlayer && !isSpectator {
			mh.sendError(session, cid, ErrNotInMatch)
			return
		}
		text := strings.TrimSpace(request.Text)
		if text == "" || utf8.RuneCountInString(text) > mh.config.GetChat().MaxMessageLen {
			mh.sendError(session, cid, NewRuntimeError(ErrorCodeBadRequest, "chat message length invalid"))
			return
		}
		message := ChatMessageEvent{
			From:     pid,
			Username: session.Username(),
			Text:     text,
			Ts:       mh.clock.Now().UnixMilli(),
		}
		mh.state.AddChat(message)
		if !mh.persist() {
			return
		}
		envelope, err := NewMatchEnvelope(EventChatMessage, mh.idStr, mh.state.Version, &message)
		if err != nil {
			mh.logger.Error("Could not encode chat event", zap.Error(err))
			return
		}
		if isPlayer {
			mh.router.SendToMatch(mh.logger, mh.idStr, envelope, true)
			return
		}
		mh.router.SendToRoom(mh.logger, matchSpectatorsRoom(mh.idStr), envelope, true)
	})
}

// QueueTyping relays a typing indicator to the sender's room. Not state, not
// persisted, not versioned.
func (mh *MatchHandler) QueueTyping(session Session, request *TypingRequest) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		pid := session.PlayerID()
		room := ""
		if _, isPlayer := mh.state.Players[pid]; isPlayer {
			room = matchPlayersRoom(mh.idStr)
		} else if _, isSpectator := mh.state.Spectators[pid]; isSpectator {
			room = matchSpectatorsRoom(mh.idStr)
		} else {
			return
		}
		envelope, err := NewMatchEnvelope(EventTyping, mh.idStr, mh.state.Version, &TypingEvent{From: pid, IsTyping: request.IsTyping})
		if err != nil {
			return
		}
		mh.router.SendToRoom(mh.logger, room, envelope, true)
	})
}

// QueueHint spends one hint allowance for the current round. Problems that
// carry authored hints serve them directly, everything else asks the grader.
// The allowance is consumed when the request is accepted, not when the hint
// arrives, so the limit cannot be raced.
func (mh *MatchHandler) QueueHint(session Session, cid string, request *RequestHintRequest) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		if mh.state.Status != MatchStatusInProgress {
			mh.sendError(session, cid, ErrMatchWrongState)
			return
		}
		pid := session.PlayerID()
		player, ok := mh.state.Players[pid]
		if !ok || player.Forfeited {
			mh.sendError(session, cid, ErrNotInMatch)
			return
		}
		round := mh.state.CurrentRound()
		if round == nil || round.Status != RoundStatusOpen || request.RoundIndex != round.Index {
			mh.sendError(session, cid, NewRuntimeError(ErrorCodeHintUnavailable, "round is not accepting hint requests"))
			return
		}
		limit := mh.config.GetGrader().HintLimit
		if player.HintsUsed >= limit {
			mh.sendError(session, cid, NewRuntimeError(ErrorCodeHintLimit, "hint limit reached"))
			return
		}
		used := mh.state.UseHint(pid)
		if !mh.persist() {
			return
		}
		remaining := limit - used

		if round.Problem != nil && len(round.Problem.Hints) > 0 {
			idx := used - 1
			if idx >= len(round.Problem.Hints) {
				idx = len(round.Problem.Hints) - 1
			}
			mh.sendTo(session, cid, EventHint, &HintEvent{RoundIndex: round.Index, Text: round.Problem.Hints[idx], Remaining: remaining})
			return
		}

		hintReq := &HintRequest{
			MatchID:    mh.idStr,
			PlayerID:   pid,
			RoundIndex: round.Index,
			Problem:    round.Problem,
			UsedHints:  used,
		}
		budget := time.Duration(mh.config.GetMatch().GradingBudgetSec) * time.Second
		roundIndex := round.Index
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), budget)
			defer cancel()
			text, err := mh.grader.Hint(ctx, hintReq)
			mh.queueCall(func(mh *MatchHandler) {
				if err != nil {
					mh.logger.Warn("Hint request failed", zap.String("pid", pid), zap.Error(err))
					mh.sendError(session, cid, NewRuntimeError(ErrorCodeHintUnavailable, "hint service unavailable"))
					return
				}
				mh.sendTo(session, cid, EventHint, &HintEvent{RoundIndex: roundIndex, Text: text, Remaining: remaining})
			})
		}()
	})
}

// QueueStateRequest replays the current snapshot to one connection. Private
// matches only answer their own participants.
func (mh *MatchHandler) QueueStateRequest(session Session, cid string) bool {
	return mh.offerCall(func(mh *MatchHandler) {
		pid := session.PlayerID()
		if mh.state.Rules.Private {
			_, isPlayer := mh.state.Players[pid]
			_, isSpectator := mh.state.Spectators[pid]
			if !isPlayer && !isSpectator && !mh.state.Rules.Invited(pid) && pid != mh.state.OwnerID {
				mh.sendError(session, cid, ErrMatchPrivate)
				return
			}
		}
		mh.sendTo(session, cid, EventResync, &ResyncEvent{Snapshot: mh.state.Snapshot()})
	})
}

// QueueLifecycleCheck re-evaluates the age-based lifecycle rules. Scheduled
// by the handler's own timers and swept periodically by the registry; both
// paths land here and the checks are idempotent.
func (mh *MatchHandler) QueueLifecycleCheck() bool {
	return mh.queueCall(func(mh *MatchHandler) { mh.lifecycleCheck() })
}

func (mh *MatchHandler) lifecycleCheck() {
	now := mh.clock.Now()
	cfg := mh.config.GetMatch()
	if mh.state.Status == MatchStatusWaiting {
		stale := time.Duration(cfg.StaleWaitingSec) * time.Second
		if now.Sub(mh.state.CreateTime) >= stale {
			mh.logger.Info("Cancelling stale waiting match")
			mh.cancelMatch(CancelReasonWaitingTimeout, true)
		}
		return
	}
	if mh.state.Terminal() && !mh.state.EndTime.IsZero() {
		if now.Sub(mh.state.EndTime) >= mh.snapshotTTL() {
			mh.retire()
		}
	}
}

// QueueTerminate winds the match down for shutdown. Zero grace cancels
// immediately; otherwise a live match gets graceSeconds to finish on its own
// before being cancelled.
func (mh *MatchHandler) QueueTerminate(graceSeconds int) bool {
	return mh.queueCall(func(mh *MatchHandler) {
		if mh.state.Terminal() {
			mh.retire()
			return
		}
		if graceSeconds <= 0 || mh.state.Status == MatchStatusWaiting {
			mh.cancelMatch(CancelReasonShutdown, false)
			return
		}
		if mh.terminateTimer != nil {
			return
		}
		at := mh.clock.Now().Add(time.Duration(graceSeconds) * time.Second)
		mh.terminateTimer = mh.clock.Schedule(at, func() {
			mh.queueCall(func(mh *MatchHandler) {
				if mh.state.Terminal() {
					mh.retire()
					return
				}
				mh.cancelMatch(CancelReasonShutdown, false)
			})
		})
	})
}
