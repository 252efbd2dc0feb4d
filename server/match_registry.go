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
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// joinAttemptTimeout bounds how long a join waits on the match goroutine.
	joinAttemptTimeout = 10 * time.Second
	// lifecycleSweepSec is how often the registry nudges every match to run
	// its lifecycle checks, as a backstop for lost timers.
	lifecycleSweepSec = 60

	joinCodeLength = 6
)

// joinCodeAlphabet avoids characters that read ambiguously when codes are
// shared out of band (0/O, 1/I). 32 symbols keeps selection uniform from
// random bytes.
var joinCodeAlphabet = []byte("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")

// MatchRegistry tracks the matches hosted on this node, enforces the
// one-active-match-per-player rule, and owns match creation and shutdown.
type MatchRegistry interface {
	// SetMatchmaker wires the matchmaker once both components exist.
	SetMatchmaker(matchmaker Matchmaker)

	// CreateCustomMatch creates a lobby owned by the calling session. The
	// owner is joined and tracked before the call returns.
	CreateCustomMatch(ctx context.Context, session Session, settings *CustomMatchSettings) (*MatchHandler, *MatchSnapshot, error)

	// NewMatchmadeMatch spins up a match for entries paired by the
	// matchmaker, claims the players, and notifies their sessions.
	NewMatchmadeMatch(entries []*MatchmakerEntry, mode MatchMode)

	// GetMatch returns the local handler for the given match ID, or nil.
	GetMatch(id string) *MatchHandler

	// ResolveJoinCode maps a lobby join code to a match ID, or "".
	ResolveJoinCode(joinCode string) string

	// JoinAttempt routes a player or spectator join through the match
	// goroutine and waits for its verdict. The result is never nil; a
	// rejection carries the reason in Err.
	JoinAttempt(ctx context.Context, session Session, matchID, joinCode string, spectator bool) *MatchJoinResult

	// ActiveMatchFor returns the match ID currently claimed by the player,
	// or "" when the player is free to queue or join elsewhere.
	ActiveMatchFor(playerID string) string

	// ReleasePlayer clears the player's claim if it still points at matchID.
	ReleasePlayer(playerID, matchID string)

	// HandleLeaves reacts to tracker evictions, typically socket drops.
	HandleLeaves(reason PresenceReason, leaves []*Presence)

	// RemoveMatch drops a stopped match from the registry.
	RemoveMatch(id uuid.UUID)

	// Count returns the number of matches currently hosted on this node.
	Count() int

	// Stop begins shutdown, giving running matches graceSeconds to wind
	// down. The returned channel is signalled once no matches remain.
	Stop(graceSeconds int) chan struct{}
}

// lobbyRecord is the directory entry written to the state store so lobbies
// are discoverable by join code from any node.
type lobbyRecord struct {
	MatchID    string `json:"match_id"`
	JoinCode   string `json:"join_code"`
	Mode       string `json:"mode"`
	Private    bool   `json:"private"`
	MaxPlayers int    `json:"max_players"`
	OwnerID    string `json:"owner_id"`
	Node       string `json:"node"`
	CreateTime int64  `json:"create_time"`
}

type LocalMatchRegistry struct {
	logger          *zap.Logger
	config          Config
	clock           Clock
	metrics         Metrics
	sessionRegistry SessionRegistry
	tracker         Tracker
	router          MessageRouter
	stateStore      StateStore
	store           Store
	grader          GraderClient
	matchmaker      Matchmaker

	node string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	matches      *sync.Map // uuid.UUID -> *MatchHandler
	matchCount   *atomic.Int64
	claims       *sync.Map // playerID -> matchID
	codes        *sync.Map // joinCode -> matchID
	codesByMatch *sync.Map // matchID -> joinCode

	stopped   *atomic.Bool
	stoppedCh chan struct{}
}

func NewLocalMatchRegistry(logger, startupLogger *zap.Logger, config Config, clock Clock, metrics Metrics, sessionRegistry SessionRegistry, tracker Tracker, router MessageRouter, stateStore StateStore, store Store, grader GraderClient, node string) MatchRegistry {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	r := &LocalMatchRegistry{
		logger:          logger,
		config:          config,
		clock:           clock,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		router:          router,
		stateStore:      stateStore,
		store:           store,
		grader:          grader,

		node: node,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		matches:      &sync.Map{},
		matchCount:   atomic.NewInt64(0),
		claims:       &sync.Map{},
		codes:        &sync.Map{},
		codesByMatch: &sync.Map{},

		stopped:   atomic.NewBool(false),
		stoppedCh: make(chan struct{}, 2),
	}

	startupLogger.Info("Match registry initialized", zap.Int("max_count", config.GetMatch().MaxCount))

	go func() {
		ticker := time.NewTicker(lifecycleSweepSec * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.matches.Range(func(_, mh interface{}) bool {
					mh.(*MatchHandler).QueueLifecycleCheck()
					return true
				})
			}
		}
	}()

	return r
}

func (r *LocalMatchRegistry) SetMatchmaker(matchmaker Matchmaker) {
	r.matchmaker = matchmaker
}

func (r *LocalMatchRegistry) CreateCustomMatch(ctx context.Context, session Session, settings *CustomMatchSettings) (*MatchHandler, *MatchSnapshot, error) {
	if r.stopped.Load() {
		return nil, nil, NewRuntimeError(ErrorCodeInternal, "shutdown in progress")
	}
	if int(r.matchCount.Load()) >= r.config.GetMatch().MaxCount {
		return nil, nil, ErrMatchCapacity
	}

	playerID := session.PlayerID()
	if r.ActiveMatchFor(playerID) != "" {
		return nil, nil, ErrAlreadyInMatch
	}

	id := uuid.Must(uuid.NewV4())
	idStr := id.String()

	if !r.claimPlayer(playerID, idStr) {
		return nil, nil, ErrAlreadyInMatch
	}

	joinCode, err := r.registerJoinCode(ctx, idStr)
	if err != nil {
		r.ReleasePlayer(playerID, idStr)
		return nil, nil, err
	}

	rules := rulesForCustom(settings, r.config)
	mh, err := r.newMatch(id, MatchModeCustom, rules, playerID, joinCode, nil)
	if err != nil {
		r.unregisterJoinCode(idStr, joinCode)
		r.ReleasePlayer(playerID, idStr)
		return nil, nil, err
	}

	r.writeLobbyRecord(idStr, joinCode, rules)

	// The owner joins through the standard attempt path so the usual
	// bookkeeping and broadcasts apply.
	resultCh := make(chan *MatchJoinResult, 1)
	if !mh.QueueJoinAttempt(ctx, resultCh, session, joinCode, false, true) {
		r.ReleasePlayer(playerID, idStr)
		return nil, nil, NewRuntimeError(ErrorCodeInternal, "match is not accepting joins")
	}

	timer := time.NewTimer(joinAttemptTimeout)
	select {
	case <-timer.C:
		r.ReleasePlayer(playerID, idStr)
		return nil, nil, NewRuntimeError(ErrorCodeInternal, "join attempt timed out")
	case result := <-resultCh:
		timer.Stop()
		if !result.Allow {
			r.ReleasePlayer(playerID, idStr)
			err := result.Err
			if err == nil {
				err = ErrMatchNotFound
			}
			return nil, nil, err
		}
		r.tracker.Track(session.ID(), matchPlayersRoom(idStr), playerID, PresenceMeta{Username: session.Username()})
		return mh, result.Snapshot, nil
	}
}

func (r *LocalMatchRegistry) NewMatchmadeMatch(entries []*MatchmakerEntry, mode MatchMode) {
	if len(entries) == 0 || r.stopped.Load() {
		return
	}
	if int(r.matchCount.Load()) >= r.config.GetMatch().MaxCount {
		// This node cannot host another match right now. Put the players back
		// at their original queue positions rather than dropping them.
		r.logger.Warn("Match count limit reached, requeueing matched players", zap.Int("entries", len(entries)))
		if r.matchmaker != nil {
			r.matchmaker.Requeue(entries)
		}
		return
	}

	id := uuid.Must(uuid.NewV4())
	idStr := id.String()

	claimed := make([]*MatchmakerEntry, 0, len(entries))
	for _, entry := range entries {
		if r.claimPlayer(entry.PlayerID, idStr) {
			claimed = append(claimed, entry)
			continue
		}
		// The player slipped into another match between pairing and now.
		// Back out and requeue everyone else.
		r.logger.Debug("Matched player already claimed elsewhere, requeueing the rest", zap.String("uid", entry.PlayerID))
		for _, c := range claimed {
			r.ReleasePlayer(c.PlayerID, idStr)
		}
		if r.matchmaker != nil {
			remaining := make([]*MatchmakerEntry, 0, len(entries)-1)
			for _, e := range entries {
				if e.PlayerID != entry.PlayerID {
					remaining = append(remaining, e)
				}
			}
			r.matchmaker.Requeue(remaining)
		}
		return
	}

	rules := rulesForMode(mode, r.config)
	if preferred := sharedDifficulty(entries); preferred != "" {
		rules.Difficulty = preferred
	}
	mh, err := r.newMatch(id, mode, rules, "", "", entries)
	if err != nil {
		r.logger.Error("Failed to create matchmade match", zap.Error(err))
		for _, entry := range entries {
			r.ReleasePlayer(entry.PlayerID, idStr)
		}
		if r.matchmaker != nil {
			r.matchmaker.Requeue(entries)
		}
		return
	}

	confirmDeadline := r.clock.Now().Add(time.Duration(r.config.GetMatch().ConfirmWindowSec) * time.Second)
	players := make([]PlayerInfo, 0, len(entries))
	for _, entry := range entries {
		players = append(players, PlayerInfo{PlayerID: entry.PlayerID, Username: entry.Username, Rating: entry.Rating})
	}
	envelope, err := NewMatchEnvelope(EventMatchFound, idStr, 0, &MatchFoundEvent{
		MatchID:         idStr,
		Mode:            string(mode),
		Players:         players,
		ConfirmDeadline: confirmDeadline.UnixMilli(),
	})
	if err != nil {
		r.logger.Error("Failed to encode match found event", zap.Error(err))
		return
	}

	for _, entry := range entries {
		session := r.sessionRegistry.Get(entry.SessionID)
		if session == nil {
			// The session lives on another node. Deliver the notice through
			// the player's inbox; the player attaches with a join_game.
			if data, err := json.Marshal(envelope); err == nil {
				pubCtx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
				_ = r.stateStore.Publish(pubCtx, inboxTopic(entry.PlayerID), data)
				cancel()
			}
			continue
		}
		r.tracker.Track(session.ID(), matchPlayersRoom(idStr), entry.PlayerID, PresenceMeta{Username: entry.Username})
		mh.QueueConnect(session)
		if err := session.Send(envelope, true); err != nil {
			r.logger.Debug("Failed to deliver match found event", zap.String("uid", entry.PlayerID), zap.Error(err))
		}
	}
}

// newMatch claims cross-node ownership of the match ID and starts its
// goroutine. Callers hold player claims already.
func (r *LocalMatchRegistry) newMatch(id uuid.UUID, mode MatchMode, rules MatchRules, ownerID, joinCode string, entries []*MatchmakerEntry) (*MatchHandler, error) {
	idStr := id.String()

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	ttl := time.Duration(r.config.GetMatch().SnapshotTTLSec) * time.Second
	if _, err := r.stateStore.CompareAndSet(ctx, matchOwnerKey(idStr), 0, []byte(r.node), ttl); err != nil {
		return nil, err
	}

	stopped := atomic.NewBool(false)
	mh, err := NewMatchHandler(r.logger, r.config, r.clock, r.metrics, r, r.matchmaker, r.tracker, r.router, r.stateStore, r.store, r.grader, stopped, id, mode, rules, ownerID, joinCode, entries)
	if err != nil {
		delCtx, delCancel := context.WithTimeout(r.ctx, 5*time.Second)
		_ = r.stateStore.Delete(delCtx, matchOwnerKey(idStr))
		delCancel()
		return nil, err
	}

	r.matches.Store(id, mh)
	count := r.matchCount.Inc()
	r.metrics.GaugeMatches(float64(count))

	return mh, nil
}

func (r *LocalMatchRegistry) writeLobbyRecord(matchID, joinCode string, rules MatchRules) {
	record := &lobbyRecord{
		MatchID:    matchID,
		JoinCode:   joinCode,
		Mode:       string(MatchModeCustom),
		Private:    rules.Private,
		MaxPlayers: rules.MaxPlayers,
		Node:       r.node,
		CreateTime: r.clock.Now().Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	ttl := time.Duration(r.config.GetMatch().StaleWaitingSec) * time.Second
	if _, err := r.stateStore.Set(ctx, lobbyKey(matchID), data, ttl); err != nil {
		r.logger.Warn("Failed to write lobby directory record", zap.String("mid", matchID), zap.Error(err))
	}
}

func (r *LocalMatchRegistry) registerJoinCode(ctx context.Context, matchID string) (string, error) {
	ttl := time.Duration(r.config.GetMatch().SnapshotTTLSec) * time.Second
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateJoinCode()
		if err != nil {
			return "", err
		}
		if _, loaded := r.codes.LoadOrStore(code, matchID); loaded {
			continue
		}
		storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = r.stateStore.CompareAndSet(storeCtx, lobbyCodeKey(code), 0, []byte(matchID), ttl)
		cancel()
		if err == nil {
			r.codesByMatch.Store(matchID, code)
			return code, nil
		}
		r.codes.Delete(code)
		if err != ErrVersionConflict {
			return "", err
		}
		// Collision with a code registered by another node, try again.
	}
	return "", NewRuntimeError(ErrorCodeInternal, "could not allocate a join code")
}

func (r *LocalMatchRegistry) unregisterJoinCode(matchID, joinCode string) {
	r.codes.Delete(joinCode)
	r.codesByMatch.Delete(matchID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.stateStore.Delete(ctx, lobbyCodeKey(joinCode))
}

// sharedDifficulty returns the problem difficulty every entry asked for, or
// "" when preferences are absent or disagree.
func sharedDifficulty(entries []*MatchmakerEntry) string {
	preferred := ""
	for _, entry := range entries {
		if entry.Preferences == nil || entry.Preferences.Difficulty == "" {
			return ""
		}
		if preferred == "" {
			preferred = entry.Preferences.Difficulty
			continue
		}
		if entry.Preferences.Difficulty != preferred {
			return ""
		}
	}
	return preferred
}

func generateJoinCode() (string, error) {
	b := make([]byte, joinCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = joinCodeAlphabet[int(b[i])&31]
	}
	return string(b), nil
}

func (r *LocalMatchRegistry) GetMatch(id string) *MatchHandler {
	matchID, err := uuid.FromString(id)
	if err != nil {
		return nil
	}
	mh, ok := r.matches.Load(matchID)
	if !ok {
		return nil
	}
	return mh.(*MatchHandler)
}

func (r *LocalMatchRegistry) ResolveJoinCode(joinCode string) string {
	code := strings.ToUpper(strings.TrimSpace(joinCode))
	if code == "" {
		return ""
	}
	if matchID, ok := r.codes.Load(code); ok {
		return matchID.(string)
	}
	// The lobby may be hosted by another node.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _, err := r.stateStore.Get(ctx, lobbyCodeKey(code))
	if err != nil {
		return ""
	}
	return string(data)
}

func (r *LocalMatchRegistry) JoinAttempt(ctx context.Context, session Session, matchID, joinCode string, spectator bool) *MatchJoinResult {
	idStr := matchID
	if idStr == "" && joinCode != "" {
		idStr = r.ResolveJoinCode(joinCode)
	}
	if idStr == "" {
		return &MatchJoinResult{Err: ErrMatchNotFound}
	}
	mh := r.GetMatch(idStr)
	if mh == nil {
		return &MatchJoinResult{Err: ErrMatchNotFound}
	}

	playerID := session.PlayerID()
	freshClaim := false
	if !spectator {
		switch active := r.ActiveMatchFor(playerID); active {
		case idStr:
			// Rejoining the match that already holds this player.
		case "":
			if !r.claimPlayer(playerID, idStr) {
				return &MatchJoinResult{Err: ErrAlreadyInMatch}
			}
			freshClaim = true
		default:
			return &MatchJoinResult{Err: ErrAlreadyInMatch}
		}
	}

	resultCh := make(chan *MatchJoinResult, 1)
	if !mh.QueueJoinAttempt(ctx, resultCh, session, joinCode, spectator, freshClaim) {
		// The match stopped or shed the call, so it cannot be joined.
		if freshClaim {
			r.ReleasePlayer(playerID, idStr)
		}
		return &MatchJoinResult{Err: ErrMatchNotFound}
	}

	timer := time.NewTimer(joinAttemptTimeout)
	select {
	case <-timer.C:
		// Assume rejection, the match goroutine is too backed up to answer.
		if freshClaim {
			r.ReleasePlayer(playerID, idStr)
		}
		return &MatchJoinResult{Err: NewRuntimeError(ErrorCodeInternal, "join attempt timed out")}
	case result := <-resultCh:
		timer.Stop()
		if !result.Allow {
			if freshClaim {
				r.ReleasePlayer(playerID, idStr)
			}
			if result.Err == nil {
				result.Err = ErrMatchNotFound
			}
			return result
		}
		room := matchPlayersRoom(idStr)
		meta := PresenceMeta{Username: session.Username()}
		if result.Spectator {
			room = matchSpectatorsRoom(idStr)
			meta.Spectator = true
		}
		r.tracker.Track(session.ID(), room, playerID, meta)
		return result
	}
}

func (r *LocalMatchRegistry) ActiveMatchFor(playerID string) string {
	if matchID, ok := r.claims.Load(playerID); ok {
		return matchID.(string)
	}
	return ""
}

// claimPlayer reserves the player for matchID. Returns true when the claim
// was taken or already points at the same match.
func (r *LocalMatchRegistry) claimPlayer(playerID, matchID string) bool {
	existing, loaded := r.claims.LoadOrStore(playerID, matchID)
	if !loaded {
		return true
	}
	return existing.(string) == matchID
}

func (r *LocalMatchRegistry) ReleasePlayer(playerID, matchID string) {
	if existing, ok := r.claims.Load(playerID); ok && existing.(string) == matchID {
		r.claims.Delete(playerID)
	}
}

func (r *LocalMatchRegistry) HandleLeaves(reason PresenceReason, leaves []*Presence) {
	if reason != PresenceReasonDisconnect {
		// Deliberate leaves and retire-time untracks are initiated by the
		// match goroutine itself, only socket drops need routing back in.
		return
	}
	for _, leave := range leaves {
		matchID, spectator, ok := parseMatchRoom(leave.RoomID)
		if !ok {
			continue
		}
		mh := r.GetMatch(matchID)
		if mh == nil {
			continue
		}
		if spectator {
			mh.QueueSpectatorDisconnect(leave.PlayerID)
			continue
		}
		mh.QueueDisconnect(leave.PlayerID, leave.SessionID)
	}
}

func (r *LocalMatchRegistry) RemoveMatch(id uuid.UUID) {
	if _, loaded := r.matches.LoadAndDelete(id); !loaded {
		return
	}
	matchesRemaining := r.matchCount.Dec()
	r.metrics.GaugeMatches(float64(matchesRemaining))

	idStr := id.String()
	if code, ok := r.codesByMatch.LoadAndDelete(idStr); ok {
		r.codes.Delete(code.(string))
	}

	// If a shutdown was initiated and this was the last match then signal
	// that the drain is complete.
	if matchesRemaining == 0 && r.stopped.Load() {
		select {
		case r.stoppedCh <- struct{}{}:
		default:
			// Signal already sent.
		}
	}
}

func (r *LocalMatchRegistry) Count() int {
	return int(r.matchCount.Load())
}

func (r *LocalMatchRegistry) Stop(graceSeconds int) chan struct{} {
	// Mark the registry as stopped, but allow repeat calls to signal periodic
	// termination to any matches still running.
	r.stopped.Store(true)
	r.ctxCancelFn()

	if graceSeconds == 0 {
		r.matches.Range(func(_, mh interface{}) bool {
			mh.(*MatchHandler).Stop()
			return true
		})
		select {
		case r.stoppedCh <- struct{}{}:
		default:
			// Signal already sent.
		}
		return r.stoppedCh
	}

	var anyRunning bool
	r.matches.Range(func(_, mh interface{}) bool {
		anyRunning = true
		// A full mailbox does not matter here, the match ends either way.
		mh.(*MatchHandler).QueueTerminate(graceSeconds)
		return true
	})

	if !anyRunning {
		select {
		case r.stoppedCh <- struct{}{}:
		default:
			// Signal already sent.
		}
	}

	return r.stoppedCh
}
