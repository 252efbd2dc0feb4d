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
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MatchmakerEntry is one queued player. Entries are stored JSON-encoded in
// the rating-bucketed queues so any node can pair them.
type MatchmakerEntry struct {
	Ticket    string    `json:"ticket"`
	PlayerID  string    `json:"player_id"`
	SessionID uuid.UUID `json:"session_id"`
	Username  string    `json:"username"`
	Rating    int       `json:"rating"`
	Mode      MatchMode `json:"mode"`
	// EnqueuedAt is the original enqueue instant in Unix microseconds. It is
	// both the queue score and the widening base, and it is preserved across
	// requeues so returning players keep their place in line.
	EnqueuedAt  int64             `json:"enqueued_at"`
	Preferences *MatchPreferences `json:"preferences,omitempty"`
}

// Matchmaker pairs queued players into matches by rating proximity, widening
// each ticket's acceptable window the longer it waits.
type Matchmaker interface {
	Stop()

	// OnMatchedEntries sets the callback invoked with the groups formed by
	// each processing pass. Must be wired before traffic is accepted.
	OnMatchedEntries(fn func(matches [][]*MatchmakerEntry))

	// Add queues the session for a match of the given mode and returns the
	// ticket. Solo modes bypass the queue and match immediately.
	Add(ctx context.Context, session Session, mode MatchMode, preferences *MatchPreferences) (string, error)

	// CancelSession withdraws all of the session's tickets. It is an error
	// if the session has none.
	CancelSession(sessionID uuid.UUID) error

	// RemoveSessionAll clears the session's tickets, typically on socket
	// close. Unlike CancelSession it is a no-op when nothing is queued.
	RemoveSessionAll(sessionID uuid.UUID)

	// Requeue puts previously matched entries back into their queues at
	// their original positions, used when a match fails to assemble.
	Requeue(entries []*MatchmakerEntry)

	// Process runs one pairing pass. It is called by the interval loop and
	// directly by tests.
	Process()

	// TicketCount returns the number of tickets owned by this node.
	TicketCount() int
}

// matchmakerTicket pins the queue key and exact stored member bytes for a
// ticket so removals match what was written.
type matchmakerTicket struct {
	entry  *MatchmakerEntry
	key    string
	member string
}

type LocalMatchmaker struct {
	sync.Mutex
	logger        *zap.Logger
	node          string
	config        Config
	clock         Clock
	metrics       Metrics
	stateStore    StateStore
	matchRegistry MatchRegistry

	stopped     *atomic.Bool
	ctx         context.Context
	ctxCancelFn context.CancelFunc

	matchedEntriesFn func(matches [][]*MatchmakerEntry)

	tickets        map[string]*matchmakerTicket
	sessionTickets map[uuid.UUID]map[string]struct{}
}

func NewLocalMatchmaker(logger, startupLogger *zap.Logger, config Config, clock Clock, metrics Metrics, stateStore StateStore, matchRegistry MatchRegistry) Matchmaker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	m := &LocalMatchmaker{
		logger:        logger,
		node:          config.GetName(),
		config:        config,
		clock:         clock,
		metrics:       metrics,
		stateStore:    stateStore,
		matchRegistry: matchRegistry,

		stopped:     atomic.NewBool(false),
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		tickets:        make(map[string]*matchmakerTicket),
		sessionTickets: make(map[uuid.UUID]map[string]struct{}),
	}

	startupLogger.Info("Matchmaker initialized", zap.Int("interval_sec", config.GetMatchmaker().IntervalSec), zap.Int("bucket_width", config.GetMatchmaker().BucketWidth))

	go func() {
		ticker := time.NewTicker(time.Duration(config.GetMatchmaker().IntervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Process()
			}
		}
	}()

	return m
}

func (m *LocalMatchmaker) Stop() {
	m.stopped.Store(true)
	m.ctxCancelFn()

	m.Lock()
	tickets := make([]*matchmakerTicket, 0, len(m.tickets))
	for _, t := range m.tickets {
		tickets = append(tickets, t)
	}
	m.tickets = make(map[string]*matchmakerTicket)
	m.sessionTickets = make(map[uuid.UUID]map[string]struct{})
	m.Unlock()

	if len(tickets) == 0 {
		return
	}
	// Clear this node's tickets from the shared queues so peers do not try
	// to pair players whose sessions are going away.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range tickets {
		_, _ = m.stateStore.QueueRemove(ctx, t.key, t.member)
	}
}

func (m *LocalMatchmaker) OnMatchedEntries(fn func(matches [][]*MatchmakerEntry)) {
	m.matchedEntriesFn = fn
}

func (m *LocalMatchmaker) Add(ctx context.Context, session Session, mode MatchMode, preferences *MatchPreferences) (string, error) {
	if m.stopped.Load() {
		return "", NewRuntimeError(ErrorCodeInternal, "shutdown in progress")
	}
	if mode == MatchModeCustom {
		return "", NewRuntimeError(ErrorCodeBadRequest, "custom matches are created, not matchmade")
	}

	playerID := session.PlayerID()
	if m.matchRegistry.ActiveMatchFor(playerID) != "" {
		return "", ErrAlreadyInMatch
	}

	entry := &MatchmakerEntry{
		Ticket:      uuid.Must(uuid.NewV4()).String(),
		PlayerID:    playerID,
		SessionID:   session.ID(),
		Username:    session.Username(),
		Rating:      session.Rating(),
		Mode:        mode,
		EnqueuedAt:  m.clock.Now().UnixMicro(),
		Preferences: preferences,
	}

	rules := rulesForMode(mode, m.config)
	if rules.MinPlayers <= 1 {
		// Solo modes skip the queue and match on the spot.
		if fn := m.matchedEntriesFn; fn != nil {
			go fn([][]*MatchmakerEntry{{entry}})
		}
		return entry.Ticket, nil
	}

	member, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	key := queueKey(string(mode), entry.Rating/m.config.GetMatchmaker().BucketWidth)

	m.Lock()
	if len(m.sessionTickets[session.ID()]) >= m.config.GetMatchmaker().MaxTickets {
		m.Unlock()
		return "", ErrAlreadyQueued
	}
	if err := m.stateStore.QueueAdd(ctx, key, float64(entry.EnqueuedAt), string(member)); err != nil {
		m.Unlock()
		return "", err
	}
	m.tickets[entry.Ticket] = &matchmakerTicket{entry: entry, key: key, member: string(member)}
	sessionTickets := m.sessionTickets[session.ID()]
	if sessionTickets == nil {
		sessionTickets = make(map[string]struct{})
		m.sessionTickets[session.ID()] = sessionTickets
	}
	sessionTickets[entry.Ticket] = struct{}{}
	m.Unlock()

	m.logger.Debug("Added matchmaker ticket", zap.String("ticket", entry.Ticket), zap.String("uid", playerID), zap.String("mode", string(mode)), zap.Int("rating", entry.Rating))
	return entry.Ticket, nil
}

func (m *LocalMatchmaker) CancelSession(sessionID uuid.UUID) error {
	m.Lock()
	ticketSet := m.sessionTickets[sessionID]
	if len(ticketSet) == 0 {
		m.Unlock()
		return NewRuntimeError(ErrorCodeBadRequest, "no active matchmaking ticket")
	}
	removed := make([]*matchmakerTicket, 0, len(ticketSet))
	for ticket := range ticketSet {
		if t, ok := m.tickets[ticket]; ok {
			removed = append(removed, t)
			delete(m.tickets, ticket)
		}
	}
	delete(m.sessionTickets, sessionID)
	m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range removed {
		if _, err := m.stateStore.QueueRemove(ctx, t.key, t.member); err != nil {
			m.logger.Warn("Failed to remove matchmaker ticket from queue", zap.String("ticket", t.entry.Ticket), zap.Error(err))
		}
	}
	return nil
}

func (m *LocalMatchmaker) RemoveSessionAll(sessionID uuid.UUID) {
	_ = m.CancelSession(sessionID)
}

func (m *LocalMatchmaker) Requeue(entries []*MatchmakerEntry) {
	if m.stopped.Load() || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.Lock()
	defer m.Unlock()
	for _, entry := range entries {
		member, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		key := queueKey(string(entry.Mode), entry.Rating/m.config.GetMatchmaker().BucketWidth)
		if err := m.stateStore.QueueAdd(ctx, key, float64(entry.EnqueuedAt), string(member)); err != nil {
			m.logger.Warn("Failed to requeue matchmaker entry", zap.String("uid", entry.PlayerID), zap.Error(err))
			continue
		}
		m.tickets[entry.Ticket] = &matchmakerTicket{entry: entry, key: key, member: string(member)}
		sessionTickets := m.sessionTickets[entry.SessionID]
		if sessionTickets == nil {
			sessionTickets = make(map[string]struct{})
			m.sessionTickets[entry.SessionID] = sessionTickets
		}
		sessionTickets[entry.Ticket] = struct{}{}
	}
}

func (m *LocalMatchmaker) TicketCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.tickets)
}

// widen returns the acceptable rating gap for a ticket that has waited the
// given duration.
func (m *LocalMatchmaker) widen(waited time.Duration) int {
	cfg := m.config.GetMatchmaker()
	if waited < 0 {
		waited = 0
	}
	steps := 1 + int(waited.Seconds())/cfg.WidenIntervalSec
	width := cfg.WidenStep * steps
	if width > cfg.WidenMax {
		width = cfg.WidenMax
	}
	return width
}

func (m *LocalMatchmaker) Process() {
	if m.stopped.Load() {
		return
	}

	startTime := time.Now()
	matchedEntries := make([][]*MatchmakerEntry, 0, 5)

	m.Lock()
	anchors := make([]*matchmakerTicket, 0, len(m.tickets))
	for _, t := range m.tickets {
		anchors = append(anchors, t)
	}
	m.Unlock()

	ticketCount := len(anchors)
	defer func() {
		m.metrics.Matchmaker(float64(ticketCount), float64(len(matchedEntries)), time.Since(startTime))
	}()

	if ticketCount == 0 {
		return
	}

	// Oldest tickets anchor first so widening favors the longest waiters.
	sort.Slice(anchors, func(i, j int) bool {
		return anchors[i].entry.EnqueuedAt < anchors[j].entry.EnqueuedAt
	})

	now := m.clock.Now()
	cfg := m.config.GetMatchmaker()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumed := make(map[string]struct{})

	for _, anchor := range anchors {
		entry := anchor.entry
		if _, ok := consumed[entry.Ticket]; ok {
			continue
		}

		rules := rulesForMode(entry.Mode, m.config)
		waited := now.Sub(time.UnixMicro(entry.EnqueuedAt))
		width := m.widen(waited)

		// Scan every bucket the widened window overlaps, including buckets
		// populated only by other nodes.
		loBucket := (entry.Rating - width) / cfg.BucketWidth
		if entry.Rating-width < 0 {
			loBucket = 0
		}
		hiBucket := (entry.Rating + width) / cfg.BucketWidth

		candidates := make([]*matchmakerTicket, 0, 8)
		for bucket := loBucket; bucket <= hiBucket; bucket++ {
			bucketKey := queueKey(string(entry.Mode), bucket)
			queued, err := m.stateStore.QueueRange(ctx, bucketKey)
			if err != nil {
				m.logger.Warn("Failed to scan matchmaker bucket", zap.String("key", bucketKey), zap.Error(err))
				continue
			}
			for _, qe := range queued {
				cand := &MatchmakerEntry{}
				if err := json.Unmarshal([]byte(qe.Member), cand); err != nil {
					// Unreadable member, clear it so it cannot wedge the bucket.
					_, _ = m.stateStore.QueueRemove(ctx, bucketKey, qe.Member)
					continue
				}
				if cand.Ticket == entry.Ticket {
					continue
				}
				if _, ok := consumed[cand.Ticket]; ok {
					continue
				}
				delta := cand.Rating - entry.Rating
				if delta < 0 {
					delta = -delta
				}
				// Both tickets' windows must cover the gap.
				if delta > width || delta > m.widen(now.Sub(time.UnixMicro(cand.EnqueuedAt))) {
					continue
				}
				candidates = append(candidates, &matchmakerTicket{entry: cand, key: bucketKey, member: qe.Member})
			}
		}

		if len(candidates) < rules.MinPlayers-1 {
			continue
		}
		if len(candidates)+1 < rules.MaxPlayers && int(waited.Seconds()) < cfg.FillDeadlineSec {
			// Hold out for a full lobby until the fill deadline passes.
			continue
		}

		// Closest rating first, ties to the longest waiter.
		sort.Slice(candidates, func(i, j int) bool {
			di := candidates[i].entry.Rating - entry.Rating
			if di < 0 {
				di = -di
			}
			dj := candidates[j].entry.Rating - entry.Rating
			if dj < 0 {
				dj = -dj
			}
			if di != dj {
				return di < dj
			}
			return candidates[i].entry.EnqueuedAt < candidates[j].entry.EnqueuedAt
		})

		// Claim the anchor first. Losing it means another node already
		// matched this player.
		removed, err := m.stateStore.QueueRemove(ctx, anchor.key, anchor.member)
		if err != nil {
			continue
		}
		if removed == 0 {
			m.unindex(entry)
			continue
		}

		claimed := []*matchmakerTicket{anchor}
		for _, cand := range candidates {
			if len(claimed) == rules.MaxPlayers {
				break
			}
			removed, err := m.stateStore.QueueRemove(ctx, cand.key, cand.member)
			if err != nil {
				continue
			}
			if removed == 0 {
				// Another node won this candidate in the meantime.
				m.unindex(cand.entry)
				continue
			}
			claimed = append(claimed, cand)
		}

		if len(claimed) < rules.MinPlayers {
			// Not enough claims won, put everyone back at their original
			// queue positions.
			for _, t := range claimed {
				_ = m.stateStore.QueueAdd(ctx, t.key, float64(t.entry.EnqueuedAt), t.member)
			}
			continue
		}

		group := make([]*MatchmakerEntry, 0, len(claimed))
		for _, t := range claimed {
			consumed[t.entry.Ticket] = struct{}{}
			m.unindex(t.entry)
			group = append(group, t.entry)
		}
		matchedEntries = append(matchedEntries, group)
	}

	if len(matchedEntries) > 0 {
		if fn := m.matchedEntriesFn; fn != nil {
			go fn(matchedEntries)
		}
	}
}

// unindex drops local ownership of a ticket without touching the shared
// queues.
func (m *LocalMatchmaker) unindex(entry *MatchmakerEntry) {
	m.Lock()
	delete(m.tickets, entry.Ticket)
	if sessionTickets, ok := m.sessionTickets[entry.SessionID]; ok {
		delete(sessionTickets, entry.Ticket)
		if len(sessionTickets) == 0 {
			delete(m.sessionTickets, entry.SessionID)
		}
	}
	m.Unlock()
}
