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
	"strings"
	"sync"

	"github.com/gofrs/uuid"
)

// PresenceReason describes why a presence left a room.
type PresenceReason uint8

const (
	PresenceReasonUnknown PresenceReason = iota
	PresenceReasonJoin
	PresenceReasonLeave
	PresenceReasonDisconnect
)

// PresenceMeta is the immutable per-room data attached when tracking starts.
type PresenceMeta struct {
	Username  string
	Spectator bool
}

type Presence struct {
	SessionID uuid.UUID
	RoomID    string
	PlayerID  string
	Meta      PresenceMeta
}

// Tracker maintains this process's session-to-room assignments. Rooms are
// per-match delivery groups, one for players and one for spectators, consumed
// by the message router for fan-out and by the match registry to observe
// socket disconnects.
type Tracker interface {
	// SetLeaveListener registers the callback invoked whenever presences
	// leave rooms, with the reason the tracker observed. Must be set before
	// any session is tracked.
	SetLeaveListener(func(reason PresenceReason, leaves []*Presence))
	Stop()

	// Track adds a session to a room. Returns false if the session was
	// already tracked in that room.
	Track(sessionID uuid.UUID, roomID, playerID string, meta PresenceMeta) bool
	Untrack(sessionID uuid.UUID, roomID string, reason PresenceReason)
	UntrackAll(sessionID uuid.UUID, reason PresenceReason)

	Count() int
	CountByRoom(roomID string) int
	ListByRoom(roomID string) []*Presence
	GetBySessionRoom(sessionID uuid.UUID, roomID string) *Presence
	// ActiveMatch returns the ID of the match the player is tracked in as a
	// player on this process, or "" if none.
	ActiveMatch(playerID string) string
}

func matchPlayersRoom(matchID string) string {
	return "players:" + matchID
}

func matchSpectatorsRoom(matchID string) string {
	return "spectators:" + matchID
}

func parseMatchRoom(roomID string) (matchID string, spectator, ok bool) {
	if id := strings.TrimPrefix(roomID, "players:"); id != roomID {
		return id, false, true
	}
	if id := strings.TrimPrefix(roomID, "spectators:"); id != roomID {
		return id, true, true
	}
	return "", false, false
}

type presenceCompact struct {
	SessionID uuid.UUID
	RoomID    string
}

type presenceRecord struct {
	PlayerID string
	Meta     PresenceMeta
}

type LocalTracker struct {
	sync.RWMutex
	metrics       Metrics
	leaveListener func(reason PresenceReason, leaves []*Presence)
	values        map[presenceCompact]presenceRecord
}

func NewLocalTracker(metrics Metrics) *LocalTracker {
	return &LocalTracker{
		metrics: metrics,
		values:  make(map[presenceCompact]presenceRecord),
	}
}

func (t *LocalTracker) SetLeaveListener(f func(reason PresenceReason, leaves []*Presence)) {
	t.leaveListener = f
}

func (t *LocalTracker) Stop() {}

func (t *LocalTracker) Track(sessionID uuid.UUID, roomID, playerID string, meta PresenceMeta) bool {
	pc := presenceCompact{SessionID: sessionID, RoomID: roomID}
	t.Lock()
	if _, ok := t.values[pc]; ok {
		t.Unlock()
		return false
	}
	t.values[pc] = presenceRecord{PlayerID: playerID, Meta: meta}
	count := len(t.values)
	t.Unlock()
	t.metrics.GaugePresences(float64(count))
	return true
}

func (t *LocalTracker) Untrack(sessionID uuid.UUID, roomID string, reason PresenceReason) {
	pc := presenceCompact{SessionID: sessionID, RoomID: roomID}
	t.Lock()
	record, ok := t.values[pc]
	if !ok {
		t.Unlock()
		return
	}
	delete(t.values, pc)
	count := len(t.values)
	t.Unlock()
	t.metrics.GaugePresences(float64(count))
	t.notifyLeaves(reason, []*Presence{
		{SessionID: sessionID, RoomID: roomID, PlayerID: record.PlayerID, Meta: record.Meta},
	})
}

func (t *LocalTracker) UntrackAll(sessionID uuid.UUID, reason PresenceReason) {
	leaves := make([]*Presence, 0, 1)
	t.Lock()
	for pc, record := range t.values {
		if pc.SessionID == sessionID {
			leaves = append(leaves, &Presence{SessionID: pc.SessionID, RoomID: pc.RoomID, PlayerID: record.PlayerID, Meta: record.Meta})
		}
	}
	for _, p := range leaves {
		delete(t.values, presenceCompact{SessionID: p.SessionID, RoomID: p.RoomID})
	}
	count := len(t.values)
	t.Unlock()
	if len(leaves) == 0 {
		return
	}
	t.metrics.GaugePresences(float64(count))
	t.notifyLeaves(reason, leaves)
}

func (t *LocalTracker) Count() int {
	t.RLock()
	count := len(t.values)
	t.RUnlock()
	return count
}

func (t *LocalTracker) CountByRoom(roomID string) int {
	var count int
	t.RLock()
	for pc := range t.values {
		if pc.RoomID == roomID {
			count++
		}
	}
	t.RUnlock()
	return count
}

func (t *LocalTracker) ListByRoom(roomID string) []*Presence {
	ps := make([]*Presence, 0, 8)
	t.RLock()
	for pc, record := range t.values {
		if pc.RoomID == roomID {
			ps = append(ps, &Presence{SessionID: pc.SessionID, RoomID: pc.RoomID, PlayerID: record.PlayerID, Meta: record.Meta})
		}
	}
	t.RUnlock()
	return ps
}

func (t *LocalTracker) GetBySessionRoom(sessionID uuid.UUID, roomID string) *Presence {
	pc := presenceCompact{SessionID: sessionID, RoomID: roomID}
	t.RLock()
	record, ok := t.values[pc]
	t.RUnlock()
	if !ok {
		return nil
	}
	return &Presence{SessionID: sessionID, RoomID: roomID, PlayerID: record.PlayerID, Meta: record.Meta}
}

func (t *LocalTracker) ActiveMatch(playerID string) string {
	t.RLock()
	defer t.RUnlock()
	for pc, record := range t.values {
		if record.PlayerID != playerID || record.Meta.Spectator {
			continue
		}
		if matchID, spectator, ok := parseMatchRoom(pc.RoomID); ok && !spectator {
			return matchID
		}
	}
	return ""
}

func (t *LocalTracker) notifyLeaves(reason PresenceReason, leaves []*Presence) {
	if t.leaveListener == nil {
		return
	}
	// Deliver asynchronously, the listener routes into match mailboxes and
	// must never run under the tracker lock or the session lock.
	go t.leaveListener(reason, leaves)
}
