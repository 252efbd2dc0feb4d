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
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matchmadeEntries builds paired queue entries for the given sessions, as the
// matchmaker would hand them over.
func matchmadeEntries(deps *testMatchDeps, mode MatchMode, sessions ...*testSession) []*MatchmakerEntry {
	entries := make([]*MatchmakerEntry, 0, len(sessions))
	for _, session := range sessions {
		entries = append(entries, &MatchmakerEntry{
			Ticket:     uuid.Must(uuid.NewV4()).String(),
			PlayerID:   session.PlayerID(),
			SessionID:  session.ID(),
			Username:   session.Username(),
			Rating:     session.Rating(),
			Mode:       mode,
			EnqueuedAt: deps.clock.Now().UnixMicro(),
		})
	}
	return entries
}

// should refuse new matches past the per-node cap
func TestMatchRegistryCreateCapacity(t *testing.T) {
	logger := loggerForTest(t)
	registry, deps := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	deps.config.GetMatch().MaxCount = 1

	alice := newTestSession("alice", "alice")
	if _, _, err := registry.CreateCustomMatch(context.Background(), alice, &CustomMatchSettings{MaxPlayers: 2}); err != nil {
		t.Fatalf("error creating custom match: %v", err)
	}

	bob := newTestSession("bob", "bob")
	_, _, err := registry.CreateCustomMatch(context.Background(), bob, &CustomMatchSettings{MaxPlayers: 2})
	assert.ErrorIs(t, err, ErrMatchCapacity)
	assert.Equal(t, 1, registry.Count())
}

// should hold one claim per player across creates
func TestMatchRegistryDuplicateCreate(t *testing.T) {
	logger := loggerForTest(t)
	registry, _ := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	alice := newTestSession("alice", "alice")
	if _, _, err := registry.CreateCustomMatch(context.Background(), alice, &CustomMatchSettings{MaxPlayers: 2}); err != nil {
		t.Fatalf("error creating custom match: %v", err)
	}
	_, _, err := registry.CreateCustomMatch(context.Background(), alice, &CustomMatchSettings{MaxPlayers: 2})
	assert.ErrorIs(t, err, ErrAlreadyInMatch)
}

// should resolve join codes case-insensitively and miss cleanly
func TestMatchRegistryResolveJoinCode(t *testing.T) {
	logger := loggerForTest(t)
	registry, _ := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	assert.Equal(t, "", registry.ResolveJoinCode("NOPE42"))

	alice := newTestSession("alice", "alice")
	mh, snapshot, err := registry.CreateCustomMatch(context.Background(), alice, &CustomMatchSettings{MaxPlayers: 2})
	if err != nil {
		t.Fatalf("error creating custom match: %v", err)
	}

	assert.Equal(t, mh.IDStr(), registry.ResolveJoinCode(snapshot.JoinCode))
	assert.Equal(t, mh.IDStr(), registry.ResolveJoinCode(strings.ToLower(snapshot.JoinCode)))
	assert.Equal(t, mh.IDStr(), registry.ResolveJoinCode("  "+snapshot.JoinCode+" "))
}

// should assemble a matchmade pairing and deliver match_found to live sessions
func TestMatchRegistryMatchmade(t *testing.T) {
	logger := loggerForTest(t)
	registry, deps := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	alice := newTestSession("alice", "alice")
	bob := newTestSession("bob", "bob")
	deps.sessionRegistry.Add(alice)
	deps.sessionRegistry.Add(bob)

	registry.NewMatchmadeMatch(matchmadeEntries(deps, MatchModeRanked, alice, bob), MatchModeRanked)
	require.Equal(t, 1, registry.Count())

	require.Equal(t, 1, alice.countSent(EventMatchFound))
	require.Equal(t, 1, bob.countSent(EventMatchFound))
	var found MatchFoundEvent
	payloadAs(t, alice.lastSent(EventMatchFound), &found)
	assert.Equal(t, string(MatchModeRanked), found.Mode)
	assert.Len(t, found.Players, 2)
	confirmBy := deps.clock.Now().Add(time.Duration(deps.config.GetMatch().ConfirmWindowSec) * time.Second)
	assert.Equal(t, confirmBy.UnixMilli(), found.ConfirmDeadline)

	mh := registry.GetMatch(found.MatchID)
	require.NotNil(t, mh)
	assert.Equal(t, found.MatchID, registry.ActiveMatchFor("alice"))
	assert.Equal(t, found.MatchID, registry.ActiveMatchFor("bob"))

	// Both confirmations start the countdown.
	readyAll(t, mh, alice, bob)
	assert.Equal(t, 1, deps.router.countEvent(EventMatchStarting))
}

// should route match_found through the inbox when the session is remote
func TestMatchRegistryMatchmadeOffline(t *testing.T) {
	logger := loggerForTest(t)
	registry, deps := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	alice := newTestSession("alice", "alice")
	sub, err := deps.stateStore.Subscribe(inboxTopic("alice"))
	if err != nil {
		t.Fatalf("error subscribing to inbox: %v", err)
	}
	defer sub.Close()

	// Alice's socket lives on another node, nothing is registered here.
	registry.NewMatchmadeMatch(matchmadeEntries(deps, MatchModeRanked, alice, newTestSession("bob", "bob")), MatchModeRanked)

	select {
	case msg := <-sub.Channel():
		var envelope Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			t.Fatalf("error decoding inbox envelope: %v", err)
		}
		assert.Equal(t, EventMatchFound, envelope.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbox delivery")
	}
	assert.Equal(t, 0, alice.countSent(EventMatchFound))
}

// should requeue only the players who confirmed when the window expires
func TestMatchRegistryConfirmExpiry(t *testing.T) {
	logger := loggerForTest(t)
	registry, deps := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	alice := newTestSession("alice", "alice")
	bob := newTestSession("bob", "bob")
	deps.sessionRegistry.Add(alice)
	deps.sessionRegistry.Add(bob)

	registry.NewMatchmadeMatch(matchmadeEntries(deps, MatchModeRanked, alice, bob), MatchModeRanked)
	var found MatchFoundEvent
	payloadAs(t, alice.lastSent(EventMatchFound), &found)
	mh := registry.GetMatch(found.MatchID)
	require.NotNil(t, mh)

	// Only alice confirms.
	if !mh.QueueReady(alice, "") {
		t.Fatal("ready call rejected")
	}
	onMatch(t, mh, func(*MatchHandler) {})

	deps.clock.Advance(time.Duration(deps.config.GetMatch().ConfirmWindowSec) * time.Second)
	waitFor(t, "confirm expiry", func() bool {
		return deps.router.countEvent(EventMatchEnd) >= 1
	})
	onMatch(t, mh, func(*MatchHandler) {})

	requeued := deps.matchmaker.requeuedEntries()
	require.Len(t, requeued, 1)
	require.Len(t, requeued[0], 1)
	assert.Equal(t, "alice", requeued[0][0].PlayerID)

	assert.Equal(t, "", registry.ActiveMatchFor("alice"))
	assert.Equal(t, "", registry.ActiveMatchFor("bob"))
}

// should hand matched players straight back to the queue at capacity
func TestMatchRegistryMatchmadeAtCapacity(t *testing.T) {
	logger := loggerForTest(t)
	registry, deps := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	deps.config.GetMatch().MaxCount = 0

	alice := newTestSession("alice", "alice")
	bob := newTestSession("bob", "bob")
	registry.NewMatchmadeMatch(matchmadeEntries(deps, MatchModeRanked, alice, bob), MatchModeRanked)

	assert.Equal(t, 0, registry.Count())
	requeued := deps.matchmaker.requeuedEntries()
	require.Len(t, requeued, 1)
	assert.Len(t, requeued[0], 2)
}

// should stop all matches and signal completion
func TestMatchRegistryStop(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		logger := loggerForTest(t)
		registry, _ := createTestMatchRegistry(t, logger)

		for _, name := range []string{"alice", "bob"} {
			session := newTestSession(name, name)
			if _, _, err := registry.CreateCustomMatch(context.Background(), session, &CustomMatchSettings{MaxPlayers: 2}); err != nil {
				t.Fatalf("error creating custom match: %v", err)
			}
		}
		require.Equal(t, 2, registry.Count())

		select {
		case <-registry.Stop(0):
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for registry stop")
		}
		assert.Equal(t, 0, registry.Count())
	})

	t.Run("graceful", func(t *testing.T) {
		logger := loggerForTest(t)
		registry, deps := createTestMatchRegistry(t, logger)

		mh, _, _ := startTestMatch(t, registry, deps, 1)
		ch := registry.Stop(5)

		// The live match holds the shutdown until its grace elapses.
		select {
		case <-ch:
			t.Fatal("registry signalled stop before the grace window")
		default:
		}
		onMatch(t, mh, func(*MatchHandler) {})
		assert.Equal(t, MatchStatusInProgress, matchSnapshot(t, mh).Status)

		deps.clock.Advance(5 * time.Second)
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for registry stop")
		}
		assert.Equal(t, 0, registry.Count())
	})
}

// should translate tracker disconnects into match presence changes
func TestMatchRegistryHandleLeaves(t *testing.T) {
	logger := loggerForTest(t)
	registry, deps := createTestMatchRegistry(t, logger)
	defer registry.Stop(0)

	mh, alice, bob := startTestMatch(t, registry, deps, 1)

	carol := newTestSession("carol", "carol")
	joinMatch(t, registry, carol, mh.IDStr(), "", true)
	require.Contains(t, matchSnapshot(t, mh).Spectators, "carol")

	// A clean leave was already handled by the match, the tracker callback
	// must not double-process it.
	deps.tracker.Untrack(alice.ID(), matchPlayersRoom(mh.IDStr()), PresenceReasonLeave)
	onMatch(t, mh, func(*MatchHandler) {})

	// A socket drop flows through to the match as a disconnect.
	deps.tracker.Untrack(bob.ID(), matchPlayersRoom(mh.IDStr()), PresenceReasonDisconnect)
	onMatch(t, mh, func(*MatchHandler) {})

	// Spectator drops just clear the gallery entry.
	deps.tracker.Untrack(carol.ID(), matchSpectatorsRoom(mh.IDStr()), PresenceReasonDisconnect)
	onMatch(t, mh, func(*MatchHandler) {})

	snapshot := matchSnapshot(t, mh)
	for _, player := range snapshot.Players {
		switch player.PlayerID {
		case "alice":
			assert.True(t, player.Connected)
		case "bob":
			assert.False(t, player.Connected)
		}
	}
	assert.NotContains(t, snapshot.Spectators, "carol")
}
