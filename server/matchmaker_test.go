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
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// matchedRecorder collects the groups produced by matchmaker passes.
type matchedRecorder struct {
	sync.Mutex
	groups [][]*MatchmakerEntry
}

func (r *matchedRecorder) record(matches [][]*MatchmakerEntry) {
	r.Lock()
	r.groups = append(r.groups, matches...)
	r.Unlock()
}

func (r *matchedRecorder) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.groups)
}

func (r *matchedRecorder) group(i int) []*MatchmakerEntry {
	r.Lock()
	defer r.Unlock()
	if i >= len(r.groups) {
		return nil
	}
	return r.groups[i]
}

func createTestMatchmaker(t fatalable, logger *zap.Logger) (*LocalMatchmaker, *testMatchDeps, *matchedRecorder, func()) {
	registry, deps := createTestMatchRegistry(t, logger)
	matchmaker, ok := NewLocalMatchmaker(logger, logger, deps.config, deps.clock, deps.metrics, deps.stateStore, registry).(*LocalMatchmaker)
	if !ok {
		t.Fatal("matchmaker is not a LocalMatchmaker")
	}
	recorder := &matchedRecorder{}
	matchmaker.OnMatchedEntries(recorder.record)
	cleanup := func() {
		matchmaker.Stop()
		registry.Stop(0)
	}
	return matchmaker, deps, recorder, cleanup
}

// should issue one ticket per session and withdraw it on cancel
func TestMatchmakerAddAndCancel(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, _, _, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	ticket, err := matchmaker.Add(context.Background(), alice, MatchModeRanked, nil)
	if err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}
	if ticket == "" {
		t.Fatal("expected a non-empty ticket")
	}
	assert.Equal(t, 1, matchmaker.TicketCount())

	// A second ticket for the same session is refused.
	_, err = matchmaker.Add(context.Background(), alice, MatchModeCasual, nil)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	if err := matchmaker.CancelSession(alice.ID()); err != nil {
		t.Fatalf("error cancelling ticket: %v", err)
	}
	assert.Equal(t, 0, matchmaker.TicketCount())

	// Nothing left to cancel.
	if err := matchmaker.CancelSession(alice.ID()); err == nil {
		t.Fatal("expected cancel with no ticket to fail")
	}

	// RemoveSessionAll tolerates an empty slate.
	matchmaker.RemoveSessionAll(alice.ID())
}

// should refuse queue entry for custom lobbies and busy players
func TestMatchmakerAddRejections(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, _, _, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	_, err := matchmaker.Add(context.Background(), alice, MatchModeCustom, nil)
	if err == nil {
		t.Fatal("expected custom mode to be rejected")
	}

	// Players already claimed by a match cannot queue.
	registry := matchmaker.matchRegistry
	if _, _, err := registry.CreateCustomMatch(context.Background(), alice, &CustomMatchSettings{MaxPlayers: 2}); err != nil {
		t.Fatalf("error creating custom match: %v", err)
	}
	_, err = matchmaker.Add(context.Background(), alice, MatchModeRanked, nil)
	assert.ErrorIs(t, err, ErrAlreadyInMatch)
}

// should match solo modes immediately without queueing
func TestMatchmakerSoloBypass(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, _, recorder, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	ticket, err := matchmaker.Add(context.Background(), alice, MatchModePractice, nil)
	if err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}
	assert.Equal(t, 0, matchmaker.TicketCount())

	waitFor(t, "solo group", func() bool {
		return recorder.count() == 1
	})
	group := recorder.group(0)
	if len(group) != 1 {
		t.Fatalf("expected a group of 1, got %d", len(group))
	}
	assert.Equal(t, ticket, group[0].Ticket)
	assert.Equal(t, "alice", group[0].PlayerID)
}

// should pair players whose ratings sit inside the initial window
func TestMatchmakerPairsCloseRatings(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, _, recorder, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	bob := newTestSession("bob", "bob")
	bob.rating = 1210

	aliceTicket, err := matchmaker.Add(context.Background(), alice, MatchModeRanked, nil)
	if err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}
	bobTicket, err := matchmaker.Add(context.Background(), bob, MatchModeRanked, nil)
	if err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}

	matchmaker.Process()
	waitFor(t, "paired group", func() bool {
		return recorder.count() == 1
	})

	group := recorder.group(0)
	if len(group) != 2 {
		t.Fatalf("expected a group of 2, got %d", len(group))
	}
	tickets := map[string]bool{group[0].Ticket: true, group[1].Ticket: true}
	assert.True(t, tickets[aliceTicket])
	assert.True(t, tickets[bobTicket])
	assert.Equal(t, 0, matchmaker.TicketCount())
}

// should widen the acceptable rating gap the longer both players wait
func TestMatchmakerWidensOverTime(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, deps, recorder, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	bob := newTestSession("bob", "bob")
	bob.rating = 1500

	if _, err := matchmaker.Add(context.Background(), alice, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}
	if _, err := matchmaker.Add(context.Background(), bob, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}

	// 300 apart, the fresh window of 50 cannot bridge them.
	matchmaker.Process()
	assert.Equal(t, 2, matchmaker.TicketCount())

	// After 25s both windows reach 300.
	deps.clock.Advance(25 * time.Second)
	matchmaker.Process()
	waitFor(t, "widened pair", func() bool {
		return recorder.count() == 1
	})
	assert.Equal(t, 0, matchmaker.TicketCount())
}

// should never widen past the configured maximum
func TestMatchmakerWidenClamp(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, deps, _, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	dave := newTestSession("dave", "dave")
	dave.rating = 1800

	if _, err := matchmaker.Add(context.Background(), alice, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}
	if _, err := matchmaker.Add(context.Background(), dave, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}

	// 600 apart outruns the 500 clamp no matter how long they wait.
	deps.clock.Advance(2 * time.Minute)
	matchmaker.Process()
	assert.Equal(t, 2, matchmaker.TicketCount())
}

// should hold multiplayer groups for a full lobby until the fill deadline
func TestMatchmakerFillDeadline(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, deps, recorder, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	for _, name := range []string{"alice", "bob", "carol"} {
		session := newTestSession(name, name)
		if _, err := matchmaker.Add(context.Background(), session, MatchModeTrivia, nil); err != nil {
			t.Fatalf("error adding to matchmaker: %v", err)
		}
	}

	// Three of a possible eight: wait for more players first.
	matchmaker.Process()
	assert.Equal(t, 3, matchmaker.TicketCount())

	// Past the deadline the matchmaker settles for what it has.
	deps.clock.Advance(time.Duration(deps.config.GetMatchmaker().FillDeadlineSec) * time.Second)
	matchmaker.Process()
	waitFor(t, "partial lobby", func() bool {
		return recorder.count() == 1
	})
	group := recorder.group(0)
	assert.Len(t, group, 3)
	assert.Equal(t, 0, matchmaker.TicketCount())
}

// should restore requeued entries at their original queue positions
func TestMatchmakerRequeueKeepsPosition(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, deps, recorder, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	// Alice was paired 30 seconds ago and the match failed to assemble.
	enqueuedAt := deps.clock.Now().Add(-30 * time.Second).UnixMicro()
	aliceTicket := uuid.Must(uuid.NewV4()).String()
	matchmaker.Requeue([]*MatchmakerEntry{{
		Ticket:     aliceTicket,
		PlayerID:   "alice",
		SessionID:  uuid.Must(uuid.NewV4()),
		Username:   "alice",
		Rating:     1200,
		Mode:       MatchModeRanked,
		EnqueuedAt: enqueuedAt,
	}})
	assert.Equal(t, 1, matchmaker.TicketCount())

	bob := newTestSession("bob", "bob")
	carol := newTestSession("carol", "carol")
	if _, err := matchmaker.Add(context.Background(), bob, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}
	if _, err := matchmaker.Add(context.Background(), carol, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}

	matchmaker.Process()
	waitFor(t, "anchored pair", func() bool {
		return recorder.count() >= 1
	})

	// The oldest ticket anchors the first group formed, original enqueue
	// time intact.
	group := recorder.group(0)
	if len(group) != 2 {
		t.Fatalf("expected a group of 2, got %d", len(group))
	}
	assert.Equal(t, aliceTicket, group[0].Ticket)
	assert.Equal(t, enqueuedAt, group[0].EnqueuedAt)
	assert.Equal(t, 1, matchmaker.TicketCount())
}

// should drop every ticket on shutdown and refuse new ones
func TestMatchmakerStop(t *testing.T) {
	logger := loggerForTest(t)
	matchmaker, _, _, cleanup := createTestMatchmaker(t, logger)
	defer cleanup()

	alice := newTestSession("alice", "alice")
	if _, err := matchmaker.Add(context.Background(), alice, MatchModeRanked, nil); err != nil {
		t.Fatalf("error adding to matchmaker: %v", err)
	}

	matchmaker.Stop()
	assert.Equal(t, 0, matchmaker.TicketCount())

	bob := newTestSession("bob", "bob")
	if _, err := matchmaker.Add(context.Background(), bob, MatchModeRanked, nil); err == nil {
		t.Fatal("expected add after stop to fail")
	}
}
