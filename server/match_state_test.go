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
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stateTestBase = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

func createTestState(roundCount int, playerIDs ...string) *MatchState {
	rules := MatchRules{
		RoundCount:        roundCount,
		RoundTimeLimitSec: 60,
		MinPlayers:        2,
		MaxPlayers:        8,
		AllowSpectators:   true,
		ProblemKind:       ProblemKindCode,
		Weights:           DefaultGradeWeights,
	}
	state := NewMatchState(uuid.Must(uuid.NewV4()).String(), MatchModeCustom, rules, "", 50, stateTestBase)
	for _, pid := range playerIDs {
		state.AddPlayer(&MatchPlayer{
			PlayerID:  pid,
			SessionID: uuid.Must(uuid.NewV4()),
			Username:  pid,
			Rating:    1200,
			Connected: true,
			JoinedAt:  stateTestBase,
		})
	}
	return state
}

func startState(t fatalable, state *MatchState) {
	if !state.Transition(MatchStatusStarting, stateTestBase) {
		t.Fatal("transition to starting refused")
	}
	if !state.Transition(MatchStatusInProgress, stateTestBase) {
		t.Fatal("transition to in_progress refused")
	}
}

// playTestRound opens, grades and closes one round. submitAt gives per-player
// submission instants; players absent from it score without a retained
// submission.
func playTestRound(t fatalable, state *MatchState, index int, scores map[string]float64, submitAt map[string]time.Time) {
	now := stateTestBase.Add(time.Duration(index) * time.Minute)
	if !state.OpenRound(index, &Problem{ProblemID: "p", Kind: ProblemKindCode, Title: "p"}, now, now.Add(time.Minute)) {
		t.Fatalf("could not open round %d", index)
	}
	for pid, at := range submitAt {
		state.AddSubmission(&Submission{
			SubmissionID: uuid.Must(uuid.NewV4()).String(),
			MatchID:      state.MatchID,
			RoundIndex:   index,
			PlayerID:     pid,
			Code:         "print(1)",
			Language:     "python",
			SubmittedAt:  at,
		})
	}
	if !state.BeginGrading(index) {
		t.Fatalf("could not begin grading round %d", index)
	}
	for pid, score := range scores {
		if !state.SetRoundScore(index, pid, score, nil) {
			t.Fatalf("could not score round %d for %s", index, pid)
		}
	}
	if !state.CloseRound(index) {
		t.Fatalf("could not close round %d", index)
	}
}

// should only ever move the match status forward
func TestMatchStateTransitions(t *testing.T) {
	state := createTestState(1, "alice", "bob")
	require.Equal(t, MatchStatusWaiting, state.Status)

	// No skipping ahead.
	version := state.Version
	assert.False(t, state.Transition(MatchStatusInProgress, stateTestBase))
	assert.Equal(t, MatchStatusWaiting, state.Status)
	assert.Equal(t, version, state.Version)

	require.True(t, state.Transition(MatchStatusStarting, stateTestBase))
	assert.Greater(t, state.Version, version)

	// No moving back.
	assert.False(t, state.Transition(MatchStatusWaiting, stateTestBase))

	startAt := stateTestBase.Add(3 * time.Second)
	require.True(t, state.Transition(MatchStatusInProgress, startAt))
	assert.Equal(t, startAt, state.StartTime)

	endAt := startAt.Add(time.Minute)
	require.True(t, state.Transition(MatchStatusCompleted, endAt))
	assert.Equal(t, endAt, state.EndTime)
	assert.True(t, state.Terminal())

	// Terminal states are final.
	assert.False(t, state.Transition(MatchStatusCancelled, endAt))
	assert.False(t, state.Transition(MatchStatusInProgress, endAt))
}

// should clamp custom settings into the configured bounds
func TestRulesForCustom(t *testing.T) {
	logger := loggerForTest(t)
	config := NewConfig(logger)

	t.Run("defaults", func(t *testing.T) {
		rules := rulesForCustom(nil, config)
		assert.Equal(t, 3, rules.RoundCount)
		assert.Equal(t, 8, rules.MaxPlayers)
		assert.True(t, rules.AllowSpectators)
		assert.False(t, rules.Ranked)
		assert.Equal(t, ProblemKindCode, rules.ProblemKind)
	})

	t.Run("clamps", func(t *testing.T) {
		rules := rulesForCustom(&CustomMatchSettings{
			RoundCount:        99,
			RoundTimeLimitSec: 5,
			MaxPlayers:        50,
		}, config)
		assert.Equal(t, config.GetMatch().MaxRounds, rules.RoundCount)
		assert.Equal(t, 30, rules.RoundTimeLimitSec)
		assert.Equal(t, config.GetMatch().MaxPlayersCap, rules.MaxPlayers)

		rules = rulesForCustom(&CustomMatchSettings{RoundTimeLimitSec: 9999, MaxPlayers: 1}, config)
		assert.Equal(t, 3600, rules.RoundTimeLimitSec)
		assert.Equal(t, 2, rules.MaxPlayers)
	})

	t.Run("passthrough", func(t *testing.T) {
		rules := rulesForCustom(&CustomMatchSettings{
			Private:          true,
			AllowSpectators:  false,
			InvitedPlayerIDs: []string{"bob"},
			Difficulty:       DifficultyHard,
		}, config)
		assert.True(t, rules.Private)
		assert.False(t, rules.AllowSpectators)
		assert.True(t, rules.Invited("bob"))
		assert.False(t, rules.Invited("carol"))
		assert.Equal(t, DifficultyHard, rules.Difficulty)

		// Zero values leave the mode defaults in place.
		rules = rulesForCustom(&CustomMatchSettings{}, config)
		assert.Equal(t, 3, rules.RoundCount)
		assert.Equal(t, "", rules.Difficulty)
	})
}

func TestMatchStateStandings(t *testing.T) {
	t.Run("totals rank descending", func(t *testing.T) {
		state := createTestState(1, "alice", "bob")
		startState(t, state)
		playTestRound(t, state, 0, map[string]float64{"alice": 80, "bob": 60}, map[string]time.Time{
			"alice": stateTestBase.Add(10 * time.Second),
			"bob":   stateTestBase.Add(5 * time.Second),
		})

		standings := state.Standings()
		require.Len(t, standings, 2)
		assert.Equal(t, "alice", standings[0].PlayerID)
		assert.Equal(t, 1, standings[0].Rank)
		assert.Equal(t, 80.0, standings[0].Total)
		assert.Equal(t, "bob", standings[1].PlayerID)
		assert.Equal(t, 2, standings[1].Rank)
	})

	t.Run("earliest final submission breaks ties", func(t *testing.T) {
		state := createTestState(2, "alice", "bob")
		startState(t, state)
		// Identical totals; alice's last submission lands in round two, well
		// after bob went quiet.
		playTestRound(t, state, 0, map[string]float64{"alice": 100, "bob": 0}, map[string]time.Time{
			"alice": stateTestBase.Add(10 * time.Second),
			"bob":   stateTestBase.Add(8 * time.Second),
		})
		playTestRound(t, state, 1, map[string]float64{"alice": 0, "bob": 100}, map[string]time.Time{
			"alice": stateTestBase.Add(70 * time.Second),
		})

		standings := state.Standings()
		require.Len(t, standings, 2)
		assert.Equal(t, standings[0].Total, standings[1].Total)
		assert.Equal(t, "bob", standings[0].PlayerID)
	})

	t.Run("players without submissions sink in ties", func(t *testing.T) {
		state := createTestState(1, "alice", "bob")
		startState(t, state)
		playTestRound(t, state, 0, map[string]float64{"alice": 50, "bob": 50}, map[string]time.Time{
			"alice": stateTestBase.Add(30 * time.Second),
		})

		standings := state.Standings()
		assert.Equal(t, "alice", standings[0].PlayerID)
		assert.Equal(t, "bob", standings[1].PlayerID)
	})

	t.Run("forfeited players sink below any total", func(t *testing.T) {
		state := createTestState(1, "alice", "bob", "carol")
		startState(t, state)
		playTestRound(t, state, 0, map[string]float64{"alice": 20, "bob": 10, "carol": 90}, map[string]time.Time{
			"alice": stateTestBase.Add(10 * time.Second),
			"bob":   stateTestBase.Add(11 * time.Second),
			"carol": stateTestBase.Add(12 * time.Second),
		})
		state.ForfeitPlayer("carol")

		standings := state.Standings()
		require.Len(t, standings, 3)
		assert.Equal(t, "carol", standings[2].PlayerID)
		assert.True(t, standings[2].Forfeited)
		assert.Equal(t, 3, standings[2].Rank)
		assert.Equal(t, 90.0, standings[2].Total)
	})

	t.Run("full ties fall back to player id", func(t *testing.T) {
		state := createTestState(1, "zoe", "adam")
		standings := state.Standings()
		require.Len(t, standings, 2)
		assert.Equal(t, "adam", standings[0].PlayerID)
		assert.Equal(t, "zoe", standings[1].PlayerID)
	})

	t.Run("letter grades reflect the per-round average", func(t *testing.T) {
		state := createTestState(2, "alice", "bob")
		startState(t, state)
		playTestRound(t, state, 0, map[string]float64{"alice": 100, "bob": 70}, map[string]time.Time{
			"alice": stateTestBase.Add(10 * time.Second),
			"bob":   stateTestBase.Add(11 * time.Second),
		})
		playTestRound(t, state, 1, map[string]float64{"alice": 90, "bob": 65.4}, map[string]time.Time{
			"alice": stateTestBase.Add(70 * time.Second),
			"bob":   stateTestBase.Add(71 * time.Second),
		})

		standings := state.Standings()
		assert.Equal(t, "A+", standings[0].Grade)
		assert.Equal(t, "C+", standings[1].Grade)
	})
}

// should count only closed rounds toward totals
func TestMatchStateTotals(t *testing.T) {
	state := createTestState(2, "alice", "bob")
	startState(t, state)
	playTestRound(t, state, 0, map[string]float64{"alice": 40, "bob": 30}, map[string]time.Time{
		"alice": stateTestBase.Add(10 * time.Second),
		"bob":   stateTestBase.Add(11 * time.Second),
	})

	// Round two is still grading, its scores must not leak into totals.
	now := stateTestBase.Add(time.Minute)
	require.True(t, state.OpenRound(1, &Problem{ProblemID: "p2", Kind: ProblemKindCode}, now, now.Add(time.Minute)))
	require.True(t, state.BeginGrading(1))
	require.True(t, state.SetRoundScore(1, "alice", 100, nil))

	totals := state.Totals()
	assert.Equal(t, 40.0, totals["alice"])
	assert.Equal(t, 30.0, totals["bob"])

	require.True(t, state.SetRoundScore(1, "bob", 0, nil))
	require.True(t, state.CloseRound(1))
	totals = state.Totals()
	assert.Equal(t, 140.0, totals["alice"])
}

// should gate round mutations on status and cursor
func TestMatchStateRoundSequencing(t *testing.T) {
	state := createTestState(2, "alice", "bob")

	problem := &Problem{ProblemID: "p", Kind: ProblemKindCode}
	now := stateTestBase

	// Rounds cannot open before the match starts.
	assert.False(t, state.OpenRound(0, problem, now, now.Add(time.Minute)))
	startState(t, state)

	// Only the cursor round opens.
	assert.False(t, state.OpenRound(1, problem, now, now.Add(time.Minute)))
	require.True(t, state.OpenRound(0, problem, now, now.Add(time.Minute)))
	assert.False(t, state.OpenRound(0, problem, now, now.Add(time.Minute)))

	// Grading only from open, closing only from grading.
	assert.False(t, state.CloseRound(0))
	require.True(t, state.BeginGrading(0))
	assert.False(t, state.BeginGrading(0))
	assert.False(t, state.SetRoundScore(1, "alice", 10, nil))
	require.True(t, state.SetRoundScore(0, "alice", 10, nil))
	require.True(t, state.CloseRound(0))
	assert.Equal(t, 1, state.Cursor)

	// A closed round refuses further scores.
	assert.False(t, state.SetRoundScore(0, "bob", 10, nil))
}

// should track submission replacement and per-player completeness
func TestMatchStateSubmissions(t *testing.T) {
	state := createTestState(1, "alice", "bob")
	startState(t, state)
	now := stateTestBase
	require.True(t, state.OpenRound(0, &Problem{ProblemID: "p", Kind: ProblemKindCode}, now, now.Add(time.Minute)))

	first := &Submission{SubmissionID: "s1", RoundIndex: 0, PlayerID: "alice", Code: "a", SubmittedAt: now}
	assert.False(t, state.AddSubmission(first))
	assert.False(t, state.AllActiveSubmitted(0))

	// Disconnected players still count while their slot is live.
	require.True(t, state.SetDisconnected("bob", now))
	assert.False(t, state.AllActiveSubmitted(0))

	replacement := &Submission{SubmissionID: "s2", RoundIndex: 0, PlayerID: "alice", Code: "b", SubmittedAt: now.Add(time.Second)}
	assert.True(t, state.AddSubmission(replacement))
	assert.Equal(t, "s2", state.Rounds[0].Submissions["alice"].SubmissionID)
	assert.Len(t, state.Rounds[0].Submissions, 1)

	// A forfeited slot stops blocking the round.
	require.True(t, state.ForfeitPlayer("bob"))
	assert.True(t, state.AllActiveSubmitted(0))
}

// should require every connected player to ready up
func TestMatchStateReadiness(t *testing.T) {
	state := createTestState(1)
	assert.False(t, state.AllReady())

	state = createTestState(1, "alice", "bob")
	require.True(t, state.SetReady("alice"))
	assert.False(t, state.AllReady())

	// Ready is idempotent and unavailable to forfeited players.
	assert.False(t, state.SetReady("alice"))
	require.True(t, state.SetReady("bob"))
	assert.True(t, state.AllReady())

	// A player who drops while waiting no longer blocks readiness.
	state = createTestState(1, "alice", "bob")
	require.True(t, state.SetReady("alice"))
	require.True(t, state.SetDisconnected("bob", stateTestBase))
	assert.True(t, state.AllReady())

	// Nobody connected means nothing to start.
	require.True(t, state.SetDisconnected("alice", stateTestBase))
	assert.False(t, state.AllReady())
}

// should manage player slots through disconnect, reconnect and forfeit
func TestMatchStatePlayerSlots(t *testing.T) {
	state := createTestState(1, "alice", "bob")

	require.True(t, state.SetDisconnected("alice", stateTestBase))
	assert.False(t, state.Players["alice"].Connected)
	assert.Equal(t, stateTestBase, state.Players["alice"].DisconnectedAt)
	assert.False(t, state.SetDisconnected("alice", stateTestBase))

	rebound := uuid.Must(uuid.NewV4())
	require.True(t, state.Reconnect("alice", rebound, 1275))
	assert.True(t, state.Players["alice"].Connected)
	assert.Equal(t, rebound, state.Players["alice"].SessionID)
	assert.Equal(t, 1275, state.Players["alice"].Rating)
	assert.True(t, state.Players["alice"].DisconnectedAt.IsZero())

	require.True(t, state.ForfeitPlayer("bob"))
	assert.False(t, state.Players["bob"].Connected)
	assert.False(t, state.Players["bob"].Ready)
	assert.False(t, state.ForfeitPlayer("bob"))
	assert.False(t, state.Reconnect("bob", rebound, 1200))
	assert.Equal(t, 1, state.ActivePlayerCount())
	assert.Equal(t, 1, state.ConnectedPlayerCount())

	assert.Equal(t, 1, state.UseHint("alice"))
	assert.Equal(t, 2, state.UseHint("alice"))
	assert.Equal(t, 0, state.UseHint("nobody"))

	assert.True(t, state.RemovePlayer("alice"))
	assert.False(t, state.RemovePlayer("alice"))
}

// should keep grading-only problem data out of snapshots
func TestMatchStateSnapshot(t *testing.T) {
	state := createTestState(1, "alice", "bob")
	state.OwnerID = "alice"
	state.JoinCode = "AB12CD"
	state.AddSpectator("zoe", "zoe")
	state.AddSpectator("carol", "carol")
	startState(t, state)

	problem := &Problem{
		ProblemID:   "sum-two",
		Kind:        ProblemKindCode,
		Title:       "Sum",
		Description: "Add the numbers.",
		Difficulty:  DifficultyEasy,
		TestCases: []TestCase{
			{Input: "1 2", ExpectedOutput: "3"},
			{Input: "5 7", ExpectedOutput: "12", Hidden: true},
		},
		Hints: []string{"secret"},
	}
	now := stateTestBase
	require.True(t, state.OpenRound(0, problem, now, now.Add(time.Minute)))
	state.AddSubmission(&Submission{SubmissionID: "s1", RoundIndex: 0, PlayerID: "bob", Code: "print", SubmittedAt: now})
	state.AddSubmission(&Submission{SubmissionID: "s2", RoundIndex: 0, PlayerID: "alice", Code: "print", SubmittedAt: now})
	state.AddChat(ChatMessageEvent{From: "alice", Text: "hi", Ts: now.UnixMilli()})

	snapshot := state.Snapshot()
	assert.Equal(t, state.Version, snapshot.Version)
	assert.Equal(t, "AB12CD", snapshot.JoinCode)
	assert.Equal(t, []string{"carol", "zoe"}, snapshot.Spectators)
	assert.Len(t, snapshot.Chat, 1)
	require.NotNil(t, snapshot.Round)
	assert.Equal(t, []string{"alice", "bob"}, snapshot.Round.Submitted)

	// The hidden case and authored hints never leave the server.
	require.NotNil(t, snapshot.Round.Problem)
	require.Len(t, snapshot.Round.Problem.Examples, 1)
	assert.Equal(t, "1 2", snapshot.Round.Problem.Examples[0].Input)

	// Standings appear only once the match is over.
	assert.Nil(t, snapshot.Standings)
	require.True(t, state.BeginGrading(0))
	require.True(t, state.SetRoundScore(0, "alice", 90, nil))
	require.True(t, state.SetRoundScore(0, "bob", 80, nil))
	require.True(t, state.CloseRound(0))
	require.True(t, state.Transition(MatchStatusCompleted, now.Add(time.Minute)))
	snapshot = state.Snapshot()
	require.Len(t, snapshot.Standings, 2)
	assert.Equal(t, "alice", snapshot.Standings[0].PlayerID)
}
