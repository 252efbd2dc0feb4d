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
	"errors"
	"time"
)

var ErrPlayerNotFound = errors.New("store: player not found")

// Problem difficulty labels as stored.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// PlayerProfile is the durable identity a session attaches to.
type PlayerProfile struct {
	PlayerID   string
	Username   string
	Rating     int
	Wins       int
	Losses     int
	CreateTime time.Time
}

// TestCase is one problem input/output pair. Hidden cases are used for
// grading only and never sent to clients.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden,omitempty"`
}

// Problem kinds. Code problems are graded externally, trivia answers are
// checked in-process, debug problems ship broken code to repair.
const (
	ProblemKindCode   = "code"
	ProblemKindTrivia = "trivia"
	ProblemKindDebug  = "debug"
)

// Problem is a full problem definition including grading-only data.
type Problem struct {
	ProblemID     string     `json:"problem_id"`
	Kind          string     `json:"kind"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Difficulty    string     `json:"difficulty"`
	TestCases     []TestCase `json:"test_cases,omitempty"`
	Choices       []string   `json:"choices,omitempty"`
	CorrectChoice int        `json:"correct_choice,omitempty"`
	Hints         []string   `json:"hints,omitempty"`
}

// View strips grading-only data down to the client-visible projection.
func (p *Problem) View() *ProblemView {
	view := &ProblemView{
		ProblemID:   p.ProblemID,
		Title:       p.Title,
		Description: p.Description,
		Difficulty:  p.Difficulty,
	}
	for _, tc := range p.TestCases {
		if tc.Hidden {
			continue
		}
		view.Examples = append(view.Examples, TestCaseView{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
	}
	if len(p.Choices) > 0 {
		view.Choices = make([]string, len(p.Choices))
		copy(view.Choices, p.Choices)
	}
	return view
}

// SubmissionRecord is the durable form of one retained submission.
type SubmissionRecord struct {
	SubmissionID string
	PlayerID     string
	RoundIndex   int
	ProblemID    string
	Language     string
	Code         string
	Score        float64
	Verdict      string
	Report       *GradeReport
	SubmitTime   time.Time
}

// MatchPlayerRecord is one player's line in a finished match.
type MatchPlayerRecord struct {
	PlayerID  string
	Username  string
	Total     float64
	Rank      int
	Forfeited bool
}

// MatchRecord is everything persisted when a match reaches a terminal state.
// Cancelled matches produce a minimal record with no submissions.
type MatchRecord struct {
	MatchID     string
	Mode        string
	Status      string
	Reason      string
	Ranked      bool
	RoundCount  int
	OwnerID     string
	CreateTime  time.Time
	StartTime   time.Time
	EndTime     time.Time
	Players     []*MatchPlayerRecord
	Submissions []*SubmissionRecord
}

// Store is the durable persistence boundary. The match core never reads or
// writes SQL outside this interface.
type Store interface {
	// EnsurePlayer upserts the player row backing an authenticated session
	// and returns the current profile.
	EnsurePlayer(ctx context.Context, playerID, username string) (*PlayerProfile, error)
	GetPlayer(ctx context.Context, playerID string) (*PlayerProfile, error)
	GetPlayers(ctx context.Context, playerIDs []string) (map[string]*PlayerProfile, error)

	// GetProblems returns up to count random problems of the given kind
	// and difficulty, skipping excludeIDs. Empty difficulty means any.
	GetProblems(ctx context.Context, kind, difficulty string, count int, excludeIDs []string) ([]*Problem, error)

	// RecordMatch persists the terminal record for a match.
	RecordMatch(ctx context.Context, record *MatchRecord) error

	// UpdateRatings applies the rating formula to a ranked result and
	// returns the new rating per player. Rating math is deliberately owned
	// here, not by the match runtime.
	UpdateRatings(ctx context.Context, matchID string, standings []Standing) (map[string]int, error)
}
