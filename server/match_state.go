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
	"sort"
	"time"

	"github.com/gofrs/uuid"
)

type MatchMode string

const (
	MatchModeCasual   MatchMode = "casual"
	MatchModeRanked   MatchMode = "ranked"
	MatchModeBlitz    MatchMode = "blitz"
	MatchModePractice MatchMode = "practice"
	MatchModeTrivia   MatchMode = "trivia"
	MatchModeDebug    MatchMode = "debug"
	MatchModeCustom   MatchMode = "custom"
)

func ParseMatchMode(s string) (MatchMode, bool) {
	mode := MatchMode(s)
	_, ok := modeProfiles[mode]
	return mode, ok
}

type MatchStatus string

const (
	MatchStatusWaiting    MatchStatus = "waiting"
	MatchStatusStarting   MatchStatus = "starting"
	MatchStatusInProgress MatchStatus = "in_progress"
	MatchStatusCompleted  MatchStatus = "completed"
	MatchStatusCancelled  MatchStatus = "cancelled"
)

type RoundStatus string

const (
	RoundStatusPending RoundStatus = "pending"
	RoundStatusOpen    RoundStatus = "open"
	RoundStatusGrading RoundStatus = "grading"
	RoundStatusClosed  RoundStatus = "closed"
)

// Reasons carried on match_end.
const (
	MatchEndReasonCompleted = "completed"
	MatchEndReasonForfeit   = "forfeit"
	MatchEndReasonCancelled = "cancelled"
)

// Detail reasons recorded on cancelled matches.
const (
	CancelReasonShutdown         = "shutdown"
	CancelReasonInternal         = "internal"
	CancelReasonStoreUnavailable = "store_unavailable"
	CancelReasonOwnerCancel      = "owner_cancel"
	CancelReasonWaitingTimeout   = "waiting_timeout"
	CancelReasonAbandoned        = "abandoned"
)

// modeProfile is the built-in shape of one match mode.
type modeProfile struct {
	RoundCount        int
	RoundTimeLimitSec int
	MinPlayers        int
	MaxPlayers        int
	Ranked            bool
	Trivia            bool
	ProblemKind       string
	Difficulty        string
	Weights           GradeWeights
}

var modeProfiles = map[MatchMode]modeProfile{
	MatchModeCasual:   {RoundCount: 3, RoundTimeLimitSec: 300, MinPlayers: 2, MaxPlayers: 2, ProblemKind: ProblemKindCode, Weights: DefaultGradeWeights},
	MatchModeRanked:   {RoundCount: 3, RoundTimeLimitSec: 300, MinPlayers: 2, MaxPlayers: 2, Ranked: true, ProblemKind: ProblemKindCode, Weights: DefaultGradeWeights},
	MatchModeBlitz:    {RoundCount: 10, RoundTimeLimitSec: 60, MinPlayers: 2, MaxPlayers: 2, Ranked: true, ProblemKind: ProblemKindCode, Difficulty: DifficultyEasy, Weights: DefaultGradeWeights},
	MatchModePractice: {RoundCount: 1, RoundTimeLimitSec: 300, MinPlayers: 1, MaxPlayers: 1, ProblemKind: ProblemKindCode, Weights: DefaultGradeWeights},
	MatchModeTrivia:   {RoundCount: 10, RoundTimeLimitSec: 30, MinPlayers: 2, MaxPlayers: 8, Trivia: true, ProblemKind: ProblemKindTrivia, Weights: DefaultGradeWeights},
	MatchModeDebug:    {RoundCount: 3, RoundTimeLimitSec: 300, MinPlayers: 2, MaxPlayers: 2, ProblemKind: ProblemKindDebug, Weights: DefaultGradeWeights},
	MatchModeCustom:   {RoundCount: 3, RoundTimeLimitSec: 300, MinPlayers: 2, MaxPlayers: 8, ProblemKind: ProblemKindCode, Weights: DefaultGradeWeights},
}

// MatchRules is the resolved per-match configuration, fixed at creation.
type MatchRules struct {
	RoundCount        int          `json:"round_count"`
	RoundTimeLimitSec int          `json:"round_time_limit_sec"`
	MinPlayers        int          `json:"min_players"`
	MaxPlayers        int          `json:"max_players"`
	Private           bool         `json:"private,omitempty"`
	Ranked            bool         `json:"ranked,omitempty"`
	AllowSpectators   bool         `json:"allow_spectators"`
	Trivia            bool         `json:"trivia,omitempty"`
	ProblemKind       string       `json:"problem_kind"`
	Difficulty        string       `json:"difficulty,omitempty"`
	LanguageWhitelist []string     `json:"language_whitelist"`
	InvitedPlayerIDs  []string     `json:"invited_player_ids,omitempty"`
	Weights           GradeWeights `json:"weights"`
}

func (r *MatchRules) Invited(playerID string) bool {
	for _, id := range r.InvitedPlayerIDs {
		if id == playerID {
			return true
		}
	}
	return false
}

func rulesForMode(mode MatchMode, config Config) MatchRules {
	p := modeProfiles[mode]
	return MatchRules{
		RoundCount:        p.RoundCount,
		RoundTimeLimitSec: p.RoundTimeLimitSec,
		MinPlayers:        p.MinPlayers,
		MaxPlayers:        p.MaxPlayers,
		Ranked:            p.Ranked,
		Trivia:            p.Trivia,
		AllowSpectators:   true,
		ProblemKind:       p.ProblemKind,
		Difficulty:        p.Difficulty,
		LanguageWhitelist: config.GetMatch().LanguageWhitelist,
		Weights:           p.Weights,
	}
}

func rulesForCustom(settings *CustomMatchSettings, config Config) MatchRules {
	rules := rulesForMode(MatchModeCustom, config)
	if settings == nil {
		return rules
	}
	if settings.RoundCount > 0 {
		rules.RoundCount = clampInt(settings.RoundCount, 1, config.GetMatch().MaxRounds)
	}
	if settings.RoundTimeLimitSec > 0 {
		rules.RoundTimeLimitSec = clampInt(settings.RoundTimeLimitSec, 30, 3600)
	}
	if settings.MaxPlayers > 0 {
		rules.MaxPlayers = clampInt(settings.MaxPlayers, 2, config.GetMatch().MaxPlayersCap)
	}
	rules.Private = settings.Private
	rules.AllowSpectators = settings.AllowSpectators
	rules.InvitedPlayerIDs = settings.InvitedPlayerIDs
	if settings.Difficulty != "" {
		rules.Difficulty = settings.Difficulty
	}
	return rules
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// MatchPlayer is one participant slot. A slot survives disconnection for the
// grace window and forfeiture keeps it for the final standings.
type MatchPlayer struct {
	PlayerID       string
	SessionID      uuid.UUID
	Username       string
	Rating         int
	Connected      bool
	Ready          bool
	Forfeited      bool
	HintsUsed      int
	JoinedAt       time.Time
	DisconnectedAt time.Time
}

func (p *MatchPlayer) Info() PlayerInfo {
	return PlayerInfo{
		PlayerID:  p.PlayerID,
		Username:  p.Username,
		Rating:    p.Rating,
		Connected: p.Connected,
		Ready:     p.Ready,
	}
}

// Submission is one retained solution. A later submission from the same
// player in the same round replaces the previous one.
type Submission struct {
	SubmissionID string
	MatchID      string
	RoundIndex   int
	PlayerID     string
	Code         string
	Language     string
	SubmittedAt  time.Time
}

type Round struct {
	Index       int
	Status      RoundStatus
	Problem     *Problem
	StartedAt   time.Time
	DeadlineAt  time.Time
	Submissions map[string]*Submission
	Reports     map[string]*GradeReport
	Scores      map[string]float64
	Degraded    bool
}

func newRound(index int) *Round {
	return &Round{
		Index:       index,
		Status:      RoundStatusPending,
		Submissions: make(map[string]*Submission),
		Reports:     make(map[string]*GradeReport),
		Scores:      make(map[string]float64),
	}
}

// MatchState is the aggregate owned exclusively by one match goroutine. All
// mutators bump Version; there is no locking because only the owner touches
// it. Everyone else sees it through snapshots.
type MatchState struct {
	MatchID    string
	Mode       MatchMode
	Rules      MatchRules
	OwnerID    string
	JoinCode   string
	Players    map[string]*MatchPlayer
	Spectators map[string]string
	Rounds     []*Round
	Cursor     int
	Status     MatchStatus
	Reason     string
	Version    uint64
	CreateTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	Chat       *chatHistory
}

func NewMatchState(matchID string, mode MatchMode, rules MatchRules, ownerID string, chatHistorySize int, now time.Time) *MatchState {
	rounds := make([]*Round, rules.RoundCount)
	for i := range rounds {
		rounds[i] = newRound(i)
	}
	return &MatchState{
		MatchID:    matchID,
		Mode:       mode,
		Rules:      rules,
		OwnerID:    ownerID,
		Players:    make(map[string]*MatchPlayer, rules.MaxPlayers),
		Spectators: make(map[string]string),
		Rounds:     rounds,
		Cursor:     0,
		Status:     MatchStatusWaiting,
		Version:    1,
		CreateTime: now,
		Chat:       newChatHistory(chatHistorySize),
	}
}

func (s *MatchState) bump() {
	s.Version++
}

// Transition moves the match status forward. Returns false and leaves the
// state untouched when the transition would move backward or out of a
// terminal state.
func (s *MatchState) Transition(to MatchStatus, now time.Time) bool {
	allowed := false
	switch s.Status {
	case MatchStatusWaiting:
		allowed = to == MatchStatusStarting || to == MatchStatusCancelled
	case MatchStatusStarting:
		allowed = to == MatchStatusInProgress || to == MatchStatusCancelled
	case MatchStatusInProgress:
		allowed = to == MatchStatusCompleted || to == MatchStatusCancelled
	}
	if !allowed {
		return false
	}
	s.Status = to
	switch to {
	case MatchStatusInProgress:
		s.StartTime = now
	case MatchStatusCompleted, MatchStatusCancelled:
		s.EndTime = now
	}
	s.bump()
	return true
}

func (s *MatchState) Terminal() bool {
	return s.Status == MatchStatusCompleted || s.Status == MatchStatusCancelled
}

func (s *MatchState) AddPlayer(player *MatchPlayer) {
	s.Players[player.PlayerID] = player
	s.bump()
}

// RemovePlayer deletes a player slot entirely. Only valid before start;
// mid-match departures go through ForfeitPlayer so standings stay complete.
func (s *MatchState) RemovePlayer(playerID string) bool {
	if _, ok := s.Players[playerID]; !ok {
		return false
	}
	delete(s.Players, playerID)
	s.bump()
	return true
}

func (s *MatchState) ForfeitPlayer(playerID string) bool {
	p, ok := s.Players[playerID]
	if !ok || p.Forfeited {
		return false
	}
	p.Forfeited = true
	p.Connected = false
	p.Ready = false
	s.bump()
	return true
}

func (s *MatchState) SetReady(playerID string) bool {
	p, ok := s.Players[playerID]
	if !ok || p.Ready || p.Forfeited {
		return false
	}
	p.Ready = true
	s.bump()
	return true
}

func (s *MatchState) SetDisconnected(playerID string, now time.Time) bool {
	p, ok := s.Players[playerID]
	if !ok || !p.Connected {
		return false
	}
	p.Connected = false
	p.DisconnectedAt = now
	s.bump()
	return true
}

// Reconnect restores a player within the grace window, rebinding their slot
// to the new session.
func (s *MatchState) Reconnect(playerID string, sessionID uuid.UUID, rating int) bool {
	p, ok := s.Players[playerID]
	if !ok || p.Forfeited {
		return false
	}
	p.SessionID = sessionID
	p.Connected = true
	p.Rating = rating
	p.DisconnectedAt = time.Time{}
	s.bump()
	return true
}

func (s *MatchState) AddSpectator(playerID, username string) bool {
	if _, ok := s.Spectators[playerID]; ok {
		return false
	}
	s.Spectators[playerID] = username
	s.bump()
	return true
}

func (s *MatchState) RemoveSpectator(playerID string) bool {
	if _, ok := s.Spectators[playerID]; !ok {
		return false
	}
	delete(s.Spectators, playerID)
	s.bump()
	return true
}

func (s *MatchState) AddChat(msg ChatMessageEvent) {
	s.Chat.Add(msg)
	s.bump()
}

// UseHint consumes one hint allowance and returns how many the player has
// used in total.
func (s *MatchState) UseHint(playerID string) int {
	p, ok := s.Players[playerID]
	if !ok {
		return 0
	}
	p.HintsUsed++
	s.bump()
	return p.HintsUsed
}

// ActivePlayerCount is the number of non-forfeited slots.
func (s *MatchState) ActivePlayerCount() int {
	count := 0
	for _, p := range s.Players {
		if !p.Forfeited {
			count++
		}
	}
	return count
}

func (s *MatchState) ConnectedPlayerCount() int {
	count := 0
	for _, p := range s.Players {
		if p.Connected && !p.Forfeited {
			count++
		}
	}
	return count
}

// AllReady reports whether every active player has sent ready. Players who
// dropped while waiting do not block readiness, but at least one connected
// player is required.
func (s *MatchState) AllReady() bool {
	connected := 0
	for _, p := range s.Players {
		if p.Forfeited {
			continue
		}
		if !p.Connected {
			continue
		}
		connected++
		if !p.Ready {
			return false
		}
	}
	return connected > 0
}

func (s *MatchState) CurrentRound() *Round {
	if s.Cursor < 0 || s.Cursor >= len(s.Rounds) {
		return nil
	}
	return s.Rounds[s.Cursor]
}

// OpenRound moves the cursor round from pending to open with its problem and
// absolute deadline.
func (s *MatchState) OpenRound(index int, problem *Problem, now, deadline time.Time) bool {
	if s.Status != MatchStatusInProgress || index != s.Cursor || index >= len(s.Rounds) {
		return false
	}
	round := s.Rounds[index]
	if round.Status != RoundStatusPending {
		return false
	}
	round.Status = RoundStatusOpen
	round.Problem = problem
	round.StartedAt = now
	round.DeadlineAt = deadline
	s.bump()
	return true
}

// AddSubmission retains the submission for its round, replacing any earlier
// one from the same player. Returns whether a previous submission was
// replaced. Validation happens before this point.
func (s *MatchState) AddSubmission(sub *Submission) bool {
	round := s.Rounds[sub.RoundIndex]
	_, replaced := round.Submissions[sub.PlayerID]
	round.Submissions[sub.PlayerID] = sub
	s.bump()
	return replaced
}

// AllActiveSubmitted reports whether every non-forfeited player has a
// retained submission for the round. Disconnected players inside their grace
// window still count, their slot is live until the window expires.
func (s *MatchState) AllActiveSubmitted(index int) bool {
	round := s.Rounds[index]
	active := 0
	for pid, p := range s.Players {
		if p.Forfeited {
			continue
		}
		active++
		if _, ok := round.Submissions[pid]; !ok {
			return false
		}
	}
	return active > 0
}

func (s *MatchState) BeginGrading(index int) bool {
	if index >= len(s.Rounds) {
		return false
	}
	round := s.Rounds[index]
	if round.Status != RoundStatusOpen {
		return false
	}
	round.Status = RoundStatusGrading
	s.bump()
	return true
}

// SetRoundScore records one player's grade for a round still in grading.
func (s *MatchState) SetRoundScore(index int, playerID string, score float64, report *GradeReport) bool {
	if index >= len(s.Rounds) {
		return false
	}
	round := s.Rounds[index]
	if round.Status != RoundStatusGrading {
		return false
	}
	round.Scores[playerID] = score
	if report != nil {
		round.Reports[playerID] = report
		if report.Degraded {
			round.Degraded = true
		}
	}
	s.bump()
	return true
}

// CloseRound advances the cursor past a fully graded round.
func (s *MatchState) CloseRound(index int) bool {
	if index != s.Cursor || index >= len(s.Rounds) {
		return false
	}
	round := s.Rounds[index]
	if round.Status != RoundStatusGrading {
		return false
	}
	round.Status = RoundStatusClosed
	s.Cursor++
	s.bump()
	return true
}

// Totals sums closed-round scores per player.
func (s *MatchState) Totals() map[string]float64 {
	totals := make(map[string]float64, len(s.Players))
	for pid := range s.Players {
		totals[pid] = 0
	}
	for _, round := range s.Rounds {
		if round.Status != RoundStatusClosed {
			continue
		}
		for pid, score := range round.Scores {
			if _, ok := totals[pid]; ok {
				totals[pid] += score
			}
		}
	}
	return totals
}

func (s *MatchState) closedRoundCount() int {
	count := 0
	for _, round := range s.Rounds {
		if round.Status == RoundStatusClosed {
			count++
		}
	}
	return count
}

// Standings ranks players by total descending. The earliest final submission
// breaks ties, forfeited players sink below everyone else.
func (s *MatchState) Standings() []Standing {
	totals := s.Totals()
	lastSub := make(map[string]time.Time, len(s.Players))
	for _, round := range s.Rounds {
		for pid, sub := range round.Submissions {
			if sub.SubmittedAt.After(lastSub[pid]) {
				lastSub[pid] = sub.SubmittedAt
			}
		}
	}

	closed := s.closedRoundCount()
	standings := make([]Standing, 0, len(s.Players))
	for pid, p := range s.Players {
		row := Standing{
			PlayerID:  pid,
			Username:  p.Username,
			Total:     totals[pid],
			Forfeited: p.Forfeited,
		}
		if closed > 0 {
			row.Grade = letterGrade(roundHalfUp(row.Total / float64(closed)))
		}
		standings = append(standings, row)
	}

	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Forfeited != b.Forfeited {
			return !a.Forfeited
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		ta, tb := lastSub[a.PlayerID], lastSub[b.PlayerID]
		if !ta.Equal(tb) {
			if ta.IsZero() {
				return false
			}
			if tb.IsZero() {
				return true
			}
			return ta.Before(tb)
		}
		return a.PlayerID < b.PlayerID
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}
	return standings
}

// playersSorted returns players in join order for stable wire output.
func (s *MatchState) playersSorted() []*MatchPlayer {
	players := make([]*MatchPlayer, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if !players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].JoinedAt.Before(players[j].JoinedAt)
		}
		return players[i].PlayerID < players[j].PlayerID
	})
	return players
}

func (s *MatchState) PlayerInfos() []PlayerInfo {
	players := s.playersSorted()
	infos := make([]PlayerInfo, 0, len(players))
	for _, p := range players {
		infos = append(infos, p.Info())
	}
	return infos
}

// RoundSnapshot is the client-visible view of one round inside a snapshot.
type RoundSnapshot struct {
	Index      int          `json:"index"`
	Status     RoundStatus  `json:"status"`
	Problem    *ProblemView `json:"problem,omitempty"`
	DeadlineAt int64        `json:"deadline_at,omitempty"`
	Submitted  []string     `json:"submitted,omitempty"`
}

// MatchSnapshot is the versioned projection persisted to the state store and
// returned on resync. It never includes hidden test cases or submitted code.
type MatchSnapshot struct {
	MatchID    string             `json:"match_id"`
	Mode       MatchMode          `json:"mode"`
	Status     MatchStatus        `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	Version    uint64             `json:"version"`
	Cursor     int                `json:"cursor"`
	Rules      MatchRules         `json:"rules"`
	OwnerID    string             `json:"owner_id,omitempty"`
	JoinCode   string             `json:"join_code,omitempty"`
	Players    []PlayerInfo       `json:"players"`
	Spectators []string           `json:"spectators,omitempty"`
	Totals     map[string]float64 `json:"totals"`
	Round      *RoundSnapshot     `json:"round,omitempty"`
	Standings  []Standing         `json:"standings,omitempty"`
	Chat       []ChatMessageEvent `json:"chat,omitempty"`
	CreatedAt  int64              `json:"created_at"`
	StartedAt  int64              `json:"started_at,omitempty"`
	EndedAt    int64              `json:"ended_at,omitempty"`
}

func (s *MatchState) Snapshot() *MatchSnapshot {
	snapshot := &MatchSnapshot{
		MatchID:   s.MatchID,
		Mode:      s.Mode,
		Status:    s.Status,
		Reason:    s.Reason,
		Version:   s.Version,
		Cursor:    s.Cursor,
		Rules:     s.Rules,
		OwnerID:   s.OwnerID,
		JoinCode:  s.JoinCode,
		Players:   s.PlayerInfos(),
		Totals:    s.Totals(),
		Chat:      s.Chat.Tail(),
		CreatedAt: s.CreateTime.UnixMilli(),
	}
	if !s.StartTime.IsZero() {
		snapshot.StartedAt = s.StartTime.UnixMilli()
	}
	if !s.EndTime.IsZero() {
		snapshot.EndedAt = s.EndTime.UnixMilli()
	}
	if len(s.Spectators) > 0 {
		spectators := make([]string, 0, len(s.Spectators))
		for pid := range s.Spectators {
			spectators = append(spectators, pid)
		}
		sort.Strings(spectators)
		snapshot.Spectators = spectators
	}
	if round := s.CurrentRound(); round != nil && round.Status != RoundStatusPending {
		rs := &RoundSnapshot{
			Index:  round.Index,
			Status: round.Status,
		}
		if round.Problem != nil {
			rs.Problem = round.Problem.View()
		}
		if !round.DeadlineAt.IsZero() {
			rs.DeadlineAt = round.DeadlineAt.UnixMilli()
		}
		if len(round.Submissions) > 0 {
			submitted := make([]string, 0, len(round.Submissions))
			for pid := range round.Submissions {
				submitted = append(submitted, pid)
			}
			sort.Strings(submitted)
			rs.Submitted = submitted
		}
		snapshot.Round = rs
	}
	if s.Terminal() {
		snapshot.Standings = s.Standings()
	}
	return snapshot
}
