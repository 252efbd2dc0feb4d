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

import "encoding/json"

// Client to server events. Each arrives as an Envelope whose Payload decodes
// into the request struct named below.
const (
	EventFindMatch         = "find_match"
	EventCancelMatchmaking = "cancel_matchmaking"
	EventCreateCustom      = "create_custom"
	EventJoinGame          = "join_game"
	EventLeaveGame         = "leave_game"
	EventReady             = "ready"
	EventStartGame         = "start_game"
	EventSubmitSolution    = "submit_solution"
	EventSpectateGame      = "spectate_game"
	EventStopSpectating    = "stop_spectating"
	EventGetGameState      = "get_game_state"
	EventSendChatMessage   = "send_chat_message"
	EventUserTyping        = "user_typing"
	EventRequestHint       = "request_hint"
	EventGetServerStats    = "get_server_stats"
)

// Server to client events. Match-scoped envelopes always carry the match id
// and the state version current when the event was emitted.
const (
	EventMatchFound      = "match_found"
	EventLobbyCreated    = "lobby_created"
	EventPlayerJoined    = "player_joined"
	EventPlayerLeft      = "player_left"
	EventPlayerReady     = "player_ready"
	EventMatchStarting   = "match_starting"
	EventRoundStart      = "round_start"
	EventSubmissionAck   = "submission_ack"
	EventPlayerSubmitted = "player_submitted"
	EventRoundResult     = "round_result"
	EventMatchEnd        = "match_end"
	EventChatMessage     = "chat_message"
	EventTyping          = "user_typing"
	EventHint            = "hint"
	EventResync          = "resync"
	EventServerStats     = "server_stats"
	EventError           = "error"
)

// Envelope is the single frame shape for both directions. Cid is an optional
// client-chosen correlation id echoed on the direct response to a request.
type Envelope struct {
	Cid     string          `json:"cid,omitempty"`
	Event   string          `json:"event"`
	MatchID string          `json:"match_id,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload into an envelope for the given event.
func NewEnvelope(event string, payload interface{}) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Payload: data}, nil
}

// NewMatchEnvelope wraps payload into a match-scoped envelope.
func NewMatchEnvelope(event, matchID string, version uint64, payload interface{}) (*Envelope, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	env.MatchID = matchID
	env.Version = version
	return env, nil
}

// NewErrorEnvelope builds an error event addressed to one connection. The
// payload shape is fixed so the marshal cannot fail.
func NewErrorEnvelope(cid, matchID, code, message string) *Envelope {
	payload, _ := json.Marshal(&ErrorEvent{Code: code, Message: message})
	return &Envelope{Cid: cid, Event: EventError, MatchID: matchID, Payload: payload}
}

// MatchPreferences are optional knobs a player attaches to a matchmaking
// request.
type MatchPreferences struct {
	Languages  []string `json:"languages,omitempty"`
	Difficulty string   `json:"difficulty,omitempty"`
}

type FindMatchRequest struct {
	Mode        string            `json:"mode"`
	Preferences *MatchPreferences `json:"preferences,omitempty"`
}

// CustomMatchSettings is the owner-supplied configuration of a custom lobby.
type CustomMatchSettings struct {
	RoundCount        int      `json:"round_count"`
	RoundTimeLimitSec int      `json:"round_time_limit_sec"`
	MaxPlayers        int      `json:"max_players"`
	Private           bool     `json:"private"`
	AllowSpectators   bool     `json:"allow_spectators"`
	InvitedPlayerIDs  []string `json:"invited_player_ids,omitempty"`
	Difficulty        string   `json:"difficulty,omitempty"`
}

type CreateCustomRequest struct {
	Config *CustomMatchSettings `json:"config"`
}

// JoinGameRequest carries the optional lobby join code. The match id itself
// travels on the envelope.
type JoinGameRequest struct {
	JoinCode string `json:"join_code,omitempty"`
}

type SubmitSolutionRequest struct {
	RoundIndex int    `json:"round_index"`
	Code       string `json:"code"`
	Language   string `json:"language"`
}

type ChatMessageRequest struct {
	Text string `json:"text"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type RequestHintRequest struct {
	RoundIndex int `json:"round_index"`
}

// PlayerInfo is the wire projection of a match participant.
type PlayerInfo struct {
	PlayerID  string `json:"player_id"`
	Username  string `json:"username"`
	Rating    int    `json:"rating"`
	Connected bool   `json:"connected"`
	Ready     bool   `json:"ready,omitempty"`
}

// ProblemView is the client-visible portion of a problem. Hidden test cases
// and reference answers never leave the server.
type ProblemView struct {
	ProblemID   string         `json:"problem_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Difficulty  string         `json:"difficulty"`
	Examples    []TestCaseView `json:"examples,omitempty"`
	Choices     []string       `json:"choices,omitempty"`
}

// TestCaseView is a visible example input/output pair.
type TestCaseView struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

type MatchFoundEvent struct {
	MatchID         string       `json:"match_id"`
	Mode            string       `json:"mode"`
	Players         []PlayerInfo `json:"players"`
	ConfirmDeadline int64        `json:"confirm_deadline"`
}

type LobbyCreatedEvent struct {
	MatchID  string `json:"match_id"`
	JoinCode string `json:"join_code"`
}

type PlayerJoinedEvent struct {
	Player    PlayerInfo `json:"player"`
	Spectator bool       `json:"spectator,omitempty"`
}

type PlayerLeftEvent struct {
	PlayerID string `json:"player_id"`
	Reason   string `json:"reason"`
}

type PlayerReadyEvent struct {
	PlayerID string `json:"player_id"`
}

type MatchStartingEvent struct {
	CountdownMs int64 `json:"countdown_ms"`
}

type RoundStartEvent struct {
	RoundIndex int          `json:"round_index"`
	Problem    *ProblemView `json:"problem"`
	DeadlineAt int64        `json:"deadline_at"`
}

type SubmissionAckEvent struct {
	SubmissionID string `json:"submission_id"`
	RoundIndex   int    `json:"round_index"`
	ReceivedAt   int64  `json:"received_at"`
}

type PlayerSubmittedEvent struct {
	PlayerID   string `json:"player_id"`
	RoundIndex int    `json:"round_index"`
}

// PlayerRoundResult is one player's outcome for a single round.
type PlayerRoundResult struct {
	Score       float64      `json:"score"`
	GradeReport *GradeReport `json:"grade_report,omitempty"`
}

type RoundResultEvent struct {
	RoundIndex      int                           `json:"round_index"`
	PerPlayer       map[string]*PlayerRoundResult `json:"per_player"`
	Totals          map[string]float64            `json:"totals"`
	GradingDegraded bool                          `json:"grading_degraded,omitempty"`
}

// Standing is one row of the final scoreboard. RatingDelta is only set on
// ranked matches after the rating update lands.
type Standing struct {
	Rank        int     `json:"rank"`
	PlayerID    string  `json:"player_id"`
	Username    string  `json:"username"`
	Total       float64 `json:"total"`
	Grade       string  `json:"grade,omitempty"`
	Forfeited   bool    `json:"forfeited,omitempty"`
	RatingDelta int     `json:"rating_delta,omitempty"`
}

type MatchEndEvent struct {
	Standings []Standing `json:"standings"`
	Reason    string     `json:"reason"`
}

type ChatMessageEvent struct {
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

type TypingEvent struct {
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

type HintEvent struct {
	RoundIndex int    `json:"round_index"`
	Text       string `json:"text"`
	Remaining  int    `json:"remaining"`
}

type ResyncEvent struct {
	Snapshot *MatchSnapshot `json:"snapshot"`
}

type ServerStatsEvent struct {
	Sessions   int     `json:"sessions"`
	Matches    int     `json:"matches"`
	Tickets    int     `json:"tickets"`
	MsgRateSec float64 `json:"msg_rate_sec"`
	UptimeSec  int64   `json:"uptime_sec"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
