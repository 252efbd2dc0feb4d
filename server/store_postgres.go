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
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jackc/pgtype"
	"go.uber.org/zap"
)

const ratingKFactor = 32.0

// PostgresStore implements Store on the relational schema managed by the
// migrate subcommand.
type PostgresStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPostgresStore(logger *zap.Logger, db *sql.DB) *PostgresStore {
	return &PostgresStore{
		logger: logger,
		db:     db,
	}
}

type problemPayload struct {
	TestCases     []TestCase `json:"test_cases,omitempty"`
	Choices       []string   `json:"choices,omitempty"`
	CorrectChoice int        `json:"correct_choice,omitempty"`
	Hints         []string   `json:"hints,omitempty"`
}

func (s *PostgresStore) EnsurePlayer(ctx context.Context, playerID, username string) (*PlayerProfile, error) {
	query := `
INSERT INTO players (id, username, create_time, update_time)
VALUES ($1, $2, now(), now())
ON CONFLICT (id) DO UPDATE SET username = $2, update_time = now()
RETURNING id, username, rating, wins, losses, create_time`

	profile := &PlayerProfile{}
	err := s.db.QueryRowContext(ctx, query, playerID, username).
		Scan(&profile.PlayerID, &profile.Username, &profile.Rating, &profile.Wins, &profile.Losses, &profile.CreateTime)
	if err != nil {
		s.logger.Error("Error upserting player", zap.Error(err), zap.String("player_id", playerID))
		return nil, err
	}
	return profile, nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, playerID string) (*PlayerProfile, error) {
	query := "SELECT id, username, rating, wins, losses, create_time FROM players WHERE id = $1"

	profile := &PlayerProfile{}
	err := s.db.QueryRowContext(ctx, query, playerID).
		Scan(&profile.PlayerID, &profile.Username, &profile.Rating, &profile.Wins, &profile.Losses, &profile.CreateTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPlayerNotFound
		}
		s.logger.Error("Error retrieving player", zap.Error(err), zap.String("player_id", playerID))
		return nil, err
	}
	return profile, nil
}

func (s *PostgresStore) GetPlayers(ctx context.Context, playerIDs []string) (map[string]*PlayerProfile, error) {
	if len(playerIDs) == 0 {
		return make(map[string]*PlayerProfile), nil
	}

	placeholders := make([]string, 0, len(playerIDs))
	params := make([]interface{}, 0, len(playerIDs))
	for i, id := range playerIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		params = append(params, id)
	}
	query := "SELECT id, username, rating, wins, losses, create_time FROM players WHERE id IN (" +
		strings.Join(placeholders, ",") + ")"

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		s.logger.Error("Error retrieving players", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	profiles := make(map[string]*PlayerProfile, len(playerIDs))
	for rows.Next() {
		profile := &PlayerProfile{}
		if err := rows.Scan(&profile.PlayerID, &profile.Username, &profile.Rating, &profile.Wins, &profile.Losses, &profile.CreateTime); err != nil {
			return nil, err
		}
		profiles[profile.PlayerID] = profile
	}
	return profiles, rows.Err()
}

func (s *PostgresStore) GetProblems(ctx context.Context, kind, difficulty string, count int, excludeIDs []string) ([]*Problem, error) {
	params := []interface{}{kind, difficulty}
	query := `SELECT id, kind, title, description, difficulty, payload FROM problems WHERE kind = $1 AND ($2 = '' OR difficulty = $2)`
	if len(excludeIDs) > 0 {
		placeholders := make([]string, 0, len(excludeIDs))
		for _, id := range excludeIDs {
			params = append(params, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
		}
		query += " AND id NOT IN (" + strings.Join(placeholders, ",") + ")"
	}
	params = append(params, count)
	query += fmt.Sprintf(" ORDER BY random() LIMIT $%d", len(params))

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		s.logger.Error("Error retrieving problems", zap.Error(err), zap.String("kind", kind), zap.String("difficulty", difficulty))
		return nil, err
	}
	defer rows.Close()

	problems := make([]*Problem, 0, count)
	for rows.Next() {
		problem := &Problem{}
		var payloadBytes []byte
		if err := rows.Scan(&problem.ProblemID, &problem.Kind, &problem.Title, &problem.Description, &problem.Difficulty, &payloadBytes); err != nil {
			return nil, err
		}
		var payload problemPayload
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			s.logger.Error("Error decoding problem payload", zap.Error(err), zap.String("problem_id", problem.ProblemID))
			return nil, err
		}
		problem.TestCases = payload.TestCases
		problem.Choices = payload.Choices
		problem.CorrectChoice = payload.CorrectChoice
		problem.Hints = payload.Hints
		problems = append(problems, problem)
	}
	return problems, rows.Err()
}

func (s *PostgresStore) RecordMatch(ctx context.Context, record *MatchRecord) error {
	startTime := pgtype.Timestamptz{Status: pgtype.Null}
	if !record.StartTime.IsZero() {
		startTime = pgtype.Timestamptz{Time: record.StartTime, Status: pgtype.Present}
	}
	var ownerID interface{}
	if record.OwnerID != "" {
		ownerID = record.OwnerID
	}

	err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		// Inserts are idempotent so the runtime can safely retry a
		// terminal write that failed partway.
		matchQuery := `
INSERT INTO matches (id, mode, status, reason, ranked, round_count, owner_id, create_time, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, matchQuery, record.MatchID, record.Mode, record.Status, record.Reason,
			record.Ranked, record.RoundCount, ownerID, record.CreateTime, startTime, record.EndTime); err != nil {
			return err
		}

		playerQuery := `
INSERT INTO match_players (match_id, player_id, username, total, rank, forfeited)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (match_id, player_id) DO UPDATE SET total = $4, rank = $5, forfeited = $6`
		for _, player := range record.Players {
			if _, err := tx.ExecContext(ctx, playerQuery, record.MatchID, player.PlayerID, player.Username,
				player.Total, player.Rank, player.Forfeited); err != nil {
				return err
			}
		}

		submissionQuery := `
INSERT INTO match_submissions (id, match_id, player_id, round_index, problem_id, language, code, score, verdict, report, submit_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`
		for _, sub := range record.Submissions {
			var reportBytes []byte
			if sub.Report != nil {
				var err error
				if reportBytes, err = json.Marshal(sub.Report); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, submissionQuery, sub.SubmissionID, record.MatchID, sub.PlayerID,
				sub.RoundIndex, sub.ProblemID, sub.Language, sub.Code, sub.Score, sub.Verdict, reportBytes, sub.SubmitTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Error recording match", zap.Error(err), zap.String("match_id", record.MatchID))
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateRatings(ctx context.Context, matchID string, standings []Standing) (map[string]int, error) {
	if len(standings) < 2 {
		return nil, nil
	}

	newRatings := make(map[string]int, len(standings))
	err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		placeholders := make([]string, 0, len(standings))
		params := make([]interface{}, 0, len(standings))
		for i, standing := range standings {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
			params = append(params, standing.PlayerID)
		}
		// Lock rows in a stable order to avoid deadlocks between two
		// matches finishing with overlapping players.
		query := "SELECT id, rating FROM players WHERE id IN (" + strings.Join(placeholders, ",") + ") ORDER BY id FOR UPDATE"
		rows, err := tx.QueryContext(ctx, query, params...)
		if err != nil {
			return err
		}
		before := make(map[string]int, len(standings))
		for rows.Next() {
			var id string
			var rating int
			if err := rows.Scan(&id, &rating); err != nil {
				rows.Close()
				return err
			}
			before[id] = rating
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		deltas := eloDeltas(standings, before)
		for _, standing := range standings {
			rating, found := before[standing.PlayerID]
			if !found {
				return ErrPlayerNotFound
			}
			after := rating + deltas[standing.PlayerID]
			newRatings[standing.PlayerID] = after

			wins, losses := 0, 1
			if standing.Rank == 1 {
				wins, losses = 1, 0
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE players SET rating = $2, wins = wins + $3, losses = losses + $4, update_time = now() WHERE id = $1",
				standing.PlayerID, after, wins, losses); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE match_players SET rating_before = $3, rating_after = $4 WHERE match_id = $1 AND player_id = $2",
				matchID, standing.PlayerID, rating, after); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Error updating ratings", zap.Error(err), zap.String("match_id", matchID))
		return nil, err
	}
	return newRatings, nil
}

// eloDeltas computes per-player rating movement, pairwise against every
// opponent with the K factor split across opponents.
func eloDeltas(standings []Standing, ratings map[string]int) map[string]int {
	n := len(standings)
	deltas := make(map[string]int, n)
	if n < 2 {
		return deltas
	}

	ordered := make([]Standing, n)
	copy(ordered, standings)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PlayerID < ordered[j].PlayerID })

	for _, a := range ordered {
		sum := 0.0
		for _, b := range ordered {
			if a.PlayerID == b.PlayerID {
				continue
			}
			expected := 1.0 / (1.0 + math.Pow(10, float64(ratings[b.PlayerID]-ratings[a.PlayerID])/400.0))
			actual := 0.5
			if a.Rank < b.Rank {
				actual = 1.0
			} else if a.Rank > b.Rank {
				actual = 0.0
			}
			sum += actual - expected
		}
		deltas[a.PlayerID] = int(math.Round(ratingKFactor * sum / float64(n-1)))
	}
	return deltas
}
