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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Submission verdicts. A round score only counts as degraded when the
// fallback path produced it.
const (
	VerdictGraded      = "graded"
	VerdictFallback    = "fallback"
	VerdictInvalid     = "invalid"
	VerdictTimeout     = "timeout"
	VerdictGraderError = "grader_error"
)

var ErrGraderUnavailable = errors.New("grader: service unavailable")

// GradeWeights are the per-criterion maxima for a mode. They sum to 100 and
// the grader returns criterion scores already scaled to them.
type GradeWeights struct {
	Correctness float64 `json:"correctness"`
	Efficiency  float64 `json:"efficiency"`
	Readability float64 `json:"readability"`
	Style       float64 `json:"style"`
	Innovation  float64 `json:"innovation"`
}

// DefaultGradeWeights is the standard 40/25/20/10/5 split.
var DefaultGradeWeights = GradeWeights{
	Correctness: 40,
	Efficiency:  25,
	Readability: 20,
	Style:       10,
	Innovation:  5,
}

// GradeCriteria are awarded points per criterion, each within [0, weight].
type GradeCriteria struct {
	Correctness float64 `json:"correctness"`
	Efficiency  float64 `json:"efficiency"`
	Readability float64 `json:"readability"`
	Style       float64 `json:"style"`
	Innovation  float64 `json:"innovation"`
}

func (c GradeCriteria) Sum() float64 {
	return c.Correctness + c.Efficiency + c.Readability + c.Style + c.Innovation
}

// clamp bounds each criterion to [0, weight] so a misbehaving grader cannot
// produce a total outside [0, 100].
func (c GradeCriteria) clamp(w GradeWeights) GradeCriteria {
	c.Correctness = clampCriterion(c.Correctness, w.Correctness)
	c.Efficiency = clampCriterion(c.Efficiency, w.Efficiency)
	c.Readability = clampCriterion(c.Readability, w.Readability)
	c.Style = clampCriterion(c.Style, w.Style)
	c.Innovation = clampCriterion(c.Innovation, w.Innovation)
	return c
}

func clampCriterion(v, limit float64) float64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// GradeReport is the grader's full evaluation of one submission.
type GradeReport struct {
	SubmissionID string        `json:"submission_id"`
	Verdict      string        `json:"verdict"`
	Criteria     GradeCriteria `json:"criteria"`
	Score        float64       `json:"score"`
	PassedTests  int           `json:"passed_tests"`
	TotalTests   int           `json:"total_tests"`
	LetterGrade  string        `json:"letter_grade,omitempty"`
	Feedback     string        `json:"feedback,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
}

// GradeRequest is one submission handed to the grader. SubmissionID is the
// idempotency key: the grader returns the same report for the same id within
// a match lifetime, so the runtime may safely re-issue a lost call.
type GradeRequest struct {
	SubmissionID string       `json:"submission_id"`
	MatchID      string       `json:"match_id"`
	PlayerID     string       `json:"player_id"`
	RoundIndex   int          `json:"round_index"`
	Language     string       `json:"language"`
	Code         string       `json:"code"`
	Problem      *Problem     `json:"problem"`
	Weights      GradeWeights `json:"weights"`
}

// HintRequest asks for one hint on the current round's problem.
type HintRequest struct {
	MatchID    string   `json:"match_id"`
	PlayerID   string   `json:"player_id"`
	RoundIndex int      `json:"round_index"`
	Problem    *Problem `json:"problem"`
	UsedHints  int      `json:"used_hints"`
}

// GraderClient talks to the external AI grading service. Both calls respect
// the context deadline; the runtime sets it from the grading time budget.
type GraderClient interface {
	Grade(ctx context.Context, req *GradeRequest) (*GradeReport, error)
	Hint(ctx context.Context, req *HintRequest) (string, error)
}

// HTTPGraderClient implements GraderClient over JSON HTTP.
type HTTPGraderClient struct {
	logger   *zap.Logger
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPGraderClient(logger *zap.Logger, config Config) *HTTPGraderClient {
	return &HTTPGraderClient{
		logger:   logger,
		endpoint: config.GetGrader().Endpoint,
		token:    config.GetGrader().AuthToken,
		client: &http.Client{
			Timeout: time.Millisecond * time.Duration(config.GetGrader().RequestTimeoutMs),
		},
	}
}

// Grade posts the submission for evaluation. On failure it still returns any
// partial report the grader produced, typically test pass counts, so the
// fallback verdict can use them.
func (g *HTTPGraderClient) Grade(ctx context.Context, req *GradeRequest) (*GradeReport, error) {
	report := &GradeReport{}
	if err := g.post(ctx, "/grade", req, report); err != nil {
		if report.SubmissionID == "" {
			report = nil
		}
		return report, err
	}

	report.SubmissionID = req.SubmissionID
	report.Criteria = report.Criteria.clamp(req.Weights)
	report.Score = roundHalfUp(report.Criteria.Sum())
	if report.Verdict == "" {
		report.Verdict = VerdictGraded
	}
	if report.LetterGrade == "" {
		report.LetterGrade = letterGrade(report.Score)
	}
	return report, nil
}

func (g *HTTPGraderClient) Hint(ctx context.Context, req *HintRequest) (string, error) {
	var response struct {
		Hint string `json:"hint"`
	}
	if err := g.post(ctx, "/hint", req, &response); err != nil {
		return "", err
	}
	if response.Hint == "" {
		return "", ErrGraderUnavailable
	}
	return response.Hint, nil
}

func (g *HTTPGraderClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		// Grab whatever partial data the grader managed to produce.
		_ = json.Unmarshal(respBody, out)
		return fmt.Errorf("grader: unexpected status %d", resp.StatusCode)
	}
	return json.Unmarshal(respBody, out)
}

// FallbackReport builds the heuristic verdict substituted when grading fails
// or times out. Correctness is derived from the test pass rate when known,
// efficiency, readability and style sit at half weight, innovation at zero.
func FallbackReport(submissionID string, weights GradeWeights, passed, total int, verdict string) *GradeReport {
	passRate := 0.0
	if total > 0 {
		passRate = float64(passed) / float64(total)
	}
	criteria := GradeCriteria{
		Correctness: passRate * weights.Correctness,
		Efficiency:  0.5 * weights.Efficiency,
		Readability: 0.5 * weights.Readability,
		Style:       0.5 * weights.Style,
		Innovation:  0,
	}
	score := roundHalfUp(criteria.Sum())
	return &GradeReport{
		SubmissionID: submissionID,
		Verdict:      verdict,
		Criteria:     criteria,
		Score:        score,
		PassedTests:  passed,
		TotalTests:   total,
		LetterGrade:  letterGrade(score),
		Feedback:     "AI grader offline, heuristic score applied.",
		Degraded:     true,
	}
}

// InvalidReport zero-scores a submission the grader refused to evaluate.
func InvalidReport(submissionID, feedback string) *GradeReport {
	return &GradeReport{
		SubmissionID: submissionID,
		Verdict:      VerdictInvalid,
		LetterGrade:  letterGrade(0),
		Feedback:     feedback,
	}
}

// GradeVerdictForError classifies a failed Grade call.
func GradeVerdictForError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && ctx.Err() == context.DeadlineExceeded) {
		return VerdictTimeout
	}
	return VerdictGraderError
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

func letterGrade(score float64) string {
	switch {
	case score >= 95:
		return "A+"
	case score >= 90:
		return "A"
	case score >= 85:
		return "A-"
	case score >= 80:
		return "B+"
	case score >= 75:
		return "B"
	case score >= 70:
		return "B-"
	case score >= 65:
		return "C+"
	case score >= 60:
		return "C"
	case score >= 55:
		return "C-"
	case score >= 40:
		return "D"
	default:
		return "F"
	}
}
