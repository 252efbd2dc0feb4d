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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerForTest allows for easily adjusting log output produced by tests in one place
func loggerForTest(t fatalable) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

// loggerForBenchmark allows for easily adjusting log output produced by benchmarks in one place
func loggerForBenchmark(b *testing.B) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.WarnLevel, JSONFormat)
}

type fatalable interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// fakeClock is a deterministic Clock. Time only moves when a test calls
// Advance, and due callbacks fire synchronously on the advancing goroutine in
// schedule order.
type fakeClock struct {
	sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	fn      func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.Lock()
	defer t.clock.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Schedule(at time.Time, fn func()) ClockTimer {
	c.Lock()
	t := &fakeTimer{clock: c, at: at, seq: c.seq, fn: fn}
	c.seq++
	if !at.After(c.now) {
		t.fired = true
		c.Unlock()
		fn()
		return t
	}
	c.timers = append(c.timers, t)
	c.Unlock()
	return t
}

// Advance moves the clock forward, firing every callback that comes due on
// the way. Callbacks that merely queue work on a match goroutine still need
// the test to wait for that goroutine, see onMatch.
func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	target := c.now.Add(d)
	c.Unlock()

	for {
		c.Lock()
		idx := -1
		for i, t := range c.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if idx == -1 || t.at.Before(c.timers[idx].at) || (t.at.Equal(c.timers[idx].at) && t.seq < c.timers[idx].seq) {
				idx = i
			}
		}
		if idx == -1 {
			if target.After(c.now) {
				c.now = target
			}
			c.Unlock()
			return
		}
		next := c.timers[idx]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.Unlock()
		next.fn()
	}
}

// pendingTimers reports how many scheduled callbacks have neither fired nor
// been stopped.
func (c *fakeClock) pendingTimers() int {
	c.Lock()
	defer c.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// testMetrics implements the Metrics interface and does nothing beyond
// counting the deltas some tests assert on.
type testMetrics struct {
	submissions    atomic.Int64
	grades         atomic.Int64
	degradedGrades atomic.Int64
}

func (m *testMetrics) SnapshotMsgRateSec() float64                  { return 0 }
func (m *testMetrics) GaugeSessions(value float64)                  {}
func (m *testMetrics) GaugeMatches(value float64)                   {}
func (m *testMetrics) GaugePresences(value float64)                 {}
func (m *testMetrics) CountWebsocketOpened(delta int64)             {}
func (m *testMetrics) CountWebsocketClosed(delta int64)             {}
func (m *testMetrics) CountMessageReceived(recvBytes int64)         {}
func (m *testMetrics) CountMessageSent(sentBytes int64)             {}
func (m *testMetrics) CountDroppedEvents(delta int64)               {}
func (m *testMetrics) CountSubmissions(delta int64)                 { m.submissions.Add(delta) }
func (m *testMetrics) CountGrades(delta int64, degraded bool) {
	m.grades.Add(delta)
	if degraded {
		m.degradedGrades.Add(delta)
	}
}
func (m *testMetrics) Matchmaker(tickets, activeTickets float64, processTime time.Duration) {}
func (m *testMetrics) CustomCounter(name string, tags map[string]string, delta int64)       {}
func (m *testMetrics) CustomGauge(name string, tags map[string]string, value float64)       {}
func (m *testMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {}
func (m *testMetrics) Stop(logger *zap.Logger)                                              {}

// testMessageRouter records every routed envelope so tests can assert on
// broadcast content and order, and can fire a callback when SendToMatch is
// invoked.
type testMessageRouter struct {
	sync.Mutex
	envelopes   []*Envelope
	sendToMatch func(matchID string, envelope *Envelope)
}

func (r *testMessageRouter) SendToPresences(_ *zap.Logger, _ []*Presence, envelope *Envelope, _ bool) {
	r.record(envelope)
}

func (r *testMessageRouter) SendToRoom(_ *zap.Logger, _ string, envelope *Envelope, _ bool) {
	r.record(envelope)
}

func (r *testMessageRouter) SendToMatch(_ *zap.Logger, matchID string, envelope *Envelope, _ bool) {
	r.record(envelope)
	if r.sendToMatch != nil {
		r.sendToMatch(matchID, envelope)
	}
}

func (r *testMessageRouter) SendToAll(_ *zap.Logger, envelope *Envelope, _ bool) {
	r.record(envelope)
}

func (r *testMessageRouter) record(envelope *Envelope) {
	r.Lock()
	r.envelopes = append(r.envelopes, envelope)
	r.Unlock()
}

// eventsSeen returns the routed event names in arrival order.
func (r *testMessageRouter) eventsSeen() []string {
	r.Lock()
	defer r.Unlock()
	out := make([]string, 0, len(r.envelopes))
	for _, envelope := range r.envelopes {
		out = append(out, envelope.Event)
	}
	return out
}

// lastEvent returns the most recent envelope carrying the given event, or nil.
func (r *testMessageRouter) lastEvent(event string) *Envelope {
	r.Lock()
	defer r.Unlock()
	for i := len(r.envelopes) - 1; i >= 0; i-- {
		if r.envelopes[i].Event == event {
			return r.envelopes[i]
		}
	}
	return nil
}

// countEvent returns how many routed envelopes carried the given event.
func (r *testMessageRouter) countEvent(event string) int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for _, envelope := range r.envelopes {
		if envelope.Event == event {
			n++
		}
	}
	return n
}

// testMatchmaker implements the Matchmaker interface and records requeued
// entries.
type testMatchmaker struct {
	sync.Mutex
	requeued [][]*MatchmakerEntry
}

func (m *testMatchmaker) Stop()                                                  {}
func (m *testMatchmaker) OnMatchedEntries(fn func(matches [][]*MatchmakerEntry)) {}

func (m *testMatchmaker) Add(ctx context.Context, session Session, mode MatchMode, preferences *MatchPreferences) (string, error) {
	return uuid.Must(uuid.NewV4()).String(), nil
}

func (m *testMatchmaker) CancelSession(sessionID uuid.UUID) error { return nil }
func (m *testMatchmaker) RemoveSessionAll(sessionID uuid.UUID)    {}

func (m *testMatchmaker) Requeue(entries []*MatchmakerEntry) {
	m.Lock()
	m.requeued = append(m.requeued, entries)
	m.Unlock()
}

func (m *testMatchmaker) Process()         {}
func (m *testMatchmaker) TicketCount() int { return 0 }

func (m *testMatchmaker) requeuedEntries() [][]*MatchmakerEntry {
	m.Lock()
	defer m.Unlock()
	out := make([][]*MatchmakerEntry, len(m.requeued))
	copy(out, m.requeued)
	return out
}

// testStore implements the Store interface from fixtures held in memory.
// Rating math reuses the production formula so delta assertions stay honest.
type testStore struct {
	sync.Mutex
	players     map[string]*PlayerProfile
	problems    []*Problem
	problemsErr error
	records     []*MatchRecord
	ratingCalls int
}

func newTestStore() *testStore {
	return &testStore{
		players:  make(map[string]*PlayerProfile),
		problems: testProblems(),
	}
}

func (s *testStore) EnsurePlayer(ctx context.Context, playerID, username string) (*PlayerProfile, error) {
	s.Lock()
	defer s.Unlock()
	profile, ok := s.players[playerID]
	if !ok {
		profile = &PlayerProfile{PlayerID: playerID, Rating: 1200}
		s.players[playerID] = profile
	}
	profile.Username = username
	return profile, nil
}

func (s *testStore) GetPlayer(ctx context.Context, playerID string) (*PlayerProfile, error) {
	s.Lock()
	defer s.Unlock()
	profile, ok := s.players[playerID]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return profile, nil
}

func (s *testStore) GetPlayers(ctx context.Context, playerIDs []string) (map[string]*PlayerProfile, error) {
	s.Lock()
	defer s.Unlock()
	out := make(map[string]*PlayerProfile, len(playerIDs))
	for _, id := range playerIDs {
		if profile, ok := s.players[id]; ok {
			out[id] = profile
		}
	}
	return out, nil
}

func (s *testStore) GetProblems(ctx context.Context, kind, difficulty string, count int, excludeIDs []string) ([]*Problem, error) {
	s.Lock()
	defer s.Unlock()
	if s.problemsErr != nil {
		return nil, s.problemsErr
	}
	exclude := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = struct{}{}
	}
	out := make([]*Problem, 0, count)
	for _, problem := range s.problems {
		if problem.Kind != kind {
			continue
		}
		if difficulty != "" && problem.Difficulty != difficulty {
			continue
		}
		if _, skip := exclude[problem.ProblemID]; skip {
			continue
		}
		out = append(out, problem)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func (s *testStore) RecordMatch(ctx context.Context, record *MatchRecord) error {
	s.Lock()
	s.records = append(s.records, record)
	s.Unlock()
	return nil
}

func (s *testStore) UpdateRatings(ctx context.Context, matchID string, standings []Standing) (map[string]int, error) {
	s.Lock()
	defer s.Unlock()
	s.ratingCalls++
	ratings := make(map[string]int, len(standings))
	for _, standing := range standings {
		if profile, ok := s.players[standing.PlayerID]; ok {
			ratings[standing.PlayerID] = profile.Rating
		} else {
			ratings[standing.PlayerID] = 1200
		}
	}
	deltas := eloDeltas(standings, ratings)
	updated := make(map[string]int, len(standings))
	for id, rating := range ratings {
		updated[id] = rating + deltas[id]
		if profile, ok := s.players[id]; ok {
			profile.Rating = updated[id]
		}
	}
	return updated, nil
}

func (s *testStore) recordedMatches() []*MatchRecord {
	s.Lock()
	defer s.Unlock()
	out := make([]*MatchRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *testStore) ratingUpdates() int {
	s.Lock()
	defer s.Unlock()
	return s.ratingCalls
}

// testProblems is the fixture set behind newTestStore, two problems per kind.
func testProblems() []*Problem {
	return []*Problem{
		{
			ProblemID:   "sum-two",
			Kind:        ProblemKindCode,
			Title:       "Sum Two Numbers",
			Description: "Read two integers and print their sum.",
			Difficulty:  DifficultyEasy,
			TestCases: []TestCase{
				{Input: "1 2", ExpectedOutput: "3"},
				{Input: "5 7", ExpectedOutput: "12", Hidden: true},
			},
			Hints: []string{"Parse both numbers before adding.", "Mind the output newline."},
		},
		{
			ProblemID:   "reverse-string",
			Kind:        ProblemKindCode,
			Title:       "Reverse A String",
			Description: "Print the input string reversed.",
			Difficulty:  DifficultyEasy,
			TestCases: []TestCase{
				{Input: "abc", ExpectedOutput: "cba"},
				{Input: "duel", ExpectedOutput: "leud", Hidden: true},
			},
		},
		{
			ProblemID:     "big-o-search",
			Kind:          ProblemKindTrivia,
			Title:         "Binary Search Complexity",
			Description:   "What is the worst-case time complexity of binary search?",
			Difficulty:    DifficultyEasy,
			Choices:       []string{"O(n)", "O(log n)", "O(n log n)", "O(1)"},
			CorrectChoice: 1,
		},
		{
			ProblemID:     "tcp-ports",
			Kind:          ProblemKindTrivia,
			Title:         "Well Known Ports",
			Description:   "Which port does HTTPS use by default?",
			Difficulty:    DifficultyEasy,
			Choices:       []string{"80", "22", "443", "8080"},
			CorrectChoice: 2,
		},
		{
			ProblemID:   "fix-loop",
			Kind:        ProblemKindDebug,
			Title:       "Fix The Loop",
			Description: "The loop below skips the last element. Fix it.",
			Difficulty:  DifficultyMedium,
			TestCases: []TestCase{
				{Input: "1 2 3", ExpectedOutput: "6"},
			},
		},
	}
}

// testGrader implements the GraderClient interface with scriptable results.
// The default behavior returns a full-marks report.
type testGrader struct {
	sync.Mutex
	grade  func(req *GradeRequest) (*GradeReport, error)
	hint   func(req *HintRequest) (string, error)
	graded []*GradeRequest
}

func (g *testGrader) Grade(ctx context.Context, req *GradeRequest) (*GradeReport, error) {
	g.Lock()
	g.graded = append(g.graded, req)
	fn := g.grade
	g.Unlock()
	if fn != nil {
		return fn(req)
	}
	return perfectReport(req), nil
}

func (g *testGrader) Hint(ctx context.Context, req *HintRequest) (string, error) {
	g.Lock()
	fn := g.hint
	g.Unlock()
	if fn != nil {
		return fn(req)
	}
	return "Think about the base case.", nil
}

func (g *testGrader) gradedRequests() []*GradeRequest {
	g.Lock()
	defer g.Unlock()
	out := make([]*GradeRequest, len(g.graded))
	copy(out, g.graded)
	return out
}

// perfectReport fabricates a full-marks graded report for the submission.
func perfectReport(req *GradeRequest) *GradeReport {
	criteria := GradeCriteria{
		Correctness: req.Weights.Correctness,
		Efficiency:  req.Weights.Efficiency,
		Readability: req.Weights.Readability,
		Style:       req.Weights.Style,
		Innovation:  req.Weights.Innovation,
	}
	total := len(req.Problem.TestCases)
	return &GradeReport{
		SubmissionID: req.SubmissionID,
		Verdict:      VerdictGraded,
		Criteria:     criteria,
		Score:        roundHalfUp(criteria.Sum()),
		PassedTests:  total,
		TotalTests:   total,
		LetterGrade:  letterGrade(roundHalfUp(criteria.Sum())),
		Feedback:     "Flawless.",
	}
}

// testSession implements the Session interface for one fake connection,
// capturing everything sent to it.
type testSession struct {
	sync.Mutex
	logger    *zap.Logger
	id        uuid.UUID
	playerID  string
	username  string
	rating    int
	ctx       context.Context
	ctxCancel context.CancelFunc
	chatOK    bool
	sent      []*Envelope
	closed    bool
	closeMsg  string
}

func newTestSession(playerID, username string) *testSession {
	ctx, ctxCancel := context.WithCancel(context.Background())
	return &testSession{
		logger:    zap.NewNop(),
		id:        uuid.Must(uuid.NewV4()),
		playerID:  playerID,
		username:  username,
		rating:    1200,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		chatOK:    true,
	}
}

func (s *testSession) Logger() *zap.Logger      { return s.logger }
func (s *testSession) ID() uuid.UUID            { return s.id }
func (s *testSession) PlayerID() string         { return s.playerID }
func (s *testSession) Username() string         { return s.username }
func (s *testSession) Rating() int              { return s.rating }
func (s *testSession) ClientIP() string         { return "127.0.0.1" }
func (s *testSession) ClientPort() string       { return "0" }
func (s *testSession) Context() context.Context { return s.ctx }
func (s *testSession) Expiry() int64            { return 0 }
func (s *testSession) Consume()                 {}

func (s *testSession) ConsumeChatToken() bool {
	s.Lock()
	defer s.Unlock()
	return s.chatOK
}

func (s *testSession) Send(envelope *Envelope, reliable bool) error {
	s.Lock()
	s.sent = append(s.sent, envelope)
	s.Unlock()
	return nil
}

func (s *testSession) SendBytes(payload []byte, reliable bool) error {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	return s.Send(&envelope, reliable)
}

func (s *testSession) Close(msg string, reason PresenceReason) {
	s.Lock()
	s.closed = true
	s.closeMsg = msg
	s.Unlock()
	s.ctxCancel()
}

func (s *testSession) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

// sentEvents returns the event names delivered to this session in order.
func (s *testSession) sentEvents() []string {
	s.Lock()
	defer s.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, envelope := range s.sent {
		out = append(out, envelope.Event)
	}
	return out
}

// lastSent returns the most recent envelope delivered to this session
// carrying the given event, or nil.
func (s *testSession) lastSent(event string) *Envelope {
	s.Lock()
	defer s.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Event == event {
			return s.sent[i]
		}
	}
	return nil
}

func (s *testSession) countSent(event string) int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, envelope := range s.sent {
		if envelope.Event == event {
			n++
		}
	}
	return n
}

// testMatchDeps bundles the fakes and local components a match test wires a
// registry or handler from.
type testMatchDeps struct {
	config          Config
	clock           *fakeClock
	metrics         *testMetrics
	sessionRegistry SessionRegistry
	tracker         *LocalTracker
	router          *testMessageRouter
	stateStore      *LocalStateStore
	store           *testStore
	grader          *testGrader
	matchmaker      *testMatchmaker
}

func createTestMatchDeps(logger *zap.Logger) *testMatchDeps {
	metrics := &testMetrics{}
	return &testMatchDeps{
		config:          NewConfig(logger),
		clock:           newFakeClock(time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)),
		metrics:         metrics,
		sessionRegistry: NewLocalSessionRegistry(metrics),
		tracker:         NewLocalTracker(metrics),
		router:          &testMessageRouter{},
		stateStore:      NewLocalStateStore(),
		store:           newTestStore(),
		grader:          &testGrader{},
		matchmaker:      &testMatchmaker{},
	}
}

// createTestMatchRegistry creates a LocalMatchRegistry minimally configured
// for testing purposes, plus the fakes behind it so tests can reach them.
func createTestMatchRegistry(t fatalable, logger *zap.Logger) (*LocalMatchRegistry, *testMatchDeps) {
	deps := createTestMatchDeps(logger)
	registry := NewLocalMatchRegistry(logger, logger, deps.config, deps.clock, deps.metrics,
		deps.sessionRegistry, deps.tracker, deps.router, deps.stateStore, deps.store, deps.grader, "node")
	local, ok := registry.(*LocalMatchRegistry)
	if !ok {
		t.Fatal("expected a LocalMatchRegistry")
	}
	local.SetMatchmaker(deps.matchmaker)
	deps.tracker.SetLeaveListener(local.HandleLeaves)
	return local, deps
}

// onMatch runs fn on the match goroutine and waits for it to finish. Because
// calls are applied in arrival order this doubles as a barrier: everything
// queued before it has been applied once it returns.
func onMatch(t fatalable, mh *MatchHandler, fn func(mh *MatchHandler)) {
	done := make(chan struct{})
	if !mh.queueCall(func(h *MatchHandler) {
		fn(h)
		close(done)
	}) {
		t.Fatal("match call queue unavailable")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for match goroutine")
	}
}

// matchSnapshot reads a consistent snapshot through the match goroutine.
func matchSnapshot(t fatalable, mh *MatchHandler) *MatchSnapshot {
	var snapshot *MatchSnapshot
	onMatch(t, mh, func(h *MatchHandler) {
		snapshot = h.state.Snapshot()
	})
	return snapshot
}

// waitFor polls cond until it holds, failing the test after five seconds.
// Needed where work hops through goroutines the test cannot barrier directly,
// such as grader dispatch.
func waitFor(t fatalable, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// payloadAs unmarshals the envelope payload into out.
func payloadAs(t fatalable, envelope *Envelope, out interface{}) {
	if envelope == nil {
		t.Fatal("expected an envelope, got nil")
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		t.Fatalf("could not decode %q payload: %v", envelope.Event, err)
	}
}
