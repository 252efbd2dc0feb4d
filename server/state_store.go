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
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("state store: key not found")
	// ErrVersionConflict is returned by CompareAndSet when the stored
	// version does not match the expected one. The runtime treats it as a
	// signal that it has lost ownership of the match.
	ErrVersionConflict = errors.New("state store: version conflict")
	// ErrStoreStopped is returned once the store has been shut down.
	ErrStoreStopped = errors.New("state store: stopped")
)

// StateMessage is one event received from a pub/sub topic.
type StateMessage struct {
	Topic string
	Data  []byte
}

// Subscription is a live pub/sub stream. Closing it releases the stream and
// eventually closes the channel.
type Subscription interface {
	Channel() <-chan StateMessage
	Close() error
}

// StateStore is the only shared mutable state between server processes.
// Values are versioned for compare-and-set writes, queues are sorted sets
// keyed by enqueue time, and topics carry fire-and-forget events.
type StateStore interface {
	// Get returns the value and version stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	// Set writes value unconditionally and returns the new version. A ttl of
	// zero leaves the key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)
	// CompareAndSet writes value only if the stored version equals expected,
	// returning the new version. Expected version 0 requires the key to not
	// exist yet. On mismatch it returns ErrVersionConflict.
	CompareAndSet(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error)
	Delete(ctx context.Context, key string) error
	// Expire attaches a ttl to an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (Subscription, error)

	QueueAdd(ctx context.Context, key string, score float64, member string) error
	// QueueRemove removes members and reports how many were present. A
	// caller that removes exactly the members it expected has claimed them.
	QueueRemove(ctx context.Context, key string, members ...string) (int, error)
	// QueuePopMin claims the lowest-scored member that satisfies pred.
	QueuePopMin(ctx context.Context, key string, pred func(score float64, member string) bool) (string, float64, bool, error)
	// QueueRange returns all members ordered by ascending score.
	QueueRange(ctx context.Context, key string) ([]QueueEntry, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Stop()
}

// QueueEntry is one member of a sorted queue.
type QueueEntry struct {
	Member string
	Score  float64
}

// Key layout shared by every component that touches the state store.
func matchKey(matchID string) string        { return "match:" + matchID }
func matchOwnerKey(matchID string) string   { return "match:" + matchID + ":owner" }
func matchMembersKey(matchID string) string { return "match:" + matchID + ":members" }
func lobbyKey(matchID string) string        { return "lobby:custom:" + matchID }
func lobbyCodeKey(joinCode string) string   { return "lobby:code:" + joinCode }
func presenceKey(playerID string) string    { return "presence:" + playerID }
func queueKey(mode string, bucket int) string {
	return fmt.Sprintf("queue:%s:%d", mode, bucket)
}
func inboxTopic(playerID string) string    { return "inbox:" + playerID }
func matchEventsTopic(matchID string) string { return "match:" + matchID + ":events" }

// withRetry runs op up to attempts times, backing off between tries. Backoff
// doubles from base and is capped at four times base. Transient store
// failures are retried here; callers escalate once the budget is exhausted.
func withRetry(ctx context.Context, attempts int, base time.Duration, op func() error) error {
	var err error
	backoff := base
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrKeyNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 4*base {
			backoff *= 2
		}
	}
	return err
}

type localStateEntry struct {
	value   []byte
	version uint64
	expires time.Time
}

// LocalStateStore is a process-local StateStore used in tests and single
// node deployments. TTLs are honored lazily on read.
type LocalStateStore struct {
	sync.Mutex
	entries map[string]*localStateEntry
	queues  map[string]map[string]float64
	sets    map[string]map[string]struct{}
	subs    map[string]map[*localSubscription]struct{}
	now     func() time.Time
	stopped bool
}

func NewLocalStateStore() *LocalStateStore {
	return &LocalStateStore{
		entries: make(map[string]*localStateEntry),
		queues:  make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[string]map[*localSubscription]struct{}),
		now:     time.Now,
	}
}

func (s *LocalStateStore) lookup(key string) *localStateEntry {
	entry, found := s.entries[key]
	if !found {
		return nil
	}
	if !entry.expires.IsZero() && !s.now().Before(entry.expires) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

func (s *LocalStateStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return nil, 0, ErrStoreStopped
	}
	entry := s.lookup(key)
	if entry == nil {
		return nil, 0, ErrKeyNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, entry.version, nil
}

func (s *LocalStateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return 0, ErrStoreStopped
	}
	entry := s.lookup(key)
	if entry == nil {
		entry = &localStateEntry{}
		s.entries[key] = entry
	}
	entry.value = append([]byte(nil), value...)
	entry.version++
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	} else {
		entry.expires = time.Time{}
	}
	return entry.version, nil
}

func (s *LocalStateStore) CompareAndSet(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return 0, ErrStoreStopped
	}
	entry := s.lookup(key)
	if expected == 0 {
		if entry != nil {
			return 0, ErrVersionConflict
		}
		entry = &localStateEntry{}
		s.entries[key] = entry
	} else {
		if entry == nil || entry.version != expected {
			return 0, ErrVersionConflict
		}
	}
	entry.value = append([]byte(nil), value...)
	entry.version++
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	} else {
		entry.expires = time.Time{}
	}
	return entry.version, nil
}

func (s *LocalStateStore) Delete(ctx context.Context, key string) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return ErrStoreStopped
	}
	delete(s.entries, key)
	delete(s.queues, key)
	delete(s.sets, key)
	return nil
}

func (s *LocalStateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return ErrStoreStopped
	}
	entry := s.lookup(key)
	if entry == nil {
		return ErrKeyNotFound
	}
	entry.expires = s.now().Add(ttl)
	return nil
}

func (s *LocalStateStore) Publish(ctx context.Context, topic string, data []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return ErrStoreStopped
	}
	msg := StateMessage{Topic: topic, Data: append([]byte(nil), data...)}
	for sub := range s.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber, event dropped.
		}
	}
	return nil
}

func (s *LocalStateStore) Subscribe(topic string) (Subscription, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return nil, ErrStoreStopped
	}
	sub := &localSubscription{
		store: s,
		topic: topic,
		ch:    make(chan StateMessage, 128),
	}
	subs, found := s.subs[topic]
	if !found {
		subs = make(map[*localSubscription]struct{})
		s.subs[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (s *LocalStateStore) QueueAdd(ctx context.Context, key string, score float64, member string) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return ErrStoreStopped
	}
	queue, found := s.queues[key]
	if !found {
		queue = make(map[string]float64)
		s.queues[key] = queue
	}
	queue[member] = score
	return nil
}

func (s *LocalStateStore) QueueRemove(ctx context.Context, key string, members ...string) (int, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return 0, ErrStoreStopped
	}
	queue := s.queues[key]
	removed := 0
	for _, member := range members {
		if _, found := queue[member]; found {
			delete(queue, member)
			removed++
		}
	}
	return removed, nil
}

func (s *LocalStateStore) QueuePopMin(ctx context.Context, key string, pred func(score float64, member string) bool) (string, float64, bool, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return "", 0, false, ErrStoreStopped
	}
	for _, entry := range sortQueue(s.queues[key]) {
		if pred == nil || pred(entry.Score, entry.Member) {
			delete(s.queues[key], entry.Member)
			return entry.Member, entry.Score, true, nil
		}
	}
	return "", 0, false, nil
}

func (s *LocalStateStore) QueueRange(ctx context.Context, key string) ([]QueueEntry, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return nil, ErrStoreStopped
	}
	return sortQueue(s.queues[key]), nil
}

func (s *LocalStateStore) SetAdd(ctx context.Context, key string, members ...string) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return ErrStoreStopped
	}
	set, found := s.sets[key]
	if !found {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (s *LocalStateStore) SetRemove(ctx context.Context, key string, members ...string) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return ErrStoreStopped
	}
	set := s.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (s *LocalStateStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return nil, ErrStoreStopped
	}
	members := make([]string, 0, len(s.sets[key]))
	for member := range s.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (s *LocalStateStore) Stop() {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, subs := range s.subs {
		for sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	s.subs = make(map[string]map[*localSubscription]struct{})
}

// sortQueue orders by ascending score, then member for determinism.
func sortQueue(queue map[string]float64) []QueueEntry {
	entries := make([]QueueEntry, 0, len(queue))
	for member, score := range queue {
		entries = append(entries, QueueEntry{Member: member, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Member < entries[j].Member
	})
	return entries
}

type localSubscription struct {
	store  *LocalStateStore
	topic  string
	ch     chan StateMessage
	closed bool
}

func (s *localSubscription) Channel() <-chan StateMessage {
	return s.ch
}

func (s *localSubscription) Close() error {
	s.store.Lock()
	defer s.store.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if subs, found := s.store.subs[s.topic]; found {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.store.subs, s.topic)
		}
	}
	close(s.ch)
	return nil
}
