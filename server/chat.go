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
	"sync"
	"time"
)

// tokenBucket rate-limits chat messages per session. Safe for concurrent use.
type tokenBucket struct {
	sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(capacity int, interval time.Duration) *tokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &tokenBucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		rate:     float64(capacity) / interval.Seconds(),
		last:     time.Now(),
		now:      time.Now,
	}
}

func (b *tokenBucket) Allow() bool {
	b.Lock()
	defer b.Unlock()
	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	b.last = now
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// chatHistory is a bounded buffer of the most recent chat messages in a
// match, replayed to clients on resync. Only ever touched from the match
// goroutine so it carries no lock.
type chatHistory struct {
	limit    int
	messages []ChatMessageEvent
}

func newChatHistory(limit int) *chatHistory {
	if limit < 1 {
		limit = 1
	}
	return &chatHistory{
		limit:    limit,
		messages: make([]ChatMessageEvent, 0, limit),
	}
}

func (h *chatHistory) Add(msg ChatMessageEvent) {
	if len(h.messages) >= h.limit {
		copy(h.messages, h.messages[1:])
		h.messages = h.messages[:len(h.messages)-1]
	}
	h.messages = append(h.messages, msg)
}

// Tail returns the retained messages oldest first. The returned slice is a
// copy and safe to hold across further writes.
func (h *chatHistory) Tail() []ChatMessageEvent {
	tail := make([]ChatMessageEvent, len(h.messages))
	copy(tail, h.messages)
	return tail
}
