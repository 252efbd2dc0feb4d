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

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket(t *testing.T) {
	current := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	bucket := newTokenBucket(3, time.Second)
	bucket.last = current
	bucket.now = func() time.Time { return current }

	// A full bucket serves its capacity, then denies.
	for i := 0; i < 3; i++ {
		if !bucket.Allow() {
			t.Fatalf("allow %d denied on a full bucket", i)
		}
	}
	assert.False(t, bucket.Allow())

	// A third of the interval refills roughly one token.
	current = current.Add(334 * time.Millisecond)
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())

	// Idle time never accumulates beyond capacity.
	current = current.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if !bucket.Allow() {
			t.Fatalf("allow %d denied after refill", i)
		}
	}
	assert.False(t, bucket.Allow())
}

// should clamp degenerate settings instead of dividing by zero
func TestTokenBucketClamps(t *testing.T) {
	bucket := newTokenBucket(0, 0)
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())
}

func TestChatHistory(t *testing.T) {
	history := newChatHistory(3)
	assert.Empty(t, history.Tail())

	for i, text := range []string{"one", "two", "three"} {
		history.Add(ChatMessageEvent{From: "alice", Text: text, Ts: int64(i)})
	}
	tail := history.Tail()
	assert.Len(t, tail, 3)
	assert.Equal(t, "one", tail[0].Text)

	// The oldest message drops once the buffer is full.
	history.Add(ChatMessageEvent{From: "bob", Text: "four", Ts: 4})
	tail = history.Tail()
	assert.Len(t, tail, 3)
	assert.Equal(t, "two", tail[0].Text)
	assert.Equal(t, "four", tail[2].Text)

	// Tail hands out a copy.
	tail[0].Text = "mutated"
	assert.Equal(t, "two", history.Tail()[0].Text)
}

func TestChatHistoryMinimumLimit(t *testing.T) {
	history := newChatHistory(0)
	history.Add(ChatMessageEvent{Text: "one"})
	history.Add(ChatMessageEvent{Text: "two"})
	tail := history.Tail()
	assert.Len(t, tail, 1)
	assert.Equal(t, "two", tail[0].Text)
}
