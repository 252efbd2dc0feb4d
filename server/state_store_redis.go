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
	"crypto/tls"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Versioned values are stored as hashes with a 'val' and a 'ver' field so a
// compare-and-set can run server-side in one round trip.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if ARGV[1] == '0' then
	if cur then return -1 end
	redis.call('HSET', KEYS[1], 'val', ARGV[2], 'ver', '1')
	if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
	return 1
end
if (not cur) or cur ~= ARGV[1] then return -1 end
local new = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'val', ARGV[2], 'ver', tostring(new))
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
return new
`)

var setScript = redis.NewScript(`
local new = redis.call('HINCRBY', KEYS[1], 'ver', 1)
redis.call('HSET', KEYS[1], 'val', ARGV[1])
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return new
`)

// RedisStateStore implements StateStore on a single Redis instance or a
// proxy-fronted cluster. All keys carry the configured prefix so several
// deployments can share one database.
type RedisStateStore struct {
	logger *zap.Logger
	config Config

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	client *redis.Client
	prefix string
}

func NewRedisStateStore(logger *zap.Logger, config Config, tlsEnabled bool) (*RedisStateStore, error) {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	redisOpts := redis.Options{
		Addr:     config.GetStateStore().Address,
		Password: config.GetStateStore().Password,
		DB:       config.GetStateStore().DB,
	}
	if tlsEnabled {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s := &RedisStateStore{
		logger:      logger,
		config:      config,
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		client:      redis.NewClient(&redisOpts),
		prefix:      config.GetStateStore().Prefix,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		ctxCancelFn()
		return nil, err
	}
	return s, nil
}

func (s *RedisStateStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStateStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	values, err := s.client.HMGet(ctx, s.key(key), "val", "ver").Result()
	if err != nil {
		return nil, 0, err
	}
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return nil, 0, ErrKeyNotFound
	}
	value, ok := values[0].(string)
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	versionStr, ok := values[1].(string)
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return nil, 0, err
	}
	return []byte(value), version, nil
}

func (s *RedisStateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	version, err := setScript.Run(ctx, s.client, []string{s.key(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return uint64(version), nil
}

func (s *RedisStateStore) CompareAndSet(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error) {
	version, err := casScript.Run(ctx, s.client, []string{s.key(key)},
		strconv.FormatUint(expected, 10), value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	if version < 0 {
		return 0, ErrVersionConflict
	}
	return uint64(version), nil
}

func (s *RedisStateStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisStateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	set, err := s.client.PExpire(ctx, s.key(key), ttl).Result()
	if err != nil {
		return err
	}
	if !set {
		return ErrKeyNotFound
	}
	return nil
}

func (s *RedisStateStore) Publish(ctx context.Context, topic string, data []byte) error {
	return s.client.Publish(ctx, s.key(topic), data).Err()
}

func (s *RedisStateStore) Subscribe(topic string) (Subscription, error) {
	pubsub := s.client.Subscribe(s.ctx, s.key(topic))
	// Receive forces the SUBSCRIBE round trip so a failed subscription
	// surfaces here rather than as a silent dead channel.
	if _, err := pubsub.Receive(s.ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan StateMessage, 128),
	}
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			select {
			case sub.ch <- StateMessage{Topic: topic, Data: []byte(msg.Payload)}:
			default:
				// Slow consumer, drop rather than stall the pump.
			}
		}
	}()
	return sub, nil
}

func (s *RedisStateStore) QueueAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, s.key(key), &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStateStore) QueueRemove(ctx context.Context, key string, members ...string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	removed, err := s.client.ZRem(ctx, s.key(key), args...).Result()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *RedisStateStore) QueuePopMin(ctx context.Context, key string, pred func(score float64, member string) bool) (string, float64, bool, error) {
	// Page through candidates oldest first. The ZREM claim is the atomic
	// step: concurrent poppers race it and exactly one sees a removal.
	const page = 32
	for offset := int64(0); ; offset += page {
		entries, err := s.client.ZRangeWithScores(ctx, s.key(key), offset, offset+page-1).Result()
		if err != nil {
			return "", 0, false, err
		}
		if len(entries) == 0 {
			return "", 0, false, nil
		}
		for _, entry := range entries {
			member, ok := entry.Member.(string)
			if !ok {
				continue
			}
			if pred != nil && !pred(entry.Score, member) {
				continue
			}
			removed, err := s.client.ZRem(ctx, s.key(key), member).Result()
			if err != nil {
				return "", 0, false, err
			}
			if removed == 1 {
				return member, entry.Score, true, nil
			}
		}
	}
}

func (s *RedisStateStore) QueueRange(ctx context.Context, key string) ([]QueueEntry, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.key(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(entries))
	for _, entry := range entries {
		member, ok := entry.Member.(string)
		if !ok {
			continue
		}
		out = append(out, QueueEntry{Member: member, Score: entry.Score})
	}
	return out, nil
}

func (s *RedisStateStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	return s.client.SAdd(ctx, s.key(key), args...).Err()
}

func (s *RedisStateStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	return s.client.SRem(ctx, s.key(key), args...).Err()
}

func (s *RedisStateStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(key)).Result()
}

func (s *RedisStateStore) Stop() {
	s.ctxCancelFn()
	if err := s.client.Close(); err != nil {
		s.logger.Error("Error closing state store client", zap.Error(err))
	}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan StateMessage
}

func (s *redisSubscription) Channel() <-chan StateMessage {
	return s.ch
}

func (s *redisSubscription) Close() error {
	// Closing the underlying pubsub ends its channel, which ends the pump
	// goroutine and closes ours.
	return s.pubsub.Close()
}
