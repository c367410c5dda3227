/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey      = "whispernet:state"
	redisChangeChannel = "whispernet:changes"
)

// redisStore keeps session state in a single redis hash, field per path,
// and fans out change notifications over pub/sub. Every whispernet
// instance pointed at the same redis serves the same sessions.
//
// Disconnect cleanups are applied client-side when the owning connection
// closes; an instance dying uncleanly leaks its entries until the session
// reaper or a fresh write replaces them. Best-effort, by the same
// reasoning that makes room teardown advisory.
type redisStore struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	watchers *watchList
	cancel   context.CancelFunc
}

func newRedisStore(url string) (*redisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s := &redisStore{
		client:   client,
		pubsub:   client.Subscribe(ctx, redisChangeChannel),
		watchers: newWatchList(),
		cancel:   cancel,
	}

	go s.listen(ctx)

	return s, nil
}

func (s *redisStore) listen(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.notify(ctx, msg.Payload)
		}
	}
}

func (s *redisStore) notify(ctx context.Context, changed string) {
	entries := s.watchers.affected(changed)
	if len(entries) == 0 {
		return
	}

	leaves, err := s.leaves(ctx)
	if err != nil {
		return
	}

	for _, e := range entries {
		e.deliver(assembleValue(e.path, leaves))
	}
}

func (s *redisStore) leaves(ctx context.Context) (map[string][]byte, error) {
	fields, err := s.client.HGetAll(ctx, redisStateKey).Result()
	if err != nil {
		return nil, err
	}

	leaves := make(map[string][]byte, len(fields))
	for path, value := range fields {
		leaves[path] = []byte(value)
	}
	return leaves, nil
}

func (s *redisStore) Subscribe(path string, onChange func(value json.RawMessage)) func() {
	entry, cancel := s.watchers.add(path, onChange)

	value, err := s.ReadOnce(path)
	if err == nil {
		entry.deliver(value)
	}

	return cancel
}

func (s *redisStore) ReadOnce(path string) (json.RawMessage, error) {
	leaves, err := s.leaves(context.Background())
	if err != nil {
		return nil, err
	}
	return assembleValue(path, leaves), nil
}

func (s *redisStore) Write(path string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	ctx := context.Background()
	if err := s.client.HSet(ctx, redisStateKey, path, encoded).Err(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return s.client.Publish(ctx, redisChangeChannel, path).Err()
}

func (s *redisStore) Push(path string, value any) (string, error) {
	id := uuid.NewString()
	if err := s.Write(path+"/"+id, value); err != nil {
		return "", err
	}
	return id, nil
}

func (s *redisStore) Remove(path string) error {
	ctx := context.Background()

	leaves, err := s.leaves(ctx)
	if err != nil {
		return err
	}

	var fields []string
	for p := range leaves {
		if pathWithin(p, path) {
			fields = append(fields, p)
		}
	}
	if len(fields) == 0 {
		return nil
	}

	if err := s.client.HDel(ctx, redisStateKey, fields...).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return s.client.Publish(ctx, redisChangeChannel, path).Err()
}

func (s *redisStore) Connect() StoreConn {
	return newConnCleanups(func(path string) {
		_ = s.Remove(path)
	})
}

func (s *redisStore) CloseStore() error {
	s.cancel()
	_ = s.pubsub.Close()
	return s.client.Close()
}
