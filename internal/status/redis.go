// Package status mirrors user online/offline transitions into Redis so other
// services can read presence without talking to the hub.
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by RedisMirror.
const DefaultPrefix = "chathub:"

// Status values stored in the per-user hash.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// RedisMirror keeps a set of online user ids and a status hash per user.
type RedisMirror struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisMirror creates a mirror writing keys under prefix.
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisMirror{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (m *RedisMirror) onlineKey() string {
	return m.prefix + "online"
}

func (m *RedisMirror) userKey(userID string) string {
	return m.prefix + "user:" + userID
}

// SetOnline records user as online.
func (m *RedisMirror) SetOnline(ctx context.Context, user protocol.User) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, m.onlineKey(), user.ID)
		pipe.HSet(ctx, m.userKey(user.ID),
			"status", StatusOnline,
			"name", user.Name,
			"updated_at", m.now().UTC().Format(time.RFC3339),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("status set online error: %w", err)
	}
	return nil
}

// SetOffline records user as offline along with the time it was last seen.
func (m *RedisMirror) SetOffline(ctx context.Context, user protocol.User) error {
	now := m.now().UTC().Format(time.RFC3339)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, m.onlineKey(), user.ID)
		pipe.HSet(ctx, m.userKey(user.ID),
			"status", StatusOffline,
			"updated_at", now,
			"last_seen", now,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("status set offline error: %w", err)
	}
	return nil
}

// OnlineUsers lists online user ids in lexical order.
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("status list error: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Status returns the stored status hash of userID, or nil if the user was
// never seen.
func (m *RedisMirror) Status(ctx context.Context, userID string) (map[string]string, error) {
	fields, err := m.client.HGetAll(ctx, m.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("status get error: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Reset clears the online set. The hub calls it at startup since no user
// can be connected to a process that just started.
func (m *RedisMirror) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, m.onlineKey()).Err(); err != nil {
		return fmt.Errorf("status reset error: %w", err)
	}
	return nil
}
