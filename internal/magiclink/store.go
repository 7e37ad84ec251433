package magiclink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/redis/go-redis/v9"
)

// TokenStore holds minted links until they are redeemed or expire.
type TokenStore interface {
	Put(ctx context.Context, link model.MagicLink) error
	// Take consumes the link for token. It reports false when the token is
	// unknown, already used or expired at now.
	Take(ctx context.Context, token string, now time.Time) (model.MagicLink, bool, error)
	// Sweep drops used and expired links and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps links in process memory behind a single mutex.
type MemoryStore struct {
	mu    sync.Mutex
	links map[string]*model.MagicLink
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]*model.MagicLink)}
}

func (m *MemoryStore) Put(_ context.Context, link model.MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.Token] = &link
	return nil
}

func (m *MemoryStore) Take(_ context.Context, token string, now time.Time) (model.MagicLink, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.links[token]
	if !ok {
		return model.MagicLink{}, false, nil
	}
	if link.Used || link.Expired(now) {
		delete(m.links, token)
		return model.MagicLink{}, false, nil
	}
	link.Used = true
	return *link, true, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, link := range m.links {
		if link.Used || link.Expired(now) {
			delete(m.links, token)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of links held, used ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// RedisStore shares links across instances. A redeemed link is removed
// with GETDEL, so only one instance can consume it, and Redis key expiry
// takes the place of the sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "magiclink:",
	}
}

func (r *RedisStore) key(token string) string {
	return r.prefix + token
}

func (r *RedisStore) Put(ctx context.Context, link model.MagicLink) error {
	ttl := link.ExpiresAt.Sub(link.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("magiclink: expires_at must be after created_at")
	}
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("magiclink: marshal: %w", err)
	}
	return r.client.Set(ctx, r.key(link.Token), data, ttl).Err()
}

func (r *RedisStore) Take(ctx context.Context, token string, now time.Time) (model.MagicLink, bool, error) {
	val, err := r.client.GetDel(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.MagicLink{}, false, nil
	}
	if err != nil {
		return model.MagicLink{}, false, fmt.Errorf("magiclink: getdel: %w", err)
	}

	var link model.MagicLink
	if err := json.Unmarshal(val, &link); err != nil {
		return model.MagicLink{}, false, fmt.Errorf("magiclink: unmarshal: %w", err)
	}
	if link.Used || link.Expired(now) {
		return model.MagicLink{}, false, nil
	}
	link.Used = true
	return link, true, nil
}

func (r *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
