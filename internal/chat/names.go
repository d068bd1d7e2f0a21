package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NameIndex enforces that a username is held by at most one connection.
// Claims are owner-aware: claiming a name the owner already holds succeeds.
type NameIndex interface {
	Claim(ctx context.Context, username, owner string) error
	Release(ctx context.Context, username, owner string) error
}

// MemoryNames is enough for every worker of a single process.
type MemoryNames struct {
	mu     sync.Mutex
	owners map[string]string // username -> owner connID
}

func NewMemoryNames() *MemoryNames {
	return &MemoryNames{owners: make(map[string]string)}
}

func (n *MemoryNames) Claim(_ context.Context, username, owner string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.owners[username]; ok && current != owner {
		return ErrUsernameTaken
	}
	n.owners[username] = owner
	return nil
}

func (n *MemoryNames) Release(_ context.Context, username, owner string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.owners[username] == owner {
		delete(n.owners, username)
	}
	return nil
}

// RedisNames keeps the index in Redis so uniqueness holds across processes.
// Keys expire after ttl so a crashed process cannot pin names forever.
type RedisNames struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisNames(client *redis.Client, prefix string, ttl time.Duration) *RedisNames {
	return &RedisNames{client: client, prefix: prefix, ttl: ttl}
}

var claimScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current == false then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 1
	end
	if current == ARGV[1] then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (n *RedisNames) key(username string) string {
	return n.prefix + username
}

func (n *RedisNames) Claim(ctx context.Context, username, owner string) error {
	ok, err := claimScript.Run(ctx, n.client, []string{n.key(username)}, owner, n.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: claim %q: %w", ErrNameIndexUnavailable, username, err)
	}
	if ok == 0 {
		return ErrUsernameTaken
	}
	return nil
}

func (n *RedisNames) Release(ctx context.Context, username, owner string) error {
	err := releaseScript.Run(ctx, n.client, []string{n.key(username)}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: release %q: %w", ErrNameIndexUnavailable, username, err)
	}
	return nil
}

var (
	_ NameIndex = (*MemoryNames)(nil)
	_ NameIndex = (*RedisNames)(nil)
)
