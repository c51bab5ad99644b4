package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Presence is ephemeral by design: nothing here enters the operation
// log, and an expired entry simply means the collaborator went away.
type PresenceCache interface {
	Heartbeat(ctx context.Context, projectID, replicaID, displayName string, ttl time.Duration) error
	AliveMembers(ctx context.Context, projectID string) ([]Member, error)
	Projects(ctx context.Context) ([]string, error)
	SetFocus(ctx context.Context, projectID, replicaID string, jsonData []byte, ttl time.Duration) error
	Focus(ctx context.Context, projectID, replicaID string) ([]byte, error)
}

type Member struct {
	ReplicaID   string `json:"replicaId"`
	DisplayName string `json:"displayName,omitempty"`
}

type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Heartbeat registers (or refreshes) a replica in its project room. The
// ZSET score carries the logical TTL as an expireAt unix timestamp.
func (p *redisPresence) Heartbeat(ctx context.Context, projectID, replicaID, displayName string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(projectID), redis.Z{Score: float64(expireAt), Member: replicaID})
	tx.HSet(ctx, namesKey(projectID), replicaID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Projects(ctx context.Context) ([]string, error) {
	var projects []string
	iter := p.rdb.Scan(ctx, 0, "presence:project:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey shares the presence:project: prefix, skip it
		if strings.Contains(k, ":names:") {
			continue
		}
		projectID := strings.TrimPrefix(k, "presence:project:")
		if projectID != "" {
			projects = append(projects, projectID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return projects, nil
}

func (p *redisPresence) SetFocus(ctx context.Context, projectID, replicaID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, focusKey(projectID, replicaID), jsonData, ttl).Err()
}

func (p *redisPresence) Focus(ctx context.Context, projectID, replicaID string) ([]byte, error) {
	return p.rdb.Get(ctx, focusKey(projectID, replicaID)).Bytes()
}

// AliveMembers sweeps expired entries then returns who is still online.
// score=expireAt (unix seconds); expireAt <= now counts as expired.
func (p *redisPresence) AliveMembers(ctx context.Context, projectID string) ([]Member, error) {
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(projectID)
	-- KEYS[2] = namesKey(projectID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(projectID), namesKey(projectID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(projectID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(projectID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{ReplicaID: id, DisplayName: name})
	}
	return members, nil
}
