// Package cache mirrors room membership into redis so presence survives across
// service instances and can be read over HTTP.
package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// expire members whose expireAt score is <= now, and their names
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember also refreshes the member's logical TTL.
func (p *redisPresence) AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	// let abandoned rooms age out entirely
	tx.Expire(ctx, roomKey(docID), ttl*2)
	tx.Expire(ctx, namesKey(docID), ttl*2)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, keyRoomScan, 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// names keys share the prefix
		if !strings.HasPrefix(k, "presence:room:{docID:") {
			continue
		}
		docID := strings.TrimSuffix(strings.TrimPrefix(k, "presence:room:{docID:"), "}")
		if docID != "" {
			documents = append(documents, docID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

// GetCursor returns nil, nil when the user has no cursor stored.
func (p *redisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := p.now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: id, Username: name})
	}
	return members, nil
}
