package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) (*redisPresence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisPresence(rdb).(*redisPresence), mr
}

func TestPresenceAddAndList(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "doc-1", "u1", "alice", time.Minute))
	require.NoError(t, p.AddMember(ctx, "doc-1", "u2", "bob", time.Minute))
	require.NoError(t, p.AddMember(ctx, "doc-2", "u1", "alice", time.Minute))

	members, err := p.GetAliveMembersWithNames(ctx, "doc-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{{"u1", "alice"}, {"u2", "bob"}}, members)

	docs, err := p.GetDocuments(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, docs)

	require.NoError(t, p.RemoveMember(ctx, "doc-1", "u2"))
	members, err = p.GetAliveMembersWithNames(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{"u1", "alice"}}, members)
}

func TestPresenceExpiresMembers(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()
	base := time.Now()
	p.now = func() time.Time { return base }

	require.NoError(t, p.AddMember(ctx, "doc-1", "u1", "alice", 10*time.Second))
	require.NoError(t, p.AddMember(ctx, "doc-1", "u2", "bob", time.Minute))

	p.now = func() time.Time { return base.Add(30 * time.Second) }
	members, err := p.GetAliveMembersWithNames(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{"u2", "bob"}}, members)

	assert.Empty(t, mr.HGet(namesKey("doc-1"), "u1"), "expired names are dropped")
}

func TestPresenceCursor(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	got, err := p.GetCursor(ctx, "doc-1", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, p.SetCursor(ctx, "doc-1", "u1", []byte(`{"pos":3}`), time.Minute))
	got, err = p.GetCursor(ctx, "doc-1", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pos":3}`, string(got))
}
