package presence

import (
	"context"
	"testing"
	"time"

	"listing-chat/internal/models"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGroupsConnectionsByKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	require.NoError(t, s.Track(ctx, "product:1", "u1", "c1", models.PresenceMeta{"at": 1}))
	require.NoError(t, s.Track(ctx, "product:1", "u1", "c2", models.PresenceMeta{"at": 2}))
	require.NoError(t, s.Track(ctx, "product:1", "u2", "c3", models.PresenceMeta{"at": 3}))
	require.NoError(t, s.Track(ctx, "product:2", "u9", "c4", models.PresenceMeta{"at": 4}))

	state, err := s.State(ctx, "product:1")
	require.NoError(t, err)
	require.Len(t, state, 2)
	require.Len(t, state["u1"], 2)
	require.Len(t, state["u2"], 1)

	require.NoError(t, s.Untrack(ctx, "product:1", "u1", "c1"))
	require.NoError(t, s.Untrack(ctx, "product:1", "u1", "c1"))
	state, err = s.State(ctx, "product:1")
	require.NoError(t, err)
	require.Equal(t, []models.PresenceMeta{{"at": 2}}, state["u1"])
}

func TestMemoryStoreExpiresStaleEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Track(ctx, "product:1", "u1", "c1", models.PresenceMeta{}))
	now = now.Add(30 * time.Second)
	require.NoError(t, s.Track(ctx, "product:1", "u2", "c2", models.PresenceMeta{}))

	now = now.Add(45 * time.Second)
	state, err := s.State(ctx, "product:1")
	require.NoError(t, err)
	require.Len(t, state, 1)
	require.Contains(t, state, "u2")
}

func TestSplitMember(t *testing.T) {
	require.Equal(t, "u1", splitMember(memberID("u1", "c1")))
	require.Equal(t, "a|b", splitMember(memberID("a|b", "c1")))
	require.Equal(t, "plain", splitMember("plain"))
}
