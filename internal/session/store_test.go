package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func TestLoadOrCreate_SameSessionPerPair(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, nil, zap.NewNop())

	a, err := s.LoadOrCreate(ctx, "t1", "u1")
	require.NoError(t, err)
	b, err := s.LoadOrCreate(ctx, "t1", "u1")
	require.NoError(t, err)
	c, err := s.LoadOrCreate(ctx, "t2", "u1")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, domain.ThreadPending, a.ThreadRef)
	assert.Empty(t, a.WorkingMemory)

	_, err = s.LoadOrCreate(ctx, "", "u1")
	assert.Error(t, err)
}

func TestAppendMessage_HistoryIsBoundedFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewStore(20, nil, zap.NewNop())
	sess, err := s.LoadOrCreate(ctx, "t1", "u1")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, s.AppendMessage(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)}))
	}

	h, err := s.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, h, 20)
	assert.Equal(t, "m5", h[0].Content)
	assert.Equal(t, "m24", h[19].Content)
	assert.False(t, h[0].Timestamp.IsZero())
}

func TestMergeMemory_ShallowOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, nil, zap.NewNop())
	sess, _ := s.LoadOrCreate(ctx, "t1", "u1")

	require.NoError(t, s.MergeMemory(ctx, sess.ID, map[string]interface{}{"client": "Anna", "budget": 100}, nil, nil))
	require.NoError(t, s.MergeMemory(ctx, sess.ID, map[string]interface{}{"budget": 200}, nil, strPtr("talked about budget")))

	got, _ := s.LoadOrCreate(ctx, "t1", "u1")
	assert.Equal(t, "Anna", got.WorkingMemory["client"])
	assert.Equal(t, 200, got.WorkingMemory["budget"])
	assert.Equal(t, "talked about budget", got.LastSummary)
	assert.Equal(t, 2, got.TurnCount)
	assert.False(t, got.LastInteraction.Before(sess.LastInteraction))

	assert.ErrorIs(t, s.MergeMemory(ctx, "nope", nil, nil, nil), ErrSessionNotFound)
}

func TestMergeMemory_ThreadRefAssignedOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, nil, zap.NewNop())
	sess, _ := s.LoadOrCreate(ctx, "t1", "u1")

	require.NoError(t, s.MergeMemory(ctx, sess.ID, nil, strPtr(domain.ThreadPending), nil))
	got, _ := s.LoadOrCreate(ctx, "t1", "u1")
	assert.Equal(t, domain.ThreadPending, got.ThreadRef)

	require.NoError(t, s.MergeMemory(ctx, sess.ID, nil, strPtr("thread-1"), nil))
	require.NoError(t, s.MergeMemory(ctx, sess.ID, nil, strPtr("thread-2"), nil))

	got, _ = s.LoadOrCreate(ctx, "t1", "u1")
	assert.Equal(t, "thread-1", got.ThreadRef)
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := NewStore(1000, nil, zap.NewNop())
	sess, _ := s.LoadOrCreate(ctx, "t1", "u1")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.MergeMemory(ctx, sess.ID, map[string]interface{}{fmt.Sprintf("k%d", i): i}, nil, nil)
			_ = s.AppendMessage(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: "x"})
		}(i)
	}
	wg.Wait()

	got, _ := s.LoadOrCreate(ctx, "t1", "u1")
	assert.Len(t, got.WorkingMemory, 100)
	assert.Len(t, got.History, 100)
	assert.Equal(t, 100, got.TurnCount)
}

func TestLockTurn_SerializesPair(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, nil, zap.NewNop())

	unlock, err := s.LockTurn(ctx, "t1", "u1")
	require.NoError(t, err)

	// Другая пара не блокируется
	other, err := s.LockTurn(ctx, "t1", "u2")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = s.LockTurn(waitCtx, "t1", "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // повторный вызов безопасен

	again, err := s.LockTurn(ctx, "t1", "u1")
	require.NoError(t, err)
	again()
}

func TestPrune_EvictsIdleButNotActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, nil, zap.NewNop())
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _ = s.LoadOrCreate(ctx, "t1", "idle")
	_, _ = s.LoadOrCreate(ctx, "t1", "busy")
	unlock, err := s.LockTurn(ctx, "t1", "busy")
	require.NoError(t, err)
	defer unlock()

	now = now.Add(time.Hour)
	assert.Equal(t, 1, s.Prune(30*time.Minute))
	assert.Equal(t, 1, s.Len())
}

func newRedisMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisMirror(rdb, time.Hour), mr
}

func TestRedisMirror_RehydratesAfterEviction(t *testing.T) {
	ctx := context.Background()
	mirror, mr := newRedisMirror(t)
	s := NewStore(0, mirror, zap.NewNop())

	sess, err := s.LoadOrCreate(ctx, "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, s.MergeMemory(ctx, sess.ID, map[string]interface{}{"client": "Anna"}, strPtr("thread-9"), nil))
	require.NoError(t, s.AppendMessage(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: "hi"}))
	assert.True(t, mr.Exists("studio:sessions:t1:u1"))

	// Новый процесс с тем же зеркалом
	fresh := NewStore(0, mirror, zap.NewNop())
	got, err := fresh.LoadOrCreate(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "thread-9", got.ThreadRef)
	assert.Equal(t, "Anna", got.WorkingMemory["client"])
	require.Len(t, got.History, 1)
	assert.Equal(t, 1, got.TurnCount)
}

func TestRedisMirror_LoadMissingAndBroken(t *testing.T) {
	ctx := context.Background()
	mirror, mr := newRedisMirror(t)

	got, err := mirror.Load(ctx, "t1", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mr.Set("studio:sessions:t1:broken", "{not json"))
	_, err = mirror.Load(ctx, "t1", "broken")
	assert.Error(t, err)

	// Битый снимок не мешает создать новую сессию
	s := NewStore(0, mirror, zap.NewNop())
	sess, err := s.LoadOrCreate(ctx, "t1", "broken")
	require.NoError(t, err)
	assert.Equal(t, domain.ThreadPending, sess.ThreadRef)
}
