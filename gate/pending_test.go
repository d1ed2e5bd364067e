package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/storage/memory"
)

func runPendingStoreSuite(t *testing.T, newStore func(clk clock.Clock) PendingStore) {
	t.Run("PutGetDelete", func(t *testing.T) {
		clk := clock.NewFake(testStart)
		s := newStore(clk)
		p := Pending{IdentityID: "alice", Channel: ChannelEmail, CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(10 * time.Minute)}
		require.NoError(t, s.Put("tok-1", p))

		got, ok, err := s.Get("tok-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alice", got.IdentityID)
		assert.Equal(t, ChannelEmail, got.Channel)

		removed, err := s.Delete("tok-1")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.Delete("tok-1")
		require.NoError(t, err)
		assert.False(t, removed, "only one caller wins the delete")
	})

	t.Run("Expiry", func(t *testing.T) {
		clk := clock.NewFake(testStart)
		s := newStore(clk)
		require.NoError(t, s.Put("tok", Pending{IdentityID: "alice", ExpiresAt: clk.Now().Add(time.Minute)}))
		clk.Advance(time.Minute)
		_, ok, err := s.Get("tok")
		require.NoError(t, err)
		assert.True(t, ok, "valid up to and including the expiry instant")
		clk.Advance(time.Second)
		_, ok, err = s.Get("tok")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Supersede", func(t *testing.T) {
		clk := clock.NewFake(testStart)
		s := newStore(clk)
		exp := clk.Now().Add(time.Minute)
		require.NoError(t, s.Put("old", Pending{IdentityID: "alice", ExpiresAt: exp}))
		require.NoError(t, s.Put("other", Pending{IdentityID: "bob", ExpiresAt: exp}))
		require.NoError(t, s.Put("new", Pending{IdentityID: "alice", ExpiresAt: exp}))

		_, ok, _ := s.Get("old")
		assert.False(t, ok)
		_, ok, _ = s.Get("new")
		assert.True(t, ok)
		_, ok, _ = s.Get("other")
		assert.True(t, ok)
	})

	t.Run("Unknown", func(t *testing.T) {
		s := newStore(clock.NewFake(testStart))
		_, ok, err := s.Get("missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryPendingStore(t *testing.T) {
	runPendingStoreSuite(t, func(clk clock.Clock) PendingStore { return NewMemoryPendingStore(clk) })
}

func TestRepositoryPendingStore(t *testing.T) {
	runPendingStoreSuite(t, func(clk clock.Clock) PendingStore {
		codec, err := storage.NewCodec(make([]byte, 32))
		require.NoError(t, err)
		return NewRepositoryPendingStore(memory.NewRepository(), codec, clk)
	})
}

func TestMemoryPendingStore_Sweep(t *testing.T) {
	clk := clock.NewFake(testStart)
	s := NewMemoryPendingStore(clk)
	require.NoError(t, s.Put("a", Pending{IdentityID: "alice", ExpiresAt: clk.Now().Add(time.Minute)}))
	require.NoError(t, s.Put("b", Pending{IdentityID: "bob", ExpiresAt: clk.Now().Add(time.Hour)}))
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	_, ok, _ := s.Get("b")
	assert.True(t, ok)
}

func TestRepositoryPendingStore_SweepAndHashedKeys(t *testing.T) {
	clk := clock.NewFake(testStart)
	repo := memory.NewRepository()
	codec, err := storage.NewCodec(nil)
	require.NoError(t, err)
	s := NewRepositoryPendingStore(repo, codec, clk)

	require.NoError(t, s.Put("secret-token", Pending{IdentityID: "alice", ExpiresAt: clk.Now().Add(time.Minute)}))
	ids, err := repo.List(pendingNamespace, pendingRecordType)
	require.NoError(t, err)
	assert.Equal(t, []string{hashToken("secret-token")}, ids, "raw tokens are never stored")

	clk.Advance(2 * time.Minute)
	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ids, err = repo.List(pendingNamespace, pendingRecordType)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
