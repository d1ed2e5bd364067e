package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/storage/memory"
)

func newTestStore(t *testing.T, key []byte) (*Store, *memory.Repository) {
	t.Helper()
	codec, err := storage.NewCodec(key)
	require.NoError(t, err)
	repo := memory.NewRepository()
	return NewStore(repo, codec, slog.New(slog.NewTextHandler(io.Discard, nil))), repo
}

func TestStore_ListNewestFirstWithFilter(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Record(ctx, Event{ID: "a", IdentityRef: "alice", Action: ActionLoginFailure, Timestamp: testStart})
	s.Record(ctx, Event{ID: "b", IdentityRef: "bob", Action: ActionLoginFailure, Timestamp: testStart.Add(time.Minute)})
	s.Record(ctx, Event{ID: "c", IdentityRef: "alice", Action: ActionLoginSuccess, Success: true, Timestamp: testStart.Add(2 * time.Minute)})

	all, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	alice, err := s.List(Filter{IdentityRef: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	failures, err := s.List(Filter{FailureOnly: true, Since: testStart.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].ID)

	limited, err := s.List(Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

func TestStore_AppendOnly(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	s.Record(ctx, Event{ID: "same", Action: ActionLoginFailure, Timestamp: testStart})
	s.Record(ctx, Event{ID: "same", Action: ActionLoginSuccess, Success: true, Timestamp: testStart})

	events, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionLoginFailure, events[0].Action, "an existing entry must not be overwritten")
}

func TestStore_SealedAtRest(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, repo := newTestStore(t, key)

	s.Record(context.Background(), Event{ID: "e1", IdentityRef: "alice", Action: ActionAccountLocked, Timestamp: testStart})

	env, err := repo.Get(storeNamespace, eventRecordType, "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAES256GCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "alice")

	events, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].IdentityRef)
}

func TestStore_SkipsCorruptEntries(t *testing.T) {
	s, repo := newTestStore(t, nil)
	s.Record(context.Background(), Event{ID: "ok", Action: ActionRegister, Timestamp: testStart})
	require.NoError(t, repo.Put(storeNamespace, eventRecordType, "junk",
		&storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte("{not json")}))

	events, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].ID)
}
