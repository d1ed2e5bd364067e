package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetToken_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", "alice@example.com", "Secret1!")
	ctx := context.Background()

	token, expires, err := f.store.IssueResetToken(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(ResetTokenTTL), expires)

	ident, err := f.store.Get("alice")
	require.NoError(t, err)
	assert.NotEqual(t, token, ident.ResetTokenHash, "only the hash is stored")

	id, err := f.store.CheckResetToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	id, err = f.store.CompleteReset(ctx, token, "NewSecret2!")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
	assert.True(t, f.store.VerifyPassword(ctx, "alice", "NewSecret2!"))

	_, err = f.store.CompleteReset(ctx, token, "Another3!")
	assert.ErrorIs(t, err, ErrResetTokenInvalid, "tokens are single use")
}

func TestResetToken_Expired(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", "", "Secret1!")
	ctx := context.Background()

	token, _, err := f.store.IssueResetToken(ctx, "alice")
	require.NoError(t, err)
	f.clock.Advance(ResetTokenTTL + time.Second)

	_, err = f.store.CheckResetToken(token)
	assert.ErrorIs(t, err, ErrResetTokenExpired)
	_, err = f.store.CompleteReset(ctx, token, "NewSecret2!")
	assert.ErrorIs(t, err, ErrResetTokenExpired)
	assert.True(t, f.store.VerifyPassword(ctx, "alice", "Secret1!"), "password unchanged")
}

func TestResetToken_NewerReplacesOlder(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", "", "Secret1!")
	ctx := context.Background()

	first, _, err := f.store.IssueResetToken(ctx, "alice")
	require.NoError(t, err)
	second, _, err := f.store.IssueResetToken(ctx, "alice")
	require.NoError(t, err)

	_, err = f.store.CheckResetToken(first)
	assert.ErrorIs(t, err, ErrResetTokenInvalid)
	_, err = f.store.CheckResetToken(second)
	assert.NoError(t, err)
}

func TestResetToken_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CheckResetToken("")
	assert.ErrorIs(t, err, ErrResetTokenInvalid)
	_, err = f.store.CheckResetToken("made-up")
	assert.ErrorIs(t, err, ErrResetTokenInvalid)
}
