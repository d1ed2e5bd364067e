package gate

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/storage/memory"
)

func TestSessionIssuer_RoundTrip(t *testing.T) {
	clk := clock.NewFake(testStart)
	s, err := NewSessionIssuer(bytes.Repeat([]byte{7}, 32), 0, clk)
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTTL, s.TTL())

	sess, err := s.Issue("alice")
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(DefaultSessionTTL), sess.ExpiresAt)

	got, err := s.Parse(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.IdentityID)
	assert.True(t, got.IssuedAt.Equal(testStart))
}

func TestSessionIssuer_Expiry(t *testing.T) {
	clk := clock.NewFake(testStart)
	s, err := NewSessionIssuer(bytes.Repeat([]byte{7}, 32), time.Minute, clk)
	require.NoError(t, err)
	sess, err := s.Issue("alice")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = s.Parse(sess.Token)
	assert.ErrorIs(t, err, errInvalidSession)
}

func TestSessionIssuer_RejectsForeignKeyAndTampering(t *testing.T) {
	clk := clock.NewFake(testStart)
	a, err := NewSessionIssuer(bytes.Repeat([]byte{1}, 32), 0, clk)
	require.NoError(t, err)
	b, err := NewSessionIssuer(bytes.Repeat([]byte{2}, 32), 0, clk)
	require.NoError(t, err)

	sess, err := a.Issue("alice")
	require.NoError(t, err)
	_, err = b.Parse(sess.Token)
	assert.Error(t, err)

	parts := strings.Split(sess.Token, ".")
	require.Len(t, parts, 3)
	parts[1] = parts[1] + "x"
	_, err = a.Parse(strings.Join(parts, "."))
	assert.Error(t, err)
}

func TestNewSessionIssuer_ShortKey(t *testing.T) {
	_, err := NewSessionIssuer([]byte("short"), 0, clock.Real())
	assert.Error(t, err)
}

func TestLoadOrCreateSigningKey_Stable(t *testing.T) {
	repo := memory.NewRepository()
	codec, err := storage.NewCodec(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	first, err := LoadOrCreateSigningKey(repo, codec)
	require.NoError(t, err)
	assert.Len(t, first, MinSigningKeyLen)
	second, err := LoadOrCreateSigningKey(repo, codec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := storage.NewCodec(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	_, err = LoadOrCreateSigningKey(repo, other)
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}
