package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.RunRepositorySuite(t, func(t *testing.T) storage.Repository {
		return NewRepository()
	})
}

func TestMemoryRepository_ReturnsClones(t *testing.T) {
	repo := NewRepository()
	require.NoError(t, repo.Put("ns", "T", "id", &storage.Envelope{Ver: 1, Nonce: []byte("nonce1234567")}))

	got, err := repo.Get("ns", "T", "id")
	require.NoError(t, err)
	got.Nonce[0] = 'X'

	again, _ := repo.Get("ns", "T", "id")
	assert.Equal(t, byte('n'), again.Nonce[0], "memory repository should return clones of envelopes")
}
