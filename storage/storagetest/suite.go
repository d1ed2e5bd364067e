// Package storagetest holds the conformance suite every storage.Repository
// backend must pass.
package storagetest

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/storage"
)

func env(ver int, version uint64, body string) *storage.Envelope {
	return &storage.Envelope{Ver: ver, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(body), Version: version}
}

// RunRepositorySuite exercises repo. newRepo must return an empty store for
// every call.
func RunRepositorySuite(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "IDENTITY", "a", env(1, 0, `"alice"`)))

		got, err := repo.Get("ns", "IDENTITY", "a")
		require.NoError(t, err)
		assert.Equal(t, `"alice"`, string(got.Ciphertext))
		assert.Equal(t, storage.SchemePlainJSON, got.Scheme)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get("nope", "IDENTITY", "a")
		assert.True(t, storage.IsNotFound(err), "missing namespace: %v", err)

		require.NoError(t, repo.Put("ns", "IDENTITY", "a", env(1, 0, "1")))
		_, err = repo.Get("ns", "IDENTITY", "b")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "missing record: %v", err)
	})

	t.Run("ListByType", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "EVENT", "1", env(1, 0, "1")))
		require.NoError(t, repo.Put("ns", "EVENT", "2", env(1, 0, "2")))
		require.NoError(t, repo.Put("ns", "OTHER", "3", env(1, 0, "3")))

		ids, err := repo.List("ns", "EVENT")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"1", "2"}, ids)

		ids, err = repo.List("empty", "EVENT")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "PENDING", "t", env(1, 0, "1")))
		require.NoError(t, repo.Delete("ns", "PENDING", "t"))

		_, err := repo.Get("ns", "PENDING", "t")
		assert.True(t, storage.IsNotFound(err))

		err = repo.Delete("ns", "PENDING", "t")
		assert.True(t, storage.IsNotFound(err), "second delete must report not found")
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.PutCAS("ns", "LOCKOUT", "a", 0, env(1, 1, "v1")))
		assert.ErrorIs(t, repo.PutCAS("ns", "LOCKOUT", "a", 0, env(1, 1, "dup")), storage.ErrCASFailed,
			"create must fail when the record exists")
		assert.ErrorIs(t, repo.PutCAS("ns", "LOCKOUT", "missing", 3, env(1, 4, "x")), storage.ErrCASFailed,
			"update must fail when the record is absent")

		require.NoError(t, repo.PutCAS("ns", "LOCKOUT", "a", 1, env(1, 2, "v2")))
		assert.ErrorIs(t, repo.PutCAS("ns", "LOCKOUT", "a", 1, env(1, 3, "stale")), storage.ErrCASFailed)

		got, err := repo.Get("ns", "LOCKOUT", "a")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got.Ciphertext))
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "IDENTITY", "old", env(1, 0, "old")))
		err := repo.Batch("ns", func(tx storage.BatchTx) error {
			if err := tx.Put("IDENTITY", "id1", env(1, 0, "1")); err != nil {
				return err
			}
			if err := tx.PutCAS("IDENTITY", "id2", 0, env(1, 1, "2")); err != nil {
				return err
			}
			return tx.Delete("IDENTITY", "old")
		})
		require.NoError(t, err)

		_, err = repo.Get("ns", "IDENTITY", "id1")
		assert.NoError(t, err)
		_, err = repo.Get("ns", "IDENTITY", "id2")
		assert.NoError(t, err)
		_, err = repo.Get("ns", "IDENTITY", "old")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "IDENTITY", "keep", env(1, 0, "before")))

		err := repo.Batch("ns", func(tx storage.BatchTx) error {
			_ = tx.Put("IDENTITY", "keep", env(1, 0, "after"))
			_ = tx.Put("IDENTITY", "new", env(1, 0, "new"))
			return fmt.Errorf("simulated failure")
		})
		require.Error(t, err)

		got, err := repo.Get("ns", "IDENTITY", "keep")
		require.NoError(t, err)
		assert.Equal(t, "before", string(got.Ciphertext))
		_, err = repo.Get("ns", "IDENTITY", "new")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("SchemaVersion", func(t *testing.T) {
		repo := newRepo(t)
		v, err := storage.EnsureSchemaVersion(repo)
		require.NoError(t, err)
		assert.Equal(t, storage.SchemaVersion, v)

		v, err = storage.EnsureSchemaVersion(repo)
		require.NoError(t, err, "second startup reads the stamp")
		assert.Equal(t, storage.SchemaVersion, v)
	})

	t.Run("SchemaTooNew", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("__meta", "META", "schema_version",
			env(1, 0, fmt.Sprintf("%q", fmt.Sprint(storage.SchemaVersion+1)))))
		_, err := storage.EnsureSchemaVersion(repo)
		assert.ErrorIs(t, err, storage.ErrSchemaTooNew)
	})
}
