// Package storagetest holds a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/storage"
)

func envelope(payload string, version uint64) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     storage.SchemeAES256GCM,
		Nonce:      make([]byte, 12),
		Ciphertext: []byte(payload),
		Version:    version,
	}
}

// RunRepositoryTests exercises repo against the storage.Repository contract.
// The repository must be empty for the namespaces "ns1", "ns2" and "missing".
func RunRepositoryTests(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := t.Context()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "cert", "a", envelope("one", 1)))

		got, err := repo.Get(ctx, "ns1", "cert", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
		assert.Equal(t, uint64(1), got.Version)
		assert.Equal(t, storage.SchemeAES256GCM, got.Scheme)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "cert", "a", envelope("two", 2)))
		got, err := repo.Get(ctx, "ns1", "cert", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got.Ciphertext)
	})

	t.Run("GetErrors", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing", "cert", "a")
		assert.True(t, errors.Is(err, storage.ErrNamespaceNotFound) || errors.Is(err, storage.ErrNotFound), "got %v", err)

		_, err = repo.Get(ctx, "ns1", "cert", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListByType", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "cert", "b", envelope("b", 1)))
		require.NoError(t, repo.Put(ctx, "ns1", "ca", "c", envelope("c", 1)))
		require.NoError(t, repo.Put(ctx, "ns2", "cert", "d", envelope("d", 1)))

		ids, err := repo.List(ctx, "ns1", "cert")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "ns1", "ca")
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids)

		ids, err = repo.List(ctx, "missing", "cert")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "ns2", "cert", "d"))
		_, err := repo.Get(ctx, "ns2", "cert", "d")
		assert.Error(t, err)

		err = repo.Delete(ctx, "ns1", "cert", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PutCASCreateOnly", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "ns1", "cert", "cas1", 0, envelope("v1", 1)))
		err := repo.PutCAS(ctx, "ns1", "cert", "cas1", 0, envelope("v1", 1))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("PutCASVersionMatch", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "ns1", "cert", "cas1", 1, envelope("v2", 2)))
		got, err := repo.Get(ctx, "ns1", "cert", "cas1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("PutCASVersionMismatch", func(t *testing.T) {
		err := repo.PutCAS(ctx, "ns1", "cert", "cas1", 1, envelope("v3", 3))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("PutCASMissingRecord", func(t *testing.T) {
		err := repo.PutCAS(ctx, "ns1", "cert", "cas-missing", 4, envelope("v5", 5))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("BatchCommits", func(t *testing.T) {
		err := repo.Batch(ctx, "ns1", func(tx storage.BatchTx) error {
			if err := tx.Put("ca", "root", envelope("root", 1)); err != nil {
				return err
			}
			if err := tx.PutCAS("cert", "leaf", 0, envelope("leaf", 1)); err != nil {
				return err
			}
			return tx.Delete("cert", "b")
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "ns1", "ca", "root")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "ns1", "cert", "leaf")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "ns1", "cert", "b")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, "ns1", func(tx storage.BatchTx) error {
			if err := tx.Put("cert", "rolled-back", envelope("x", 1)); err != nil {
				return err
			}
			if err := tx.Delete("cert", "a"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "ns1", "cert", "rolled-back")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "ns1", "cert", "a")
		assert.NoError(t, err)
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		err := repo.Batch(ctx, "ns1", func(tx storage.BatchTx) error {
			if err := tx.Put("cert", "partial", envelope("x", 1)); err != nil {
				return err
			}
			return tx.PutCAS("cert", "cas1", 0, envelope("x", 1))
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
		_, err = repo.Get(ctx, "ns1", "cert", "partial")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
