package snapshot_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stageflow/pkg/stageflow/snapshot"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) snapshot.Store

func states(kv ...string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = json.RawMessage(kv[i+1])
	}
	return out
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	t.Run(name+"/Save_and_Load", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		snap := snapshot.New("flow-1", "before-edit", states("document", `{"title":"a"}`))
		require.NoError(t, store.Save(snap))
		assert.Equal(t, 1, snap.Sequence)

		loaded, err := store.Load("flow-1", "before-edit")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Version, loaded.Version)
		assert.Equal(t, "flow-1", loaded.FlowID)
		assert.Equal(t, "before-edit", loaded.Label)
		assert.Equal(t, 1, loaded.Sequence)
		assert.JSONEq(t, `{"title":"a"}`, string(loaded.States["document"]))
	})

	t.Run(name+"/Load_NotFound", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Load("flow-missing", "label")
		assert.ErrorIs(t, err, snapshot.ErrNotFound)
	})

	t.Run(name+"/Save_InvalidKey", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		assert.ErrorIs(t, store.Save(snapshot.New("", "l", nil)), snapshot.ErrInvalidKey)
		assert.ErrorIs(t, store.Save(snapshot.New("f", "", nil)), snapshot.ErrInvalidKey)
	})

	t.Run(name+"/Save_Overwrite", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(snapshot.New("flow-1", "l", states("a", `1`))))
		second := snapshot.New("flow-1", "l", states("a", `2`))
		require.NoError(t, store.Save(second))
		assert.Equal(t, 2, second.Sequence)

		loaded, err := store.Load("flow-1", "l")
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`2`), loaded.States["a"])

		infos, err := store.List("flow-1")
		require.NoError(t, err)
		assert.Len(t, infos, 1)
	})

	t.Run(name+"/List_Empty", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		infos, err := store.List("flow-missing")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run(name+"/List_Ordered", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		for _, label := range []string{"c", "a", "b"} {
			require.NoError(t, store.Save(snapshot.New("flow-1", label, states("s", `"`+label+`"`))))
		}

		infos, err := store.List("flow-1")
		require.NoError(t, err)
		require.Len(t, infos, 3)

		labels := make([]string, 0, len(infos))
		for i, info := range infos {
			assert.Equal(t, i+1, info.Sequence)
			assert.Equal(t, "flow-1", info.FlowID)
			assert.Positive(t, info.Size)
			assert.False(t, info.Timestamp.IsZero())
			labels = append(labels, info.Label)
		}
		assert.Equal(t, []string{"c", "a", "b"}, labels)
	})

	t.Run(name+"/Flows_Isolated", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(snapshot.New("flow-1", "l", states("a", `1`))))
		require.NoError(t, store.Save(snapshot.New("flow-2", "l", states("a", `2`))))

		one, err := store.Load("flow-1", "l")
		require.NoError(t, err)
		two, err := store.Load("flow-2", "l")
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`1`), one.States["a"])
		assert.Equal(t, json.RawMessage(`2`), two.States["a"])
		assert.Equal(t, 1, two.Sequence, "sequence is per flow")
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(snapshot.New("flow-1", "a", nil)))
		require.NoError(t, store.Save(snapshot.New("flow-1", "b", nil)))

		require.NoError(t, store.Delete("flow-1", "a"))
		require.NoError(t, store.Delete("flow-1", "missing"))

		_, err := store.Load("flow-1", "a")
		assert.ErrorIs(t, err, snapshot.ErrNotFound)
		_, err = store.Load("flow-1", "b")
		assert.NoError(t, err)
	})

	t.Run(name+"/DeleteFlow", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(snapshot.New("flow-1", "a", nil)))
		require.NoError(t, store.Save(snapshot.New("flow-1", "b", nil)))
		require.NoError(t, store.Save(snapshot.New("flow-2", "a", nil)))

		require.NoError(t, store.DeleteFlow("flow-1"))

		infos, err := store.List("flow-1")
		require.NoError(t, err)
		assert.Empty(t, infos)

		_, err = store.Load("flow-2", "a")
		assert.NoError(t, err)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Save(snapshot.New("f", "l", nil)), snapshot.ErrStoreClosed)
		_, err := store.Load("f", "l")
		assert.ErrorIs(t, err, snapshot.ErrStoreClosed)
		_, err = store.List("f")
		assert.ErrorIs(t, err, snapshot.ErrStoreClosed)
		assert.ErrorIs(t, store.Delete("f", "l"), snapshot.ErrStoreClosed)
		assert.ErrorIs(t, store.DeleteFlow("f"), snapshot.ErrStoreClosed)
	})

	t.Run(name+"/Concurrent", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		const workers = 10
		const ops = 20

		var wg sync.WaitGroup
		wg.Add(workers)
		for w := range workers {
			go func(w int) {
				defer wg.Done()
				flowID := fmt.Sprintf("flow-%d", w%3)
				for i := range ops {
					label := fmt.Sprintf("l-%d", i%5)
					assert.NoError(t, store.Save(snapshot.New(flowID, label, states("n", fmt.Sprint(i)))))
					_, err := store.Load(flowID, label)
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		for f := range 3 {
			infos, err := store.List(fmt.Sprintf("flow-%d", f))
			require.NoError(t, err)
			assert.Len(t, infos, 5)
		}
	})
}

// TestMemoryStore_Contract runs the Store contract against MemoryStore.
func TestMemoryStore_Contract(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) snapshot.Store {
		return snapshot.NewMemoryStore()
	})
}

// TestSQLiteStore_Contract runs the Store contract against SQLiteStore.
func TestSQLiteStore_Contract(t *testing.T) {
	storeContractTest(t, "SQLiteStore", func(t *testing.T) snapshot.Store {
		store, err := snapshot.NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
		require.NoError(t, err)
		return store
	})
}

// TestMemoryStore_Len tests snapshot counting across flows.
func TestMemoryStore_Len(t *testing.T) {
	store := snapshot.NewMemoryStore()
	defer store.Close()

	assert.Equal(t, 0, store.Len())
	require.NoError(t, store.Save(snapshot.New("flow-1", "a", nil)))
	require.NoError(t, store.Save(snapshot.New("flow-1", "b", nil)))
	require.NoError(t, store.Save(snapshot.New("flow-2", "a", nil)))
	assert.Equal(t, 3, store.Len())

	require.NoError(t, store.DeleteFlow("flow-1"))
	assert.Equal(t, 1, store.Len())
}

// TestSQLiteStore_Persistence tests that snapshots survive reopening the database.
func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store1, err := snapshot.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store1.Save(snapshot.New("flow-1", "l", states("document", `{"title":"kept"}`))))
	require.NoError(t, store1.Close())

	store2, err := snapshot.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	loaded, err := store2.Load("flow-1", "l")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"kept"}`, string(loaded.States["document"]))
}

// TestSQLiteStore_InvalidPath tests opening a database in a missing directory.
func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := snapshot.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

// TestSQLiteStore_CloseIdempotent tests that Close can be called twice.
func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := snapshot.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
