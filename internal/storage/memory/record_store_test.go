package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

func rows(id string, n int) []ingest.Record {
	out := make([]ingest.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ingest.Record{
			"row":                  i,
			ingest.FieldUniqueID:   id,
			ingest.FieldSourceLink: "https://example.org/" + id + ".csv",
		})
	}
	return out
}

func TestRecordStoreInsertAndExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore(ingest.Caps{})
	require.NoError(t, store.EnsureCreated(ctx, "multas"))
	require.NoError(t, store.EnsureCreated(ctx, "multas"))

	exists, err := store.Exists(ctx, "multas", "A1B2")
	require.NoError(t, err)
	require.False(t, exists)

	n, err := store.InsertMany(ctx, "multas", rows("A1B2", 3))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	exists, err = store.Exists(ctx, "multas", "A1B2")
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, store.Records("multas"), 3)
	require.Equal(t, []string{"multas"}, store.Stores())
}

func TestRecordStoreUnknownStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore(ingest.Caps{})

	exists, err := store.Exists(ctx, "missing", "x")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.InsertMany(ctx, "missing", rows("x", 1))
	require.ErrorIs(t, err, ErrUnknownStore)

	_, err = store.InsertIfAbsent(ctx, "missing", "x", rows("x", 1))
	require.ErrorIs(t, err, ErrUnknownStore)

	require.ErrorIs(t, store.EnsureCreated(ctx, ""), ingest.ErrInvalidStoreName)
}

func TestRecordStoreInsertIfAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore(ingest.Caps{})
	require.NoError(t, store.EnsureCreated(ctx, "multas"))

	inserted, err := store.InsertIfAbsent(ctx, "multas", "abc", rows("abc", 2))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertIfAbsent(ctx, "multas", "abc", rows("abc", 2))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Len(t, store.Records("multas"), 2)
}

func TestRecordStoreInsertIfAbsentConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore(ingest.Caps{})
	require.NoError(t, store.EnsureCreated(ctx, "multas"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertIfAbsent(ctx, "multas", "same", rows("same", 4))
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Len(t, store.Records("multas"), 4)
}

func TestRecordStoreEvictsOldestByCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore(ingest.Caps{MaxRecords: 5})
	require.NoError(t, store.EnsureCreated(ctx, "s"))

	_, err := store.InsertMany(ctx, "s", rows("first", 3))
	require.NoError(t, err)
	_, err = store.InsertMany(ctx, "s", rows("second", 3))
	require.NoError(t, err)

	records := store.Records("s")
	require.Len(t, records, 5)
	require.Equal(t, "first", records[0].UniqueID())
	require.Equal(t, 1, records[0]["row"])

	_, err = store.InsertMany(ctx, "s", rows("third", 3))
	require.NoError(t, err)
	exists, err := store.Exists(ctx, "s", "first")
	require.NoError(t, err)
	require.False(t, exists, "fully evicted ids are no longer reported")
}

func TestRecordStoreEvictsOldestByBytes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	one := rows("aa", 1)
	size, err := encodeRecords(one)
	require.NoError(t, err)

	store := NewRecordStore(ingest.Caps{MaxBytes: size[0].size * 2})
	require.NoError(t, store.EnsureCreated(ctx, "s"))
	for i := 0; i < 4; i++ {
		_, err := store.InsertMany(ctx, "s", rows(fmt.Sprintf("i%d", i), 1))
		require.NoError(t, err)
	}
	records := store.Records("s")
	require.Len(t, records, 2)
	require.Equal(t, "i2", records[0].UniqueID())
	require.Equal(t, "i3", records[1].UniqueID())
}
