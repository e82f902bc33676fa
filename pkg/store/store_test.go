package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]RecordStore {
	pebbleStore, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pebbleStore.Close()) })
	return map[string]RecordStore{
		"memory": NewMemoryStore(),
		"pebble": pebbleStore,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(Listings, "l1", []byte(`{"id":"l1"}`)))

			raw, ok, err := s.Get(Listings, "l1")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"id":"l1"}`, string(raw))

			_, ok, err = s.Get(Listings, "missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(Users, "u1", []byte(`{"v":1}`)))
			require.NoError(t, s.Put(Users, "u1", []byte(`{"v":2}`)))

			raw, ok, err := s.Get(Users, "u1")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"v":2}`, string(raw))
		})
	}
}

func TestGetAllIsolatesStores(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(Listings, "a", []byte(`{"id":"a"}`)))
			require.NoError(t, s.Put(Listings, "b", []byte(`{"id":"b"}`)))
			require.NoError(t, s.Put(Deals, "c", []byte(`{"id":"c"}`)))

			records, err := s.GetAll(Listings)
			require.NoError(t, err)
			require.Len(t, records, 2)

			var ids []string
			for _, raw := range records {
				var rec struct {
					ID string `json:"id"`
				}
				require.NoError(t, json.Unmarshal(raw, &rec))
				ids = append(ids, rec.ID)
			}
			require.ElementsMatch(t, []string{"a", "b"}, ids)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(Messages, "m1", []byte(`{}`)))
			require.NoError(t, s.Delete(Messages, "m1"))

			_, ok, err := s.Get(Messages, "m1")
			require.NoError(t, err)
			require.False(t, ok)

			// Deleting an absent key is not an error.
			require.NoError(t, s.Delete(Messages, "m1"))
		})
	}
}

func TestQueryByIndex(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(Messages, "m1", []byte(`{"id":"m1","dealId":"d1"}`)))
			require.NoError(t, s.Put(Messages, "m2", []byte(`{"id":"m2","dealId":"d1"}`)))
			require.NoError(t, s.Put(Messages, "m3", []byte(`{"id":"m3","dealId":"d2"}`)))

			records, err := s.QueryByIndex(Messages, IndexDealID, "d1")
			require.NoError(t, err)
			require.Len(t, records, 2)

			records, err = s.QueryByIndex(Messages, IndexDealID, "d3")
			require.NoError(t, err)
			require.Empty(t, records)
		})
	}
}

func TestPebbleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(Listings, "l1", []byte(`{"id":"l1"}`)))
	require.NoError(t, s.Close())

	s, err = OpenPebble(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	raw, ok, err := s.Get(Listings, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"l1"}`, string(raw))
}
