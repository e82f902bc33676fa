package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the durable RecordStore backend. Records are stored
// under "<store>/<key>" so each logical store is one key range.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func recordKey(store, key string) []byte {
	return []byte(store + "/" + key)
}

func (p *PebbleStore) Put(store, key string, record []byte) error {
	if err := p.db.Set(recordKey(store, key), record, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist %s/%s: %w", store, key, err)
	}
	return nil
}

func (p *PebbleStore) Get(store, key string) ([]byte, bool, error) {
	value, closer, err := p.db.Get(recordKey(store, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s/%s: %w", store, key, err)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (p *PebbleStore) GetAll(store string) ([][]byte, error) {
	prefix := []byte(store + "/")
	upper := []byte(store + "0") // '0' is '/'+1, closes the prefix range
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to scan store %s: %w", store, err)
	}
	var records [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		value := iter.Value()
		cp := make([]byte, len(value))
		copy(cp, value)
		records = append(records, cp)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PebbleStore) Delete(store, key string) error {
	if err := p.db.Delete(recordKey(store, key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, key, err)
	}
	return nil
}

func (p *PebbleStore) QueryByIndex(store, index, value string) ([][]byte, error) {
	records, err := p.GetAll(store)
	if err != nil {
		return nil, err
	}
	return filterByField(records, index, value)
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
