package idmap

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

type badgerMap struct {
	db *badger.DB
}

// NewBadgerMap returns a disk-backed Map in dir, for runs whose id
// mappings do not fit in memory.
func NewBadgerMap(dir string) (Map, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening id map in %s", dir)
	}
	return &badgerMap{db: db}, nil
}

func (m *badgerMap) Put(srcID, dstID int64) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(idToKey(srcID), idToKey(dstID))
	})
	return errors.Wrap(err, "storing id mapping")
}

func (m *badgerMap) Get(srcID int64) (int64, bool, error) {
	var dstID int64
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idToKey(srcID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			dstID = keyToID(val)
			return nil
		})
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "reading id mapping")
	}
	return dstID, found, nil
}

func (m *badgerMap) Close() error {
	return m.db.Close()
}

func idToKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func keyToID(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
