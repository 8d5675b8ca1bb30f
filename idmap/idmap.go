// Package idmap assigns destination identifiers to elements and
// remembers the source to destination mapping of one run.
package idmap

// Map stores the source to destination id mapping of one element
// kind. Implementations do not need to be safe for concurrent use,
// a run has a single writer.
type Map interface {
	Put(srcID, dstID int64) error
	Get(srcID int64) (dstID int64, ok bool, err error)
	Close() error
}

type memMap map[int64]int64

// NewMemMap returns an in-process Map. The default for runs that fit
// in memory.
func NewMemMap() Map {
	return memMap{}
}

func (m memMap) Put(srcID, dstID int64) error {
	m[srcID] = dstID
	return nil
}

func (m memMap) Get(srcID int64) (int64, bool, error) {
	dstID, ok := m[srcID]
	return dstID, ok, nil
}

func (m memMap) Close() error {
	return nil
}
