package idmap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/osmtools/apidbload/apidb"
)

// DuplicateMappingError reports a source id that was presented twice
// for the same kind. The loader only creates elements, it never
// updates them.
type DuplicateMappingError struct {
	Kind     apidb.Kind
	SourceID int64
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("duplicate mapping: %s %d already has a destination id",
		e.Kind, e.SourceID)
}

// Allocator owns the per-kind id counters and source to destination
// mappings of one run. Counters start at the values the oracle
// reported at open; in shared mode these are provisional until the
// reservation step.
type Allocator struct {
	base     map[apidb.Kind]int64
	next     map[apidb.Kind]int64
	maps     map[apidb.Kind]Map
	cacheDir string
}

// NewAllocator fetches the starting counter of every kind from the
// oracle. If cacheDir is non-empty, mappings spill to Badger databases
// below it instead of living in process memory.
func NewAllocator(oracle apidb.Oracle, cacheDir string) (*Allocator, error) {
	a := &Allocator{
		base:     make(map[apidb.Kind]int64),
		next:     make(map[apidb.Kind]int64),
		maps:     make(map[apidb.Kind]Map),
		cacheDir: cacheDir,
	}
	for _, kind := range apidb.IDKinds {
		id, err := oracle.NextFree(kind)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching next free %s id", kind)
		}
		a.base[kind] = id
		a.next[kind] = id
	}
	return a, nil
}

// Allocate assigns the next destination id of the kind to srcID and
// records the mapping. Re-presenting a mapped source id fails with
// DuplicateMappingError and leaves the first mapping unchanged.
func (a *Allocator) Allocate(kind apidb.Kind, srcID int64) (int64, error) {
	m, err := a.mapFor(kind)
	if err != nil {
		return 0, err
	}
	if _, ok, err := m.Get(srcID); err != nil {
		return 0, err
	} else if ok {
		return 0, &DuplicateMappingError{Kind: kind, SourceID: srcID}
	}
	dstID := a.next[kind]
	if err := m.Put(srcID, dstID); err != nil {
		return 0, err
	}
	a.next[kind]++
	return dstID, nil
}

// Lookup returns the destination id assigned to srcID, if any.
func (a *Allocator) Lookup(kind apidb.Kind, srcID int64) (int64, bool, error) {
	m, ok := a.maps[kind]
	if !ok {
		// no element of this kind seen yet
		return 0, false, nil
	}
	return m.Get(srcID)
}

// Next hands out the next destination id of the kind without
// recording a mapping. Used for changesets, which have no source ids.
func (a *Allocator) Next(kind apidb.Kind) int64 {
	id := a.next[kind]
	a.next[kind]++
	return id
}

// Base returns the kind's counter value at open.
func (a *Allocator) Base(kind apidb.Kind) int64 {
	return a.base[kind]
}

// Allocated returns how many ids of the kind this run has consumed.
func (a *Allocator) Allocated(kind apidb.Kind) int64 {
	return a.next[kind] - a.base[kind]
}

// LastUsed returns the highest id handed out for the kind, or 0 if
// none was.
func (a *Allocator) LastUsed(kind apidb.Kind) int64 {
	if a.Allocated(kind) == 0 {
		return 0
	}
	return a.next[kind] - 1
}

// Close releases all mappings.
func (a *Allocator) Close() error {
	var firstErr error
	for kind, m := range a.maps {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.maps, kind)
	}
	return firstErr
}

// mapFor creates the kind's mapping on first use.
func (a *Allocator) mapFor(kind apidb.Kind) (Map, error) {
	if m, ok := a.maps[kind]; ok {
		return m, nil
	}
	var m Map
	if a.cacheDir == "" {
		m = NewMemMap()
	} else {
		dir := filepath.Join(a.cacheDir, kind.String())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating id map dir %s", dir)
		}
		var err error
		m, err = NewBadgerMap(dir)
		if err != nil {
			return nil, err
		}
	}
	a.maps[kind] = m
	return m, nil
}
