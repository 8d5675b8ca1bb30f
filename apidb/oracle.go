package apidb

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// Oracle provides the next free destination identifier of each kind
// and reserves whole id ranges against the shared database.
type Oracle interface {
	// NextFree returns the id the kind's sequence would hand out next.
	NextFree(kind Kind) (int64, error)

	// Reserve re-reads the next free id of every kind in counts and
	// advances each sequence by the requested count, all within one
	// short transaction. It returns the first id of each reserved
	// range. This is the only operation that serializes against
	// concurrent writers.
	Reserve(counts map[Kind]int64) (map[Kind]int64, error)
}

// SequenceOracle reads and advances the id sequences of an OSM API
// database.
type SequenceOracle struct {
	DB *sql.DB
}

var _ Oracle = &SequenceOracle{}

func (o *SequenceOracle) NextFree(kind Kind) (int64, error) {
	return nextFree(o.DB, kind)
}

func (o *SequenceOracle) Reserve(counts map[Kind]int64) (map[Kind]int64, error) {
	tx, err := o.DB.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin reservation transaction")
	}
	starts := make(map[Kind]int64, len(counts))
	for _, kind := range IDKinds {
		count := counts[kind]
		if count <= 0 {
			continue
		}
		start, err := nextFree(tx, kind)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		query := fmt.Sprintf(`SELECT pg_catalog.setval('%s', %d)`,
			SequenceName(kind), start+count-1)
		if _, err := tx.Exec(query); err != nil {
			tx.Rollback()
			return nil, &SQLError{query, err}
		}
		starts[kind] = start
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit reservation transaction")
	}
	return starts, nil
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func nextFree(db queryRower, kind Kind) (int64, error) {
	// no placeholder support for relation names
	query := `SELECT last_value, is_called FROM ` + SequenceName(kind)
	row := db.QueryRow(query)
	var last int64
	var called bool
	if err := row.Scan(&last, &called); err != nil {
		return 0, &SQLError{query, err}
	}
	if called {
		return last + 1, nil
	}
	return last, nil
}
