package apidb

import "fmt"

// SQLError reports a failing statement against the API database.
// Statement failures are fatal for the run, retry policy belongs to
// the caller.
type SQLError struct {
	query         string
	originalError error
}

func (e *SQLError) Error() string {
	return fmt.Sprintf("SQL Error: %s in query %s", e.originalError.Error(), e.query)
}

// SQLInsertError is a SQLError carrying the row that failed to copy.
type SQLInsertError struct {
	SQLError
	data interface{}
}

func (e *SQLInsertError) Error() string {
	return fmt.Sprintf("SQL Error: %s in query %s (%+v)", e.originalError.Error(), e.query, e.data)
}
