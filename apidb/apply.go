package apidb

import (
	"bufio"
	"database/sql"
	"io"
	"os"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// maxRowSize limits the line buffer during artifact replay. Rows are
// tag values at worst, far below this.
const maxRowSize = 32 * 1024 * 1024

const (
	beginMarker = "BEGIN TRANSACTION;"
	endMarker   = "COMMIT;"
	// tableEndMarker terminates the data rows of a COPY section.
	tableEndMarker = `\.`
)

// ArtifactVisitor receives the parts of an artifact during a scan.
// Nil callbacks are skipped.
type ArtifactVisitor struct {
	BeginTable func(table string, columns []string) error
	Row        func(table string, line string) error
	EndTable   func(table string) error
	Statement  func(stmt string) error
}

// ScanArtifact reads an artifact line by line and reports each COPY
// section and data row to the visitor. Statement is called for plain
// SQL lines outside of COPY sections (the sequence updates of an
// isolated mode artifact).
func ScanArtifact(r io.Reader, v ArtifactVisitor) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRowSize)

	table := ""
	var lineNum int
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		switch {
		case table != "" && line == tableEndMarker:
			if v.EndTable != nil {
				if err := v.EndTable(table); err != nil {
					return err
				}
			}
			table = ""
		case table != "":
			if v.Row != nil {
				if err := v.Row(table, line); err != nil {
					return err
				}
			}
		case strings.HasPrefix(line, "COPY "):
			name, columns, err := parseCopyHeader(line)
			if err != nil {
				return errors.Wrapf(err, "artifact line %d", lineNum)
			}
			table = name
			if v.BeginTable != nil {
				if err := v.BeginTable(name, columns); err != nil {
					return err
				}
			}
		case line == "" || line == beginMarker || line == endMarker:
			// transaction framing and section separators
		default:
			if v.Statement != nil {
				if err := v.Statement(line); err != nil {
					return err
				}
			}
		}
	}
	return scanner.Err()
}

func parseCopyHeader(line string) (table string, columns []string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", nil, errors.Errorf("malformed COPY marker: %q", line)
	}
	table = fields[1]

	open := strings.Index(line, "(")
	close_ := strings.LastIndex(line, ")")
	if open < 0 || close_ < open {
		return "", nil, errors.Errorf("COPY marker without column list: %q", line)
	}
	for _, col := range strings.Split(line[open+1:close_], ",") {
		columns = append(columns, strings.Trim(strings.TrimSpace(col), `"`))
	}
	return table, columns, nil
}

// Applier executes a finished artifact against the API database in a
// single transaction. Failures are returned verbatim and are fatal,
// retry policy belongs to the caller.
type Applier struct {
	DB *sql.DB
}

// Apply replays the artifact at path and returns the number of
// records inserted.
func (a *Applier) Apply(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "opening artifact")
	}
	defer f.Close()

	tx, err := a.DB.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin apply transaction")
	}

	var applied int64
	var stmt *sql.Stmt
	var stmtColumns int
	abort := func(err error) (int64, error) {
		if stmt != nil {
			stmt.Close()
		}
		tx.Rollback()
		return 0, err
	}

	err = ScanArtifact(f, ArtifactVisitor{
		BeginTable: func(table string, columns []string) error {
			query := pq.CopyIn(table, columns...)
			var err error
			stmt, err = tx.Prepare(query)
			stmtColumns = len(columns)
			if err != nil {
				return &SQLError{query, err}
			}
			return nil
		},
		Row: func(table string, line string) error {
			values := strings.Split(line, "\t")
			if len(values) != stmtColumns {
				return errors.Errorf("row with %d values for %d columns in %s: %q",
					len(values), stmtColumns, table, line)
			}
			args := make([]interface{}, len(values))
			for i, v := range values {
				if v == `\N` {
					args[i] = nil
				} else {
					args[i] = UnescapeString(v)
				}
			}
			if _, err := stmt.Exec(args...); err != nil {
				return &SQLInsertError{SQLError{"COPY " + table, err}, line}
			}
			applied++
			return nil
		},
		EndTable: func(table string) error {
			if _, err := stmt.Exec(); err != nil {
				stmt.Close()
				stmt = nil
				return &SQLError{"COPY " + table, err}
			}
			err := stmt.Close()
			stmt = nil
			if err != nil {
				return &SQLError{"COPY " + table, err}
			}
			return nil
		},
		Statement: func(line string) error {
			if _, err := tx.Exec(line); err != nil {
				return &SQLError{line, err}
			}
			return nil
		},
	})
	if err != nil {
		return abort(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit apply transaction")
	}
	return applied, nil
}
