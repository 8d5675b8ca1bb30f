// Package rewrite shifts the identifier columns of a finished
// artifact by per-kind offsets. This is the second pass of a shared
// mode run: ids were assigned provisionally during serialization, the
// reservation step fixes the real ranges just before apply, and this
// pass moves every id column accordingly. With all deltas zero the
// output is byte-identical to the input.
package rewrite

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/osmtools/apidbload/apidb"
)

// Deltas holds the identifier shift per kind.
type Deltas map[apidb.Kind]int64

// Zero reports whether the rewrite would be the identity transform.
func (d Deltas) Zero() bool {
	for _, delta := range d {
		if delta != 0 {
			return false
		}
	}
	return true
}

// FormatError reports a data row that does not match the column shape
// of its table. Rewriting is not resumable after it.
type FormatError struct {
	Table string
	Line  int
	Text  string
	Cause string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed row in %s at artifact line %d (%s): %q",
		e.Table, e.Line, e.Cause, e.Text)
}

const maxRowSize = 32 * 1024 * 1024

// Rewrite replays the artifact from r to w, shifting every id column
// by the delta of its owning kind. Marker lines and rows of unknown
// tables pass through unchanged.
func Rewrite(r io.Reader, w io.Writer, deltas Deltas) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRowSize)
	out := bufio.NewWriterSize(w, 1<<20)

	table := ""
	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		switch {
		case strings.HasPrefix(line, "COPY "):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return &FormatError{Table: table, Line: lineNum, Text: line, Cause: "malformed COPY marker"}
			}
			table = fields[1]
		case line == "" || line == `\.`:
			table = ""
		case table != "":
			updated, err := shiftRow(table, line, lineNum, deltas)
			if err != nil {
				return err
			}
			line = updated
		}
		if _, err := out.WriteString(line); err != nil {
			return errors.Wrap(err, "writing rewritten artifact")
		}
		if err := out.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "writing rewritten artifact")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading artifact")
	}
	return errors.Wrap(out.Flush(), "writing rewritten artifact")
}

// File rewrites the artifact at src into a new file at dst.
func File(src, dst string, deltas Deltas) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "opening artifact")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "creating rewritten artifact")
	}
	if err := Rewrite(in, out, deltas); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return errors.Wrap(out.Close(), "closing rewritten artifact")
}

// shiftRow applies the table's shift rule to one data row. Rows of
// tables outside the schema pass through untouched.
func shiftRow(table, line string, lineNum int, deltas Deltas) (string, error) {
	columns, known := apidb.TableColumns[table]
	if !known {
		return line, nil
	}
	parts := strings.Split(line, "\t")
	if len(parts) != len(columns) {
		return "", &FormatError{
			Table: table, Line: lineNum, Text: line,
			Cause: fmt.Sprintf("%d values for %d columns", len(parts), len(columns)),
		}
	}

	shift := func(idx int, kind apidb.Kind) error {
		v, err := strconv.ParseInt(parts[idx], 10, 64)
		if err != nil {
			return &FormatError{
				Table: table, Line: lineNum, Text: line,
				Cause: fmt.Sprintf("column %d is not an id", idx),
			}
		}
		parts[idx] = strconv.FormatInt(v+deltas[kind], 10)
		return nil
	}

	var err error
	switch table {
	case apidb.ChangesetsTable:
		err = shift(0, apidb.Changeset)
	case apidb.CurrentNodesTable, apidb.NodesTable:
		if err = shift(0, apidb.Node); err == nil {
			err = shift(3, apidb.Changeset)
		}
	case apidb.CurrentWaysTable, apidb.WaysTable:
		if err = shift(0, apidb.Way); err == nil {
			err = shift(1, apidb.Changeset)
		}
	case apidb.CurrentWayNodesTable, apidb.WayNodesTable:
		if err = shift(0, apidb.Way); err == nil {
			err = shift(1, apidb.Node)
		}
	case apidb.CurrentRelationsTable, apidb.RelationsTable:
		if err = shift(0, apidb.Relation); err == nil {
			err = shift(1, apidb.Changeset)
		}
	case apidb.CurrentRelationMembersTable, apidb.RelationMembersTable:
		if err = shift(0, apidb.Relation); err == nil {
			kind, ok := apidb.MemberKind(parts[1])
			if !ok {
				err = &FormatError{
					Table: table, Line: lineNum, Text: line,
					Cause: fmt.Sprintf("unknown member type %q", parts[1]),
				}
			} else {
				err = shift(2, kind)
			}
		}
	case apidb.CurrentNodeTagsTable, apidb.NodeTagsTable:
		err = shift(0, apidb.Node)
	case apidb.CurrentWayTagsTable, apidb.WayTagsTable:
		err = shift(0, apidb.Way)
	case apidb.CurrentRelationTagsTable, apidb.RelationTagsTable:
		err = shift(0, apidb.Relation)
	}
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "\t"), nil
}
