// Package section buffers the rows of each destination table in its
// own spill file until the artifact is assembled. Rows are written
// through to disk as they arrive, a run never has to hold a whole
// table in memory.
package section

import (
	"bufio"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// Store holds the open sections of one run.
type Store struct {
	dir      string
	bufSize  int
	sections map[string]*Section
}

// NewStore creates a section store spilling to dir ("" for the
// system temp directory). bufSize is the write buffer per section.
func NewStore(dir string, bufSize int) *Store {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	return &Store{
		dir:      dir,
		bufSize:  bufSize,
		sections: make(map[string]*Section),
	}
}

// Section is the append-only buffer of one destination table.
type Section struct {
	name   string
	header string
	file   *os.File
	buf    *bufio.Writer
	rows   int64
}

// Section returns the named section, creating its spill file on first
// use. The header is written once at creation; sections with an empty
// header are bare, they get no COPY framing at finalize.
func (s *Store) Section(name, header string) (*Section, error) {
	if sec, ok := s.sections[name]; ok {
		return sec, nil
	}
	f, err := ioutil.TempFile(s.dir, "apidbload-"+name+"-")
	if err != nil {
		return nil, errors.Wrapf(err, "creating spill file for %s", name)
	}
	sec, err := newSection(f, s.bufSize, name, header)
	if err != nil {
		return nil, err
	}
	s.sections[name] = sec
	return sec, nil
}

// newSection wraps the spill file. A failed header write closes and
// removes the file, a half-created section is never left behind.
func newSection(f *os.File, bufSize int, name, header string) (*Section, error) {
	sec := &Section{
		name:   name,
		header: header,
		file:   f,
		buf:    bufio.NewWriterSize(f, bufSize),
	}
	if _, err := sec.buf.WriteString(header); err != nil {
		sec.remove()
		return nil, errors.Wrapf(err, "writing header of %s", name)
	}
	return sec, nil
}

// Append writes one logical row. The row text must include its
// trailing newline.
func (sec *Section) Append(row string) error {
	if _, err := sec.buf.WriteString(row); err != nil {
		return errors.Wrapf(err, "appending to %s", sec.name)
	}
	sec.rows++
	return nil
}

// Rows returns the number of rows appended so far.
func (sec *Section) Rows() int64 {
	return sec.rows
}

// Finalize concatenates all non-empty sections in the given order
// into out, each COPY section closed with the end marker, the whole
// wrapped in transaction markers. Spill files are removed as they are
// folded in. Returns the total number of rows written.
func (s *Store) Finalize(order []string, out io.Writer) (int64, error) {
	w := bufio.NewWriterSize(out, s.bufSize)
	if _, err := w.WriteString("BEGIN TRANSACTION;\n"); err != nil {
		return 0, errors.Wrap(err, "writing artifact")
	}

	var total int64
	for _, name := range order {
		sec, ok := s.sections[name]
		if !ok || sec.rows == 0 {
			continue
		}
		if err := sec.buf.Flush(); err != nil {
			return 0, errors.Wrapf(err, "flushing section %s", name)
		}
		if _, err := sec.file.Seek(0, io.SeekStart); err != nil {
			return 0, errors.Wrapf(err, "rewinding section %s", name)
		}
		if _, err := io.Copy(w, sec.file); err != nil {
			return 0, errors.Wrapf(err, "copying section %s", name)
		}
		if sec.header != "" {
			if _, err := w.WriteString("\\.\n\n\n"); err != nil {
				return 0, errors.Wrap(err, "writing artifact")
			}
		}
		total += sec.rows
		sec.remove()
		delete(s.sections, name)
	}

	if _, err := w.WriteString("COMMIT;\n"); err != nil {
		return 0, errors.Wrap(err, "writing artifact")
	}
	if err := w.Flush(); err != nil {
		return 0, errors.Wrap(err, "writing artifact")
	}
	return total, nil
}

// Close removes any remaining spill files. Safe to call after
// Finalize, it then only cleans up sections that were never folded
// in (the abort path).
func (s *Store) Close() error {
	for name, sec := range s.sections {
		sec.remove()
		delete(s.sections, name)
	}
	return nil
}

func (sec *Section) remove() {
	if sec.file == nil {
		return
	}
	sec.file.Close()
	os.Remove(sec.file.Name())
	sec.file = nil
}
