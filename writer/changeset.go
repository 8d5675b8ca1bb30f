package writer

import (
	"fmt"
	"strconv"

	"github.com/osmtools/apidbload/apidb"
)

// extent is the bounding box of all node coordinates accounted into
// one changeset. Changesets containing only ways or relations stay
// empty, their bounds columns are written as NULL.
type extent struct {
	minLat, maxLat   float64
	minLong, maxLong float64
	valid            bool
}

func (e *extent) expand(lat, long float64) {
	if !e.valid {
		e.minLat, e.maxLat = lat, lat
		e.minLong, e.maxLong = long, long
		e.valid = true
		return
	}
	if lat < e.minLat {
		e.minLat = lat
	}
	if lat > e.maxLat {
		e.maxLat = lat
	}
	if long < e.minLong {
		e.minLong = long
	}
	if long > e.maxLong {
		e.maxLong = long
	}
}

func (e *extent) reset() {
	*e = extent{}
}

// InvalidUserError reports a changeset owner that was never
// configured. Every changeset row needs user attribution.
type InvalidUserError struct {
	UserID int64
}

func (e *InvalidUserError) Error() string {
	return fmt.Sprintf("invalid changeset user id: %d", e.UserID)
}

// changeset accumulates elements into the currently open changeset
// and seals it when the configured maximum is reached. Exactly one
// changeset accepts elements at a time.
type changeset struct {
	id     int64 // 0 until the first element is accounted
	count  int
	bounds extent
	sealed int64 // changesets written so far
}

// account adds one element, expanding the extent if coordinates are
// given, and seals the changeset when full. Returns whether a seal
// happened.
func (w *Writer) accountChangeset(lat, long *float64) (sealed bool, err error) {
	cs := &w.cs
	if lat != nil && long != nil {
		cs.bounds.expand(*lat, *long)
	}
	cs.count++
	if cs.count < w.conf.MaxChangesetElements {
		return false, nil
	}
	if err := w.sealChangeset(); err != nil {
		return false, err
	}
	return true, nil
}

// sealChangeset writes the changeset row with its final extent and
// count and opens a fresh changeset. The extent reset happens here,
// before the next element can expand it.
func (w *Writer) sealChangeset() error {
	cs := &w.cs
	if err := w.writeChangesetRow(); err != nil {
		return err
	}
	cs.sealed++
	cs.id = 0 // next changeset id is assigned on the next element
	cs.count = 0
	cs.bounds.reset()
	return nil
}

// changesetID returns the id of the open changeset, assigning the
// next destination id on first use.
func (w *Writer) changesetID() int64 {
	if w.cs.id == 0 {
		w.cs.id = w.ids.Next(apidb.Changeset)
	}
	return w.cs.id
}

func (w *Writer) writeChangesetRow() error {
	if w.conf.ChangesetUserID <= 0 {
		return &InvalidUserError{UserID: w.conf.ChangesetUserID}
	}
	cs := &w.cs

	bounds := [4]string{`\N`, `\N`, `\N`, `\N`}
	if cs.bounds.valid {
		bounds[0] = strconv.FormatInt(apidb.ScaleClamped(cs.bounds.minLat), 10)
		bounds[1] = strconv.FormatInt(apidb.ScaleClamped(cs.bounds.maxLat), 10)
		bounds[2] = strconv.FormatInt(apidb.ScaleClamped(cs.bounds.minLong), 10)
		bounds[3] = strconv.FormatInt(apidb.ScaleClamped(cs.bounds.maxLong), 10)
	}

	ts := w.timestamp()
	row := fmt.Sprintf("%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
		w.changesetID(), w.conf.ChangesetUserID, ts,
		bounds[0], bounds[1], bounds[2], bounds[3],
		ts, cs.count)
	return w.append(apidb.ChangesetsTable, row)
}
