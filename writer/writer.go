// Package writer turns a stream of OSM elements into a single
// transactional COPY artifact for an OSM API database. Elements are
// written one at a time, grouped into size-bounded changesets, and
// nothing touches the shared database until the whole artifact has
// been built (and, in shared mode, reserved and rewritten).
package writer

import (
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"time"

	osm "github.com/omniscale/go-osm"
	"github.com/pkg/errors"

	"github.com/osmtools/apidbload/apidb"
	"github.com/osmtools/apidbload/idmap"
	"github.com/osmtools/apidbload/log"
	"github.com/osmtools/apidbload/rewrite"
	"github.com/osmtools/apidbload/section"
)

// Mode selects how destination ids are fixed.
type Mode int

const (
	// Isolated assumes a single writer: ids fetched at open are final
	// and the artifact carries the sequence updates itself.
	Isolated Mode = iota
	// Shared assumes concurrent writers: ids are provisional until a
	// short atomic reservation just before apply, followed by the
	// offset rewrite pass.
	Shared
)

const (
	defaultMaxChangesetElements = 50000
	defaultStatusInterval       = 100000
)

// Config is the explicit configuration of one run. The writer never
// reads ambient global state.
type Config struct {
	Mode Mode

	// ChangesetUserID owns the created changesets. Required as soon
	// as the first changeset row is written.
	ChangesetUserID int64

	// MaxChangesetElements seals a changeset when reached.
	// Defaults to 50000.
	MaxChangesetElements int

	// TempDir holds section spill files and the artifact.
	// "" uses the system temp directory.
	TempDir string

	// CacheDir enables disk-backed id mappings when set.
	CacheDir string

	// BufferSize is the per-section write buffer in bytes.
	BufferSize int

	// StatusInterval is the element count between progress log lines.
	StatusInterval int
}

// Artifact is the finished, table-ordered, transaction-wrapped
// output of a run, ready for apply. The caller owns the file.
type Artifact struct {
	Path    string
	Records int64
	// Deltas are the shifts applied by the shared mode rewrite,
	// nil in isolated mode.
	Deltas rewrite.Deltas
}

// Writer is the run context: it owns the allocator, the section
// store, the open changeset and the pending references, and is
// dropped as a whole when the run ends.
type Writer struct {
	conf     Config
	oracle   apidb.Oracle
	ids      *idmap.Allocator
	store    *section.Store
	sections map[string]*section.Section
	refs     *pendingRefs
	cs       changeset
	elements int64
	now      func() time.Time
}

// New opens a run: it fetches the starting id counters of every kind
// from the oracle. In Shared mode these are provisional.
func New(conf Config, oracle apidb.Oracle) (*Writer, error) {
	if conf.MaxChangesetElements <= 0 {
		conf.MaxChangesetElements = defaultMaxChangesetElements
	}
	if conf.StatusInterval <= 0 {
		conf.StatusInterval = defaultStatusInterval
	}
	ids, err := idmap.NewAllocator(oracle, conf.CacheDir)
	if err != nil {
		return nil, err
	}
	return &Writer{
		conf:     conf,
		oracle:   oracle,
		ids:      ids,
		store:    section.NewStore(conf.TempDir, conf.BufferSize),
		sections: make(map[string]*section.Section),
		refs:     newPendingRefs(),
		now:      time.Now,
	}, nil
}

// WriteNode assigns a destination id to the node and appends its rows
// to the node tables. Any relation member waiting for this node is
// resolved.
func (w *Writer) WriteNode(n *osm.Node) error {
	dbID, err := w.ids.Allocate(apidb.Node, n.ID)
	if err != nil {
		return err
	}
	lat, err := apidb.ScaleLat(n.Lat)
	if err != nil {
		return errors.Wrapf(err, "node %d", n.ID)
	}
	long, err := apidb.ScaleLong(n.Long)
	if err != nil {
		return errors.Wrapf(err, "node %d", n.ID)
	}
	tile := apidb.TileForPoint(n.Lat, n.Long)
	csID := w.changesetID()
	ts := w.timestamp()

	row := fmt.Sprintf("%d\t%d\t%d\t%d\tt\t%s\t%d\t1\n", dbID, lat, long, csID, ts, tile)
	if err := w.append(apidb.CurrentNodesTable, row); err != nil {
		return err
	}
	row = fmt.Sprintf("%d\t%d\t%d\t%d\tt\t%s\t%d\t1\t\\N\n", dbID, lat, long, csID, ts, tile)
	if err := w.append(apidb.NodesTable, row); err != nil {
		return err
	}
	if err := w.writeTags(apidb.CurrentNodeTagsTable, apidb.NodeTagsTable, dbID, n.Tags); err != nil {
		return err
	}

	if err := w.accounted(n.Lat, n.Long); err != nil {
		return err
	}
	return w.resolveRefs(apidb.Node, n.ID, dbID)
}

// WriteWay assigns a destination id to the way and appends its rows.
// Every node the way references must already be mapped, the element
// source delivers nodes before the ways that use them.
func (w *Writer) WriteWay(way *osm.Way) error {
	dbID, err := w.ids.Allocate(apidb.Way, way.ID)
	if err != nil {
		return err
	}
	csID := w.changesetID()
	ts := w.timestamp()

	row := fmt.Sprintf("%d\t%d\t%s\tt\t1\n", dbID, csID, ts)
	if err := w.append(apidb.CurrentWaysTable, row); err != nil {
		return err
	}
	row = fmt.Sprintf("%d\t%d\t%s\t1\tt\t\\N\n", dbID, csID, ts)
	if err := w.append(apidb.WaysTable, row); err != nil {
		return err
	}

	for i, ref := range way.Refs {
		nodeID, ok, err := w.ids.Lookup(apidb.Node, ref)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("way %d references node %d that has no mapping yet", way.ID, ref)
		}
		row = fmt.Sprintf("%d\t%d\t%d\n", dbID, nodeID, i+1)
		if err := w.append(apidb.CurrentWayNodesTable, row); err != nil {
			return err
		}
		row = fmt.Sprintf("%d\t%d\t1\t%d\n", dbID, nodeID, i+1)
		if err := w.append(apidb.WayNodesTable, row); err != nil {
			return err
		}
	}
	if err := w.writeTags(apidb.CurrentWayTagsTable, apidb.WayTagsTable, dbID, way.Tags); err != nil {
		return err
	}

	if err := w.accountedNoCoords(); err != nil {
		return err
	}
	return w.resolveRefs(apidb.Way, way.ID, dbID)
}

// WriteRelation assigns a destination id to the relation and appends
// its rows. Members that are not mapped yet are deferred with their
// original ordinal position and emitted when the member arrives.
func (w *Writer) WriteRelation(rel *osm.Relation) error {
	dbID, err := w.ids.Allocate(apidb.Relation, rel.ID)
	if err != nil {
		return err
	}
	csID := w.changesetID()
	ts := w.timestamp()

	row := fmt.Sprintf("%d\t%d\t%s\tt\t1\n", dbID, csID, ts)
	if err := w.append(apidb.CurrentRelationsTable, row); err != nil {
		return err
	}
	row = fmt.Sprintf("%d\t%d\t%s\t1\tt\t\\N\n", dbID, csID, ts)
	if err := w.append(apidb.RelationsTable, row); err != nil {
		return err
	}

	for i, m := range rel.Members {
		kind, err := memberKind(m.Type)
		if err != nil {
			return errors.Wrapf(err, "relation %d", rel.ID)
		}
		memberID, ok, err := w.ids.Lookup(kind, m.ID)
		if err != nil {
			return err
		}
		if ok {
			if err := w.writeMember(dbID, kind, memberID, m.Role, i+1); err != nil {
				return err
			}
		} else {
			w.refs.add(kind, m.ID, pendingRef{
				relationID: dbID,
				role:       m.Role,
				ordinal:    i + 1,
			})
		}
	}
	if err := w.writeTags(apidb.CurrentRelationTagsTable, apidb.RelationTagsTable, dbID, rel.Tags); err != nil {
		return err
	}

	if err := w.accountedNoCoords(); err != nil {
		return err
	}
	return w.resolveRefs(apidb.Relation, rel.ID, dbID)
}

// Finalize flushes the open changeset, folds all sections into one
// artifact in dependency order and, in shared mode, reserves the real
// id ranges and rewrites the artifact. An empty run returns a nil
// artifact and leaves the database untouched.
func (w *Writer) Finalize() (*Artifact, error) {
	if w.elements == 0 {
		return nil, nil
	}
	if uerr := w.refs.unresolvedError(); uerr != nil {
		return nil, uerr
	}
	if w.cs.count > 0 {
		if err := w.sealChangeset(); err != nil {
			return nil, err
		}
	}

	if w.conf.Mode == Isolated {
		if err := w.writeSequenceUpdates(); err != nil {
			return nil, err
		}
	}

	f, err := ioutil.TempFile(w.conf.TempDir, "apidbload-artifact-")
	if err != nil {
		return nil, errors.Wrap(err, "creating artifact file")
	}
	records, err := w.store.Finalize(apidb.SectionOrder, f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "closing artifact file")
	}
	artifact := &Artifact{Path: f.Name(), Records: records}

	if w.conf.Mode == Shared {
		if err := w.reserveAndRewrite(artifact); err != nil {
			os.Remove(artifact.Path)
			return nil, err
		}
	}
	return artifact, nil
}

// reserveAndRewrite is the only step that touches shared state before
// apply: one short atomic sequence reservation, then the offset
// rewrite of the whole artifact.
func (w *Writer) reserveAndRewrite(artifact *Artifact) error {
	counts := make(map[apidb.Kind]int64)
	for _, kind := range apidb.IDKinds {
		if n := w.ids.Allocated(kind); n > 0 {
			counts[kind] = n
		}
	}
	starts, err := w.oracle.Reserve(counts)
	if err != nil {
		return errors.Wrap(err, "reserving id ranges")
	}
	deltas := make(rewrite.Deltas)
	for kind := range counts {
		deltas[kind] = starts[kind] - w.ids.Base(kind)
	}

	rewritten := artifact.Path + ".rewritten"
	log.Printf("[step] Rewriting id offsets, data pass 2 of 2")
	if err := rewrite.File(artifact.Path, rewritten, deltas); err != nil {
		return err
	}
	if err := os.Rename(rewritten, artifact.Path); err != nil {
		return errors.Wrap(err, "replacing artifact")
	}
	artifact.Deltas = deltas
	return nil
}

// writeSequenceUpdates records the last used id of every kind so an
// isolated mode replay leaves the sequences past the written data.
func (w *Writer) writeSequenceUpdates() error {
	sec, err := w.store.Section(apidb.SequenceUpdatesSection, "")
	if err != nil {
		return err
	}
	for _, kind := range apidb.IDKinds {
		last := w.ids.LastUsed(kind)
		if last == 0 {
			continue
		}
		row := fmt.Sprintf("SELECT pg_catalog.setval('%s', %d);\n", apidb.SequenceName(kind), last)
		if err := sec.Append(row); err != nil {
			return err
		}
	}
	return nil
}

// Close discards all local buffers and mappings. The shared store is
// untouched unless an artifact was applied.
func (w *Writer) Close() error {
	err := w.ids.Close()
	if serr := w.store.Close(); err == nil {
		err = serr
	}
	return err
}

// Stats returns the number of elements written per kind (changesets:
// sealed changeset rows).
func (w *Writer) Stats() map[apidb.Kind]int64 {
	stats := make(map[apidb.Kind]int64, 4)
	for _, kind := range apidb.IDKinds {
		stats[kind] = w.ids.Allocated(kind)
	}
	stats[apidb.Changeset] = w.cs.sealed
	return stats
}

func (w *Writer) accounted(lat, long float64) error {
	w.elements++
	sealed, err := w.accountChangeset(&lat, &long)
	if err != nil {
		return err
	}
	w.logProgress(sealed)
	return nil
}

func (w *Writer) accountedNoCoords() error {
	w.elements++
	sealed, err := w.accountChangeset(nil, nil)
	if err != nil {
		return err
	}
	w.logProgress(sealed)
	return nil
}

func (w *Writer) logProgress(sealed bool) {
	if sealed {
		log.Printf("[progress] Sealed changeset %d after %d elements", w.cs.sealed, w.elements)
	}
	if w.elements%int64(w.conf.StatusInterval) == 0 {
		log.Printf("[progress] Processed %d elements", w.elements)
	}
}

// resolveRefs emits the membership rows of all relations that were
// waiting for this element, using their original ordinal positions.
func (w *Writer) resolveRefs(kind apidb.Kind, srcID, dbID int64) error {
	for _, ref := range w.refs.take(kind, srcID) {
		if err := w.writeMember(ref.relationID, kind, dbID, ref.role, ref.ordinal); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeMember(relationID int64, kind apidb.Kind, memberID int64, role string, ordinal int) error {
	role = apidb.EscapeString(role)
	row := fmt.Sprintf("%d\t%s\t%d\t%s\t%d\n", relationID, kind.MemberString(), memberID, role, ordinal)
	if err := w.append(apidb.CurrentRelationMembersTable, row); err != nil {
		return err
	}
	row = fmt.Sprintf("%d\t%s\t%d\t%s\t1\t%d\n", relationID, kind.MemberString(), memberID, role, ordinal)
	return w.append(apidb.RelationMembersTable, row)
}

// writeTags appends one row per tag into the current table and the
// paired historical table (with version 1), keys in sorted order.
func (w *Writer) writeTags(currentTable, historyTable string, dbID int64, tags osm.Tags) error {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := apidb.EscapeString(k)
		value := apidb.EscapeString(tags[k])
		if err := w.append(currentTable, fmt.Sprintf("%d\t%s\t%s\n", dbID, key, value)); err != nil {
			return err
		}
		if err := w.append(historyTable, fmt.Sprintf("%d\t1\t%s\t%s\n", dbID, key, value)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) append(table string, row string) error {
	sec, ok := w.sections[table]
	if !ok {
		var err error
		sec, err = w.store.Section(table, apidb.CopyHeader(table))
		if err != nil {
			return err
		}
		w.sections[table] = sec
	}
	return sec.Append(row)
}

func (w *Writer) timestamp() string {
	return w.now().UTC().Format("2006-01-02 15:04:05.000")
}

func memberKind(t osm.MemberType) (apidb.Kind, error) {
	switch t {
	case osm.NodeMember:
		return apidb.Node, nil
	case osm.WayMember:
		return apidb.Way, nil
	case osm.RelationMember:
		return apidb.Relation, nil
	}
	return 0, errors.Errorf("unsupported member type %d", t)
}
