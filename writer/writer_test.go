package writer

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"
	"time"

	osm "github.com/omniscale/go-osm"

	"github.com/osmtools/apidbload/apidb"
)

type stubOracle struct {
	next     map[apidb.Kind]int64
	reserved map[apidb.Kind]int64
}

func (o *stubOracle) NextFree(kind apidb.Kind) (int64, error) {
	if id, ok := o.next[kind]; ok {
		return id, nil
	}
	return 1, nil
}

func (o *stubOracle) Reserve(counts map[apidb.Kind]int64) (map[apidb.Kind]int64, error) {
	if o.next == nil {
		o.next = make(map[apidb.Kind]int64)
	}
	o.reserved = counts
	starts := make(map[apidb.Kind]int64)
	for kind, count := range counts {
		start, _ := o.NextFree(kind)
		starts[kind] = start
		o.next[kind] = start + count
	}
	return starts, nil
}

// newTestWriter builds a writer spilling to a private temp directory.
// The returned cleanup closes the writer and removes the directory
// with any artifact in it.
func newTestWriter(t *testing.T, conf Config, oracle apidb.Oracle) (*Writer, func()) {
	dir, err := ioutil.TempDir("", "writer")
	if err != nil {
		t.Fatal(err)
	}
	conf.TempDir = dir
	w, err := New(conf, oracle)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	w.now = func() time.Time {
		return time.Date(2021, 3, 14, 15, 9, 26, 535000000, time.UTC)
	}
	return w, func() {
		w.Close()
		os.RemoveAll(dir)
	}
}

func node(id int64, lat, long float64) *osm.Node {
	return &osm.Node{Element: osm.Element{ID: id}, Lat: lat, Long: long}
}

func TestIsolatedRun(t *testing.T) {
	w, done := newTestWriter(t, Config{Mode: Isolated, ChangesetUserID: 5}, &stubOracle{
		next: map[apidb.Kind]int64{
			apidb.Changeset: 1, apidb.Node: 100, apidb.Way: 200, apidb.Relation: 300,
		},
	})
	defer done()

	n := node(11, 51.501, -0.142)
	n.Tags = osm.Tags{"name": "origin"}
	if err := w.WriteNode(n); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteNode(node(12, 51.502, -0.141)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteWay(&osm.Way{Element: osm.Element{ID: 21}, Refs: []int64{11, 12}}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRelation(&osm.Relation{
		Element: osm.Element{ID: 31},
		Members: []osm.Member{
			{ID: 11, Type: osm.NodeMember, Role: "stop"},
			{ID: 21, Type: osm.WayMember, Role: "route"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	artifact, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if artifact == nil {
		t.Fatal("expected an artifact")
	}
	if artifact.Deltas != nil {
		t.Fatal("isolated mode must not rewrite")
	}

	data, err := ioutil.ReadFile(artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	if !strings.HasPrefix(out, "BEGIN TRANSACTION;\n") || !strings.HasSuffix(out, "COMMIT;\n") {
		t.Fatal("transaction framing missing")
	}

	for _, want := range []string{
		// sequence updates come first and advance past the written data
		"SELECT pg_catalog.setval('changesets_id_seq', 1);",
		"SELECT pg_catalog.setval('current_nodes_id_seq', 101);",
		"SELECT pg_catalog.setval('current_ways_id_seq', 200);",
		"SELECT pg_catalog.setval('current_relations_id_seq', 300);",
		// changeset row with extent of the two nodes and element count 4
		"1\t5\t2021-03-14 15:09:26.535\t515010000\t515020000\t-1420000\t-1410000\t2021-03-14 15:09:26.535\t4\n",
		// node rows, current and historical
		"100\t515010000\t-1420000\t1\tt\t2021-03-14 15:09:26.535\t",
		"100\tname\torigin\n",
		"100\t1\tname\torigin\n",
		// way rows and ordered node references
		"200\t1\t2021-03-14 15:09:26.535\tt\t1\n",
		"200\t100\t1\n",
		"200\t101\t2\n",
		"200\t100\t1\t1\n",
		// relation members with mapped destination ids
		"300\tNode\t100\tstop\t1\n",
		"300\tWay\t200\troute\t2\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in artifact", want)
		}
	}

	// sections appear in dependency order
	last := -1
	for _, marker := range []string{
		"COPY changesets ", "COPY current_nodes ", "COPY nodes ",
		"COPY current_ways ", "COPY current_way_nodes ", "COPY ways ",
		"COPY current_relations ", "COPY current_relation_members ",
	} {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatal("missing section:", marker)
		}
		if idx < last {
			t.Fatal("section out of order:", marker)
		}
		last = idx
	}

	stats := w.Stats()
	if stats[apidb.Node] != 2 || stats[apidb.Way] != 1 || stats[apidb.Relation] != 1 || stats[apidb.Changeset] != 1 {
		t.Fatal("unexpected stats:", stats)
	}
}

func TestSharedRunReservesAndRewrites(t *testing.T) {
	oracle := &stubOracle{
		next: map[apidb.Kind]int64{
			apidb.Changeset: 1, apidb.Node: 100, apidb.Way: 200, apidb.Relation: 300,
		},
	}
	w, done := newTestWriter(t, Config{Mode: Shared, ChangesetUserID: 5}, oracle)
	defer done()

	if err := w.WriteNode(node(11, 1.0, 2.0)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteNode(node(12, 1.5, 2.5)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteWay(&osm.Way{Element: osm.Element{ID: 21}, Refs: []int64{11, 12}}); err != nil {
		t.Fatal(err)
	}

	// a concurrent writer consumed ids since this run fetched its bases
	oracle.next[apidb.Node] = 150
	oracle.next[apidb.Changeset] = 7

	artifact, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	if oracle.reserved[apidb.Node] != 2 || oracle.reserved[apidb.Way] != 1 || oracle.reserved[apidb.Changeset] != 1 {
		t.Fatal("unexpected reservation counts:", oracle.reserved)
	}
	if _, ok := oracle.reserved[apidb.Relation]; ok {
		t.Fatal("reserved ids for a kind without elements")
	}
	if artifact.Deltas[apidb.Node] != 50 || artifact.Deltas[apidb.Changeset] != 6 || artifact.Deltas[apidb.Way] != 0 {
		t.Fatal("unexpected deltas:", artifact.Deltas)
	}

	data, err := ioutil.ReadFile(artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "setval") {
		t.Fatal("shared mode artifact must not carry sequence updates")
	}
	for _, want := range []string{
		// node ids moved into the reserved range, changeset reference follows
		"150\t10000000\t20000000\t7\tt",
		"151\t15000000\t25000000\t7\tt",
		// way references the shifted node ids
		"200\t150\t1\n",
		"200\t151\t2\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in rewritten artifact", want)
		}
	}
	if strings.Contains(out, "\t100\t1\t") || strings.Contains(out, "100\t10000000") {
		t.Fatal("provisional ids survived the rewrite")
	}

	// the reserved range is disjoint from the concurrent writer's ids
	if oracle.next[apidb.Node] != 152 {
		t.Fatal("node sequence not advanced past the reservation:", oracle.next[apidb.Node])
	}
}

func TestEmptyRun(t *testing.T) {
	oracle := &stubOracle{}
	w, done := newTestWriter(t, Config{Mode: Shared, ChangesetUserID: 5}, oracle)
	defer done()

	artifact, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if artifact != nil {
		t.Fatal("empty run must not produce an artifact")
	}
	if oracle.reserved != nil {
		t.Fatal("empty run must not reserve ids")
	}
}

func TestWayUnknownNodeRef(t *testing.T) {
	w, done := newTestWriter(t, Config{Mode: Isolated, ChangesetUserID: 5}, &stubOracle{})
	defer done()

	if err := w.WriteNode(node(11, 1.0, 2.0)); err != nil {
		t.Fatal(err)
	}
	err := w.WriteWay(&osm.Way{Element: osm.Element{ID: 21}, Refs: []int64{11, 99}})
	if err == nil {
		t.Fatal("reference to unknown node not detected")
	}
	if !strings.Contains(err.Error(), "node 99") {
		t.Fatal("unexpected error:", err)
	}
}

func TestDuplicateElement(t *testing.T) {
	w, done := newTestWriter(t, Config{Mode: Isolated, ChangesetUserID: 5}, &stubOracle{})
	defer done()

	if err := w.WriteNode(node(11, 1.0, 2.0)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteNode(node(11, 1.0, 2.0)); err == nil {
		t.Fatal("duplicate node not detected")
	}
}

func TestCoordinateRange(t *testing.T) {
	w, done := newTestWriter(t, Config{Mode: Isolated, ChangesetUserID: 5}, &stubOracle{})
	defer done()

	if err := w.WriteNode(node(11, 91.0, 0.0)); err == nil {
		t.Fatal("out of range latitude not detected")
	}
}
