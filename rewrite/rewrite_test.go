package rewrite

import (
	"bytes"
	"strings"
	"testing"

	"github.com/osmtools/apidbload/apidb"
)

const rewriteFixture = `BEGIN TRANSACTION;
COPY changesets (id, user_id, created_at, min_lat, max_lat, min_lon, max_lon, closed_at, num_changes) FROM stdin;
1	5	2021-03-14 15:09:26.535	\N	\N	\N	\N	2021-03-14 15:09:26.535	3
\.


COPY current_nodes (id, latitude, longitude, changeset_id, visible, "timestamp", tile, version) FROM stdin;
10	515010000	1800000000	1	t	2021-03-14 15:09:26.535	12345	1
\.


COPY current_node_tags (node_id, k, v) FROM stdin;
10	name	value
\.


COPY current_way_nodes (way_id, node_id, sequence_id) FROM stdin;
20	10	1
\.


COPY current_relation_members (relation_id, member_type, member_id, member_role, sequence_id) FROM stdin;
30	Node	10	stop	1
30	Way	20	route	2
30	Relation	31	sub	3
\.


COMMIT;
`

func TestRewriteIdentity(t *testing.T) {
	deltas := Deltas{apidb.Node: 0, apidb.Way: 0, apidb.Relation: 0, apidb.Changeset: 0}
	if !deltas.Zero() {
		t.Fatal("zero deltas not detected")
	}

	buf := bytes.Buffer{}
	if err := Rewrite(strings.NewReader(rewriteFixture), &buf, deltas); err != nil {
		t.Fatal(err)
	}
	if buf.String() != rewriteFixture {
		t.Fatal("zero delta rewrite must be byte-identical")
	}
}

func TestRewriteShift(t *testing.T) {
	deltas := Deltas{
		apidb.Node:      1000,
		apidb.Way:       2000,
		apidb.Relation:  3000,
		apidb.Changeset: 100,
	}
	if deltas.Zero() {
		t.Fatal("non-zero deltas reported as zero")
	}

	buf := bytes.Buffer{}
	if err := Rewrite(strings.NewReader(rewriteFixture), &buf, deltas); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		// changeset id shifted, user id and counters untouched
		"101\t5\t2021-03-14 15:09:26.535",
		// node id and changeset reference shifted, coordinates untouched
		"1010\t515010000\t1800000000\t101\tt",
		// tag owner shifted
		"1010\tname\tvalue\n",
		// way and node reference shifted
		"2020\t1010\t1\n",
		// member ids shifted by their member_type kind
		"3030\tNode\t1010\tstop\t1\n",
		"3030\tWay\t2020\troute\t2\n",
		"3030\tRelation\t3031\tsub\t3\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in rewritten artifact", want)
		}
	}
	if !strings.HasPrefix(out, "BEGIN TRANSACTION;\n") || !strings.HasSuffix(out, "COMMIT;\n") {
		t.Fatal("transaction framing lost")
	}
	if strings.Count(out, "\\.\n\n\n") != strings.Count(rewriteFixture, "\\.\n\n\n") {
		t.Fatal("end markers lost")
	}
}

func TestRewriteUnknownTablePassthrough(t *testing.T) {
	in := "COPY schema_migrations (version) FROM stdin;\nnot-an-id\n\\.\n"
	buf := bytes.Buffer{}
	if err := Rewrite(strings.NewReader(in), &buf, Deltas{apidb.Node: 5}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != in {
		t.Fatal("unknown table must pass through unchanged")
	}
}

func TestRewriteFormatErrors(t *testing.T) {
	deltas := Deltas{apidb.Node: 1}

	// wrong number of columns
	in := "COPY current_node_tags (node_id, k, v) FROM stdin;\n10\tname\n\\.\n"
	err := Rewrite(strings.NewReader(in), &bytes.Buffer{}, deltas)
	ferr, ok := err.(*FormatError)
	if !ok {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if ferr.Table != "current_node_tags" || ferr.Line != 2 {
		t.Fatal("unexpected error location:", ferr)
	}

	// id column that is not an integer
	in = "COPY current_node_tags (node_id, k, v) FROM stdin;\nten\tname\tvalue\n\\.\n"
	if _, ok := Rewrite(strings.NewReader(in), &bytes.Buffer{}, deltas).(*FormatError); !ok {
		t.Fatal("non-integer id not detected")
	}

	// member type outside the schema
	in = "COPY current_relation_members (relation_id, member_type, member_id, member_role, sequence_id) FROM stdin;\n1\tBogus\t2\trole\t1\n\\.\n"
	if _, ok := Rewrite(strings.NewReader(in), &bytes.Buffer{}, deltas).(*FormatError); !ok {
		t.Fatal("unknown member type not detected")
	}
}

func TestRewriteMemberTypeCase(t *testing.T) {
	// member_type matching is case-insensitive
	in := "COPY current_relation_members (relation_id, member_type, member_id, member_role, sequence_id) FROM stdin;\n1\tway\t2\trole\t1\n\\.\n"
	buf := bytes.Buffer{}
	if err := Rewrite(strings.NewReader(in), &buf, Deltas{apidb.Way: 10}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "1\tway\t12\trole\t1\n") {
		t.Fatalf("lowercase member type not shifted: %q", buf.String())
	}
}
