// Package apidb models the OSM API database schema as far as the bulk
// loader needs it: table and sequence names, column orders, COPY
// framing and text encoding, and access to the shared id sequences.
package apidb

import "strings"

// Kind identifies one of the independent identifier spaces of the API
// database. Nodes, ways, relations and changesets each draw their
// destination ids from their own sequence.
type Kind int

const (
	Node Kind = iota
	Way
	Relation
	Changeset
)

func (k Kind) String() string {
	switch k {
	case Node:
		return "node"
	case Way:
		return "way"
	case Relation:
		return "relation"
	case Changeset:
		return "changeset"
	}
	return "unknown"
}

// MemberString returns the member_type value used by the relation
// member tables.
func (k Kind) MemberString() string {
	switch k {
	case Node:
		return "Node"
	case Way:
		return "Way"
	case Relation:
		return "Relation"
	}
	return ""
}

// MemberKind maps a member_type column value back to a Kind.
// The column is matched case-insensitively, as in the API db tools.
func MemberKind(memberType string) (Kind, bool) {
	switch strings.ToLower(memberType) {
	case "node":
		return Node, true
	case "way":
		return Way, true
	case "relation":
		return Relation, true
	}
	return 0, false
}

const (
	ChangesetsTable             = "changesets"
	CurrentNodesTable           = "current_nodes"
	CurrentNodeTagsTable        = "current_node_tags"
	NodesTable                  = "nodes"
	NodeTagsTable               = "node_tags"
	CurrentWaysTable            = "current_ways"
	CurrentWayNodesTable        = "current_way_nodes"
	CurrentWayTagsTable         = "current_way_tags"
	WaysTable                   = "ways"
	WayNodesTable               = "way_nodes"
	WayTagsTable                = "way_tags"
	CurrentRelationsTable       = "current_relations"
	CurrentRelationMembersTable = "current_relation_members"
	CurrentRelationTagsTable    = "current_relation_tags"
	RelationsTable              = "relations"
	RelationMembersTable        = "relation_members"
	RelationTagsTable           = "relation_tags"

	// SequenceUpdatesSection holds plain SQL statements instead of COPY
	// data and is only present in isolated mode.
	SequenceUpdatesSection = "sequence_updates"
)

// TableColumns lists the column order of each destination table, as it
// appears in the COPY begin marker.
var TableColumns = map[string][]string{
	ChangesetsTable:             {"id", "user_id", "created_at", "min_lat", "max_lat", "min_lon", "max_lon", "closed_at", "num_changes"},
	CurrentNodesTable:           {"id", "latitude", "longitude", "changeset_id", "visible", "timestamp", "tile", "version"},
	CurrentNodeTagsTable:        {"node_id", "k", "v"},
	NodesTable:                  {"node_id", "latitude", "longitude", "changeset_id", "visible", "timestamp", "tile", "version", "redaction_id"},
	NodeTagsTable:               {"node_id", "version", "k", "v"},
	CurrentWaysTable:            {"id", "changeset_id", "timestamp", "visible", "version"},
	CurrentWayNodesTable:        {"way_id", "node_id", "sequence_id"},
	CurrentWayTagsTable:         {"way_id", "k", "v"},
	WaysTable:                   {"way_id", "changeset_id", "timestamp", "version", "visible", "redaction_id"},
	WayNodesTable:               {"way_id", "node_id", "version", "sequence_id"},
	WayTagsTable:                {"way_id", "version", "k", "v"},
	CurrentRelationsTable:       {"id", "changeset_id", "timestamp", "visible", "version"},
	CurrentRelationMembersTable: {"relation_id", "member_type", "member_id", "member_role", "sequence_id"},
	CurrentRelationTagsTable:    {"relation_id", "k", "v"},
	RelationsTable:              {"relation_id", "changeset_id", "timestamp", "version", "visible", "redaction_id"},
	RelationMembersTable:        {"relation_id", "member_type", "member_id", "member_role", "version", "sequence_id"},
	RelationTagsTable:           {"relation_id", "version", "k", "v"},
}

// SectionOrder lists all artifact sections in referential dependency
// order. A single sequential replay of the artifact then never
// references a row that has not been inserted yet: changesets before
// nodes, nodes before ways, ways before relations, and each element
// table before its tag and membership tables.
var SectionOrder = []string{
	SequenceUpdatesSection,
	ChangesetsTable,
	CurrentNodesTable,
	CurrentNodeTagsTable,
	NodesTable,
	NodeTagsTable,
	CurrentWaysTable,
	CurrentWayNodesTable,
	CurrentWayTagsTable,
	WaysTable,
	WayNodesTable,
	WayTagsTable,
	CurrentRelationsTable,
	CurrentRelationMembersTable,
	CurrentRelationTagsTable,
	RelationsTable,
	RelationMembersTable,
	RelationTagsTable,
}

// CopyHeader returns the begin marker of a table section. The
// "timestamp" column needs quoting, it is a reserved word.
func CopyHeader(table string) string {
	cols := TableColumns[table]
	quoted := make([]string, len(cols))
	for i, col := range cols {
		if col == "timestamp" {
			quoted[i] = `"timestamp"`
		} else {
			quoted[i] = col
		}
	}
	return "COPY " + table + " (" + strings.Join(quoted, ", ") + ") FROM stdin;\n"
}

// SequenceName returns the id sequence that backs the given kind.
func SequenceName(k Kind) string {
	switch k {
	case Node:
		return "current_nodes_id_seq"
	case Way:
		return "current_ways_id_seq"
	case Relation:
		return "current_relations_id_seq"
	case Changeset:
		return "changesets_id_seq"
	}
	return ""
}

// IDKinds lists the kinds in the order reservation and sequence
// updates are applied.
var IDKinds = []Kind{Changeset, Node, Way, Relation}
