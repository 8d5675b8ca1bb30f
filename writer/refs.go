package writer

import (
	"fmt"
	"strings"

	"github.com/osmtools/apidbload/apidb"
)

type refKey struct {
	kind  apidb.Kind
	srcID int64
}

// pendingRef is a relation member whose target element was not mapped
// yet when the relation arrived. The ordinal is the member's position
// in the relation at submission time and is what ends up in the
// output, regardless of when the member resolves.
type pendingRef struct {
	relationID int64 // destination id of the referencing relation
	role       string
	ordinal    int
}

// pendingRefs holds all unresolved relation member references, keyed
// by the member they wait for. Several relations may wait for the
// same member.
type pendingRefs struct {
	refs map[refKey][]pendingRef
}

func newPendingRefs() *pendingRefs {
	return &pendingRefs{refs: make(map[refKey][]pendingRef)}
}

func (p *pendingRefs) add(kind apidb.Kind, srcID int64, ref pendingRef) {
	key := refKey{kind, srcID}
	p.refs[key] = append(p.refs[key], ref)
}

// take removes and returns all references waiting for the element.
func (p *pendingRefs) take(kind apidb.Kind, srcID int64) []pendingRef {
	key := refKey{kind, srcID}
	refs, ok := p.refs[key]
	if !ok {
		return nil
	}
	delete(p.refs, key)
	return refs
}

func (p *pendingRefs) len() int {
	n := 0
	for _, refs := range p.refs {
		n += len(refs)
	}
	return n
}

// UnresolvedReferenceError reports relation members that were never
// supplied during the run. Permanently missing members are fatal, the
// loader does not silently drop memberships.
type UnresolvedReferenceError struct {
	Refs []UnresolvedReference
}

// UnresolvedReference describes one missing member.
type UnresolvedReference struct {
	MemberKind     apidb.Kind
	MemberSourceID int64
	RelationID     int64
	Ordinal        int
}

func (e *UnresolvedReferenceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved relation member reference(s):", len(e.Refs))
	for i, ref := range e.Refs {
		if i == 5 {
			fmt.Fprintf(&b, " ...")
			break
		}
		fmt.Fprintf(&b, " relation %d member %d references missing %s %d;",
			ref.RelationID, ref.Ordinal, ref.MemberKind, ref.MemberSourceID)
	}
	return b.String()
}

func (p *pendingRefs) unresolvedError() *UnresolvedReferenceError {
	if len(p.refs) == 0 {
		return nil
	}
	err := &UnresolvedReferenceError{}
	for key, refs := range p.refs {
		for _, ref := range refs {
			err.Refs = append(err.Refs, UnresolvedReference{
				MemberKind:     key.kind,
				MemberSourceID: key.srcID,
				RelationID:     ref.relationID,
				Ordinal:        ref.ordinal,
			})
		}
	}
	return err
}
