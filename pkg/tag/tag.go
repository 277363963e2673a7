// Package tag implements the tag algebra: finite sets of non-negative
// element-identity integers that propagate through tagged datasets.
//
// A Tag value is immutable once constructed, so it can be broadcast to
// workers and shared across goroutines without locking — every operation
// (Union, Intersect) returns a new Tag rather than mutating its receiver,
// the same copy-on-write discipline the teacher's LabelsCOW type uses for
// label maps.
package tag

import (
	"fmt"
	"sort"

	apperrors "lineagetrace/pkg/errors"
)

// maxID bounds the id space; ids are unbounded non-negative in principle,
// but this implementation keeps them in 63 bits so a Tag can be encoded as
// a sorted []uint64 without sign ambiguity.
const maxID = uint64(1)<<63 - 1

// Tag is a finite, immutable set of element-identity ids.
type Tag struct {
	// ids is always kept sorted and deduplicated. A nil/empty slice is the
	// empty tag.
	ids []uint64
}

// Empty returns the empty tag — "no traced source contributed".
func Empty() Tag { return Tag{} }

// Singleton returns a tag containing exactly one id.
func Singleton(id uint64) (Tag, error) {
	if id > maxID {
		return Tag{}, apperrors.TagSpaceExhausted("tag", "Singleton")
	}
	return Tag{ids: []uint64{id}}, nil
}

// MustSingleton panics on overflow; only safe for ids known to be in range,
// such as in tests and literal fixtures.
func MustSingleton(id uint64) Tag {
	t, err := Singleton(id)
	if err != nil {
		panic(err)
	}
	return t
}

// IsEmpty reports whether the tag carries no ids.
func (t Tag) IsEmpty() bool { return len(t.ids) == 0 }

// IsNonEmpty is the dual of IsEmpty, matching the spec's naming.
func (t Tag) IsNonEmpty() bool { return len(t.ids) > 0 }

// Len returns the number of distinct ids in the tag.
func (t Tag) Len() int { return len(t.ids) }

// Contains reports whether id is a member of the tag.
func (t Tag) Contains(id uint64) bool {
	i := sort.Search(len(t.ids), func(i int) bool { return t.ids[i] >= id })
	return i < len(t.ids) && t.ids[i] == id
}

// Ids returns the tag's members in ascending order. The returned slice must
// not be mutated by the caller.
func (t Tag) Ids() []uint64 { return t.ids }

// Union returns a ∪ b. Commutative, associative, idempotent, with identity
// Empty().
func Union(a, b Tag) Tag {
	if len(a.ids) == 0 {
		return b
	}
	if len(b.ids) == 0 {
		return a
	}
	merged := make([]uint64, 0, len(a.ids)+len(b.ids))
	i, j := 0, 0
	for i < len(a.ids) && j < len(b.ids) {
		switch {
		case a.ids[i] < b.ids[j]:
			merged = append(merged, a.ids[i])
			i++
		case a.ids[i] > b.ids[j]:
			merged = append(merged, b.ids[j])
			j++
		default:
			merged = append(merged, a.ids[i])
			i++
			j++
		}
	}
	merged = append(merged, a.ids[i:]...)
	merged = append(merged, b.ids[j:]...)
	return Tag{ids: merged}
}

// Union is the method form of the package-level Union.
func (t Tag) Union(other Tag) Tag { return Union(t, other) }

// Intersect returns a ∩ b. Distributes over Union.
func Intersect(a, b Tag) Tag {
	if len(a.ids) == 0 || len(b.ids) == 0 {
		return Tag{}
	}
	var out []uint64
	i, j := 0, 0
	for i < len(a.ids) && j < len(b.ids) {
		switch {
		case a.ids[i] < b.ids[j]:
			i++
		case a.ids[i] > b.ids[j]:
			j++
		default:
			out = append(out, a.ids[i])
			i++
			j++
		}
	}
	return Tag{ids: out}
}

// Intersect is the method form of the package-level Intersect.
func (t Tag) Intersect(other Tag) Tag { return Intersect(t, other) }

// Fold reduces a sequence of tags with op, starting from zero. The trace
// engine uses this to collapse the tags of every matching element in a
// predicate reduction into one broadcast value.
func Fold(seq []Tag, op func(a, b Tag) Tag, zero Tag) Tag {
	acc := zero
	for _, t := range seq {
		acc = op(acc, t)
	}
	return acc
}

// FoldUnion is Fold specialized to Union/Empty, the common case (§4.A
// "fold(seq, op=union, zero=empty)").
func FoldUnion(seq []Tag) Tag {
	return Fold(seq, Union, Empty())
}

func (t Tag) String() string {
	return fmt.Sprintf("Tag%v", t.ids)
}

// Builder accumulates ids (for example, from the partitions of one stage)
// and then Freeze()s into an immutable Tag snapshot safe to broadcast. It
// holds no lock; SyncBuilder is the variant for concurrent producers.
// This mirrors the teacher's LabelsCOW: a mutable accumulation phase
// followed by copy-on-write handoff to read-only sharing.
type Builder struct {
	seen map[uint64]struct{}
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[uint64]struct{})}
}

// Add merges t's ids into the builder. Safe to call from one goroutine at a
// time per Builder; callers that fan out across workers must synchronize
// their own calls (see pkg/tag.SyncBuilder for a locking variant).
func (b *Builder) Add(t Tag) {
	for _, id := range t.ids {
		b.seen[id] = struct{}{}
	}
}

// Freeze materializes the accumulated ids into an immutable, sorted Tag.
// The Builder remains usable afterward; Freeze takes a fresh copy so the
// returned Tag is never aliased by further Add calls.
func (b *Builder) Freeze() Tag {
	if len(b.seen) == 0 {
		return Tag{}
	}
	ids := make([]uint64, 0, len(b.seen))
	for id := range b.seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return Tag{ids: ids}
}
