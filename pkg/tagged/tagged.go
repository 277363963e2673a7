// Package tagged implements components B and C of the lineage core: the
// Tagged element wrapper and the transformation lifter that, given an
// opaque user transformation on an untagged dataset, produces the
// corresponding transformation on tagged datasets.
//
// A tagged dataset is an ordinary pkg/dataset.Dataset whose elements are
// all Element values — the lifter never needs its own Dataset
// implementation, it just drives the same narrow/shuffle operations the
// engine already exposes, with wrapper closures that thread the tag field
// through.
package tagged

import (
	"fmt"

	"lineagetrace/pkg/dataset"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/tag"
)

// Element is one tagged value: an underlying dataset element paired with
// the set of source-element ids whose identity propagated to it.
type Element struct {
	Elem dataset.Element
	Tag  tag.Tag
}

// Of wraps a raw dataset.Element with tag t.
func Of(elem dataset.Element, t tag.Tag) Element {
	return Element{Elem: elem, Tag: t}
}

// Untag extracts the tagged.Element from a raw dataset.Element, panicking
// if the wrapping invariant was violated — every element flowing through a
// tagged dataset must be a tagged.Element, or the lifter has a bug.
func Untag(e dataset.Element) Element {
	te, ok := e.(Element)
	if !ok {
		panic(fmt.Sprintf("tagged: expected tagged.Element, got %T", e))
	}
	return te
}

// Lift produces, from ds's own transformation, the corresponding
// transformation over taggedParents — the already-tagged versions of ds's
// dependencies, in the same order dataset.Parents(ds.Transformation())
// returns them. ds itself is only consulted for its Transformation(); the
// returned Dataset is built entirely from taggedParents.
//
// A source dataset (ds.Transformation() == nil) cannot be lifted this way;
// callers tag sources with pkg/uniquetag or an all-empty map instead.
func Lift(ds dataset.Dataset, taggedParents []dataset.Dataset) (dataset.Dataset, error) {
	t := ds.Transformation()
	if t == nil {
		return nil, apperrors.UnsupportedLineageOp("tagged", "Lift", "<source>")
	}

	switch v := t.(type) {
	case dataset.Map:
		return liftMap(taggedParents[0], v), nil
	case dataset.Filter:
		return liftFilter(taggedParents[0], v), nil
	case dataset.FlatMap:
		return liftFlatMap(taggedParents[0], v), nil
	case dataset.Union:
		return liftUnion(taggedParents[0], taggedParents[1]), nil
	case dataset.Cartesian:
		return liftCartesian(taggedParents[0], taggedParents[1]), nil
	case dataset.ShuffleGroupByKey:
		return liftShuffleGroupByKey(taggedParents[0], v), nil
	case dataset.ShuffleReduceByKey:
		return liftShuffleReduceByKey(taggedParents[0], v), nil
	default:
		return nil, apperrors.UnsupportedLineageOp("tagged", "Lift", fmt.Sprintf("%T", t))
	}
}

func liftMap(parent dataset.Dataset, v dataset.Map) dataset.Dataset {
	return parent.Map(func(e dataset.Element) dataset.Element {
		te := Untag(e)
		return Of(v.Fn(te.Elem), te.Tag)
	})
}

func liftFilter(parent dataset.Dataset, v dataset.Filter) dataset.Dataset {
	return parent.Filter(func(e dataset.Element) bool {
		te := Untag(e)
		return v.Predicate(te.Elem)
	})
}

func liftFlatMap(parent dataset.Dataset, v dataset.FlatMap) dataset.Dataset {
	return parent.FlatMap(func(e dataset.Element) []dataset.Element {
		te := Untag(e)
		outs := v.Fn(te.Elem)
		results := make([]dataset.Element, len(outs))
		for i, u := range outs {
			// Fn is opaque: when te.Elem is a ShuffleGroupByKey record, the
			// common "ungroup" idiom (kv => kv.Values) hands back elements
			// that are already-tagged.Element values carrying their own
			// per-value tag (liftShuffleGroupByKey keeps Values tagged
			// individually, per spec's "each retained value keeps its tag").
			// Passing such a value through unchanged preserves that tag
			// instead of overwriting it with the group's merged tag.
			if already, ok := u.(Element); ok {
				results[i] = already
				continue
			}
			results[i] = Of(u, te.Tag)
		}
		return results
	})
}

// liftUnion needs no wrapper at all: both sides already carry Element
// values, each retaining the tag of its origin side, exactly as the spec
// requires ("tag of each element from its origin").
func liftUnion(left, right dataset.Dataset) dataset.Dataset {
	return left.Union(right)
}

func liftCartesian(left, right dataset.Dataset) dataset.Dataset {
	return left.Cartesian(right).Map(func(e dataset.Element) dataset.Element {
		p := e.(dataset.Pair)
		lt := Untag(p.Left)
		rt := Untag(p.Right)
		return Of(dataset.Pair{Left: lt.Elem, Right: rt.Elem}, lt.Tag.Union(rt.Tag))
	})
}

func liftShuffleGroupByKey(parent dataset.Dataset, v dataset.ShuffleGroupByKey) dataset.Dataset {
	grouped := parent.ShuffleGroupByKey(func(e dataset.Element) dataset.Element {
		return v.KeyOf(Untag(e).Elem)
	})
	return grouped.Map(func(e dataset.Element) dataset.Element {
		kvv := e.(dataset.KV)
		repTag := tag.Empty()
		rawValues := make([]dataset.Element, len(kvv.Values))
		for i, val := range kvv.Values {
			tv := Untag(val)
			repTag = repTag.Union(tv.Tag)
			rawValues[i] = val // keep values tagged; each retains its own tag
		}
		return Of(dataset.KV{Key: kvv.Key, Values: rawValues}, repTag)
	})
}

func liftShuffleReduceByKey(parent dataset.Dataset, v dataset.ShuffleReduceByKey) dataset.Dataset {
	reduced := parent.ShuffleReduceByKey(
		func(e dataset.Element) dataset.Element {
			return v.KeyOf(Untag(e).Elem)
		},
		func(a, b dataset.Element) dataset.Element {
			ta, tb := Untag(a), Untag(b)
			return Of(v.Reduce(ta.Elem, tb.Elem), ta.Tag.Union(tb.Tag))
		},
	)
	return reduced.Map(func(e dataset.Element) dataset.Element {
		kvv := e.(dataset.KV)
		tv := Untag(kvv.Value)
		return Of(dataset.KV{Key: kvv.Key, Value: tv.Elem}, tv.Tag)
	})
}
