// Package dataset declares the contract the core consumes from the
// out-of-scope dataflow engine: a partitioned, lazily-evaluated Dataset
// handle, its Dependency edges, and the opaque Transformation variants the
// transformation lifter (pkg/tagged) knows how to lift.
//
// Nothing in this package touches partitioning, scheduling, or shuffle
// transport — those stay inside whatever engine implements Dataset.
// internal/engine provides the one concrete implementation this module
// ships, used to exercise the core end to end.
package dataset

import "context"

// DependencyKind distinguishes a narrow (one-to-one/one-to-many, single
// parent partition) dependency from a shuffle (all-to-all) dependency.
type DependencyKind int

const (
	Narrow DependencyKind = iota
	Shuffle
)

func (k DependencyKind) String() string {
	if k == Shuffle {
		return "shuffle"
	}
	return "narrow"
}

// Dependency is one edge from a dataset to a parent dataset.
type Dependency struct {
	Kind   DependencyKind
	Parent Dataset
}

// Element is the opaque per-row value a Dataset carries. The core never
// inspects it; user functions close over concrete types via Transformation.
type Element = interface{}

// Partition identifies one partition of a Dataset by its index.
type Partition struct {
	Index int
}

// Dataset is the engine handle the core operates on. Implementations are
// expected to be lazy: Map/Filter/FlatMap/Union/Cartesian/Shuffle build a
// new Dataset description without evaluating anything until Collect or
// CollectPartition forces it.
type Dataset interface {
	// ID is a small integer, stable for the dataset's lifetime.
	ID() int
	// Dependencies lists this dataset's direct parent edges. A source
	// dataset (no parents) returns nil.
	Dependencies() []Dependency
	// NumPartitions reports how many partitions this dataset has.
	NumPartitions() int
	// Transformation exposes the opaque operation that produced this
	// dataset from its dependencies, for the lifter to pattern-match on.
	// Source datasets return nil.
	Transformation() Transformation

	// Map, Filter, FlatMap, Union, Cartesian and Shuffle build new lazy
	// datasets. They are the engine-contract mirror of Transformation's
	// variants: calling Map(f) on a Dataset must produce a Dataset whose
	// Transformation() is a Map wrapping f, and so on.
	Map(f func(Element) Element) Dataset
	Filter(p func(Element) bool) Dataset
	FlatMap(f func(Element) []Element) Dataset
	Union(other Dataset) Dataset
	Cartesian(other Dataset) Dataset
	ShuffleGroupByKey(keyOf func(Element) Element) Dataset
	ShuffleReduceByKey(keyOf func(Element) Element, reduce func(a, b Element) Element) Dataset

	// Collect forces evaluation and returns every element across every
	// partition, in partition order. Blocking barrier (§5).
	Collect(ctx context.Context) ([]Element, error)
	// CollectPartition forces evaluation of a single partition.
	CollectPartition(ctx context.Context, partition int) ([]Element, error)
}

// Broadcast models an immutable value sent from the driver to every
// worker, used to hand a reduced Tag set back into a predicate.
type Broadcast struct {
	Value interface{}
}

// NewBroadcast wraps a value as a Broadcast snapshot.
func NewBroadcast(v interface{}) Broadcast { return Broadcast{Value: v} }
