// Package uniquetag implements component D: deterministic assignment of a
// fresh tag id to every element of a dataset's source partitions, stable
// across re-evaluation so that a trace run today and a trace run
// tomorrow over the same data assign the same ids to the same elements.
package uniquetag

import (
	"context"

	"lineagetrace/pkg/dataset"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/tag"
	"lineagetrace/pkg/tagged"
	"lineagetrace/pkg/workerpool"
)

// partitionBits reserves the low bits of the id for the in-partition
// index and the high bits for the partition number, so ids never collide
// across partitions and the (partition, index) pair used to build an id
// can be recovered from it without a side table.
const partitionBits = 32

// Encode packs a (partition, index) coordinate into a single tag id. index
// must fit in partitionBits bits, or TagSpaceExhausted is returned.
func Encode(partition, index int) (uint64, error) {
	if index < 0 || index >= (1<<partitionBits) || partition < 0 {
		return 0, apperrors.TagSpaceExhausted("uniquetag", "Encode")
	}
	return uint64(partition)<<partitionBits | uint64(index), nil
}

// Decode recovers the (partition, index) coordinate an id was built from.
func Decode(id uint64) (partition, index int) {
	return int(id >> partitionBits), int(id & (1<<partitionBits - 1))
}

// sourceMaterializer is the subset of *internal/engine.Engine that Tag
// needs: the ability to turn precomputed partitions back into a Dataset
// capable of further transformation. internal/engine depends on pkg/dataset,
// and pkg/tagged depends on pkg/dataset — uniquetag sits above both, so it
// takes this narrow interface instead of importing internal/engine
// directly and risking a cycle as the engine grows.
type sourceMaterializer interface {
	Source(partitions [][]dataset.Element) dataset.Dataset
}

// Tag wraps every element of source with a singleton tag uniquely
// identifying its (partition index, in-partition offset), producing the
// base tagged dataset that every lift in pkg/tagged is built up from.
//
// source partitions are collected once (forcing full materialization) so
// each element can be assigned a stable offset; this mirrors how a real
// engine assigns row ids when a source is first read, not something done
// lazily per-trace. The returned Dataset is produced by eng.Source, so it
// supports the full Map/Filter/.../ShuffleReduceByKey surface like any
// other dataset — pkg/tagged.Lift can use it as a tagged parent directly.
func Tag(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset) (dataset.Dataset, error) {
	n := source.NumPartitions()
	out := make([][]dataset.Element, n)

	err := pool.RunAll(ctx, n, func(ctx context.Context, partition int) error {
		elems, err := source.CollectPartition(ctx, partition)
		if err != nil {
			return err
		}
		tagged_ := make([]dataset.Element, len(elems))
		for i, e := range elems {
			id, err := Encode(partition, i)
			if err != nil {
				return err
			}
			t, err := tag.Singleton(id)
			if err != nil {
				return err
			}
			tagged_[i] = tagged.Of(e, t)
		}
		out[partition] = tagged_
		return nil
	})
	if err != nil {
		return nil, apperrors.EngineFailure("uniquetag", "Tag", err)
	}

	return eng.Source(out), nil
}
