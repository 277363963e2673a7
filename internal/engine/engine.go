// Package engine is a minimal in-process implementation of
// pkg/dataset.Dataset, standing in for the out-of-scope cluster dataflow
// engine. It exists only so the otherwise-abstract lineage core has at
// least one concrete Dataset to run traces against, in this repository's
// examples and tests. Partition evaluation runs on a small worker pool
// (pkg/workerpool) rather than across a cluster, but the narrow/shuffle
// dependency structure the core relies on is faithful to the real thing.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"

	"lineagetrace/pkg/dataset"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/workerpool"
)

// Engine owns id allocation and the worker pool shared by every dataset it
// creates.
type Engine struct {
	logger *logrus.Logger
	pool   *workerpool.WorkerPool

	mu        sync.Mutex
	nextID    int
	shuffleID int
	stageID   int
}

// New creates an Engine backed by a worker pool sized per poolConfig.
func New(logger *logrus.Logger, poolConfig workerpool.Config) (*Engine, error) {
	pool := workerpool.New(poolConfig, logger)
	if err := pool.Start(); err != nil {
		return nil, apperrors.EngineFailure("engine", "New", err)
	}
	return &Engine{logger: logger, pool: pool}, nil
}

// Close stops the worker pool.
func (e *Engine) Close() error { return e.pool.Stop() }

// Pool exposes the engine's worker pool to callers (the trace engine,
// stage walker, and unique tagger) that need to fan partition work out
// across it.
func (e *Engine) Pool() *workerpool.WorkerPool { return e.pool }

func (e *Engine) allocID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	return id
}

// UpdateDatasetID bumps the dataset id watermark so IDs the engine
// allocates after a log replay never collide with a replayed dataset's id
// (§6, WatermarkSink).
func (e *Engine) UpdateDatasetID(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n >= e.nextID {
		e.nextID = n + 1
	}
}

// UpdateShuffleID bumps the shuffle id watermark the same way.
func (e *Engine) UpdateShuffleID(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n >= e.shuffleID {
		e.shuffleID = n + 1
	}
}

// UpdateStageID bumps the stage id watermark the same way.
func (e *Engine) UpdateStageID(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n >= e.stageID {
		e.stageID = n + 1
	}
}

// Source creates a dataset whose partitions are exactly the given slices,
// with no dependencies.
func (e *Engine) Source(partitions [][]dataset.Element) dataset.Dataset {
	return &lazyDataset{
		engine:     e,
		id:         e.allocID(),
		partitions: partitions,
	}
}

// lazyDataset implements dataset.Dataset. Source datasets carry their data
// directly in partitions; derived datasets carry a transform and compute
// partitions on demand from their parent(s).
type lazyDataset struct {
	engine     *Engine
	id         int
	transform  dataset.Transformation // nil for sources
	partitions [][]dataset.Element    // only populated for sources

	once     sync.Once
	computed [][]dataset.Element
	computeErr error
}

func (d *lazyDataset) ID() int { return d.id }

func (d *lazyDataset) Transformation() dataset.Transformation { return d.transform }

func (d *lazyDataset) Dependencies() []dataset.Dependency {
	if d.transform == nil {
		return nil
	}
	kind := dataset.Narrow
	if dataset.IsShuffle(d.transform) {
		kind = dataset.Shuffle
	}
	var deps []dataset.Dependency
	for _, p := range dataset.Parents(d.transform) {
		deps = append(deps, dataset.Dependency{Kind: kind, Parent: p})
	}
	return deps
}

func (d *lazyDataset) NumPartitions() int {
	if d.transform == nil {
		return len(d.partitions)
	}
	switch t := d.transform.(type) {
	case dataset.Map, dataset.Filter, dataset.FlatMap:
		return dataset.Parents(d.transform)[0].NumPartitions()
	case dataset.Union:
		return t.Left.NumPartitions() + t.Right.NumPartitions()
	case dataset.Cartesian:
		return t.Left.NumPartitions() * t.Right.NumPartitions()
	case dataset.ShuffleGroupByKey:
		return dataset.Parents(d.transform)[0].NumPartitions()
	case dataset.ShuffleReduceByKey:
		return dataset.Parents(d.transform)[0].NumPartitions()
	default:
		return 0
	}
}

func (d *lazyDataset) newChild(t dataset.Transformation) dataset.Dataset {
	return &lazyDataset{engine: d.engine, id: d.engine.allocID(), transform: t}
}

func (d *lazyDataset) Map(f func(dataset.Element) dataset.Element) dataset.Dataset {
	return d.newChild(dataset.Map{Parent: d, Fn: f})
}

func (d *lazyDataset) Filter(p func(dataset.Element) bool) dataset.Dataset {
	return d.newChild(dataset.Filter{Parent: d, Predicate: p})
}

func (d *lazyDataset) FlatMap(f func(dataset.Element) []dataset.Element) dataset.Dataset {
	return d.newChild(dataset.FlatMap{Parent: d, Fn: f})
}

func (d *lazyDataset) Union(other dataset.Dataset) dataset.Dataset {
	return d.newChild(dataset.Union{Left: d, Right: other})
}

func (d *lazyDataset) Cartesian(other dataset.Dataset) dataset.Dataset {
	return d.newChild(dataset.Cartesian{Left: d, Right: other})
}

func (d *lazyDataset) ShuffleGroupByKey(keyOf func(dataset.Element) dataset.Element) dataset.Dataset {
	return d.newChild(dataset.ShuffleGroupByKey{Parent: d, KeyOf: keyOf})
}

func (d *lazyDataset) ShuffleReduceByKey(keyOf func(dataset.Element) dataset.Element, reduce func(a, b dataset.Element) dataset.Element) dataset.Dataset {
	return d.newChild(dataset.ShuffleReduceByKey{Parent: d, KeyOf: keyOf, Reduce: reduce})
}

// CollectPartition forces the single requested partition.
func (d *lazyDataset) CollectPartition(ctx context.Context, partition int) ([]dataset.Element, error) {
	parts, err := d.evaluate(ctx)
	if err != nil {
		return nil, err
	}
	if partition < 0 || partition >= len(parts) {
		return nil, apperrors.EngineFailure("engine", "CollectPartition", fmt.Errorf("partition %d out of range [0,%d)", partition, len(parts)))
	}
	return parts[partition], nil
}

// Collect forces every partition and concatenates them in order.
func (d *lazyDataset) Collect(ctx context.Context) ([]dataset.Element, error) {
	parts, err := d.evaluate(ctx)
	if err != nil {
		return nil, err
	}
	var out []dataset.Element
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (d *lazyDataset) evaluate(ctx context.Context) ([][]dataset.Element, error) {
	d.once.Do(func() {
		d.computed, d.computeErr = d.compute(ctx)
	})
	return d.computed, d.computeErr
}

func (d *lazyDataset) compute(ctx context.Context) ([][]dataset.Element, error) {
	if d.transform == nil {
		return d.partitions, nil
	}

	switch t := d.transform.(type) {
	case dataset.Map:
		return d.computeNarrow(ctx, t.Parent, func(e dataset.Element) []dataset.Element {
			return []dataset.Element{t.Fn(e)}
		})
	case dataset.Filter:
		return d.computeNarrow(ctx, t.Parent, func(e dataset.Element) []dataset.Element {
			if t.Predicate(e) {
				return []dataset.Element{e}
			}
			return nil
		})
	case dataset.FlatMap:
		return d.computeNarrow(ctx, t.Parent, t.Fn)
	case dataset.Union:
		return d.computeUnion(ctx, t.Left, t.Right)
	case dataset.Cartesian:
		return d.computeCartesian(ctx, t.Left, t.Right)
	case dataset.ShuffleGroupByKey:
		return d.computeShuffle(ctx, t.Parent, t.KeyOf, nil)
	case dataset.ShuffleReduceByKey:
		return d.computeShuffle(ctx, t.Parent, t.KeyOf, t.Reduce)
	default:
		return nil, apperrors.UnsupportedLineageOp("engine", "compute", fmt.Sprintf("%T", t))
	}
}

func (d *lazyDataset) computeNarrow(ctx context.Context, parent dataset.Dataset, fn func(dataset.Element) []dataset.Element) ([][]dataset.Element, error) {
	n := parent.NumPartitions()
	out := make([][]dataset.Element, n)
	err := d.engine.pool.RunAll(ctx, n, func(ctx context.Context, i int) error {
		in, err := parent.CollectPartition(ctx, i)
		if err != nil {
			return err
		}
		var res []dataset.Element
		for _, e := range in {
			res = append(res, fn(e)...)
		}
		out[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *lazyDataset) computeUnion(ctx context.Context, left, right dataset.Dataset) ([][]dataset.Element, error) {
	ln, rn := left.NumPartitions(), right.NumPartitions()
	out := make([][]dataset.Element, ln+rn)
	err := d.engine.pool.RunAll(ctx, ln+rn, func(ctx context.Context, i int) error {
		if i < ln {
			p, err := left.CollectPartition(ctx, i)
			out[i] = p
			return err
		}
		p, err := right.CollectPartition(ctx, i-ln)
		out[i] = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *lazyDataset) computeCartesian(ctx context.Context, left, right dataset.Dataset) ([][]dataset.Element, error) {
	ln, rn := left.NumPartitions(), right.NumPartitions()
	n := ln * rn
	out := make([][]dataset.Element, n)
	err := d.engine.pool.RunAll(ctx, n, func(ctx context.Context, idx int) error {
		i, j := idx/rn, idx%rn
		ls, err := left.CollectPartition(ctx, i)
		if err != nil {
			return err
		}
		rs, err := right.CollectPartition(ctx, j)
		if err != nil {
			return err
		}
		var res []dataset.Element
		for _, l := range ls {
			for _, r := range rs {
				res = append(res, dataset.Pair{Left: l, Right: r})
			}
		}
		out[idx] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// kvAccum is the shuffle's internal build-up of one key's bucket before it
// is frozen into a dataset.KV.
type kvAccum struct {
	key    dataset.Element
	values []dataset.Element // ShuffleGroupByKey
	value  dataset.Element   // ShuffleReduceByKey
	seeded bool
}

func (d *lazyDataset) computeShuffle(ctx context.Context, parent dataset.Dataset, keyOf func(dataset.Element) dataset.Element, reduce func(a, b dataset.Element) dataset.Element) ([][]dataset.Element, error) {
	all, err := parent.Collect(ctx)
	if err != nil {
		return nil, err
	}

	numOut := parent.NumPartitions()
	if numOut == 0 {
		numOut = 1
	}
	buckets := make([]map[string]*kvAccum, numOut)
	for i := range buckets {
		buckets[i] = make(map[string]*kvAccum)
	}

	for _, e := range all {
		key := keyOf(e)
		bucket := buckets[partitionFor(key, numOut)]
		k := fmt.Sprintf("%v", key)
		entry, ok := bucket[k]
		if !ok {
			entry = &kvAccum{key: key}
			bucket[k] = entry
		}
		if reduce == nil {
			entry.values = append(entry.values, e)
		} else if !entry.seeded {
			entry.value = e
			entry.seeded = true
		} else {
			entry.value = reduce(entry.value, e)
		}
	}

	out := make([][]dataset.Element, numOut)
	for i, bucket := range buckets {
		for _, entry := range bucket {
			out[i] = append(out[i], dataset.KV{Key: entry.key, Values: entry.values, Value: entry.value})
		}
	}
	return out, nil
}

func partitionFor(key dataset.Element, numPartitions int) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%v", key)
	return int(h.Sum32()) % numPartitions
}
