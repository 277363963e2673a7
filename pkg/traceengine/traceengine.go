// Package traceengine implements component F: the forward and backward
// trace strategies that sit on top of the stage walker (pkg/stagewalker),
// the transformation lifter (pkg/tagged), and the unique tagger
// (pkg/uniquetag) to answer "which elements of E were derived from
// S-elements matching p" and its dual.
//
// The trace engine is single-threaded on the driver (§5): every exported
// function here runs to completion on the calling goroutine, fanning work
// out to the worker pool only through the helpers it calls.
package traceengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lineagetrace/internal/metrics"
	"lineagetrace/pkg/dataset"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/stagewalker"
	"lineagetrace/pkg/tag"
	"lineagetrace/pkg/tagged"
	"lineagetrace/pkg/uniquetag"
	"lineagetrace/pkg/workerpool"
)

// sourceMaterializer mirrors pkg/uniquetag's and pkg/stagewalker's narrow
// view of *internal/engine.Engine — the trace engine needs nothing more
// than the ability to turn precomputed partitions back into a Dataset.
type sourceMaterializer interface {
	Source(partitions [][]dataset.Element) dataset.Dataset
}

// Predicate is the element predicate a trace query is built from.
type Predicate func(dataset.Element) bool

// Strategy selects which backward-trace algorithm TraceBackward runs.
type Strategy int

const (
	// UsingMappings is the default: keeps tag sets small by representing
	// cross-stage tag translation as a join rather than a broadcast.
	UsingMappings Strategy = iota
	SingleStep
	MaintainingSet
)

func (s Strategy) String() string {
	switch s {
	case SingleStep:
		return "single_step"
	case MaintainingSet:
		return "maintaining_set"
	case UsingMappings:
		return "using_mappings"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a configuration value into a Strategy. An empty
// string resolves to the default, UsingMappings.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "using_mappings":
		return UsingMappings, nil
	case "single_step":
		return SingleStep, nil
	case "maintaining_set":
		return MaintainingSet, nil
	default:
		return 0, apperrors.ConfigError("ParseStrategy", fmt.Sprintf("unknown backward trace strategy %q", s))
	}
}

// TraceBackward dispatches to the strategy named by strategy. All three
// strategies answer the same query and are required to agree (§8).
func TraceBackward(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, q Predicate, sink dataset.Dataset, strategy Strategy) ([]dataset.Element, error) {
	switch strategy {
	case SingleStep:
		return TraceBackwardSingleStep(ctx, eng, pool, source, q, sink)
	case MaintainingSet:
		return TraceBackwardMaintainingSet(ctx, eng, pool, source, q, sink)
	case UsingMappings:
		return TraceBackwardUsingMappings(ctx, eng, pool, source, q, sink)
	default:
		return nil, apperrors.ConfigError("TraceBackward", fmt.Sprintf("unknown strategy %v", strategy))
	}
}

// propagate is the single-pass "tagThrough" helper shared by forward trace
// and backward-single-step: it lifts every transformation between source
// and r, ignoring stage/shuffle boundaries entirely, given source's own
// tagged form taggedSource.
func propagate(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, r, source dataset.Dataset, taggedSource dataset.Dataset) (dataset.Dataset, error) {
	if r.ID() == source.ID() {
		return taggedSource, nil
	}

	reached, err := stagewalker.Reachable(source.ID(), r)
	if err != nil {
		return nil, err
	}
	if !reached {
		return r.Map(func(e dataset.Element) dataset.Element {
			return tagged.Of(e, tag.Empty())
		}), nil
	}

	t := r.Transformation()
	if t == nil {
		// r != source and r is reachable from source, so r must have a
		// transformation chain back to it in a well-formed DAG.
		return nil, apperrors.CyclicLineage("traceengine", "propagate", r.ID())
	}

	parents := dataset.Parents(t)
	taggedParents := make([]dataset.Dataset, len(parents))
	for i, p := range parents {
		tp, err := propagate(ctx, eng, pool, p, source, taggedSource)
		if err != nil {
			return nil, err
		}
		taggedParents[i] = tp
	}

	lifted, err := tagged.Lift(r, taggedParents)
	if err != nil {
		return nil, err
	}
	metrics.RecordTagUnion(fmt.Sprintf("%T", t))
	return lifted, nil
}

// tagSourceByPredicate tags source with a singleton per element satisfying
// predicate and the empty tag otherwise — the "taggedS" forward trace
// builds before propagating (§4.F step 1).
func tagSourceByPredicate(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, predicate Predicate) (dataset.Dataset, error) {
	n := source.NumPartitions()
	out := make([][]dataset.Element, n)

	err := pool.RunAll(ctx, n, func(ctx context.Context, partition int) error {
		elems, err := source.CollectPartition(ctx, partition)
		if err != nil {
			return err
		}
		result := make([]dataset.Element, len(elems))
		matched := 0
		for i, e := range elems {
			var t tag.Tag
			if predicate(e) {
				id, err := uniquetag.Encode(partition, i)
				if err != nil {
					return err
				}
				t, err = tag.Singleton(id)
				if err != nil {
					return err
				}
				matched++
			} else {
				t = tag.Empty()
			}
			result[i] = tagged.Of(e, t)
		}
		out[partition] = result
		metrics.RecordUniqueTagsAssigned("traceengine_forward_predicate", matched)
		return nil
	})
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "tagSourceByPredicate", err)
	}

	return eng.Source(out), nil
}

// elemKey is the cross-dataset join key used to line up the same physical
// element across two differently-tagged views of it — the same
// fmt.Sprintf("%v", ...) convention internal/engine's shuffle
// implementation uses to bucket by key.
func elemKey(e dataset.Element) string { return fmt.Sprintf("%v", e) }

// collectTagsByKey collects a tagged dataset and indexes it by elemKey,
// for joining against another tagged view of the same physical elements.
func collectTagsByKey(ctx context.Context, taggedDs dataset.Dataset) (map[string]tag.Tag, error) {
	raw, err := taggedDs.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "collectTagsByKey", err)
	}
	out := make(map[string]tag.Tag, len(raw))
	for _, e := range raw {
		te := tagged.Untag(e)
		k := elemKey(te.Elem)
		out[k] = out[k].Union(te.Tag)
	}
	return out, nil
}

// filterRaw collects ds and retains elements satisfying predicate — the
// degenerate S.id == E.id case every trace kind shares.
func filterRaw(ctx context.Context, ds dataset.Dataset, predicate Predicate) ([]dataset.Element, error) {
	raw, err := ds.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "filterRaw", err)
	}
	var out []dataset.Element
	for _, e := range raw {
		if predicate(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// recordTrace is a small wrapper around metrics.RecordTraceRun so callers
// read as one line at the end of each strategy.
func recordTrace(kind, strategy string, start time.Time, n int) {
	metrics.RecordTraceRun(kind, strategy, time.Since(start), n)
}
