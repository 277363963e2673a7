// Package stagewalker implements component E: decomposing the dependency
// subgraph between a source dataset and a sink dataset into stages
// separated by shuffle boundaries, tagging each stage's sink from a
// unique-tagging of the stage's first dataset.
package stagewalker

import (
	"context"

	"lineagetrace/pkg/dataset"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/tag"
	"lineagetrace/pkg/tagged"
	"lineagetrace/pkg/uniquetag"
	"lineagetrace/pkg/workerpool"
)

// sourceMaterializer mirrors pkg/uniquetag's narrow view of *internal/engine.Engine
// — stagewalker needs nothing more than the ability to hand uniquetag.Tag
// a way to rebuild a dataset from precomputed partitions.
type sourceMaterializer interface {
	Source(partitions [][]dataset.Element) dataset.Dataset
}

// Stage is one (stageStartDataset, taggedStageEnd) record: the first
// dataset reachable within the stage and the stage's sink with lineage
// propagated from a unique-tagging of that start.
type Stage struct {
	Start     dataset.Dataset
	TaggedEnd dataset.Dataset
}

// Walk decomposes the S→E dependency subgraph into stages, in dependency
// order from S toward E. It returns an empty list if S and E are the same
// dataset or if there is no dependency path from S to E.
func Walk(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source, sink dataset.Dataset) ([]Stage, error) {
	if source.ID() == sink.ID() {
		return nil, nil
	}

	ok, err := Reachable(source.ID(), sink)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return walkStage(ctx, eng, pool, source, sink)
}

// walkStage implements steps 2-4 of the stage walker algorithm: compute
// E's stage's shuffle-parents, tag E within that stage, then recurse
// toward S from the stage's first dataset.
func walkStage(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source, sink dataset.Dataset) ([]Stage, error) {
	parentSet := parentStages(sink)

	taggedEnd, first, err := tagWithinStage(ctx, eng, pool, sink, source, parentSet)
	if err != nil {
		return nil, err
	}

	rest, err := Walk(ctx, eng, pool, source, first)
	if err != nil {
		return nil, err
	}
	return append(rest, Stage{Start: first, TaggedEnd: taggedEnd}), nil
}

// ParentStages exports parentStages for pkg/traceengine's
// backward-maintaining-set strategy, which re-derives stage boundaries one
// stage at a time rather than through a single Walk call.
func ParentStages(e dataset.Dataset) map[int]dataset.Dataset {
	return parentStages(e)
}

// TagWithinStage exports tagWithinStage for pkg/traceengine's
// backward-maintaining-set strategy, for the same reason as ParentStages.
func TagWithinStage(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, r, source dataset.Dataset, parentStageSet map[int]dataset.Dataset) (dataset.Dataset, dataset.Dataset, error) {
	return tagWithinStage(ctx, eng, pool, r, source, parentStageSet)
}

// parentStages BFS-walks narrow edges from e, collecting the parent
// dataset of every shuffle edge encountered. These are the datasets the
// algorithm treats as already belonging to the previous stage.
func parentStages(e dataset.Dataset) map[int]dataset.Dataset {
	set := map[int]dataset.Dataset{}
	visited := map[int]bool{}
	queue := []dataset.Dataset{e}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.ID()] {
			continue
		}
		visited[cur.ID()] = true

		for _, dep := range cur.Dependencies() {
			if dep.Kind == dataset.Shuffle {
				set[dep.Parent.ID()] = dep.Parent
			} else {
				queue = append(queue, dep.Parent)
			}
		}
	}
	return set
}

// tagWithinStage is the recursive per-dataset tagging pass described in
// §4.E. parentStageSet is E's parentStages() result, computed once per
// walkStage call and threaded through unchanged.
func tagWithinStage(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, r, source dataset.Dataset, parentStageSet map[int]dataset.Dataset) (dataset.Dataset, dataset.Dataset, error) {
	reached, err := Reachable(source.ID(), r)
	if err != nil {
		return nil, nil, err
	}
	if !reached {
		taggedR := r.Map(func(e dataset.Element) dataset.Element {
			return tagged.Of(e, tag.Empty())
		})
		return taggedR, source, nil
	}

	if r.ID() == source.ID() {
		taggedR, err := uniquetag.Tag(ctx, eng, pool, r)
		return taggedR, r, err
	}
	if _, isShuffleParent := parentStageSet[r.ID()]; isShuffleParent {
		taggedR, err := uniquetag.Tag(ctx, eng, pool, r)
		return taggedR, r, err
	}

	t := r.Transformation()
	if t == nil {
		// Unreachable in a well-formed DAG: r != source and reachable(source, r)
		// holds, so r must have a transformation chain back to source.
		return nil, nil, apperrors.CyclicLineage("stagewalker", "tagWithinStage", r.ID())
	}

	parents := dataset.Parents(t)
	taggedParents := make([]dataset.Dataset, len(parents))
	var first dataset.Dataset
	for i, p := range parents {
		taggedParent, firstP, err := tagWithinStage(ctx, eng, pool, p, source, parentStageSet)
		if err != nil {
			return nil, nil, err
		}
		taggedParents[i] = taggedParent
		if first == nil || firstP.ID() > first.ID() {
			first = firstP
		}
	}

	liftedR, err := tagged.Lift(r, taggedParents)
	if err != nil {
		return nil, nil, err
	}
	return liftedR, first, nil
}

// Reachable reports whether root can reach target by following dependency
// edges forward — computed by walking backward from target, since Dataset
// only exposes parent edges. Detects cycles along the way. Exported so
// pkg/traceengine can reuse the same cycle-safe reachability check.
func Reachable(rootID int, target dataset.Dataset) (bool, error) {
	visiting := map[int]bool{}
	memo := map[int]bool{}
	return ancestorSearch(rootID, target, visiting, memo)
}

func ancestorSearch(rootID int, cur dataset.Dataset, visiting, memo map[int]bool) (bool, error) {
	id := cur.ID()
	if id == rootID {
		return true, nil
	}
	if v, ok := memo[id]; ok {
		return v, nil
	}
	if visiting[id] {
		return false, apperrors.CyclicLineage("stagewalker", "reachable", id)
	}
	visiting[id] = true

	found := false
	for _, dep := range cur.Dependencies() {
		ok, err := ancestorSearch(rootID, dep.Parent, visiting, memo)
		if err != nil {
			return false, err
		}
		if ok {
			found = true
		}
	}

	delete(visiting, id)
	memo[id] = found
	return found, nil
}
