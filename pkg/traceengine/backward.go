package traceengine

import (
	"context"
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

// TraceBackwardSingleStep answers "which elements of source contributed to
// an element of sink matching q" by uniquely tagging source, propagating
// tags through to sink in one pass that ignores stage boundaries entirely,
// reducing the tags of every matching sink element into a single broadcast
// value T*, then re-tagging source and keeping the elements whose tag
// intersects T* (§4.F, backward-single-step).
//
// This is the simplest strategy and always correct, but the single pass
// unions tags across every shuffle between source and sink with nothing to
// bound the union's size — it can be expensive when many stages intervene.
func TraceBackwardSingleStep(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, q Predicate, sink dataset.Dataset) ([]dataset.Element, error) {
	start := time.Now()

	if source.ID() == sink.ID() {
		out, err := filterRaw(ctx, source, q)
		if err != nil {
			return nil, err
		}
		recordTrace("backward", SingleStep.String(), start, len(out))
		return out, nil
	}

	taggedSource, err := uniquetag.Tag(ctx, eng, pool, source)
	if err != nil {
		return nil, err
	}

	taggedSink, err := propagate(ctx, eng, pool, sink, source, taggedSource)
	if err != nil {
		return nil, err
	}

	rawSink, err := taggedSink.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "TraceBackwardSingleStep", err)
	}

	builder := tag.NewBuilder()
	for _, e := range rawSink {
		te := tagged.Untag(e)
		if q(te.Elem) {
			builder.Add(te.Tag)
		}
	}
	tStar := builder.Freeze()

	// Re-tag source: the pass above already evaluated taggedSource, but
	// uniquetag.Tag forces a fresh materialization so the ids assigned
	// here are guaranteed the same ones propagated above (determinism,
	// §4.D) rather than reused objects that could have been mutated.
	retagged, err := uniquetag.Tag(ctx, eng, pool, source)
	if err != nil {
		return nil, err
	}
	rawSource, err := retagged.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "TraceBackwardSingleStep", err)
	}

	out := make([]dataset.Element, 0, len(rawSource))
	for _, e := range rawSource {
		te := tagged.Untag(e)
		if te.Tag.Intersect(tStar).IsNonEmpty() {
			out = append(out, te.Elem)
		}
	}

	recordTrace("backward", SingleStep.String(), start, len(out))
	return out, nil
}

// TraceBackwardMaintainingSet answers the same query by walking the S→E
// subgraph one stage at a time, from the sink backward toward the source.
// At each stage boundary it makes the set of interesting elements
// concrete — collected to the driver — before moving to the previous
// stage, so the tag union at any one stage only ever covers that stage's
// shuffle rather than the whole path (§4.F, backward-maintaining-set).
func TraceBackwardMaintainingSet(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, q Predicate, sink dataset.Dataset) ([]dataset.Element, error) {
	start := time.Now()

	if source.ID() == sink.ID() {
		out, err := filterRaw(ctx, source, q)
		if err != nil {
			return nil, err
		}
		recordTrace("backward", MaintainingSet.String(), start, len(out))
		return out, nil
	}

	out, err := maintainingSetStep(ctx, eng, pool, source, q, sink, 0)
	if err != nil {
		return nil, err
	}
	recordTrace("backward", MaintainingSet.String(), start, len(out))
	return out, nil
}

// maintainingSetStep implements one recursion of §4.F step 2-3: stage-tag
// the current sink, reduce the tags of q-matching elements into T*, turn
// T* into a concrete element set of the stage's first dataset, then either
// return (if that first dataset is source) or recurse with the stage's
// first dataset as the new sink and a membership predicate built from the
// concrete set.
func maintainingSetStep(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, q Predicate, sink dataset.Dataset, depth int) ([]dataset.Element, error) {
	parentSet := stagewalker.ParentStages(sink)

	taggedEnd, first, err := stagewalker.TagWithinStage(ctx, eng, pool, sink, source, parentSet)
	if err != nil {
		return nil, err
	}

	rawEnd, err := taggedEnd.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "maintainingSetStep", err)
	}

	builder := tag.NewBuilder()
	for _, e := range rawEnd {
		te := tagged.Untag(e)
		if q(te.Elem) {
			builder.Add(te.Tag)
		}
	}
	tStar := builder.Freeze()
	metrics.RecordStagesWalked(MaintainingSet.String(), depth+1)

	if first.ID() == source.ID() {
		retagged, err := uniquetag.Tag(ctx, eng, pool, first)
		if err != nil {
			return nil, err
		}
		rawFirst, err := retagged.Collect(ctx)
		if err != nil {
			return nil, apperrors.EngineFailure("traceengine", "maintainingSetStep", err)
		}
		out := make([]dataset.Element, 0, len(rawFirst))
		for _, e := range rawFirst {
			te := tagged.Untag(e)
			if te.Tag.Intersect(tStar).IsNonEmpty() {
				out = append(out, te.Elem)
			}
		}
		return out, nil
	}

	// Materialize the concrete element set of `first` whose unique tags
	// intersect T*, driver-side, then recurse treating `first` as the new
	// sink with a membership predicate over that concrete set.
	retagged, err := uniquetag.Tag(ctx, eng, pool, first)
	if err != nil {
		return nil, err
	}
	rawFirst, err := retagged.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "maintainingSetStep", err)
	}

	set := make(map[string]struct{})
	for _, e := range rawFirst {
		te := tagged.Untag(e)
		if te.Tag.Intersect(tStar).IsNonEmpty() {
			set[elemKey(te.Elem)] = struct{}{}
		}
	}
	membership := func(e dataset.Element) bool {
		_, ok := set[elemKey(e)]
		return ok
	}

	return maintainingSetStep(ctx, eng, pool, source, membership, first, depth+1)
}

// TraceBackwardUsingMappings answers the same query by building, per
// stage, a Mapping relation joining the previous stage's tagged sink with
// this stage's uniquely-tagged start on their untagged element values, then
// folding those mappings from last stage to first to step a tag set of
// interest back across every shuffle without ever broadcasting a tag union
// wider than one stage (§4.F, backward-using-mappings; the default
// strategy, per §4.F "best balances data movement").
func TraceBackwardUsingMappings(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, q Predicate, sink dataset.Dataset) ([]dataset.Element, error) {
	start := time.Now()

	if source.ID() == sink.ID() {
		out, err := filterRaw(ctx, source, q)
		if err != nil {
			return nil, err
		}
		recordTrace("backward", UsingMappings.String(), start, len(out))
		return out, nil
	}

	stages, err := stagewalker.Walk(ctx, eng, pool, source, sink)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		recordTrace("backward", UsingMappings.String(), start, 0)
		return nil, nil
	}
	metrics.RecordStagesWalked(UsingMappings.String(), len(stages))

	// Reduce tags of matches in the final stage's tagged sink.
	last := stages[len(stages)-1]
	rawEnd, err := last.TaggedEnd.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "TraceBackwardUsingMappings", err)
	}
	builder := tag.NewBuilder()
	for _, e := range rawEnd {
		te := tagged.Untag(e)
		if q(te.Elem) {
			builder.Add(te.Tag)
		}
	}
	interesting := builder.Freeze()

	// Fold the mapping list from last to first. stages[i].Start is, by
	// construction of the stage walker, the very same dataset as
	// stages[i-1].TaggedEnd's underlying dataset — the shuffle boundary
	// between consecutive stages. So Mapping_i joins a fresh local tagging
	// of stages[i].Start against stages[i-1].TaggedEnd's already-rooted
	// tags on their shared element values, stepping "tags of interest"
	// from stage i's local tag space back into stage i-1's. There is no
	// stage -1 to join against, so the fold stops at i == 1: stage 0's
	// own TaggedEnd is already rooted at a genuine unique tagging of the
	// trace source (stage 0's Start), which is exactly the tag space the
	// final step below re-derives.
	for i := len(stages) - 1; i >= 1; i-- {
		st := stages[i]

		prevEndByKey, err := collectTagsByKey(ctx, stages[i-1].TaggedEnd)
		if err != nil {
			return nil, err
		}

		startTagged, err := uniquetag.Tag(ctx, eng, pool, st.Start)
		if err != nil {
			return nil, err
		}
		rawStart, err := startTagged.Collect(ctx)
		if err != nil {
			return nil, apperrors.EngineFailure("traceengine", "TraceBackwardUsingMappings", err)
		}

		interestingValues := make(map[string]struct{})
		for _, e := range rawStart {
			te := tagged.Untag(e)
			if te.Tag.Intersect(interesting).IsNonEmpty() {
				interestingValues[elemKey(te.Elem)] = struct{}{}
			}
		}

		nextBuilder := tag.NewBuilder()
		for key, prevTag := range prevEndByKey {
			if _, ok := interestingValues[key]; ok {
				nextBuilder.Add(prevTag)
			}
		}
		interesting = nextBuilder.Freeze()
	}

	// interesting now holds the unique tags, minted at source, of every
	// source element that contributed to a matching sink element.
	sourceTagged, err := uniquetag.Tag(ctx, eng, pool, source)
	if err != nil {
		return nil, err
	}
	rawSource, err := sourceTagged.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "TraceBackwardUsingMappings", err)
	}

	out := make([]dataset.Element, 0, len(rawSource))
	for _, e := range rawSource {
		te := tagged.Untag(e)
		if te.Tag.Intersect(interesting).IsNonEmpty() {
			out = append(out, te.Elem)
		}
	}

	recordTrace("backward", UsingMappings.String(), start, len(out))
	return out, nil
}
