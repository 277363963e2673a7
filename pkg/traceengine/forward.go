package traceengine

import (
	"context"
	"time"

	"lineagetrace/pkg/dataset"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/tagged"
	"lineagetrace/pkg/workerpool"
)

// TraceForward answers "which elements of sink were derived from elements
// of source matching predicate" (§4.F, forward trace). It tags source by
// predicate, propagates those tags through every transformation between
// source and sink in one pass, and keeps only the sink elements whose
// propagated tag is non-empty.
//
// When source and sink are the same dataset this reduces to
// sink.Filter(predicate) by construction: propagate short-circuits on
// r.ID() == source.ID() and returns the predicate-tagged source directly.
func TraceForward(ctx context.Context, eng sourceMaterializer, pool *workerpool.WorkerPool, source dataset.Dataset, predicate Predicate, sink dataset.Dataset) ([]dataset.Element, error) {
	start := time.Now()

	taggedSource, err := tagSourceByPredicate(ctx, eng, pool, source, predicate)
	if err != nil {
		return nil, err
	}

	taggedSink, err := propagate(ctx, eng, pool, sink, source, taggedSource)
	if err != nil {
		return nil, err
	}

	raw, err := taggedSink.Collect(ctx)
	if err != nil {
		return nil, apperrors.EngineFailure("traceengine", "TraceForward", err)
	}

	out := make([]dataset.Element, 0, len(raw))
	for _, e := range raw {
		te := tagged.Untag(e)
		if te.Tag.IsNonEmpty() {
			out = append(out, te.Elem)
		}
	}

	recordTrace("forward", "single_pass", start, len(out))
	return out, nil
}
