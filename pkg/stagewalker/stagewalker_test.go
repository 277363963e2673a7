package stagewalker

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineagetrace/internal/engine"
	"lineagetrace/pkg/dataset"
	"lineagetrace/pkg/tagged"
	"lineagetrace/pkg/workerpool"
)

func newHarness(t *testing.T) (*engine.Engine, *workerpool.WorkerPool) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	eng, err := engine.New(logger, workerpool.Config{MaxWorkers: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	pool := workerpool.New(workerpool.Config{MaxWorkers: 4}, logger)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Stop() })

	return eng, pool
}

func TestWalkSingleNarrowStage(t *testing.T) {
	eng, pool := newHarness(t)
	ctx := context.Background()

	s := eng.Source([][]dataset.Element{{1, 2, 3}})
	e := s.Map(func(x dataset.Element) dataset.Element { return x.(int) * 2 })

	stages, err := Walk(ctx, eng, pool, s, e)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, s.ID(), stages[0].Start.ID())

	out, err := stages[0].TaggedEnd.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, el := range out {
		te := tagged.Untag(el)
		assert.Len(t, te.Tag.Ids(), 1)
	}
}

func TestWalkSameDatasetIsEmpty(t *testing.T) {
	eng, pool := newHarness(t)
	s := eng.Source([][]dataset.Element{{1}})
	stages, err := Walk(context.Background(), eng, pool, s, s)
	require.NoError(t, err)
	assert.Empty(t, stages)
}

func TestWalkUnreachableIsEmpty(t *testing.T) {
	eng, pool := newHarness(t)
	a := eng.Source([][]dataset.Element{{1}})
	b := eng.Source([][]dataset.Element{{2}})
	stages, err := Walk(context.Background(), eng, pool, a, b)
	require.NoError(t, err)
	assert.Empty(t, stages)
}

// When the shuffle's own parent coincides with the trace's source, the
// walk collapses into a single stage spanning the shuffle: tagWithinStage
// only ever stops early at a dataset in parentStages(sink), and here that
// set is exactly {source}, so the "r.id == source.id" base case fires at
// the same point the boundary check would have.
func TestWalkShuffleAdjacentToSourceIsOneStage(t *testing.T) {
	eng, pool := newHarness(t)
	ctx := context.Background()

	s := eng.Source([][]dataset.Element{
		{dataset.KV{Key: "k1", Value: 1}, dataset.KV{Key: "k1", Value: 2}},
		{dataset.KV{Key: "k2", Value: 3}},
	})
	reduced := s.ShuffleReduceByKey(
		func(e dataset.Element) dataset.Element { return e.(dataset.KV).Key },
		func(a, b dataset.Element) dataset.Element {
			av, bv := a.(dataset.KV), b.(dataset.KV)
			return dataset.KV{Key: av.Key, Value: av.Value.(int) + bv.Value.(int)}
		},
	)
	e := reduced.Map(func(x dataset.Element) dataset.Element { return x })

	stages, err := Walk(ctx, eng, pool, s, e)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, s.ID(), stages[0].Start.ID())
}

// With a narrow hop between the source and the shuffle boundary,
// parentStages(sink) collects the pre-shuffle dataset rather than the
// overall source, so tagWithinStage stops there first and the walk
// genuinely decomposes into two stages.
func TestWalkWithIntermediateDatasetBeforeShuffleIsTwoStages(t *testing.T) {
	eng, pool := newHarness(t)
	ctx := context.Background()

	s0 := eng.Source([][]dataset.Element{
		{dataset.KV{Key: "k1", Value: 1}, dataset.KV{Key: "k1", Value: 2}},
		{dataset.KV{Key: "k2", Value: 3}},
	})
	a := s0.Map(func(x dataset.Element) dataset.Element { return x })
	reduced := a.ShuffleReduceByKey(
		func(e dataset.Element) dataset.Element { return e.(dataset.KV).Key },
		func(x, y dataset.Element) dataset.Element {
			xv, yv := x.(dataset.KV), y.(dataset.KV)
			return dataset.KV{Key: xv.Key, Value: xv.Value.(int) + yv.Value.(int)}
		},
	)
	e := reduced.Map(func(x dataset.Element) dataset.Element { return x })

	stages, err := Walk(ctx, eng, pool, s0, e)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, s0.ID(), stages[0].Start.ID())
	assert.Equal(t, a.ID(), stages[1].Start.ID())
}
