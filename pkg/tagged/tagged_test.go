package tagged

import (
	"context"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineagetrace/internal/engine"
	"lineagetrace/pkg/dataset"
	"lineagetrace/pkg/tag"
	"lineagetrace/pkg/workerpool"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	eng, err := engine.New(logger, workerpool.Config{MaxWorkers: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// taggedSource builds a source dataset of len(values) single-element
// partitions, each tagged with its own unique singleton id (1-based).
func taggedSource(eng *engine.Engine, values []int) dataset.Dataset {
	parts := make([][]dataset.Element, len(values))
	for i, v := range values {
		id := tag.MustSingleton(uint64(i + 1))
		parts[i] = []dataset.Element{Of(v, id)}
	}
	return eng.Source(parts)
}

func sortedIds(t tag.Tag) []uint64 {
	out := append([]uint64{}, t.Ids()...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func collectTagged(t *testing.T, ds dataset.Dataset) []Element {
	t.Helper()
	raw, err := ds.Collect(context.Background())
	require.NoError(t, err)
	out := make([]Element, len(raw))
	for i, e := range raw {
		out[i] = Untag(e)
	}
	return out
}

func TestLiftMapPreservesTag(t *testing.T) {
	eng := newTestEngine(t)
	untaggedSrc := eng.Source([][]dataset.Element{{10}, {20}, {30}})
	taggedSrc := taggedSource(eng, []int{10, 20, 30})

	untaggedDs := untaggedSrc.Map(func(e dataset.Element) dataset.Element {
		return e.(int) * 2
	})

	lifted, err := Lift(untaggedDs, []dataset.Dataset{taggedSrc})
	require.NoError(t, err)

	out := collectTagged(t, lifted)
	require.Len(t, out, 3)
	for i, e := range out {
		assert.Equal(t, (i+1)*10*2, e.Elem)
		assert.Equal(t, []uint64{uint64(i + 1)}, sortedIds(e.Tag))
	}
}

func TestLiftFilterKeepsOnlyMatchingElements(t *testing.T) {
	eng := newTestEngine(t)
	untaggedSrc := eng.Source([][]dataset.Element{{1}, {2}, {3}, {4}})
	taggedSrc := taggedSource(eng, []int{1, 2, 3, 4})

	untaggedDs := untaggedSrc.Filter(func(e dataset.Element) bool {
		return e.(int)%2 == 0
	})

	lifted, err := Lift(untaggedDs, []dataset.Dataset{taggedSrc})
	require.NoError(t, err)

	out := collectTagged(t, lifted)
	require.Len(t, out, 2)
	assert.ElementsMatch(t, []int{2, 4}, []int{out[0].Elem.(int), out[1].Elem.(int)})
}

func TestLiftCartesianUnionsBothTags(t *testing.T) {
	eng := newTestEngine(t)
	untaggedLeft := eng.Source([][]dataset.Element{{1}})
	untaggedRight := eng.Source([][]dataset.Element{{2}})
	taggedLeft := taggedSource(eng, []int{1})
	taggedRight := eng.Source([][]dataset.Element{{Of(2, tag.MustSingleton(2))}})

	untaggedDs := untaggedLeft.Cartesian(untaggedRight)
	lifted, err := Lift(untaggedDs, []dataset.Dataset{taggedLeft, taggedRight})
	require.NoError(t, err)

	out := collectTagged(t, lifted)
	require.Len(t, out, 1)
	pair := out[0].Elem.(dataset.Pair)
	assert.Equal(t, 1, pair.Left)
	assert.Equal(t, 2, pair.Right)
	assert.Equal(t, []uint64{1, 2}, sortedIds(out[0].Tag))
}

func TestLiftShuffleReduceByKeyUnionsGroupTags(t *testing.T) {
	eng := newTestEngine(t)
	untaggedSrc := eng.Source([][]dataset.Element{{1}, {1}, {2}})
	taggedSrc := taggedSource(eng, []int{1, 1, 2})

	untaggedDs := untaggedSrc.ShuffleReduceByKey(
		func(e dataset.Element) dataset.Element { return e },
		func(a, b dataset.Element) dataset.Element { return a.(int) + b.(int) },
	)
	lifted, err := Lift(untaggedDs, []dataset.Dataset{taggedSrc})
	require.NoError(t, err)

	out := collectTagged(t, lifted)
	byKey := map[int]Element{}
	for _, e := range out {
		kv := e.Elem.(dataset.KV)
		byKey[kv.Key.(int)] = e
	}

	require.Contains(t, byKey, 1)
	sumEntry := byKey[1]
	sumKV := sumEntry.Elem.(dataset.KV)
	assert.Equal(t, 2, sumKV.Value)
	assert.Equal(t, []uint64{1, 2}, sortedIds(sumEntry.Tag))

	require.Contains(t, byKey, 2)
	singleEntry := byKey[2]
	assert.Equal(t, []uint64{3}, sortedIds(singleEntry.Tag))
}

// TestLiftShuffleGroupByKeyThenFlatMapPreservesPerValueTags exercises the
// common "ungroup" idiom (grouped.FlatMap(kv => kv.Values)) and asserts
// that each flattened-out value keeps its own originating tag rather than
// the group key's merged tag — spec §4.C's "each retained value keeps its
// tag" for groupByKey, carried through a subsequent flatMap.
func TestLiftShuffleGroupByKeyThenFlatMapPreservesPerValueTags(t *testing.T) {
	eng := newTestEngine(t)
	untaggedSrc := eng.Source([][]dataset.Element{{1, 2}, {3, 4}})
	taggedSrc := taggedSource(eng, []int{1, 2, 3, 4})

	untaggedGrouped := untaggedSrc.ShuffleGroupByKey(func(e dataset.Element) dataset.Element {
		return e.(int) % 2
	})
	liftedGrouped, err := Lift(untaggedGrouped, []dataset.Dataset{taggedSrc})
	require.NoError(t, err)

	untaggedFlat := untaggedGrouped.FlatMap(func(e dataset.Element) []dataset.Element {
		return e.(dataset.KV).Values
	})
	liftedFlat, err := Lift(untaggedFlat, []dataset.Dataset{liftedGrouped})
	require.NoError(t, err)

	out := collectTagged(t, liftedFlat)
	require.Len(t, out, 4)

	byValue := map[int][]uint64{}
	for _, e := range out {
		byValue[e.Elem.(int)] = sortedIds(e.Tag)
	}
	// Each flattened value keeps its own singleton source tag, not the
	// group's union tag (which would include every id sharing that key).
	assert.Equal(t, []uint64{1}, byValue[1])
	assert.Equal(t, []uint64{2}, byValue[2])
	assert.Equal(t, []uint64{3}, byValue[3])
	assert.Equal(t, []uint64{4}, byValue[4])
}

func TestLiftUnrecognizedTransformationFails(t *testing.T) {
	eng := newTestEngine(t)
	src := eng.Source([][]dataset.Element{{1}})
	_, err := Lift(src, nil)
	assert.Error(t, err)
}
