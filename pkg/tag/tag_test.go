package tag

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionIdentityAndIdempotence(t *testing.T) {
	a := MustSingleton(1).Union(MustSingleton(2))

	assert.True(t, Union(a, Empty()).Equal(a))
	assert.True(t, Union(Empty(), a).Equal(a))
	assert.True(t, Union(a, a).Equal(a))
}

func TestUnionCommutativeAndAssociative(t *testing.T) {
	a := MustSingleton(1)
	b := MustSingleton(2)
	c := MustSingleton(3)

	assert.True(t, Union(a, b).Equal(Union(b, a)))
	left := Union(Union(a, b), c)
	right := Union(a, Union(b, c))
	assert.True(t, left.Equal(right))
}

func TestIntersectDistributesOverUnion(t *testing.T) {
	a := MustSingleton(1).Union(MustSingleton(2))
	b := MustSingleton(2).Union(MustSingleton(3))
	c := MustSingleton(4).Union(MustSingleton(2))

	// a ∩ (b ∪ c) == (a ∩ b) ∪ (a ∩ c)
	lhs := Intersect(a, Union(b, c))
	rhs := Union(Intersect(a, b), Intersect(a, c))
	assert.True(t, lhs.Equal(rhs))
}

func TestContains(t *testing.T) {
	tg := MustSingleton(5).Union(MustSingleton(10))
	assert.True(t, tg.Contains(5))
	assert.True(t, tg.Contains(10))
	assert.False(t, tg.Contains(6))
	assert.False(t, Empty().Contains(0))
}

func TestEmptyIsIdentityAndVacuous(t *testing.T) {
	assert.True(t, Empty().IsEmpty())
	assert.False(t, Empty().IsNonEmpty())
	s := MustSingleton(42)
	assert.True(t, s.IsNonEmpty())
}

func TestSingletonOverflow(t *testing.T) {
	_, err := Singleton(maxID + 1)
	require.Error(t, err)
	te, ok := err.(interface{ Error() string })
	require.True(t, ok)
	assert.Contains(t, te.Error(), "TAG_SPACE_EXHAUSTED")
}

func TestFoldUnion(t *testing.T) {
	seq := []Tag{MustSingleton(1), MustSingleton(2), Empty(), MustSingleton(3)}
	got := FoldUnion(seq)
	for _, id := range []uint64{1, 2, 3} {
		assert.True(t, got.Contains(id))
	}
	assert.Equal(t, 3, got.Len())
}

func TestSyncBuilderConcurrentAdds(t *testing.T) {
	b := NewSyncBuilder()
	var wg sync.WaitGroup
	for i := uint64(0); i < 100; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			b.Add(MustSingleton(id))
		}(i)
	}
	wg.Wait()

	frozen := b.Freeze()
	assert.Equal(t, 100, frozen.Len())
	for i := uint64(0); i < 100; i++ {
		assert.True(t, frozen.Contains(i))
	}
}

// Equal is defined here (test-only helper) so the algebra tests read
// naturally; production code never needs tag equality, only
// IsNonEmpty/Contains/Intersect.
func (t Tag) Equal(other Tag) bool {
	if len(t.ids) != len(other.ids) {
		return false
	}
	for i := range t.ids {
		if t.ids[i] != other.ids[i] {
			return false
		}
	}
	return true
}
