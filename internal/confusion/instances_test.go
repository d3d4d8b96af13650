package confusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractInstances_GroupsByKey(t *testing.T) {
	t.Parallel()

	in := ExtractInput{
		Keys:        []int{1001, -1, 1001, 2000, 2000, -1, 1002},
		Confidences: []float64{0.7, 0.1, 0.9, 0.4, 0.8, 0.2, 0.6},
	}

	instances, warnings, err := ExtractInstances(in, ExtractOptions{NumClasses: 3})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, instances, 3)

	assert.Equal(t, 1001, instances[0].Key)
	assert.Equal(t, 1, instances[0].Class)
	assert.Equal(t, []int{0, 2}, instances[0].Points)
	assert.Equal(t, 0.7, instances[0].Confidence, "representative confidence comes from the first point")

	assert.Equal(t, 1002, instances[1].Key)
	assert.Equal(t, []int{6}, instances[1].Points)

	assert.Equal(t, 2000, instances[2].Key)
	assert.Equal(t, 2, instances[2].Class)
	assert.Equal(t, []int{3, 4}, instances[2].Points)
	assert.Equal(t, 0.4, instances[2].Confidence)
}

func TestExtractInstances_SentinelContributesNothing(t *testing.T) {
	t.Parallel()

	in := ExtractInput{Keys: []int{-1, -1, -1}}
	instances, _, err := ExtractInstances(in, ExtractOptions{})
	require.NoError(t, err)
	assert.Empty(t, instances)

	in = ExtractInput{Keys: []int{5, -1, 5}}
	instances, _, err = ExtractInstances(in, ExtractOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.NotContains(t, instances[0].Points, 1)
}

func TestExtractInstances_GroundTruthHasNoConfidence(t *testing.T) {
	t.Parallel()

	instances, _, err := ExtractInstances(ExtractInput{Keys: []int{3, 3}}, ExtractOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Zero(t, instances[0].Confidence)
}

func TestExtractInstances_SkipClasses(t *testing.T) {
	t.Parallel()

	skip, err := NewClassSet([]string{"floor", "chair", "table"}, []string{"floor"})
	require.NoError(t, err)

	in := ExtractInput{Keys: []int{0, 1, 1000, 2003, 0}}
	instances, _, err := ExtractInstances(in, ExtractOptions{Skip: skip})
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 1000, instances[0].Key)
	assert.Equal(t, 2003, instances[1].Key)
}

func TestExtractInstances_Warnings(t *testing.T) {
	t.Parallel()

	t.Run("decoded class beyond class count", func(t *testing.T) {
		t.Parallel()
		in := ExtractInput{Keys: []int{1000, 5001}}
		instances, warnings, err := ExtractInstances(in, ExtractOptions{NumClasses: 3})
		require.NoError(t, err)
		assert.Len(t, instances, 2, "suspicious instances are still returned")
		require.Len(t, warnings, 1)
		assert.Equal(t, 5001, warnings[0].Key)
		assert.Equal(t, 5, warnings[0].DecodedClass)
		assert.Equal(t, NoClass, warnings[0].PointClass)
	})

	t.Run("local id overflow into next class", func(t *testing.T) {
		t.Parallel()
		// class 1 with local id 1005 encodes as 2005, which decodes to class 2
		in := ExtractInput{
			Keys:      []int{1*InstanceKeyBase + 1005, 1*InstanceKeyBase + 1005, 1*InstanceKeyBase + 4},
			Semantics: []int{1, 1, 1},
		}
		_, warnings, err := ExtractInstances(in, ExtractOptions{NumClasses: 5})
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, 2005, warnings[0].Key)
		assert.Equal(t, 2, warnings[0].DecodedClass)
		assert.Equal(t, 1, warnings[0].PointClass)
		assert.Contains(t, warnings[0].String(), "labelled 1")
	})
}

func TestExtractInstances_LengthMismatch(t *testing.T) {
	t.Parallel()

	_, _, err := ExtractInstances(ExtractInput{Keys: []int{1, 2}, Confidences: []float64{0.5}}, ExtractOptions{})
	assert.Error(t, err)

	_, _, err = ExtractInstances(ExtractInput{Keys: []int{1, 2}, Semantics: []int{0}}, ExtractOptions{})
	assert.Error(t, err)
}

func TestDominantLabel(t *testing.T) {
	t.Parallel()

	labels := []int{4, 2, 2, 4, 7}
	assert.Equal(t, 2, dominantLabel(labels, []int{0, 1, 2, 3}), "tie goes to the smaller label")
	assert.Equal(t, 4, dominantLabel(labels, []int{0, 1, 3}))
	assert.Equal(t, 7, dominantLabel(labels, []int{4}))
}

func TestClassOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, ClassOf(3042))
	assert.Equal(t, 0, ClassOf(999))
	assert.Equal(t, NoClass, ClassOf(NoInstance))
}

func TestNewClassSet(t *testing.T) {
	t.Parallel()

	classes := []string{"wall", "floor", "chair"}
	set, err := NewClassSet(classes, []string{"chair", "wall"})
	require.NoError(t, err)
	assert.True(t, set.Contains(0))
	assert.True(t, set.Contains(2))
	assert.False(t, set.Contains(1))
	assert.Len(t, set, 2)

	_, err = NewClassSet(classes, []string{"sofa"})
	assert.Error(t, err)

	var empty ClassSet
	assert.False(t, empty.Contains(0))
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "data/scenes['wall', 'chair']", CacheKey("data/scenes", []string{"wall", "chair"}))
	assert.Equal(t, "x[]", CacheKey("x", nil))
}
