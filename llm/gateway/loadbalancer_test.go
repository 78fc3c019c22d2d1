package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func instSet(ids ...InstanceID) []*PipelineInstance {
	out := make([]*PipelineInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, &PipelineInstance{ID: id, Weight: 1})
	}
	return out
}

func TestNewPicker_DefaultsToRoundRobin(t *testing.T) {
	p := NewPicker("nonsense")
	_, ok := p.(*roundRobinPicker)
	assert.True(t, ok)
}

func TestRoundRobinPicker_CyclesInOrder(t *testing.T) {
	p := NewPicker("round_robin")
	candidates := instSet("a", "b", "c")

	var got []InstanceID
	for i := 0; i < 6; i++ {
		inst, ok := p.Pick(candidates)
		assert.True(t, ok)
		got = append(got, inst.ID)
	}
	assert.Equal(t, []InstanceID{"a", "b", "c", "a", "b", "c"}, got)
}

func TestRoundRobinPicker_EmptyCandidates(t *testing.T) {
	p := NewPicker("round_robin")
	_, ok := p.Pick(nil)
	assert.False(t, ok)
}

func TestWeightedPicker_FavorsHigherWeight(t *testing.T) {
	p := NewPicker("weighted")
	heavy := &PipelineInstance{ID: "heavy", Weight: 3}
	light := &PipelineInstance{ID: "light", Weight: 1}
	candidates := []*PipelineInstance{heavy, light}

	counts := map[InstanceID]int{}
	for i := 0; i < 8; i++ {
		inst, ok := p.Pick(candidates)
		assert.True(t, ok)
		counts[inst.ID]++
	}
	assert.Equal(t, 6, counts["heavy"])
	assert.Equal(t, 2, counts["light"])
}

func TestWeightedPicker_TreatsNonPositiveWeightAsOne(t *testing.T) {
	p := NewPicker("weighted")
	a := &PipelineInstance{ID: "a", Weight: 0}
	b := &PipelineInstance{ID: "b", Weight: 0}
	candidates := []*PipelineInstance{a, b}

	counts := map[InstanceID]int{}
	for i := 0; i < 4; i++ {
		inst, _ := p.Pick(candidates)
		counts[inst.ID]++
	}
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestLeastConnPicker_PicksFewestConnections(t *testing.T) {
	p := NewPicker("least_conn").(*leastConnPicker)
	candidates := instSet("a", "b")

	*p.Counter("a") = 5
	*p.Counter("b") = 1

	inst, ok := p.Pick(candidates)
	assert.True(t, ok)
	assert.Equal(t, InstanceID("b"), inst.ID)
}

func TestRandomPicker_AlwaysReturnsACandidate(t *testing.T) {
	p := NewPicker("random")
	candidates := instSet("a", "b", "c")
	for i := 0; i < 20; i++ {
		inst, ok := p.Pick(candidates)
		assert.True(t, ok)
		assert.Contains(t, []InstanceID{"a", "b", "c"}, inst.ID)
	}
}

func TestRandomPicker_EmptyCandidates(t *testing.T) {
	p := NewPicker("random")
	_, ok := p.Pick(nil)
	assert.False(t, ok)
}
