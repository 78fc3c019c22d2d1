package gateway

import (
	"math/rand"
	"sync"
)

// Picker selects one instance from a healthy candidate set (C4).
// Implementations must be safe for concurrent use; pick() is called
// once per request on the hot path.
type Picker interface {
	Pick(candidates []*PipelineInstance) (*PipelineInstance, bool)
}

// NewPicker builds a Picker for the named strategy, defaulting to
// round-robin for an unrecognized name (matching
// llm/router.go: WeightedRouter's "unknown strategy falls back to a
// safe default" convention).
func NewPicker(strategy string) Picker {
	switch strategy {
	case "weighted":
		return &weightedPicker{}
	case "least_conn":
		return &leastConnPicker{conns: make(map[InstanceID]*int64)}
	case "random":
		return &randomPicker{rng: rand.New(rand.NewSource(1))}
	default:
		return &roundRobinPicker{}
	}
}

// roundRobinPicker cycles through candidates in order, resuming where
// the last pick left off.
type roundRobinPicker struct {
	mu  sync.Mutex
	idx int
}

func (p *roundRobinPicker) Pick(candidates []*PipelineInstance) (*PipelineInstance, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst := candidates[p.idx%len(candidates)]
	p.idx++
	return inst, true
}

// weightedPicker performs smooth weighted round-robin: each candidate
// accumulates its Weight every pick, the one with the highest running
// total is chosen and then debited by the sum of all weights. This is
// the same cumulative-weight idiom as
// llm/router.go: WeightedRouter.weightedSelect, generalized from
// scored model candidates to pipeline instances.
type weightedPicker struct {
	mu      sync.Mutex
	current map[InstanceID]int
}

func (p *weightedPicker) Pick(candidates []*PipelineInstance) (*PipelineInstance, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		p.current = make(map[InstanceID]int)
	}

	total := 0
	var best *PipelineInstance
	bestScore := -1 << 62
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		p.current[c.ID] += w
		if p.current[c.ID] > bestScore {
			bestScore = p.current[c.ID]
			best = c
		}
	}
	if best != nil {
		p.current[best.ID] -= total
	}
	return best, best != nil
}

// leastConnPicker routes to the candidate with the fewest in-flight
// requests, tracked via atomic counters the scheduler bumps around
// each dispatch.
type leastConnPicker struct {
	mu    sync.Mutex
	conns map[InstanceID]*int64
}

func (p *leastConnPicker) Pick(candidates []*PipelineInstance) (*PipelineInstance, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *PipelineInstance
	var bestN int64 = 1 << 62
	for _, c := range candidates {
		counter, ok := p.conns[c.ID]
		if !ok {
			var zero int64
			counter = &zero
			p.conns[c.ID] = counter
		}
		if *counter < bestN {
			bestN = *counter
			best = c
		}
	}
	return best, best != nil
}

// Counter returns the in-flight counter backing leastConnPicker for
// the given instance, creating it on first use. The scheduler
// increments it before dispatch and decrements it when the request
// completes.
func (p *leastConnPicker) Counter(id InstanceID) *int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	if !ok {
		var zero int64
		c = &zero
		p.conns[id] = c
	}
	return c
}

// randomPicker picks uniformly at random.
type randomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (p *randomPicker) Pick(candidates []*PipelineInstance) (*PipelineInstance, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return candidates[p.rng.Intn(len(candidates))], true
}
