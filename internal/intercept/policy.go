package intercept

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/srh"
)

// Policy picks the path to offer for a flow among the candidates of its
// router pair. current is the path already applied to the flow, empty for
// the direct route.
type Policy interface {
	Choose(candidates []Candidate, current srh.Key) (Candidate, error)
}

// RandomPolicy picks uniformly among the candidates other than the current
// path, so that repeated interception of one flow always moves it.
type RandomPolicy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomPolicy uses src, or the runtime generator when src is nil.
func NewRandomPolicy(src rand.Source) *RandomPolicy {
	p := &RandomPolicy{}
	if src != nil {
		p.rnd = rand.New(src)
	}
	return p
}

func (p *RandomPolicy) Choose(candidates []Candidate, current srh.Key) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, core.ErrNoPath
	}
	others := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Key != current {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		return Candidate{}, fmt.Errorf("%w: only %s is known", core.ErrNoAlternative, current)
	}
	return others[p.intN(len(others))], nil
}

func (p *RandomPolicy) intN(n int) int {
	if p.rnd == nil {
		return rand.IntN(n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.IntN(n)
}
