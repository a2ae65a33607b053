package testsupport

import (
	"context"
	"sync"
)

// Penalty is one recorded rate-limit charge.
type Penalty struct {
	ClientIP string
	Weight   int
}

// Penalties records rate-limit penalties instead of applying them.
type Penalties struct {
	mu      sync.Mutex
	charged []Penalty
}

func (p *Penalties) Penalize(_ context.Context, clientIP string, weight int) {
	p.mu.Lock()
	p.charged = append(p.charged, Penalty{ClientIP: clientIP, Weight: weight})
	p.mu.Unlock()
}

// All returns every penalty recorded so far.
func (p *Penalties) All() []Penalty {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Penalty(nil), p.charged...)
}

// Total sums the weight charged to clientIP.
func (p *Penalties) Total(clientIP string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, penalty := range p.charged {
		if penalty.ClientIP == clientIP {
			total += penalty.Weight
		}
	}
	return total
}
