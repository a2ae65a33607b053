package testsupport

import "sync"

// Transitions records lifecycle outcomes by transition name.
type Transitions struct {
	mu       sync.Mutex
	observed map[string][]string
}

func (t *Transitions) ObserveTransition(transition, outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.observed == nil {
		t.observed = make(map[string][]string)
	}
	t.observed[transition] = append(t.observed[transition], outcome)
}

// Outcomes returns the outcomes observed for transition in order.
func (t *Transitions) Outcomes(transition string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.observed[transition]...)
}
