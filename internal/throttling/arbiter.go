package throttling

import "sync"

// Arbiter counts, per cooling device, how many sensors request each state.
// The effective state of a device is the highest state with a non-zero count.
type Arbiter struct {
	mu    sync.RWMutex
	votes map[string]*tally
}

type tally struct {
	counts []int
	max    int
	total  int
}

// NewArbiter returns an empty arbiter
func NewArbiter() *Arbiter {
	return &Arbiter{votes: make(map[string]*tally)}
}

// Add records one more requester of state for cdev
func (a *Arbiter) Add(cdev string, state int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.votes[cdev]
	if !ok {
		t = &tally{}
		a.votes[cdev] = t
	}
	t.add(state)
}

// Update moves one vote of cdev from old to next and reports whether the
// maximum changed
func (a *Arbiter) Update(cdev string, old, next int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.votes[cdev]
	if !ok {
		return false
	}
	before := t.max
	t.remove(old)
	t.add(next)
	return t.max != before
}

// Max returns the effective state of cdev
func (a *Arbiter) Max(cdev string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.votes[cdev]
	if !ok {
		return 0, false
	}
	return t.max, true
}

// Votes returns how many requesters cdev has
func (a *Arbiter) Votes(cdev string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if t, ok := a.votes[cdev]; ok {
		return t.total
	}
	return 0
}

// Devices returns every cooling device with at least one requester
func (a *Arbiter) Devices() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.votes))
	for name := range a.votes {
		out = append(out, name)
	}
	return out
}

func (t *tally) add(state int) {
	if state < 0 {
		state = 0
	}
	if state >= len(t.counts) {
		grown := make([]int, state+1)
		copy(grown, t.counts)
		t.counts = grown
	}
	t.counts[state]++
	t.total++
	if state > t.max {
		t.max = state
	}
}

func (t *tally) remove(state int) {
	if state < 0 {
		state = 0
	}
	if state >= len(t.counts) || t.counts[state] == 0 {
		return
	}
	t.counts[state]--
	t.total--
	if state == t.max {
		for t.max > 0 && t.counts[t.max] == 0 {
			t.max--
		}
	}
}
