package dispatch

import (
	"sync"

	"conveyor/internal/config"
)

// ClassStats is the slot usage and outcome tally of one class.
type ClassStats struct {
	Class     string `json:"class"`
	Slots     int    `json:"slots"`
	Busy      int    `json:"busy"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

type classState struct {
	slots     int
	busy      int
	processed int
	succeeded int
	failed    int
}

// Capacity tracks per-class slot limits.
type Capacity struct {
	mu      sync.Mutex
	order   []string
	classes map[string]*classState
	changed chan struct{}
}

// NewCapacity builds slot accounting for the configured classes. Classes
// with no slots are ignored.
func NewCapacity(classes []config.WorkerClass) *Capacity {
	c := &Capacity{
		classes: make(map[string]*classState, len(classes)),
		changed: make(chan struct{}),
	}
	for _, class := range classes {
		if class.Slots <= 0 {
			continue
		}
		if _, dup := c.classes[class.Name]; dup {
			continue
		}
		c.order = append(c.order, class.Name)
		c.classes[class.Name] = &classState{slots: class.Slots}
	}
	return c
}

// Has reports whether class has slots.
func (c *Capacity) Has(class string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.classes[class]
	return ok
}

// Total returns the sum of all class slots.
func (c *Capacity) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, state := range c.classes {
		total += state.slots
	}
	return total
}

// TryAcquire takes a slot in class if one is free.
func (c *Capacity) TryAcquire(class string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.classes[class]
	if !ok || state.busy >= state.slots {
		return false
	}
	state.busy++
	return true
}

// Full reports whether every slot in class is taken. Unknown classes are
// always full.
func (c *Capacity) Full(class string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.classes[class]
	return !ok || state.busy >= state.slots
}

// Changed returns a channel that is closed the next time a slot is released.
func (c *Capacity) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Release frees a slot in class and records the job outcome.
func (c *Capacity) Release(class string, succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.classes[class]
	if !ok {
		return
	}
	if state.busy > 0 {
		state.busy--
	}
	state.processed++
	if succeeded {
		state.succeeded++
	} else {
		state.failed++
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// Stats returns a snapshot in class declaration order.
func (c *Capacity) Stats() []ClassStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClassStats, 0, len(c.order))
	for _, name := range c.order {
		state := c.classes[name]
		out = append(out, ClassStats{
			Class:     name,
			Slots:     state.slots,
			Busy:      state.busy,
			Processed: state.processed,
			Succeeded: state.succeeded,
			Failed:    state.failed,
		})
	}
	return out
}
