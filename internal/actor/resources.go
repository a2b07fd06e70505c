package actor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInsufficientResources is returned when a placement cannot be satisfied.
var ErrInsufficientResources = errors.New("insufficient resources")

// Resources is a bag of named quantities such as {"GPU": 1, "CPU": 2}.
type Resources map[string]float64

// ResourceGPU is the resource each benchmark actor holds by default.
const ResourceGPU = "GPU"

// Ledger tracks resource capacity and what placed actors currently hold.
// A Ledger with nil capacity admits every request.
type Ledger struct {
	capacity Resources
	used     Resources
	mu       sync.Mutex
}

// NewLedger returns a ledger over capacity. Pass nil for no limits.
func NewLedger(capacity Resources) *Ledger {
	var c Resources
	if capacity != nil {
		c = make(Resources, len(capacity))
		for k, v := range capacity {
			c[k] = v
		}
	}
	return &Ledger{capacity: c, used: make(Resources)}
}

// Acquire reserves req, or fails without reserving anything.
func (l *Ledger) Acquire(req Resources) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capacity != nil {
		names := make([]string, 0, len(req))
		for name := range req {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if l.used[name]+req[name] > l.capacity[name] {
				return fmt.Errorf("%w: %s wants %g, %g of %g in use",
					ErrInsufficientResources, name, req[name], l.used[name], l.capacity[name])
			}
		}
	}
	for name, qty := range req {
		l.used[name] += qty
	}
	return nil
}

// Release returns req to the ledger.
func (l *Ledger) Release(req Resources) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, qty := range req {
		l.used[name] -= qty
		if l.used[name] <= 0 {
			delete(l.used, name)
		}
	}
}

// InUse returns a copy of the currently held resources.
func (l *Ledger) InUse() Resources {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(Resources, len(l.used))
	for k, v := range l.used {
		out[k] = v
	}
	return out
}
