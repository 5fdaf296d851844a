// Package resourcelock provides the per-resource synchronization target
// used by the execution engine.
//
// A Target guards one mutable domain resource such as a node, a node group
// or an application. Holders take it either exclusively (node-level
// actions) or in shared mode (application-level actions running on the
// same node). Waiters block in FIFO order; a queued exclusive request keeps
// later shared requests from overtaking it.
package resourcelock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// capacity is the semaphore weight taken by an exclusive holder.
// Shared holders take a weight of one each.
const capacity = 1 << 30

var sequence atomic.Uint64

// Mode is the way a Target is held.
type Mode int

const (
	// Exclusive mode admits exactly one holder.
	Exclusive Mode = iota

	// Shared mode admits any number of holders as long as nobody holds
	// the target exclusively.
	Shared
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Target is a blocking reader/writer lock attached to a domain resource.
type Target struct {
	name string
	seq  uint64
	sem  *semaphore.Weighted

	mu        sync.Mutex
	locked    bool
	exclusive bool
	active    int
}

// New creates an unlocked target. The name identifies the guarded resource
// in logs and determines the acquisition order in AcquireAll.
func New(name string) *Target {
	return &Target{
		name: name,
		seq:  sequence.Add(1),
		sem:  semaphore.NewWeighted(capacity),
	}
}

// Name returns the name of the guarded resource.
func (t *Target) Name() string {
	return t.name
}

// Lock acquires the target exclusively, blocking until every other holder
// released it or ctx is done.
func (t *Target) Lock(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, capacity); err != nil {
		return fmt.Errorf("failed to lock %s: %w", t.name, err)
	}

	t.mu.Lock()
	t.locked = true
	t.exclusive = true
	t.active = 1
	t.mu.Unlock()
	return nil
}

// Unlock releases an exclusive hold.
func (t *Target) Unlock() {
	t.mu.Lock()
	if !t.exclusive {
		t.mu.Unlock()
		panic("resourcelock: unlock of target " + t.name + " not held exclusively")
	}
	t.exclusive = false
	t.locked = false
	t.active = 0
	t.mu.Unlock()

	t.sem.Release(capacity)
}

// RLock acquires the target in shared mode. The first shared holder sets
// the locked flag; later ones only raise the active count.
func (t *Target) RLock(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to share lock %s: %w", t.name, err)
	}

	t.mu.Lock()
	t.active++
	t.locked = true
	t.mu.Unlock()
	return nil
}

// RUnlock releases one shared hold. The last shared holder clears the
// locked flag.
func (t *Target) RUnlock() {
	t.mu.Lock()
	if t.exclusive || t.active == 0 {
		t.mu.Unlock()
		panic("resourcelock: shared unlock of target " + t.name + " not held in shared mode")
	}
	t.active--
	if t.active == 0 {
		t.locked = false
	}
	t.mu.Unlock()

	t.sem.Release(1)
}

// Acquire takes the target in the given mode.
func (t *Target) Acquire(ctx context.Context, mode Mode) error {
	if mode == Shared {
		return t.RLock(ctx)
	}
	return t.Lock(ctx)
}

// Release drops a hold taken with Acquire in the same mode.
func (t *Target) Release(mode Mode) {
	if mode == Shared {
		t.RUnlock()
		return
	}
	t.Unlock()
}

// Locked reports whether the target currently has at least one holder.
func (t *Target) Locked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked
}

// ActiveCount returns the number of current holders. An exclusive holder
// counts as one.
func (t *Target) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// HeldExclusively reports whether the target is held in exclusive mode.
func (t *Target) HeldExclusively() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exclusive
}

// Claim is a request to hold one target in one mode.
type Claim struct {
	Target *Target
	Mode   Mode
}

// Held is a set of claims acquired by AcquireAll.
type Held struct {
	claims []Claim
}

// AcquireAll acquires every claim in ascending name order so that
// concurrent callers with overlapping claims cannot deadlock. Nil targets
// are skipped and a target claimed twice is held once, in the strongest
// requested mode. On error every claim taken so far is released.
func AcquireAll(ctx context.Context, claims ...Claim) (*Held, error) {
	merged := make(map[*Target]Mode, len(claims))
	for _, c := range claims {
		if c.Target == nil {
			continue
		}
		if prev, ok := merged[c.Target]; ok && prev == Exclusive {
			continue
		}
		merged[c.Target] = c.Mode
	}

	ordered := make([]Claim, 0, len(merged))
	for target, mode := range merged {
		ordered = append(ordered, Claim{Target: target, Mode: mode})
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Target, ordered[j].Target
		if a.name != b.name {
			return a.name < b.name
		}
		return a.seq < b.seq
	})

	held := &Held{claims: make([]Claim, 0, len(ordered))}
	for _, c := range ordered {
		if err := c.Target.Acquire(ctx, c.Mode); err != nil {
			held.Release()
			return nil, err
		}
		held.claims = append(held.claims, c)
	}
	return held, nil
}

// Release drops every held claim in reverse acquisition order. It is safe
// to call more than once.
func (h *Held) Release() {
	if h == nil {
		return
	}
	for i := len(h.claims) - 1; i >= 0; i-- {
		h.claims[i].Target.Release(h.claims[i].Mode)
	}
	h.claims = nil
}

// Claims returns the claims currently held.
func (h *Held) Claims() []Claim {
	if h == nil {
		return nil
	}
	out := make([]Claim, len(h.claims))
	copy(out, h.claims)
	return out
}
