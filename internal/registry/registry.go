// Package registry tracks which valves and pumps are committed to an
// in-flight irrigation run. It holds lookups only; it never owns the devices.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Kind is the class of a reservable resource.
type Kind string

const (
	KindValve Kind = "valve"
	KindPump  Kind = "pump"
)

// Ref identifies one reservable resource.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func Valve(id string) Ref { return Ref{Kind: KindValve, ID: id} }
func Pump(id string) Ref  { return Ref{Kind: KindPump, ID: id} }

func (r Ref) String() string { return fmt.Sprintf("%s %s", r.Kind, r.ID) }

// Registry serializes reservation decisions behind a single mutex.
type Registry struct {
	mu      sync.Mutex
	holders map[Ref]string
}

func New() *Registry {
	return &Registry{holders: make(map[Ref]string)}
}

// Reserve marks ref as held by eventID. It fails when another event already
// holds ref; re-reserving by the same event succeeds.
func (r *Registry) Reserve(ref Ref, eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserveLocked(ref, eventID)
}

func (r *Registry) reserveLocked(ref Ref, eventID string) bool {
	if holder, ok := r.holders[ref]; ok {
		return holder == eventID
	}
	r.holders[ref] = eventID
	return true
}

// ReserveAll reserves every ref for eventID or none of them. On failure it
// returns the first blocking ref and the event holding it.
func (r *Registry) ReserveAll(refs []Ref, eventID string) (blocked Ref, holder string, ok bool) {
	_, blocked, holder, ok = r.Acquire(refs, eventID)
	return blocked, holder, ok
}

// Acquire is ReserveAll that also reports which refs this call newly took.
// Refs eventID already held are not in taken, so releasing taken undoes
// exactly this call.
func (r *Registry) Acquire(refs []Ref, eventID string) (taken []Ref, blocked Ref, holder string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taken = make([]Ref, 0, len(refs))
	for _, ref := range refs {
		prev, held := r.holders[ref]
		if held && prev != eventID {
			for _, t := range taken {
				delete(r.holders, t)
			}
			return nil, ref, prev, false
		}
		if !held {
			r.holders[ref] = eventID
			taken = append(taken, ref)
		}
	}
	return taken, Ref{}, "", true
}

// Release drops ref if eventID holds it; otherwise it does nothing.
func (r *Registry) Release(ref Ref, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holders[ref] == eventID {
		delete(r.holders, ref)
	}
}

// ReleaseAll releases every ref held by eventID among refs.
func (r *Registry) ReleaseAll(refs []Ref, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range refs {
		if r.holders[ref] == eventID {
			delete(r.holders, ref)
		}
	}
}

func (r *Registry) IsReserved(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.holders[ref]
	return ok
}

// Holder returns the event holding ref.
func (r *Registry) Holder(ref Ref) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.holders[ref]
	return id, ok
}

// Reservation is one entry of a Snapshot.
type Reservation struct {
	Resource Ref    `json:"resource"`
	EventID  string `json:"event_id"`
}

// Snapshot lists current reservations ordered by resource.
func (r *Registry) Snapshot() []Reservation {
	r.mu.Lock()
	out := make([]Reservation, 0, len(r.holders))
	for ref, id := range r.holders {
		out = append(out, Reservation{Resource: ref, EventID: id})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Resource.String() < out[j].Resource.String()
	})
	return out
}
