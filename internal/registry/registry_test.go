package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveRelease(t *testing.T) {
	r := New()
	v := Valve("7")

	assert.True(t, r.Reserve(v, "e1"))
	assert.True(t, r.Reserve(v, "e1"), "same event re-reserve is idempotent")
	assert.False(t, r.Reserve(v, "e2"))
	assert.True(t, r.IsReserved(v))

	holder, ok := r.Holder(v)
	assert.True(t, ok)
	assert.Equal(t, "e1", holder)

	r.Release(v, "e2")
	assert.True(t, r.IsReserved(v), "release by non-holder is a no-op")

	r.Release(v, "e1")
	assert.False(t, r.IsReserved(v))
	assert.True(t, r.Reserve(v, "e2"))
}

func TestReserveAllIsAllOrNothing(t *testing.T) {
	r := New()
	assert.True(t, r.Reserve(Valve("2"), "other"))

	blocked, holder, ok := r.ReserveAll([]Ref{Valve("1"), Valve("2"), Pump("p")}, "e1")
	assert.False(t, ok)
	assert.Equal(t, Valve("2"), blocked)
	assert.Equal(t, "other", holder)
	assert.False(t, r.IsReserved(Valve("1")), "partial reservation must be rolled back")
	assert.False(t, r.IsReserved(Pump("p")))

	_, _, ok = r.ReserveAll([]Ref{Valve("1"), Pump("p")}, "e1")
	assert.True(t, ok)
	assert.Len(t, r.Snapshot(), 3)

	r.ReleaseAll([]Ref{Valve("1"), Pump("p"), Valve("2")}, "e1")
	snap := r.Snapshot()
	assert.Equal(t, []Reservation{{Resource: Valve("2"), EventID: "other"}}, snap)
}

func TestReserveAllKeepsOwnPriorReservation(t *testing.T) {
	r := New()
	assert.True(t, r.Reserve(Valve("1"), "e1"))
	assert.True(t, r.Reserve(Valve("2"), "x"))

	_, _, ok := r.ReserveAll([]Ref{Valve("1"), Valve("2")}, "e1")
	assert.False(t, ok)
	holder, _ := r.Holder(Valve("1"))
	assert.Equal(t, "e1", holder, "rollback must not drop reservations held before the call")
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := New()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, _, ok := r.ReserveAll([]Ref{Valve("shared"), Valve(fmt.Sprint(i))}, fmt.Sprintf("e%d", i)); ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	}
}

func TestAcquireReportsOnlyNewRefs(t *testing.T) {
	r := New()
	assert.True(t, r.Reserve(Valve("1"), "e1"))

	taken, _, _, ok := r.Acquire([]Ref{Valve("1"), Pump("p")}, "e1")
	assert.True(t, ok)
	assert.Equal(t, []Ref{Pump("p")}, taken)

	taken, _, _, ok = r.Acquire([]Ref{Valve("1"), Pump("p")}, "e1")
	assert.True(t, ok)
	assert.Empty(t, taken, "nothing new on a repeat call")

	taken, blocked, holder, ok := r.Acquire([]Ref{Valve("9"), Valve("1")}, "e2")
	assert.False(t, ok)
	assert.Nil(t, taken)
	assert.Equal(t, Valve("1"), blocked)
	assert.Equal(t, "e1", holder)
	assert.False(t, r.IsReserved(Valve("9")))
}
