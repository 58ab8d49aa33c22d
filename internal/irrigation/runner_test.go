package irrigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]models.IrrigationEvent
	err   error
}

func (m *memStore) SaveEvent(_ context.Context, ev *models.IrrigationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = map[string]models.IrrigationEvent{}
	}
	if stored, ok := m.saved[ev.ID]; ok && stored.Version != ev.Version {
		return fmt.Errorf("irrigation event %s changed since version %d: %w", ev.ID, ev.Version, apperr.ErrStale)
	}
	ev.Version++
	m.saved[ev.ID] = *ev
	return nil
}

func (m *memStore) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type recordingActuator struct {
	mu       sync.Mutex
	commands []string
	failOn   string
}

func (a *recordingActuator) record(cmd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, cmd)
	if cmd == a.failOn {
		return errors.New("broker unreachable")
	}
	return nil
}

func (a *recordingActuator) OpenValve(_ context.Context, id string) error  { return a.record("open " + id) }
func (a *recordingActuator) CloseValve(_ context.Context, id string) error { return a.record("close " + id) }
func (a *recordingActuator) StartPump(_ context.Context, id string) error  { return a.record("start " + id) }
func (a *recordingActuator) StopPump(_ context.Context, id string) error   { return a.record("stop " + id) }

type failures struct{ events []string }

func (f *failures) IrrigationFailed(ev *models.IrrigationEvent) { f.events = append(f.events, ev.ID) }

func TestRunnerStartAndComplete(t *testing.T) {
	store := &memStore{}
	act := &recordingActuator{}
	reg := registry.New()
	r := NewRunner(NewLifecycle(reg), store, act, nil, zerolog.Nop())
	pump := "P1"
	ev := newEvent("e1", "V1", "V2")
	ev.PumpID = &pump

	require.NoError(t, r.Start(context.Background(), ev, t0))
	assert.Equal(t, models.EventInProgress, store.saved["e1"].Status)
	assert.Equal(t, []string{"open V1", "open V2", "start P1"}, act.commands)

	require.NoError(t, r.Complete(context.Background(), ev, t0.Add(20*time.Minute), nil))
	assert.Equal(t, models.EventCompleted, store.saved["e1"].Status)
	assert.Equal(t, []string{"open V1", "open V2", "start P1", "stop P1", "close V1", "close V2"}, act.commands)
	assert.Empty(t, reg.Snapshot())
}

func TestRunnerStartConflictLeavesEventScheduled(t *testing.T) {
	store := &memStore{}
	act := &recordingActuator{}
	r := NewRunner(NewLifecycle(nil), store, act, nil, zerolog.Nop())

	require.NoError(t, r.Start(context.Background(), newEvent("e1", "V"), t0))
	ev := newEvent("e2", "V")
	err := r.Start(context.Background(), ev, t0)
	assert.ErrorIs(t, err, apperr.ErrResourceConflict)
	assert.Equal(t, models.EventScheduled, ev.Status)
	_, saved := store.saved["e2"]
	assert.False(t, saved)
}

func TestRunnerStartRollsBackOnSaveError(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	reg := registry.New()
	r := NewRunner(NewLifecycle(reg), store, nil, nil, zerolog.Nop())
	ev := newEvent("e1", "V")

	err := r.Start(context.Background(), ev, t0)
	require.Error(t, err)
	assert.Equal(t, models.EventScheduled, ev.Status)
	assert.Nil(t, ev.ActualStart)
	assert.Empty(t, reg.Snapshot())
}

func TestRunnerActuationFailureFailsRun(t *testing.T) {
	store := &memStore{}
	act := &recordingActuator{failOn: "open V2"}
	notes := &failures{}
	reg := registry.New()
	r := NewRunner(NewLifecycle(reg), store, act, notes, zerolog.Nop())
	ev := newEvent("e1", "V1", "V2")

	err := r.Start(context.Background(), ev, t0)
	require.Error(t, err)
	assert.Equal(t, models.EventFailed, ev.Status)
	assert.Contains(t, ev.Meta(models.MetaFailureReason), ReasonActuationError)
	assert.Equal(t, []string{"open V1", "open V2", "close V1", "close V2"}, act.commands)
	assert.Equal(t, []string{"e1"}, notes.events)
	assert.Empty(t, reg.Snapshot())
}

func TestRunnerCancelScheduledDoesNotActuate(t *testing.T) {
	store := &memStore{}
	act := &recordingActuator{}
	r := NewRunner(NewLifecycle(nil), store, act, nil, zerolog.Nop())
	ev := newEvent("e1", "V")

	require.NoError(t, r.Cancel(context.Background(), ev, t0, "operator"))
	assert.Empty(t, act.commands)
	assert.Equal(t, models.EventCancelled, store.saved["e1"].Status)

	assert.ErrorIs(t, r.Cancel(context.Background(), ev, t0, "again"), apperr.ErrInvalidTransition)
}

func TestRunnerStaleStartKeepsWinnerReservation(t *testing.T) {
	store := &memStore{}
	reg := registry.New()
	r := NewRunner(NewLifecycle(reg), store, nil, nil, zerolog.Nop())
	require.NoError(t, store.SaveEvent(context.Background(), newEvent("e1", "V7")))

	first := newEvent("e1", "V7")
	second := newEvent("e1", "V7")
	first.Version, second.Version = 1, 1

	require.NoError(t, r.Start(context.Background(), first, t0))
	err := r.Start(context.Background(), second, t0)
	require.ErrorIs(t, err, apperr.ErrStale)
	assert.Equal(t, models.EventScheduled, second.Status)

	assert.Equal(t, models.EventInProgress, store.saved["e1"].Status)
	holder, ok := reg.Holder(registry.Valve("V7"))
	require.True(t, ok, "running event must keep its valve")
	assert.Equal(t, "e1", holder)

	err = r.Start(context.Background(), newEvent("e2", "V7"), t0)
	assert.ErrorIs(t, err, apperr.ErrResourceConflict)
}

func TestRunnerStaleCancelOfScheduledCopyKeepsReservation(t *testing.T) {
	store := &memStore{}
	reg := registry.New()
	r := NewRunner(NewLifecycle(reg), store, nil, nil, zerolog.Nop())
	require.NoError(t, store.SaveEvent(context.Background(), newEvent("e1", "V7")))

	running := newEvent("e1", "V7")
	scheduled := newEvent("e1", "V7")
	running.Version, scheduled.Version = 1, 1
	require.NoError(t, r.Start(context.Background(), running, t0))

	err := r.Cancel(context.Background(), scheduled, t0, "operator")
	require.ErrorIs(t, err, apperr.ErrStale)
	assert.Equal(t, models.EventScheduled, scheduled.Status)
	assert.True(t, reg.IsReserved(registry.Valve("V7")))
}

func TestRunnerSaveErrorKeepsRunInProgress(t *testing.T) {
	cases := []struct {
		name string
		end  func(r *Runner, ev *models.IrrigationEvent) error
	}{
		{"complete", func(r *Runner, ev *models.IrrigationEvent) error {
			return r.Complete(context.Background(), ev, t0.Add(10*time.Minute), nil)
		}},
		{"fail", func(r *Runner, ev *models.IrrigationEvent) error {
			return r.Fail(context.Background(), ev, t0.Add(10*time.Minute), "sensor")
		}},
		{"cancel", func(r *Runner, ev *models.IrrigationEvent) error {
			return r.Cancel(context.Background(), ev, t0.Add(10*time.Minute), "rain")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &memStore{}
			act := &recordingActuator{}
			notes := &failures{}
			reg := registry.New()
			r := NewRunner(NewLifecycle(reg), store, act, notes, zerolog.Nop())
			ev := newEvent("e1", "V1")
			require.NoError(t, r.Start(context.Background(), ev, t0))

			store.fail(errors.New("db down"))
			require.Error(t, tc.end(r, ev))

			assert.Equal(t, models.EventInProgress, ev.Status)
			assert.Nil(t, ev.ActualEnd)
			assert.Empty(t, ev.Meta(models.MetaFailureReason))
			assert.Empty(t, ev.Meta(models.MetaCancellationReason))
			assert.Equal(t, models.EventInProgress, store.saved["e1"].Status)
			assert.True(t, reg.IsReserved(registry.Valve("V1")))
			assert.Equal(t, []string{"open V1"}, act.commands, "hardware stays on while the run is stored as running")
			assert.Empty(t, notes.events)

			store.fail(nil)
			require.NoError(t, tc.end(r, ev))
			assert.False(t, reg.IsReserved(registry.Valve("V1")))
			assert.Equal(t, []string{"open V1", "close V1"}, act.commands)
		})
	}
}
