package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotconsole/models"
)

type fakeSender struct {
	mu    sync.Mutex
	reqs  []models.ControlRequest
	err   error
	block chan struct{}
}

func (f *fakeSender) SendControl(ctx context.Context, deviceID string, req models.ControlRequest) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

const pumpDevice = `{
	"deviceId": "dev-1",
	"config": {"actuators": {"pump": {"type": "relay"}, "fan": {"type": "relay"}}},
	"control": {"actuators": {
		"pump": {"auto": true, "default": {"state": "ON"}},
		"fan": {"auto": false, "state": "OFF"}
	}},
	"last_telemetry": {"ts": 1717243200000, "actuators": {"pump": "ON"}}
}`

func newDevice(t *testing.T, raw string) models.Device {
	t.Helper()
	var d models.Device
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

func newReconciler(t *testing.T, s Sender) *Reconciler {
	t.Helper()
	r := NewReconciler("dev-1", s, zerolog.Nop())
	r.Apply(PollReceived{Device: newDevice(t, pumpDevice)})
	return r
}

func TestSetStateRejectedInAutoMode(t *testing.T) {
	s := &fakeSender{}
	r := newReconciler(t, s)
	before, _ := r.Device()

	cmd, err := r.SetState(context.Background(), "pump", models.StateOff)
	assert.ErrorIs(t, err, ErrAutoMode)
	assert.Equal(t, models.CommandRejected, cmd.Status)
	assert.Equal(t, 0, s.count())
	assert.Equal(t, AutoModeWarning, r.Message())

	after, _ := r.Device()
	assert.Equal(t, before, after)
	assert.Equal(t, Confirmed, r.Status("pump"))
}

func TestToggleThenSetState(t *testing.T) {
	s := &fakeSender{}
	r := newReconciler(t, s)
	ctx := context.Background()

	_, err := r.ToggleMode(ctx, "pump")
	require.NoError(t, err)

	cmd, err := r.SetState(ctx, "pump", models.StateOff)
	require.NoError(t, err)
	assert.Equal(t, models.CommandSent, cmd.Status)
	require.Equal(t, 2, s.count())

	assert.Equal(t, models.ActuatorCommand{
		Type:    "relay",
		Auto:    false,
		State:   "ON",
		Default: models.CommandDefault{Auto: false, State: "ON"},
	}, s.reqs[0].Actuators["pump"], "toggle carries the live state")

	assert.Equal(t, models.NewActuatorCommand("relay", false, "OFF"), s.reqs[1].Actuators["pump"])
	assert.Len(t, s.reqs[1].Actuators, 1)

	rows := r.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "pump", rows[1].Key)
	assert.Equal(t, Manual, rows[1].Mode)
	assert.Equal(t, "OFF", rows[1].Live)
	assert.Equal(t, "OFF", rows[1].Desired)
	assert.Equal(t, PendingOptimistic, rows[1].Sync)
}

func TestCommandRequestShape(t *testing.T) {
	s := &fakeSender{}
	r := newReconciler(t, s)

	_, err := r.SetState(context.Background(), "fan", models.StateOn)
	require.NoError(t, err)

	b, err := json.Marshal(s.reqs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"actuators":{"fan":{"type":"relay","auto":false,"state":"ON","default":{"auto":false,"state":"ON"}}}}`, string(b))
}

func TestFailureKeepsOptimisticValue(t *testing.T) {
	s := &fakeSender{err: errors.New("HTTP 500")}
	r := newReconciler(t, s)

	cmd, err := r.SetState(context.Background(), "fan", models.StateOn)
	require.Error(t, err)
	assert.Equal(t, models.CommandFailed, cmd.Status)
	assert.Equal(t, FailedStale, r.Status("fan"))
	assert.Contains(t, r.Message(), "HTTP 500")

	d, _ := r.Device()
	assert.Equal(t, "ON", LiveState(d, "fan"), "no rollback")
	assert.Equal(t, "ON", d.ControlActuators["fan"].Desired)

	for _, row := range r.Rows() {
		assert.False(t, row.Busy, "busy is cleared after failure")
	}

	s.err = nil
	_, err = r.SetState(context.Background(), "fan", models.StateOff)
	require.NoError(t, err)
	assert.Empty(t, r.Message(), "next command clears the message")
}

func TestPollOverwritesOptimisticState(t *testing.T) {
	s := &fakeSender{}
	r := newReconciler(t, s)

	_, err := r.SetState(context.Background(), "fan", models.StateOn)
	require.NoError(t, err)
	assert.Equal(t, PendingOptimistic, r.Status("fan"))

	r.Apply(PollReceived{Device: newDevice(t, pumpDevice)})

	d, _ := r.Device()
	assert.Equal(t, "OFF", LiveState(d, "fan"))
	assert.Equal(t, Confirmed, r.Status("fan"))
}

func TestFailureAfterPollStaysConfirmed(t *testing.T) {
	s := &fakeSender{err: errors.New("HTTP 504"), block: make(chan struct{})}
	r := newReconciler(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := r.SetState(context.Background(), "fan", models.StateOn)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return r.Status("fan") == PendingOptimistic
	}, time.Second, 5*time.Millisecond)

	r.Apply(PollReceived{Device: newDevice(t, pumpDevice)})
	close(s.block)
	require.Error(t, <-done)

	assert.Equal(t, Confirmed, r.Status("fan"))
	d, _ := r.Device()
	assert.Equal(t, "OFF", LiveState(d, "fan"))
	assert.Contains(t, r.Message(), "HTTP 504")
}

func TestReduceFailureWithoutPendingPatch(t *testing.T) {
	s := Reduce(State{}, PollReceived{Device: newDevice(t, pumpDevice)})
	next := Reduce(s, CommandFailed{Key: "fan", Err: errors.New("boom")})
	assert.Equal(t, Confirmed, next.Status("fan"))
}

func TestBusyActuatorRejectsSecondCommand(t *testing.T) {
	s := &fakeSender{block: make(chan struct{})}
	r := newReconciler(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := r.SetState(context.Background(), "fan", models.StateOn)
		done <- err
	}()

	require.Eventually(t, func() bool {
		for _, row := range r.Rows() {
			if row.Key == "fan" && row.Busy {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, err := r.SetState(context.Background(), "fan", models.StateOff)
	assert.ErrorIs(t, err, ErrBusy)

	close(s.block)
	require.NoError(t, <-done)
}

func TestUnknownActuatorAndNoSnapshot(t *testing.T) {
	r := NewReconciler("dev-1", &fakeSender{}, zerolog.Nop())
	_, err := r.ToggleMode(context.Background(), "pump")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	r.Apply(PollReceived{Device: newDevice(t, pumpDevice)})
	_, err = r.ToggleMode(context.Background(), "heater")
	assert.ErrorIs(t, err, ErrUnknownActuator)

	_, err = r.SetState(context.Background(), "fan", "BLINK")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	d := newDevice(t, pumpDevice)
	s := Reduce(State{}, PollReceived{Device: d})

	on := "ON"
	next := Reduce(s, OptimisticPatch{Key: "fan", State: &on})

	assert.Equal(t, "OFF", LiveState(*s.Device, "fan"))
	assert.Equal(t, "ON", LiveState(*next.Device, "fan"))
	assert.Equal(t, Confirmed, s.Status("fan"))
}

func TestLiveStateFallbacks(t *testing.T) {
	d := newDevice(t, `{"_id":"x","control":{"actuators":{
		"a": {"state": "IDLE"},
		"b": {"default": {"state": "ON"}},
		"c": {}
	}}}`)

	assert.Equal(t, "IDLE", LiveState(d, "a"))
	assert.Equal(t, "ON", LiveState(d, "b"))
	assert.Equal(t, "OFF", LiveState(d, "c"))
	assert.Equal(t, "OFF", LiveState(d, "missing"))
}

func TestTelemetryPushKeepsControl(t *testing.T) {
	s := Reduce(State{}, PollReceived{Device: newDevice(t, pumpDevice)})
	next := Reduce(s, TelemetryPushed{Snapshot: &models.TelemetrySnapshot{
		Fields:    map[string]models.Value{"ts": models.Number(1717243260000)},
		Actuators: map[string]string{"pump": "OFF"},
	}})

	assert.Equal(t, "OFF", LiveState(*next.Device, "pump"))
	assert.True(t, next.Device.ControlActuators["pump"].Auto)
}
