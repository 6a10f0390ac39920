package actuator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iotconsole/models"
)

var (
	ErrNoSnapshot      = errors.New("no device snapshot yet")
	ErrAutoMode        = errors.New("actuator is in AUTO mode")
	ErrBusy            = errors.New("command already in flight for actuator")
	ErrInvalidState    = errors.New("state must be ON, OFF or IDLE")
	ErrUnknownActuator = errors.New("unknown actuator")
)

// AutoModeWarning is shown when an operator tries to drive an actuator that
// automatic control still owns.
const AutoModeWarning = "Switch to MANUAL to control this actuator."

// Sender writes a control request for one device.
type Sender interface {
	SendControl(ctx context.Context, deviceID string, req models.ControlRequest) error
}

// Reconciler applies operator commands optimistically and lets polled
// snapshots overwrite them. Commands on different actuators run
// concurrently; a second command on a busy actuator is rejected.
type Reconciler struct {
	mu       sync.Mutex
	deviceID string
	state    State
	busy     map[string]bool
	message  string

	sender Sender
	log    zerolog.Logger
	now    func() time.Time
}

func NewReconciler(deviceID string, sender Sender, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		deviceID: deviceID,
		busy:     make(map[string]bool),
		sender:   sender,
		log:      log.With().Str("device_id", deviceID).Logger(),
		now:      time.Now,
	}
}

// Apply feeds an event through Reduce.
func (r *Reconciler) Apply(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Reduce(r.state, ev)
}

// Device returns a copy of the reconciled snapshot.
func (r *Reconciler) Device() (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Device == nil {
		return models.Device{}, false
	}
	return r.state.Device.Clone(), true
}

func (r *Reconciler) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Rows(r.busy)
}

func (r *Reconciler) Status(key string) SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status(key)
}

// Message is the last transient warning or failure text. It is cleared when
// the next command starts.
func (r *Reconciler) Message() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

// ToggleMode flips AUTO/MANUAL for key and sends the new mode together with
// the current live state.
func (r *Reconciler) ToggleMode(ctx context.Context, key string) (models.Command, error) {
	r.mu.Lock()
	dev, err := r.begin(key)
	if err != nil {
		r.mu.Unlock()
		return r.rejected(models.CommandToggleMode, key, false, "", err), err
	}

	next := !dev.ControlActuators[key].Auto
	live := LiveState(*dev, key)
	typ := dev.ActuatorType(key)
	r.state = Reduce(r.state, OptimisticPatch{Key: key, Auto: &next})
	r.mu.Unlock()

	return r.send(ctx, models.CommandToggleMode, key, models.NewActuatorCommand(typ, next, live))
}

// SetState drives key to state. Actuators in AUTO mode reject the command
// without touching local state or sending anything.
func (r *Reconciler) SetState(ctx context.Context, key, state string) (models.Command, error) {
	switch state {
	case models.StateOn, models.StateOff, models.StateIdle:
	default:
		return r.rejected(models.CommandSetState, key, false, state, ErrInvalidState), ErrInvalidState
	}

	r.mu.Lock()
	if r.state.Device != nil && r.state.Device.ControlActuators[key].Auto {
		r.message = AutoModeWarning
		r.mu.Unlock()
		return r.rejected(models.CommandSetState, key, true, state, ErrAutoMode), ErrAutoMode
	}
	dev, err := r.begin(key)
	if err != nil {
		r.mu.Unlock()
		return r.rejected(models.CommandSetState, key, false, state, err), err
	}

	auto := dev.ControlActuators[key].Auto
	typ := dev.ActuatorType(key)
	r.state = Reduce(r.state, OptimisticPatch{Key: key, State: &state})
	r.mu.Unlock()

	return r.send(ctx, models.CommandSetState, key, models.NewActuatorCommand(typ, auto, state))
}

// begin checks preconditions and marks key busy. Caller holds r.mu.
func (r *Reconciler) begin(key string) (*models.Device, error) {
	dev := r.state.Device
	if dev == nil {
		return nil, ErrNoSnapshot
	}
	if !slices.Contains(dev.ActuatorKeys(), key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActuator, key)
	}
	if r.busy[key] {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	r.busy[key] = true
	r.message = ""
	return dev, nil
}

func (r *Reconciler) send(ctx context.Context, kind models.CommandKind, key string, cmd models.ActuatorCommand) (models.Command, error) {
	defer func() {
		r.mu.Lock()
		delete(r.busy, key)
		r.mu.Unlock()
	}()

	rec := r.record(kind, key, cmd.Auto, cmd.State)
	req := models.ControlRequest{Actuators: map[string]models.ActuatorCommand{key: cmd}}

	if err := r.sender.SendControl(ctx, r.deviceID, req); err != nil {
		r.log.Warn().Err(err).Str("actuator", key).Str("kind", string(kind)).Msg("Control command failed")

		r.mu.Lock()
		r.state = Reduce(r.state, CommandFailed{Key: key, Err: err})
		r.message = "Command failed: " + err.Error()
		r.mu.Unlock()

		rec.Status = models.CommandFailed
		rec.Result = err.Error()
		return rec, err
	}

	r.log.Info().Str("actuator", key).Str("kind", string(kind)).Bool("auto", cmd.Auto).Str("state", cmd.State).Msg("Control command sent")
	rec.Status = models.CommandSent
	return rec, nil
}

func (r *Reconciler) rejected(kind models.CommandKind, key string, auto bool, state string, err error) models.Command {
	rec := r.record(kind, key, auto, state)
	rec.Status = models.CommandRejected
	rec.Result = err.Error()
	return rec
}

func (r *Reconciler) record(kind models.CommandKind, key string, auto bool, state string) models.Command {
	return models.Command{
		ID:          uuid.NewString(),
		DeviceID:    r.deviceID,
		ActuatorKey: key,
		Kind:        kind,
		Auto:        auto,
		State:       state,
		Timestamp:   r.now().UnixMilli(),
		Status:      models.CommandPending,
	}
}
