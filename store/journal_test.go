package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotconsole/config"
	"iotconsole/models"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := config.InitDatabase(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJournal(db, zerolog.Nop())
}

func cmd(id, key string, kind models.CommandKind, auto bool, state string, ts int64, status models.CommandStatus) models.Command {
	return models.Command{
		ID: id, DeviceID: "dev-1", ActuatorKey: key, Kind: kind,
		Auto: auto, State: state, Timestamp: ts, Status: status,
	}
}

func TestRecordAndList(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, cmd("a", "pump", models.CommandSetState, false, "ON", 1, models.CommandSent)))
	require.NoError(t, j.Record(ctx, cmd("b", "fan", models.CommandToggleMode, true, "OFF", 2, models.CommandFailed)))

	other := cmd("c", "pump", models.CommandSetState, false, "ON", 3, models.CommandSent)
	other.DeviceID = "dev-2"
	require.NoError(t, j.Record(ctx, other))

	list, err := j.List(ctx, "dev-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "newest first")
	assert.Equal(t, models.CommandToggleMode, list[0].Kind)
	assert.True(t, list[0].Auto)
	assert.Equal(t, models.CommandFailed, list[0].Status)

	list, err = j.List(ctx, "dev-1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = j.List(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConfirmMatchesSnapshot(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, cmd("on", "pump", models.CommandSetState, false, "ON", 1, models.CommandSent)))
	require.NoError(t, j.Record(ctx, cmd("off", "pump", models.CommandSetState, false, "OFF", 2, models.CommandSent)))
	require.NoError(t, j.Record(ctx, cmd("mode", "fan", models.CommandToggleMode, true, "IDLE", 3, models.CommandSent)))
	require.NoError(t, j.Record(ctx, cmd("failed", "pump", models.CommandSetState, false, "ON", 4, models.CommandFailed)))

	dev := models.Device{
		ID: "dev-1",
		ControlActuators: map[string]models.ActuatorControl{
			"pump": {Auto: false, Desired: "ON"},
			"fan":  {Auto: true, Desired: "OFF"},
		},
	}

	n, err := j.Confirm(ctx, "dev-1", dev)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := j.List(ctx, "dev-1", 0)
	require.NoError(t, err)
	status := map[string]models.CommandStatus{}
	for _, c := range list {
		status[c.ID] = c.Status
	}
	assert.Equal(t, models.CommandConfirmed, status["on"])
	assert.Equal(t, models.CommandSent, status["off"])
	assert.Equal(t, models.CommandConfirmed, status["mode"])
	assert.Equal(t, models.CommandFailed, status["failed"])
}

func TestConfirmUsesRecordedDeviceID(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, cmd("on", "pump", models.CommandSetState, false, "ON", 1, models.CommandSent)))

	// The snapshot identifies itself by its database id, not the route id.
	dev := models.Device{
		ID:               "65a1b2c3d4e5f60718293a4b",
		ControlActuators: map[string]models.ActuatorControl{"pump": {Auto: false, Desired: "ON"}},
	}

	n, err := j.Confirm(ctx, dev.ID, dev)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = j.Confirm(ctx, "dev-1", dev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := j.List(ctx, "dev-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.CommandConfirmed, list[0].Status)
}
