// Package store persists the actuator command journal in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"iotconsole/models"
)

const defaultListLimit = 100

// Journal records every actuator command and its outcome. Sent commands
// are marked confirmed once a polled snapshot shows the requested values.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewJournal(db *sql.DB, log zerolog.Logger) *Journal {
	return &Journal{db: db, log: log}
}

// Record inserts cmd, replacing an earlier row with the same id.
func (j *Journal) Record(ctx context.Context, cmd models.Command) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commands (id, device_id, actuator, kind, auto, state, timestamp, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.DeviceID, cmd.ActuatorKey, string(cmd.Kind), cmd.Auto, cmd.State,
		cmd.Timestamp, string(cmd.Status), cmd.Result,
	)
	if err != nil {
		return fmt.Errorf("record command %s: %w", cmd.ID, err)
	}
	return nil
}

// List returns the most recent commands for a device, newest first.
func (j *Journal) List(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device_id, actuator, kind, auto, state, timestamp, status, result
		FROM commands
		WHERE device_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	out := []models.Command{}
	for rows.Next() {
		var c models.Command
		var kind, status string
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.ActuatorKey, &kind, &c.Auto, &c.State, &c.Timestamp, &status, &c.Result); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.Kind = models.CommandKind(kind)
		c.Status = models.CommandStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Confirm marks sent commands of deviceID whose values the snapshot now
// reports. deviceID is the id commands were recorded under, which need not
// equal the id the snapshot decodes. Mode toggles only need the mode to
// match. It returns how many rows changed.
func (j *Journal) Confirm(ctx context.Context, deviceID string, dev models.Device) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for key, ctrl := range dev.ControlActuators {
		res, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = ?
			WHERE device_id = ? AND actuator = ? AND status = ? AND auto = ?
			  AND (kind = ? OR state = ?)`,
			string(models.CommandConfirmed), deviceID, key, string(models.CommandSent), ctrl.Auto,
			string(models.CommandToggleMode), ctrl.Desired,
		)
		if err != nil {
			return 0, fmt.Errorf("confirm commands for %s: %w", key, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if total > 0 {
		j.log.Debug().Str("device_id", deviceID).Int64("count", total).Msg("Commands confirmed by snapshot")
	}
	return total, nil
}
