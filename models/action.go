package models

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandFailed    CommandStatus = "failed"
	CommandRejected  CommandStatus = "rejected"
	CommandConfirmed CommandStatus = "confirmed"
)

// CommandKind names the operator action that produced a control write.
type CommandKind string

const (
	CommandToggleMode CommandKind = "toggle_mode"
	CommandSetState   CommandKind = "set_state"
)

// Command is one journaled actuator control write.
type Command struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"device_id"`
	ActuatorKey string        `json:"actuator"`
	Kind        CommandKind   `json:"kind"`
	Auto        bool          `json:"auto"`
	State       string        `json:"state"`
	Timestamp   int64         `json:"timestamp"`
	Status      CommandStatus `json:"status"` // pending, sent, failed, rejected, confirmed
	Result      string        `json:"result,omitempty"`
}
