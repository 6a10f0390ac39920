package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"iotconsole/models"
	"iotconsole/schedule"
)

type ScheduleUpstream interface {
	GetDevice(ctx context.Context, id string) (models.Device, error)
	ListSchedules(ctx context.Context, deviceID string) ([]models.ScheduleDefinition, error)
	CreateSchedule(ctx context.Context, deviceID string, s models.SchedulePayload) error
	UpdateSchedule(ctx context.Context, id string, s models.SchedulePayload) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	DeleteSchedule(ctx context.Context, id string) error
}

// ScheduleBoard is a device's schedules plus what a form needs to edit them.
type ScheduleBoard struct {
	DeviceID     string                      `json:"deviceId"`
	DeviceName   string                      `json:"deviceName"`
	Timezone     string                      `json:"timezone"`
	ActuatorKeys []string                    `json:"actuatorKeys"`
	Schedules    []models.ScheduleDefinition `json:"schedules"`
}

// ScheduleService edits schedule definitions upstream. Every change is
// followed by a full reload; nothing is merged locally.
type ScheduleService struct {
	up       ScheduleUpstream
	hub      WebSocketBroadcaster
	timezone string
	now      func() time.Time
	log      zerolog.Logger
}

func NewScheduleService(up ScheduleUpstream, hub WebSocketBroadcaster, log zerolog.Logger) *ScheduleService {
	return &ScheduleService{up: up, hub: hub, timezone: models.DefaultTimezone, now: time.Now, log: log}
}

// SetDefaultTimezone sets the timezone used for devices without a scheduler
// timezone of their own.
func (s *ScheduleService) SetDefaultTimezone(tz string) {
	if tz != "" {
		s.timezone = tz
	}
}

func (s *ScheduleService) timezoneFor(dev models.Device) string {
	if dev.Timezone != "" {
		return dev.Timezone
	}
	return s.timezone
}

// Load fetches the device and its schedules together.
func (s *ScheduleService) Load(ctx context.Context, deviceID string) (ScheduleBoard, error) {
	var (
		dev  models.Device
		list []models.ScheduleDefinition
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dev, err = s.up.GetDevice(gctx, deviceID)
		return err
	})
	g.Go(func() error {
		var err error
		list, err = s.up.ListSchedules(gctx, deviceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return ScheduleBoard{}, err
	}

	if list == nil {
		list = []models.ScheduleDefinition{}
	}
	return ScheduleBoard{
		DeviceID:     deviceID,
		DeviceName:   dev.DisplayName,
		Timezone:     s.timezoneFor(dev),
		ActuatorKeys: dev.ActuatorKeys(),
		Schedules:    list,
	}, nil
}

// NewForm returns a blank form in the device's scheduler timezone.
func (s *ScheduleService) NewForm(ctx context.Context, deviceID string) (models.ScheduleDefinition, error) {
	dev, err := s.up.GetDevice(ctx, deviceID)
	if err != nil {
		return models.ScheduleDefinition{}, err
	}
	return schedule.NewForm(s.timezoneFor(dev)), nil
}

// Save validates form against the device and creates or updates it. A
// form with an id updates that schedule.
func (s *ScheduleService) Save(ctx context.Context, deviceID string, form models.ScheduleDefinition) (ScheduleBoard, error) {
	dev, err := s.up.GetDevice(ctx, deviceID)
	if err != nil {
		return ScheduleBoard{}, err
	}

	form = schedule.Normalize(form, s.timezoneFor(dev))
	if err := schedule.ValidateFor(form, dev); err != nil {
		return ScheduleBoard{}, err
	}

	if form.ID == "" {
		err = s.up.CreateSchedule(ctx, deviceID, form.Payload())
	} else {
		err = s.up.UpdateSchedule(ctx, form.ID, form.Payload())
	}
	if err != nil {
		return ScheduleBoard{}, err
	}

	s.log.Info().Str("device_id", deviceID).Str("schedule_id", form.ID).Str("name", form.Name).Msg("Schedule saved")
	return s.reload(ctx, deviceID)
}

// Toggle flips the enabled flag of a schedule as last loaded.
func (s *ScheduleService) Toggle(ctx context.Context, deviceID, scheduleID string) (ScheduleBoard, error) {
	list, err := s.up.ListSchedules(ctx, deviceID)
	if err != nil {
		return ScheduleBoard{}, err
	}

	var current *models.ScheduleDefinition
	for i := range list {
		if list[i].ID == scheduleID {
			current = &list[i]
			break
		}
	}
	if current == nil {
		return ScheduleBoard{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}

	if err := s.up.SetScheduleEnabled(ctx, scheduleID, !current.Enabled); err != nil {
		return ScheduleBoard{}, err
	}
	return s.reload(ctx, deviceID)
}

func (s *ScheduleService) Delete(ctx context.Context, deviceID, scheduleID string) (ScheduleBoard, error) {
	if scheduleID == "" {
		return ScheduleBoard{}, fmt.Errorf("%w: empty id", ErrScheduleNotFound)
	}
	if err := s.up.DeleteSchedule(ctx, scheduleID); err != nil {
		return ScheduleBoard{}, err
	}
	s.log.Info().Str("device_id", deviceID).Str("schedule_id", scheduleID).Msg("Schedule deleted")
	return s.reload(ctx, deviceID)
}

const (
	defaultPreviewRuns = 5
	MaxPreviewRuns     = 50
)

// Preview lists upcoming firings of a form without saving it. n defaults
// to five and is capped at MaxPreviewRuns.
func (s *ScheduleService) Preview(form models.ScheduleDefinition, n int) ([]schedule.Run, error) {
	if n <= 0 {
		n = defaultPreviewRuns
	}
	return schedule.Preview(form, s.now(), min(n, MaxPreviewRuns))
}

func (s *ScheduleService) reload(ctx context.Context, deviceID string) (ScheduleBoard, error) {
	board, err := s.Load(ctx, deviceID)
	if err != nil {
		return ScheduleBoard{}, err
	}
	if s.hub != nil {
		s.hub.BroadcastToDevice(deviceID, Event{Type: EventSchedules, DeviceID: deviceID, Data: board})
	}
	return board, nil
}
