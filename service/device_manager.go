package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iotconsole/liveness"
	"iotconsole/models"
)

type DeviceLister interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// DeviceRow is one entry of the device list with its liveness.
type DeviceRow struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Model       string          `json:"model"`
	Firmware    string          `json:"firmware"`
	Liveness    liveness.Status `json:"liveness"`
}

type DeviceList struct {
	Devices   []DeviceRow `json:"devices"`
	Online    int         `json:"online"`
	Loaded    bool        `json:"loaded"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt int64       `json:"updatedAt,omitempty"`
}

// DeviceManager keeps the polled device list. Liveness is evaluated when the
// list is read, so a device goes offline without waiting for the next poll.
type DeviceManager struct {
	lister DeviceLister
	hub    WebSocketBroadcaster
	poller *Poller[[]models.Device]
	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu        sync.RWMutex
	devices   []models.Device
	loaded    bool
	fetchErr  string
	updatedAt time.Time
}

func NewDeviceManager(lister DeviceLister, hub WebSocketBroadcaster, interval, maxAge time.Duration, log zerolog.Logger) *DeviceManager {
	m := &DeviceManager{
		lister: lister,
		hub:    hub,
		maxAge: maxAge,
		now:    time.Now,
		log:    log,
	}
	m.poller = NewPoller("device-list", interval, lister.ListDevices, m.applyList, m.applyError, log)
	return m
}

// Run polls the device list until ctx is done.
func (m *DeviceManager) Run(ctx context.Context) {
	m.log.Info().Dur("interval", m.poller.interval).Msg("Device list polling started")
	m.poller.Run(ctx)
}

// Refresh polls once.
func (m *DeviceManager) Refresh(ctx context.Context) {
	m.poller.Tick(ctx)
}

func (m *DeviceManager) applyList(devices []models.Device) {
	m.mu.Lock()
	m.devices = devices
	m.loaded = true
	m.fetchErr = ""
	m.updatedAt = m.now()
	m.mu.Unlock()

	m.broadcast()
}

func (m *DeviceManager) applyError(err error) {
	m.log.Warn().Err(err).Msg("Failed to load devices")

	m.mu.Lock()
	m.loaded = true
	m.fetchErr = err.Error()
	m.mu.Unlock()

	m.broadcast()
}

func (m *DeviceManager) broadcast() {
	if m.hub != nil {
		m.hub.BroadcastToAll(Event{Type: EventDevices, Data: m.List()})
	}
}

// List returns the current rows. A failed poll keeps the previous rows and
// reports the failure alongside them.
func (m *DeviceManager) List() DeviceList {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := DeviceList{
		Devices: make([]DeviceRow, 0, len(m.devices)),
		Loaded:  m.loaded,
		Error:   m.fetchErr,
	}
	if !m.updatedAt.IsZero() {
		out.UpdatedAt = m.updatedAt.UnixMilli()
	}

	for i := range m.devices {
		d := &m.devices[i]
		st := liveness.Estimate(d, now, m.maxAge)
		if st.Online {
			out.Online++
		}
		out.Devices = append(out.Devices, DeviceRow{
			ID:          d.ID,
			DisplayName: d.DisplayName,
			Model:       d.Model,
			Firmware:    d.Firmware,
			Liveness:    st,
		})
	}
	return out
}
