package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iotconsole/actuator"
	"iotconsole/liveness"
	"iotconsole/models"
	"iotconsole/telemetry"
	"iotconsole/zoom"
)

// Upstream is the part of the platform API a watch session needs.
type Upstream interface {
	GetDevice(ctx context.Context, id string) (models.Device, error)
	GetTelemetry(ctx context.Context, id string, limit int) ([]*models.TelemetrySnapshot, error)
	SendControl(ctx context.Context, id string, req models.ControlRequest) error
}

// CommandJournal records control commands and confirms them from snapshots.
type CommandJournal interface {
	Record(ctx context.Context, cmd models.Command) error
	Confirm(ctx context.Context, deviceID string, dev models.Device) (int64, error)
}

// SessionState represents the lifecycle state of a device watch session
type SessionState int

const (
	StateStopped  SessionState = iota // Not polling
	StateStarting                     // Pollers being launched
	StateRunning                      // Polling with viewers attached
	StateIdle                         // Polling without viewers, waiting for TTL
	StateStopping                     // Pollers shutting down
)

func (s SessionState) String() string {
	return [...]string{"STOPPED", "STARTING", "RUNNING", "IDLE", "STOPPING"}[s]
}

type SessionConfig struct {
	DevicePoll   time.Duration
	HistoryPoll  time.Duration
	MaxAge       time.Duration
	Window       time.Duration
	HistoryLimit int
	// TTL keeps a session polling after its last viewer leaves.
	TTL time.Duration
}

// SessionService runs one watch session per device: a device snapshot
// poller feeding the actuator reconciler and liveness, and a history poller
// feeding the telemetry window. Sessions outlive individual viewers.
type SessionService struct {
	upstream Upstream
	journal  CommandJournal
	hub      WebSocketBroadcaster
	cfg      SessionConfig
	now      func() time.Time
	log      zerolog.Logger

	sessions map[string]*session
	mu       sync.RWMutex
}

type session struct {
	deviceID string

	// State machine - protected by mu
	state SessionState
	mu    sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	viewers   int
	idleTimer *time.Timer

	reconciler *actuator.Reconciler
	zoom       *zoom.Controller
	selection  telemetry.Selection
	history    []*models.TelemetrySnapshot
	fetchErr   string
	loaded     bool

	devicePoller  *Poller[models.Device]
	historyPoller *Poller[[]*models.TelemetrySnapshot]
}

func NewSessionService(upstream Upstream, journal CommandJournal, hub WebSocketBroadcaster, cfg SessionConfig, log zerolog.Logger) *SessionService {
	if cfg.TTL <= 0 {
		cfg.TTL = 120 * time.Second
	}
	return &SessionService{
		upstream: upstream,
		journal:  journal,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
		log:      log,
		sessions: make(map[string]*session),
	}
}

func (s *SessionService) newSession(deviceID string) *session {
	log := s.log.With().Str("device_id", deviceID).Logger()
	sess := &session{
		deviceID:   deviceID,
		state:      StateStopped,
		reconciler: actuator.NewReconciler(deviceID, s.upstream, log),
		zoom:       zoom.NewController(deviceID),
	}

	sess.devicePoller = NewPoller("device", s.cfg.DevicePoll,
		func(ctx context.Context) (models.Device, error) {
			return s.upstream.GetDevice(ctx, deviceID)
		},
		func(d models.Device) { s.applyDevice(sess, d) },
		func(err error) { s.applyDeviceError(sess, err) },
		log,
	)
	sess.historyPoller = NewPoller("history", s.cfg.HistoryPoll,
		func(ctx context.Context) ([]*models.TelemetrySnapshot, error) {
			return s.upstream.GetTelemetry(ctx, deviceID, s.cfg.HistoryLimit)
		},
		func(rows []*models.TelemetrySnapshot) { s.applyHistory(sess, rows) },
		func(err error) {
			// Charts are optional; keep the previous window.
			log.Debug().Err(err).Msg("History fetch failed")
		},
		log,
	)
	return sess
}

func (s *SessionService) get(deviceID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[deviceID]
	return sess, ok
}

// Start starts or attaches to the watch session for a device.
func (s *SessionService) Start(deviceID string) error {
	s.mu.Lock()
	sess, exists := s.sessions[deviceID]
	if !exists {
		sess = s.newSession(deviceID)
		s.sessions[deviceID] = sess
	}
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	log := s.log.With().Str("device_id", deviceID).Logger()
	log.Debug().Str("state", sess.state.String()).Int("viewers", sess.viewers).Msg("Start called")

	switch sess.state {
	case StateRunning, StateIdle:
		if sess.idleTimer != nil {
			sess.idleTimer.Stop()
			sess.idleTimer = nil
		}
		if sess.state == StateIdle {
			sess.state = StateRunning
			log.Info().Msg("Session resumed from IDLE")
		}
		return nil

	case StateStarting:
		return nil

	case StateStopping:
		return ErrSessionStopping

	case StateStopped:
		sess.state = StateStarting
		ctx, cancel := context.WithCancel(context.Background())
		sess.cancel = cancel
		sess.done = make(chan struct{})
		log.Info().Msg("Starting session")
		go s.run(ctx, sess)
	}
	return nil
}

func (s *SessionService) run(ctx context.Context, sess *session) {
	defer func() {
		sess.mu.Lock()
		sess.state = StateStopped
		sess.cancel = nil
		close(sess.done)
		sess.mu.Unlock()
		s.log.Info().Str("device_id", sess.deviceID).Msg("Session stopped")
	}()

	sess.mu.Lock()
	if sess.state != StateStarting {
		sess.mu.Unlock()
		return
	}
	sess.state = StateRunning
	if sess.viewers == 0 {
		s.enterIdle(sess)
	}
	sess.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.devicePoller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sess.historyPoller.Run(ctx)
	}()
	wg.Wait()
}

// Stop force-stops a session and waits for its pollers to exit.
func (s *SessionService) Stop(deviceID string) {
	sess, ok := s.get(deviceID)
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.state == StateStopped {
		sess.mu.Unlock()
		return
	}
	done := sess.done
	if sess.state != StateStopping {
		s.beginStop(sess)
	}
	sess.mu.Unlock()

	<-done
}

// beginStop cancels the pollers. Caller holds sess.mu.
func (s *SessionService) beginStop(sess *session) {
	sess.state = StateStopping
	if sess.idleTimer != nil {
		sess.idleTimer.Stop()
		sess.idleTimer = nil
	}
	if sess.cancel != nil {
		sess.cancel()
	}
}

// enterIdle starts the TTL countdown. Caller holds sess.mu.
func (s *SessionService) enterIdle(sess *session) {
	sess.state = StateIdle
	s.log.Info().Str("device_id", sess.deviceID).Dur("ttl", s.cfg.TTL).Msg("Session idle")
	sess.idleTimer = time.AfterFunc(s.cfg.TTL, func() {
		s.handleIdleTimeout(sess.deviceID)
	})
}

func (s *SessionService) AddViewer(deviceID string) {
	sess, ok := s.get(deviceID)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.viewers++
	if sess.idleTimer != nil {
		sess.idleTimer.Stop()
		sess.idleTimer = nil
	}
	if sess.state == StateIdle {
		sess.state = StateRunning
	}
}

func (s *SessionService) RemoveViewer(deviceID string) {
	sess, ok := s.get(deviceID)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.viewers > 0 {
		sess.viewers--
	}
	if sess.viewers == 0 && sess.state == StateRunning {
		s.enterIdle(sess)
	}
}

func (s *SessionService) handleIdleTimeout(deviceID string) {
	sess, ok := s.get(deviceID)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.viewers == 0 && sess.state == StateIdle {
		s.log.Info().Str("device_id", deviceID).Msg("Idle timeout reached, stopping session")
		s.beginStop(sess)
	}
}

// StopAll stops every session.
func (s *SessionService) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Refresh polls the device snapshot and history once, outside the timers.
func (s *SessionService) Refresh(ctx context.Context, deviceID string) error {
	sess, ok := s.get(deviceID)
	if !ok {
		return ErrSessionNotFound
	}
	sess.devicePoller.Tick(ctx)
	sess.historyPoller.Tick(ctx)
	return nil
}

func (s *SessionService) applyDevice(sess *session, d models.Device) {
	sess.reconciler.Apply(actuator.PollReceived{Device: d})

	sess.mu.Lock()
	sess.fetchErr = ""
	sess.loaded = true
	sess.zoom.SetDevice(d.ID)
	sess.mu.Unlock()

	if s.journal != nil {
		if _, err := s.journal.Confirm(context.Background(), sess.deviceID, d); err != nil {
			s.log.Warn().Err(err).Str("device_id", sess.deviceID).Msg("Failed to confirm journaled commands")
		}
	}
	s.broadcast(sess)
}

func (s *SessionService) applyDeviceError(sess *session, err error) {
	s.log.Warn().Err(err).Str("device_id", sess.deviceID).Msg("Failed to load device")

	sess.mu.Lock()
	sess.fetchErr = err.Error()
	sess.loaded = true
	sess.mu.Unlock()

	s.broadcast(sess)
}

func (s *SessionService) applyHistory(sess *session, rows []*models.TelemetrySnapshot) {
	sess.mu.Lock()
	sess.history = rows
	points := telemetry.Build(rows, s.now(), s.cfg.Window)
	sess.selection.Observe(telemetry.NumericKeys(points))
	sess.mu.Unlock()

	s.broadcast(sess)
}

// PushTelemetry feeds a live telemetry document into a running session.
// It updates the latest snapshot and extends the history window. Documents
// without a resolvable instant are stamped with the receive time.
func (s *SessionService) PushTelemetry(deviceID string, snap *models.TelemetrySnapshot) bool {
	sess, ok := s.get(deviceID)
	if !ok || snap == nil {
		return false
	}

	if _, ok := liveness.Resolve(snap); !ok {
		snap = snap.Clone()
		snap.Fields["ts"] = models.Number(float64(s.now().UnixMilli()))
	}

	sess.reconciler.Apply(actuator.TelemetryPushed{Snapshot: snap})

	sess.mu.Lock()
	history := make([]*models.TelemetrySnapshot, 0, len(sess.history)+1)
	history = append(history, sess.history...)
	sess.history = append(history, snap)
	if s.cfg.HistoryLimit > 0 && len(sess.history) > s.cfg.HistoryLimit {
		sess.history = sess.history[len(sess.history)-s.cfg.HistoryLimit:]
	}
	points := telemetry.Build(sess.history, s.now(), s.cfg.Window)
	sess.selection.Observe(telemetry.NumericKeys(points))
	sess.mu.Unlock()

	s.broadcast(sess)
	return true
}

// TelemetryTopics maps the telemetry topic of every loaded session to its
// device id.
func (s *SessionService) TelemetryTopics() map[string]string {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	out := make(map[string]string)
	for _, sess := range sessions {
		sess.mu.Lock()
		running := sess.state != StateStopped && sess.state != StateStopping
		sess.mu.Unlock()
		if !running {
			continue
		}
		if d, ok := sess.reconciler.Device(); ok && d.Topics.Telemetry != "" {
			out[d.Topics.Telemetry] = sess.deviceID
		}
	}
	return out
}

func (s *SessionService) broadcast(sess *session) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastToDevice(sess.deviceID, Event{
		Type:     EventDeviceView,
		DeviceID: sess.deviceID,
		Data:     s.view(sess),
	})
}

// Range is an inclusive instant range in Unix milliseconds.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type SeriesView struct {
	Points   []telemetry.Point `json:"points"`
	Count    int               `json:"count"`
	Visible  int               `json:"visible"`
	Range    *Range            `json:"range"`
	Keys     []string          `json:"keys"`
	Selected []string          `json:"selected"`
	Colors   map[string]string `json:"colors"`
	Axis     telemetry.Range   `json:"axis"`
	Zoom     zoom.Snapshot     `json:"zoom"`
}

// SessionView is everything the device detail screen renders.
type SessionView struct {
	DeviceID  string               `json:"deviceId"`
	State     string               `json:"state"`
	Viewers   int                  `json:"viewers"`
	Loaded    bool                 `json:"loaded"`
	Error     string               `json:"error,omitempty"`
	Message   string               `json:"message,omitempty"`
	Device    *models.Device       `json:"device"`
	Liveness  liveness.Status      `json:"liveness"`
	Latest    []models.ScalarField `json:"latest"`
	Actuators []actuator.Row       `json:"actuators"`
	Series    SeriesView           `json:"series"`
}

func (s *SessionService) View(deviceID string) (SessionView, error) {
	sess, ok := s.get(deviceID)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	return s.view(sess), nil
}

func (s *SessionService) view(sess *session) SessionView {
	now := s.now()

	v := SessionView{
		DeviceID:  sess.deviceID,
		Message:   sess.reconciler.Message(),
		Actuators: sess.reconciler.Rows(),
		Liveness:  liveness.Estimate(nil, now, s.cfg.MaxAge),
	}
	if v.Actuators == nil {
		v.Actuators = []actuator.Row{}
	}
	if d, ok := sess.reconciler.Device(); ok {
		v.Device = &d
		v.Liveness = liveness.Estimate(&d, now, s.cfg.MaxAge)
		v.Latest = d.LastTelemetry.Scalars()
	}
	if v.Latest == nil {
		v.Latest = []models.ScalarField{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	v.State = sess.state.String()
	v.Viewers = sess.viewers
	v.Loaded = sess.loaded
	v.Error = sess.fetchErr
	v.Series = s.series(sess, now)
	return v
}

// series derives the plotted window. Caller holds sess.mu.
func (s *SessionService) series(sess *session, now time.Time) SeriesView {
	points := telemetry.Build(sess.history, now, s.cfg.Window)
	keys := telemetry.NumericKeys(points)
	selected := sess.selection.Keys()

	sv := SeriesView{
		Points:   points,
		Count:    len(points),
		Visible:  len(points),
		Keys:     keys,
		Selected: selected,
		Colors:   telemetry.Colors(keys),
		Axis:     telemetry.AxisRange(points, selected),
		Zoom:     sess.zoom.Snapshot(),
	}
	if first, last, ok := telemetry.Span(points); ok {
		sv.Range = &Range{From: first, To: last}
	}
	if d := sess.zoom.Committed(); d != nil {
		sv.Visible = len(telemetry.Clip(points, d.Min, d.Max))
	}
	return sv
}

// instants returns the instants of the current window for slider input.
func (s *SessionService) instants(sess *session) []int64 {
	return telemetry.Instants(telemetry.Build(sess.history, s.now(), s.cfg.Window))
}

// ToggleMode flips an actuator between AUTO and MANUAL.
func (s *SessionService) ToggleMode(ctx context.Context, deviceID, key string) (models.Command, error) {
	sess, ok := s.get(deviceID)
	if !ok {
		return models.Command{}, ErrSessionNotFound
	}
	cmd, err := sess.reconciler.ToggleMode(ctx, key)
	s.afterCommand(ctx, sess, cmd)
	return cmd, err
}

// SetState drives an actuator in MANUAL mode.
func (s *SessionService) SetState(ctx context.Context, deviceID, key, state string) (models.Command, error) {
	sess, ok := s.get(deviceID)
	if !ok {
		return models.Command{}, ErrSessionNotFound
	}
	cmd, err := sess.reconciler.SetState(ctx, key, state)
	s.afterCommand(ctx, sess, cmd)
	return cmd, err
}

func (s *SessionService) afterCommand(ctx context.Context, sess *session, cmd models.Command) {
	if s.journal != nil && cmd.ID != "" {
		if err := s.journal.Record(ctx, cmd); err != nil {
			s.log.Warn().Err(err).Str("device_id", sess.deviceID).Msg("Failed to journal command")
		}
	}
	s.broadcast(sess)
}

// ToggleField selects or deselects a plotted field. Only numeric fields of
// the current window can be selected; a selected field can always be
// deselected.
func (s *SessionService) ToggleField(deviceID, key string) (bool, error) {
	sess, ok := s.get(deviceID)
	if !ok {
		return false, ErrSessionNotFound
	}

	sess.mu.Lock()
	keys := telemetry.NumericKeys(telemetry.Build(sess.history, s.now(), s.cfg.Window))
	if !slices.Contains(keys, key) && !sess.selection.Contains(key) {
		sess.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownField, key)
	}
	changed := sess.selection.Toggle(key)
	sess.mu.Unlock()

	s.broadcast(sess)
	return changed, nil
}

// ResetFields selects the first two discovered fields again.
func (s *SessionService) ResetFields(deviceID string) error {
	_, err := s.withSession(deviceID, func(sess *session) bool {
		points := telemetry.Build(sess.history, s.now(), s.cfg.Window)
		sess.selection.Reset(telemetry.NumericKeys(points))
		return true
	})
	return err
}

// PointerAction is one step of a drag-to-zoom gesture.
type PointerAction string

const (
	PointerDown PointerAction = "down"
	PointerMove PointerAction = "move"
	PointerUp   PointerAction = "up"
)

// Pointer forwards a chart pointer event. A nil x means the pointer is not
// over a data point.
func (s *SessionService) Pointer(deviceID string, action PointerAction, x *int64) (bool, error) {
	return s.withSession(deviceID, func(sess *session) bool {
		switch action {
		case PointerDown:
			sess.zoom.PointerDown(x)
		case PointerMove:
			sess.zoom.PointerMove(x)
		case PointerUp:
			return sess.zoom.PointerUp()
		}
		return false
	})
}

// Slide commits the window between two point indices of the current series.
func (s *SessionService) Slide(deviceID string, startIdx, endIdx int) (bool, error) {
	return s.withSession(deviceID, func(sess *session) bool {
		return sess.zoom.Slide(s.instants(sess), startIdx, endIdx)
	})
}

func (s *SessionService) ResetZoom(deviceID string) error {
	_, err := s.withSession(deviceID, func(sess *session) bool {
		sess.zoom.Reset()
		return true
	})
	return err
}

// withSession runs fn under the session lock and pushes the new view.
func (s *SessionService) withSession(deviceID string, fn func(*session) bool) (bool, error) {
	sess, ok := s.get(deviceID)
	if !ok {
		return false, ErrSessionNotFound
	}

	sess.mu.Lock()
	changed := fn(sess)
	sess.mu.Unlock()

	s.broadcast(sess)
	return changed, nil
}

// Status returns the state and viewer count of every session.
func (s *SessionService) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]interface{}, len(s.sessions))
	for id, sess := range s.sessions {
		sess.mu.Lock()
		status[id] = map[string]interface{}{
			"state":   sess.state.String(),
			"viewers": sess.viewers,
		}
		sess.mu.Unlock()
	}
	return status
}
